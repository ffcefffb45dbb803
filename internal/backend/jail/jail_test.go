package jail

import (
	"context"
	"testing"

	"github.com/vaderyang/voidrun/internal/backend"
)

func TestTruncatingBufferCapsAtLimit(t *testing.T) {
	var buf truncatingBuffer
	buf.Write([]byte("hello"))
	if buf.truncated {
		t.Error("a small write should not trip truncation")
	}

	over := make([]byte, maxCapturedBytes+10)
	buf.Write(over)
	if !buf.truncated {
		t.Error("writing past maxCapturedBytes should set truncated")
	}
	if len(buf.Bytes()) <= maxCapturedBytes {
		t.Error("Bytes() should append a truncation marker once capped")
	}
}

func TestEnvSlice(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	if len(out) != 1 || out[0] != "FOO=bar" {
		t.Errorf("envSlice = %v, want [FOO=bar]", out)
	}
}

func TestBuildCmdWrapsArgvInChroot(t *testing.T) {
	b := &Backend{}
	jh := &jailHandle{dir: "/tmp/jail-xyz"}

	cmd := b.buildCmd(context.Background(), jh, []string{"node", "main.js"}, map[string]string{"FOO": "bar"})

	if cmd.Path == "" {
		t.Fatal("buildCmd should resolve the chroot binary path")
	}
	want := []string{cmd.Args[0], "/tmp/jail-xyz", "node", "main.js"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("Args = %v, want shape %v", cmd.Args, want)
	}
	for i := 1; i < len(want); i++ {
		if cmd.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], want[i])
		}
	}
	if cmd.Dir != sandboxRoot {
		t.Errorf("cmd.Dir = %q, want %q", cmd.Dir, sandboxRoot)
	}
	if len(cmd.Env) != 1 || cmd.Env[0] != "FOO=bar" {
		t.Errorf("cmd.Env = %v, want [FOO=bar]", cmd.Env)
	}
}

func TestNonRootCredentialDoesNotPanic(t *testing.T) {
	// Either a resolved nobody uid/gid or nil (host has no "nobody" user);
	// the only contract is that it never panics.
	_ = nonRootCredential()
}

func TestDestroyUnknownHandleIsIdempotent(t *testing.T) {
	b := &Backend{jails: map[string]*jailHandle{}}
	if err := b.Destroy(context.Background(), backend.Handle{ID: "never-created"}); err != nil {
		t.Errorf("Destroy on an unknown handle should be a no-op, got %v", err)
	}
}

func TestJailLookupUnknownHandleFails(t *testing.T) {
	b := &Backend{jails: map[string]*jailHandle{}}
	if _, err := b.jail(backend.Handle{ID: "nope"}); err == nil {
		t.Error("jail() should fail for an unknown handle id")
	}
}
