// Package jail implements the OS-level isolation backend: exec directly
// under a chroot. It is one jail directory and one cgroup directory (holding
// the memory limit) per sandbox; processes run in the jail are not moved
// into that cgroup — no import cache, no forking across sandboxes, since
// code is submitted directly in the request rather than pulled from a
// package tree.
package jail

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vaderyang/voidrun/internal/backend"
)

const sandboxRoot = "/sandbox"
const maxCapturedBytes = 10 * 1024 * 1024

// cgroupControllers lists the accounting controllers a jail is placed into.
var cgroupControllers = []string{"memory", "cpu", "pids"}

type jailHandle struct {
	dir     string
	cmd     *exec.Cmd // the process started by ExecDetached, nil until one is launched
	cgroup  string
	mu      sync.Mutex
}

// Backend is the OS-jail isolation backend.
type Backend struct {
	root      string
	available bool
	log       *slog.Logger
	idx       int64

	mu     sync.Mutex
	jails  map[string]*jailHandle
}

// New prepares a jail backend rooted at root (default /tmp). Available
// reports false if /sys/fs/cgroup is not present or the jail root cannot be
// created; whether the cgroup hierarchy is writable is not checked.
func New(root string, log *slog.Logger) *Backend {
	if root == "" {
		root = "/tmp"
	}
	b := &Backend{root: root, log: log, jails: map[string]*jailHandle{}}

	if _, err := os.Stat("/sys/fs/cgroup"); err != nil {
		log.Warn("jail backend unavailable: /sys/fs/cgroup not present", "error", err)
		return b
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		log.Warn("jail backend unavailable: cannot create jail root", "root", root, "error", err)
		return b
	}
	b.available = true
	return b
}

func (b *Backend) Name() string    { return "jail" }
func (b *Backend) Available() bool { return b.available }

func (b *Backend) Create(ctx context.Context, spec backend.CreateSpec) (backend.Handle, int, error) {
	if !b.available {
		return backend.Handle{}, 0, fmt.Errorf("jail backend not available")
	}
	if spec.Persistent && spec.PublishPort != 0 {
		// resolved Open Question: the jail backend has no bridge
		// network / port-forwarding concept, so admission control
		// must reject persistent+dev_server before reaching here;
		// this is a defensive backstop.
		return backend.Handle{}, 0, fmt.Errorf("jail backend does not support persistent dev-server mode")
	}

	id := fmt.Sprintf("sandbox-%d-%d", time.Now().UnixNano(), atomic.AddInt64(&b.idx, 1))
	dir := filepath.Join(b.root, id)
	if err := os.MkdirAll(filepath.Join(dir, sandboxRoot[1:]), 0755); err != nil {
		return backend.Handle{}, 0, err
	}

	cgPath, err := b.createCgroup(id, spec.MemoryLimitMB)
	if err != nil {
		os.RemoveAll(dir)
		return backend.Handle{}, 0, err
	}

	jh := &jailHandle{dir: dir, cgroup: cgPath}
	b.mu.Lock()
	b.jails[id] = jh
	b.mu.Unlock()

	return backend.Handle{ID: id, Backend: b.Name()}, 0, nil
}

// createCgroup creates a cgroup directory per controller and writes the
// memory limit. One cgroup tree per jail, never reused.
func (b *Backend) createCgroup(id string, memLimitMB int) (string, error) {
	base := filepath.Join("/sys/fs/cgroup", "voidrun", id)
	for _, controller := range cgroupControllers {
		dir := filepath.Join(base, controller)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create cgroup %s: %w", dir, err)
		}
	}
	if memLimitMB > 0 {
		limitPath := filepath.Join(base, "memory", "memory.limit_in_bytes")
		limit := strconv.Itoa(memLimitMB * 1024 * 1024)
		if err := os.WriteFile(limitPath, []byte(limit), 0644); err != nil {
			b.log.Warn("could not write memory cgroup limit", "path", limitPath, "error", err)
		}
	}
	return base, nil
}

func (b *Backend) Start(ctx context.Context, h backend.Handle) error {
	// jails have no separate "started" state distinct from created; Exec
	// and ExecDetached are what actually run a process in the chroot.
	return nil
}

func (b *Backend) jail(h backend.Handle) (*jailHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	jh, ok := b.jails[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown jail handle %s", h.ID)
	}
	return jh, nil
}

// WriteFile writes directly into the jail directory, which is always a
// straightforward os.WriteFile since the jail has no remote API boundary to
// cross — unlike the container backend's tar-based copy-in.
func (b *Backend) WriteFile(ctx context.Context, h backend.Handle, relPath string, content []byte, executable bool) error {
	jh, err := b.jail(h)
	if err != nil {
		return err
	}
	dest := filepath.Join(jh.dir, sandboxRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	return os.WriteFile(dest, content, mode)
}

func (b *Backend) Exec(ctx context.Context, h backend.Handle, argv []string, env map[string]string, stdin []byte, timeout time.Duration) (backend.ExecResult, error) {
	jh, err := b.jail(h)
	if err != nil {
		return backend.ExecResult{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := b.buildCmd(execCtx, jh, argv, env)

	var stdout, stderr truncatingBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	timedOut := execCtx.Err() == context.DeadlineExceeded
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if timedOut {
		exitCode = -1
	}

	if timedOut {
		runErr = nil // timeout is reported via TimedOut, not as an error
	}

	return backend.ExecResult{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		ExitCode:   exitCode,
		ElapsedMs:  elapsed.Milliseconds(),
		TimedOut:   timedOut,
		StdoutMore: stdout.truncated,
		StderrMore: stderr.truncated,
	}, runErr
}

func (b *Backend) ExecDetached(ctx context.Context, h backend.Handle, argv []string, env map[string]string) error {
	jh, err := b.jail(h)
	if err != nil {
		return err
	}
	cmd := b.buildCmd(context.Background(), jh, argv, env)
	logPath := filepath.Join(jh.dir, "devserver.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return err
	}

	jh.mu.Lock()
	jh.cmd = cmd
	jh.mu.Unlock()

	go func() {
		cmd.Wait()
		logFile.Close()
	}()
	return nil
}

// buildCmd assembles a chroot-confined command with a stripped environment
// and, via syscall.SysProcAttr, non-root credentials. The command is not
// placed in the jail's cgroup, so the cgroup memory limit does not apply to it.
func (b *Backend) buildCmd(ctx context.Context, jh *jailHandle, argv []string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "chroot", append([]string{jh.dir}, argv...)...)
	cmd.Dir = sandboxRoot
	cmd.Env = envSlice(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: nonRootCredential(),
	}
	return cmd
}

// nonRootCredential drops to the "nobody" user inside the jail when running
// as root. Falls back to nil (run as current user) if "nobody" cannot be
// resolved.
func nonRootCredential() *syscall.Credential {
	u, err := user.Lookup("nobody")
	if err != nil {
		return nil
	}
	uid, err1 := strconv.ParseUint(u.Uid, 10, 32)
	gid, err2 := strconv.ParseUint(u.Gid, 10, 32)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
}

func (b *Backend) ForceStop(ctx context.Context, h backend.Handle) error {
	jh, err := b.jail(h)
	if err != nil {
		return err
	}
	jh.mu.Lock()
	cmd := jh.cmd
	jh.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cmd.Process.Kill()
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, h backend.Handle) error {
	b.mu.Lock()
	jh, ok := b.jails[h.ID]
	if ok {
		delete(b.jails, h.ID)
	}
	b.mu.Unlock()
	if !ok {
		return nil // idempotent: already gone
	}

	b.ForceStop(ctx, h)

	if err := os.RemoveAll(jh.dir); err != nil {
		b.log.Warn("failed to remove jail directory", "dir", jh.dir, "error", err)
	}
	if err := os.RemoveAll(jh.cgroup); err != nil {
		b.log.Warn("failed to remove jail cgroup", "cgroup", jh.cgroup, "error", err)
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context, h backend.Handle) (backend.Stats, error) {
	jh, err := b.jail(h)
	if err != nil {
		return backend.Stats{}, err
	}
	var st backend.Stats
	if usage, err := os.ReadFile(filepath.Join(jh.cgroup, "memory", "memory.usage_in_bytes")); err == nil {
		if n, err := strconv.ParseUint(string(bytes.TrimSpace(usage)), 10, 64); err == nil {
			st.MemBytes = n
		}
	}
	return st, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

type truncatingBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (t *truncatingBuffer) Write(p []byte) (int, error) {
	remaining := maxCapturedBytes - t.buf.Len()
	if remaining <= 0 {
		t.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		t.buf.Write(p[:remaining])
		t.truncated = true
		return len(p), nil
	}
	t.buf.Write(p)
	return len(p), nil
}

func (t *truncatingBuffer) Bytes() []byte {
	if t.truncated {
		return append(t.buf.Bytes(), []byte("\n...[truncated]")...)
	}
	return t.buf.Bytes()
}

var _ io.Writer = (*truncatingBuffer)(nil)
var _ backend.Backend = (*Backend)(nil)
