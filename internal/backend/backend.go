// Package backend defines the isolation capability contract implemented by
// the container and jail backends: a flat create/start/exec/destroy
// lifecycle that the sandbox manager drives without caring which concrete
// isolation mechanism is underneath.
package backend

import (
	"context"
	"time"

	"github.com/vaderyang/voidrun/internal/langruntime"
)

// Handle opaquely identifies a provisioned isolate. Its concrete shape is
// backend-specific (container id for the container backend; a generated key
// into the backend's table of jail directories for the jail backend) and is never inspected outside the backend
// that produced it.
type Handle struct {
	ID      string
	Backend string
}

// CreateSpec describes the isolate to provision.
type CreateSpec struct {
	Runtime       langruntime.Runtime
	MemoryLimitMB int
	// Persistent sandboxes get a bridge network and a published port;
	// one-shot sandboxes get no network by default.
	Persistent bool
	// PublishPort is the guest-internal port to publish (conventionally
	// 3000) when Persistent is true. Zero means no port is published.
	PublishPort int
	// HostPort is the already-allocated host port (from portpool) that
	// PublishPort must be bound to. Port allocation happens before
	// Create so a Create failure can release the port synchronously.
	HostPort int
	EnvVars  map[string]string
}

// ExecResult is the outcome of a single Exec call.
type ExecResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitCode   int
	ElapsedMs  int64
	TimedOut   bool
	StdoutMore bool // true if stdout was truncated at the size cap
	StderrMore bool // true if stderr was truncated at the size cap
}

// Stats is a point-in-time resource sample. Backends that cannot measure a
// field report zero for it rather than failing the call.
type Stats struct {
	MemBytes     uint64
	CPUPercent   float64
	DiskBytes    uint64
	NetBytesIn   uint64
	NetBytesOut  uint64
}

// Backend is the single capability interface both isolation mechanisms
// implement. Every method may fail and every method may block; callers must
// treat each call as a suspension point per the concurrency discipline
// (never hold the registry lock across one of these calls).
type Backend interface {
	// Name identifies the backend for logging and admin endpoints
	// ("container" or "jail").
	Name() string

	// Available reports whether this backend's dependency (container
	// runtime socket, jail root writability) was reachable at
	// construction. The service fails fast if the configured backend is
	// unavailable.
	Available() bool

	// Create provisions but does not start an isolate. HostPort is set
	// iff spec.Persistent && spec.PublishPort != 0.
	Create(ctx context.Context, spec CreateSpec) (h Handle, hostPort int, err error)

	// Start transitions an isolate from created to running. Idempotent on
	// an already-running handle.
	Start(ctx context.Context, h Handle) error

	// WriteFile materialises a file inside the isolate rooted at
	// "/sandbox", creating parent directories as needed. Overwrites an
	// existing file. Always a verbatim copy-in, never a shell pipeline, so
	// the bytes arrive unchanged.
	WriteFile(ctx context.Context, h Handle, relPath string, content []byte, executable bool) error

	// Exec runs argv inside the running isolate, capturing stdout/stderr
	// up to a size cap, and enforces timeout by terminating the command
	// and returning ExecResult.TimedOut on expiry.
	Exec(ctx context.Context, h Handle, argv []string, env map[string]string, stdin []byte, timeout time.Duration) (ExecResult, error)

	// ExecDetached launches argv without waiting for exit, returning once
	// the process is confirmed running. Used for dev-server launches.
	ExecDetached(ctx context.Context, h Handle, argv []string, env map[string]string) error

	// ForceStop sends an immediate stop signal, escalating to kill, and
	// returns once the isolate is no longer running.
	ForceStop(ctx context.Context, h Handle) error

	// Destroy removes all artefacts for h. Idempotent: destroying an
	// already-gone isolate succeeds.
	Destroy(ctx context.Context, h Handle) error

	// Stats takes a point-in-time resource sample.
	Stats(ctx context.Context, h Handle) (Stats, error)
}
