// Package registry is the single process-wide mapping from sandbox id to
// sandbox record: a reader-writer lock around the map (lookups take a read
// lock, mutation takes a write lock), and a per-record mutex so that a
// "dead" (Destroyed) record absorbs further calls instead of racing with
// them.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaderyang/voidrun/internal/apierr"
	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/langruntime"
)

// State is one of the lifecycle manager's state-machine states.
type State int

const (
	Created State = iota
	Installing
	Running
	DevServer
	Completed
	Failed
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Installing:
		return "installing"
	case Running:
		return "running"
	case DevServer:
		return "dev_server"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Mode distinguishes a one-shot sandbox from a persistent one.
type Mode string

const (
	OneShot    Mode = "oneshot"
	Persistent Mode = "persistent"
)

// FileEntry is one entry of a declarative file list.
type FileEntry struct {
	Path       string
	Content    []byte
	Executable bool
}

// ExecResult mirrors backend.ExecResult at the registry layer, adding the
// Success field the HTTP surface reports per spec: success iff exit 0 and no
// timeout.
type ExecResult struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	ElapsedMs int64
	TimedOut  bool
	Success   bool
}

// Sandbox is the authoritative per-sandbox entity: metadata, backend handle,
// allocated port, and lifecycle state, guarded by its own mutex so that
// concurrent execute/update/destroy calls on the same id serialise, and a
// Destroyed record absorbs further calls instead of racing with them.
type Sandbox struct {
	mu sync.Mutex

	ID          string
	Runtime     langruntime.Runtime
	EntryPoint  []string
	EnvVars     map[string]string
	MemoryMB    int
	TimeoutMs   int
	Mode        Mode
	InstallDeps bool
	DevServer   bool

	Handle       backend.Handle
	Port         int // 0 unless Persistent && DevServer
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	LastResult   *ExecResult
	FailReason   string

	dead bool
}

// WithLock runs fn with the sandbox's per-record mutex held. fn receives a
// live pointer; if the record is already Destroyed, WithLock returns a
// BadState *apierr.Error without calling fn, implementing the "dead absorbs
// further calls" discipline.
func (s *Sandbox) WithLock(fn func(*Sandbox) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return apierr.BadStatef("sandbox %s is destroyed", s.ID)
	}
	return fn(s)
}

// Snapshot returns a value copy of the record's fields safe to read without
// holding the lock (used by GET /sandbox/{id} and /sandboxes).
func (s *Sandbox) Snapshot() Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s
	cp.mu = sync.Mutex{}
	return cp
}

// MarkDestroyed flips the record to Destroyed under its own lock; idempotent.
func (s *Sandbox) MarkDestroyed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	s.State = Destroyed
}

// Touch updates last-activity, called by the proxy on every forwarded
// request (data model: "last-activity instant, updated on any proxy hit").
func (s *Sandbox) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// Registry is the process-wide id -> *Sandbox map.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Sandbox
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{records: map[string]*Sandbox{}}
}

// Insert adds rec to the map under rec.ID, which the caller generates with
// NewID. Per invariant 1, callers must only Insert after the backend handle
// has been successfully created — Insert itself does not call the backend.
func (r *Registry) Insert(rec *Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
}

// NewID generates a fresh sandbox id, never reused (data model "Identity").
func NewID() string {
	return uuid.NewString()
}

// Get returns the record for id, or a NotFound *apierr.Error.
func (r *Registry) Get(id string) (*Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, apierr.NotFoundf("sandbox %s not found", id)
	}
	return rec, nil
}

// List returns a snapshot of every record currently in the registry.
func (r *Registry) List() []Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sandbox, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Snapshot())
	}
	return out
}

// Remove deletes id from the map. Callers must release the port allocator's
// port inside the same critical section this call represents (see
// lifecycle.Manager.teardown), so removal and release stay in lock-step.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Count returns the number of live records, used by admission control's
// max_concurrent_sandboxes check.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
