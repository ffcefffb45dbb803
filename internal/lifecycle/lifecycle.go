// Package lifecycle implements the sandbox state machine: setup (file
// materialisation, dependency install, dev-server launch), one-shot
// execution, and teardown, driven by the mode/state table this service
// defines (Created -> Installing -> Running/DevServer -> Completed/Failed
// -> Destroyed).
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/vaderyang/voidrun/internal/apierr"
	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/config"
	"github.com/vaderyang/voidrun/internal/langruntime"
	"github.com/vaderyang/voidrun/internal/portpool"
	"github.com/vaderyang/voidrun/internal/registry"
	"github.com/vaderyang/voidrun/internal/stats"
)

const (
	devServerInternalPort = 3000
	readinessMaxRetries   = 20
	readinessBackoff      = 500 * time.Millisecond
)

// CreateRequest is the validated set of fields a create call needs, mapped
// 1:1 from the JSON request body's recognized fields.
type CreateRequest struct {
	Runtime       string
	Code          string
	EntryPoint    string
	TimeoutMs     int
	MemoryLimitMB int
	EnvVars       map[string]string
	Files         []registry.FileEntry
	Mode          string
	InstallDeps   bool
	DevServer     bool
}

// Manager owns the state machine: it is the only component that transitions
// a Sandbox's State field, other than the proxy's last-activity stamp.
type Manager struct {
	cfg   *config.Config
	reg   *registry.Registry
	ports *portpool.Pool
	be    backend.Backend
	log   *slog.Logger
	stats *stats.Registry
}

// New constructs a Manager. be is the single isolation backend chosen at
// process start (container or jail) — dynamic dispatch over backends is
// resolved once, here, not per request. st records rolling latency for the
// create/execute/destroy operations, read back by the admin stats endpoint.
func New(cfg *config.Config, reg *registry.Registry, ports *portpool.Pool, be backend.Backend, log *slog.Logger, st *stats.Registry) *Manager {
	return &Manager{cfg: cfg, reg: reg, ports: ports, be: be, log: log, stats: st}
}

// Create runs admission control, then drives Created -> (Installing) ->
// Running/DevServer, inserting the record into the registry only after the
// backend handle has been successfully created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*registry.Sandbox, error) {
	l := m.stats.T0("create")
	defer m.stats.T1(l)

	rt, err := langruntime.Parse(req.Runtime)
	if err != nil {
		return nil, err
	}

	mode := registry.OneShot
	if req.Mode == "persistent" {
		mode = registry.Persistent
	} else if req.Mode != "" && req.Mode != "oneshot" {
		return nil, apierr.Validationf("unknown mode %q", req.Mode)
	}

	if mode == registry.Persistent && req.DevServer && m.be.Name() == "jail" {
		// resolved Open Question: jail backend has no bridge network
		// or port-forwarding concept.
		return nil, apierr.Validationf("jail backend does not support persistent+dev_server mode")
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs == 0 {
		timeoutMs = m.cfg.Limits.DefaultTimeoutMs
	}
	if timeoutMs < 0 || timeoutMs > m.cfg.Limits.MaxTimeoutMs {
		return nil, apierr.Validationf("timeout_ms %d exceeds max %d", timeoutMs, m.cfg.Limits.MaxTimeoutMs)
	}

	memMB := req.MemoryLimitMB
	if memMB == 0 {
		memMB = m.cfg.Limits.DefaultMemoryMb
	}
	if memMB < 0 || memMB > m.cfg.Limits.MaxMemoryMb {
		return nil, apierr.Validationf("memory_limit_mb %d exceeds max %d", memMB, m.cfg.Limits.MaxMemoryMb)
	}

	if err := validateFiles(req.Files, m.cfg); err != nil {
		return nil, err
	}

	if m.reg.Count() >= m.cfg.Limits.MaxConcurrentSandboxes {
		return nil, apierr.New(apierr.ResourceExhausted, "max_concurrent_sandboxes reached")
	}

	wantPort := mode == registry.Persistent && req.DevServer
	var hostPort int
	if wantPort {
		hostPort, err = m.ports.Allocate()
		if err != nil {
			return nil, err
		}
	}

	spec := backend.CreateSpec{
		Runtime:       rt,
		MemoryLimitMB: memMB,
		Persistent:    mode == registry.Persistent,
		EnvVars:       req.EnvVars,
	}
	if wantPort {
		spec.PublishPort = devServerInternalPort
		spec.HostPort = hostPort
	}

	handle, _, err := m.be.Create(ctx, spec)
	if err != nil {
		if wantPort {
			m.ports.Release(hostPort)
		}
		return nil, apierr.Wrap(apierr.Internal, "backend create failed", err)
	}

	if err := m.be.Start(ctx, handle); err != nil {
		m.be.Destroy(ctx, handle)
		if wantPort {
			m.ports.Release(hostPort)
		}
		return nil, apierr.Wrap(apierr.Internal, "backend start failed", err)
	}

	entry := req.EntryPoint
	var entryArgv []string
	if entry != "" {
		entryArgv = []string{"sh", "-c", entry}
	} else {
		d := langruntime.Describe(rt)
		entryArgv = d.DefaultCommand("main")
	}

	sb := &registry.Sandbox{
		ID:          registry.NewID(),
		Runtime:     rt,
		EntryPoint:  entryArgv,
		EnvVars:     req.EnvVars,
		MemoryMB:    memMB,
		TimeoutMs:   timeoutMs,
		Mode:        mode,
		InstallDeps: req.InstallDeps,
		DevServer:   req.DevServer,
		Handle:      handle,
		Port:        hostPort,
		State:       registry.Created,
		CreatedAt:   time.Now(),
	}
	sb.LastActivity = sb.CreatedAt

	files := req.Files
	if req.Code != "" {
		d := langruntime.Describe(rt)
		files = append([]registry.FileEntry{{Path: "main" + d.FileExt, Content: []byte(req.Code)}}, files...)
	}

	if err := m.writeFiles(ctx, handle, files); err != nil {
		m.teardown(ctx, handle, hostPort, wantPort)
		return nil, apierr.Wrap(apierr.Internal, "file materialisation failed", err)
	}

	if req.InstallDeps && hasPackageJSON(files) {
		sb.State = registry.Installing
		if err := m.installDeps(ctx, handle, rt, sb.EnvVars); err != nil {
			sb.State = registry.Failed
			sb.FailReason = err.Error()
			m.reg.Insert(sb)
			return sb, nil
		}
		sb.State = registry.Created
	}

	m.reg.Insert(sb)

	if mode == registry.Persistent && req.DevServer {
		if err := m.launchDevServer(ctx, sb); err != nil {
			sb.State = registry.Failed
			sb.FailReason = err.Error()
			return sb, nil
		}
		sb.State = registry.DevServer
	}

	return sb, nil
}

func hasPackageJSON(files []registry.FileEntry) bool {
	for _, f := range files {
		if f.Path == "package.json" {
			return true
		}
	}
	return false
}

// writeFiles materialises files in request order, matching the
// create-with-parents / executable-bit-after-write contract. Any failure
// aborts the whole create.
func (m *Manager) writeFiles(ctx context.Context, h backend.Handle, files []registry.FileEntry) error {
	for _, f := range files {
		if err := m.be.WriteFile(ctx, h, f.Path, f.Content, f.Executable); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

func (m *Manager) installDeps(ctx context.Context, h backend.Handle, rt langruntime.Runtime, env map[string]string) error {
	timeout := 30 * time.Second
	if cfgTimeout := time.Duration(m.cfg.Limits.DefaultTimeoutMs) * time.Millisecond; cfgTimeout > timeout {
		timeout = cfgTimeout
	}
	res, err := m.be.Exec(ctx, h, langruntime.InstallCommand(rt), env, nil, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dependency install failed (exit %d): %s", res.ExitCode, string(res.Stderr))
	}
	return nil
}

// launchDevServer starts the guest process detached and runs the readiness
// probe before the caller may observe state DevServer.
func (m *Manager) launchDevServer(ctx context.Context, sb *registry.Sandbox) error {
	if err := m.be.ExecDetached(ctx, sb.Handle, sb.EntryPoint, sb.EnvVars); err != nil {
		return fmt.Errorf("launch dev server: %w", err)
	}
	return m.probeReady(sb.Port)
}

// probeReady is a TCP-connect retry loop waiting for a dev server's
// published port to become reachable.
func (m *Manager) probeReady(hostPort int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", hostPort)
	var lastErr error
	for i := 0; i < readinessMaxRetries; i++ {
		conn, err := net.DialTimeout("tcp", addr, readinessBackoff)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(readinessBackoff)
	}
	return fmt.Errorf("dev server not ready after %d retries: %w", readinessMaxRetries, lastErr)
}

// Execute runs the one-shot launch command under the sandbox's per-record
// mutex. It accepts a sandbox in state Created or Completed (so a completed
// sandbox can be re-executed) and rejects every other state, Failed
// included, with a BadState error.
func (m *Manager) Execute(ctx context.Context, id string) (registry.ExecResult, error) {
	l := m.stats.T0("execute")
	defer m.stats.T1(l)

	sb, err := m.reg.Get(id)
	if err != nil {
		return registry.ExecResult{}, err
	}

	var result registry.ExecResult
	err = sb.WithLock(func(sb *registry.Sandbox) error {
		if sb.State != registry.Created && sb.State != registry.Completed {
			return apierr.BadStatef("cannot execute sandbox %s in state %s", id, sb.State)
		}

		timeout := time.Duration(sb.TimeoutMs) * time.Millisecond
		res, execErr := m.be.Exec(ctx, sb.Handle, sb.EntryPoint, sb.EnvVars, nil, timeout)
		if execErr != nil && !res.TimedOut {
			sb.State = registry.Failed
			return apierr.Wrap(apierr.Internal, "exec failed", execErr)
		}

		result = registry.ExecResult{
			Stdout:    res.Stdout,
			Stderr:    res.Stderr,
			ExitCode:  res.ExitCode,
			ElapsedMs: res.ElapsedMs,
			TimedOut:  res.TimedOut,
			Success:   res.ExitCode == 0 && !res.TimedOut,
		}
		sb.LastResult = &result

		if result.Success {
			sb.State = registry.Completed
		} else {
			sb.State = registry.Failed
		}
		return nil
	})

	return result, err
}

// AddFiles writes new/overwritten files to a live sandbox, used by both
// POST /sandbox/{id}/files and the FaaS file-update-with-reload path.
func (m *Manager) AddFiles(ctx context.Context, id string, files []registry.FileEntry) error {
	sb, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	return sb.WithLock(func(sb *registry.Sandbox) error {
		return m.writeFiles(ctx, sb.Handle, files)
	})
}

// RestartDevServer re-invokes the dev-server launch command, used by the
// FaaS file-update-with-reload path when restart_dev_server is requested.
func (m *Manager) RestartDevServer(ctx context.Context, id string) error {
	sb, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	return sb.WithLock(func(sb *registry.Sandbox) error {
		if sb.State != registry.DevServer {
			return apierr.BadStatef("sandbox %s has no dev server to restart", id)
		}
		m.be.ForceStop(ctx, sb.Handle)
		return m.launchDevServer(ctx, sb)
	})
}

// Destroy tears down a sandbox regardless of its current state (any
// non-terminal -> Destroyed), following the teardown-never-blocks-on-Destroy-
// failure rule.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	l := m.stats.T0("destroy")
	defer m.stats.T1(l)

	sb, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	sb.MarkDestroyed()
	m.teardown(ctx, sb.Handle, sb.Port, sb.Port != 0)
	m.reg.Remove(id)
	return nil
}

// ForceStop terminates the running isolate without removing it from the
// registry, exposed via the admin surface for operator intervention.
func (m *Manager) ForceStop(ctx context.Context, id string) error {
	sb, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	return sb.WithLock(func(sb *registry.Sandbox) error {
		return m.be.ForceStop(ctx, sb.Handle)
	})
}

// teardown calls backend.Destroy then port release, in that order, logging
// but never propagating a Destroy failure — the port is always reclaimed.
func (m *Manager) teardown(ctx context.Context, h backend.Handle, port int, hasPort bool) {
	if err := m.be.Destroy(ctx, h); err != nil {
		m.log.Warn("backend destroy failed during teardown", "handle", h.ID, "error", err)
	}
	if hasPort {
		m.ports.Release(port)
	}
}

func validateFiles(files []registry.FileEntry, cfg *config.Config) error {
	if len(files) > cfg.Limits.MaxFileListCount {
		return apierr.Validationf("file list has %d entries, max %d", len(files), cfg.Limits.MaxFileListCount)
	}
	total := 0
	for _, f := range files {
		if err := validatePath(f.Path); err != nil {
			return err
		}
		total += len(f.Content)
	}
	if total > cfg.Limits.MaxFileListBytes {
		return apierr.Validationf("file list totals %d bytes, max %d", total, cfg.Limits.MaxFileListBytes)
	}
	return nil
}

// validatePath rejects a path that escapes the sandbox root's writable
// allow-list, even after a leading slash is stripped to "relative to
// /sandbox".
func validatePath(p string) error {
	clean := p
	for len(clean) > 0 && clean[0] == '/' {
		clean = clean[1:]
	}
	depth := 0
	for _, seg := range splitPath(clean) {
		switch seg {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return apierr.Validationf("file path %q escapes the sandbox root", p)
			}
		default:
			depth++
		}
	}
	return nil
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			parts = append(parts, p[start:i])
			start = i + 1
		}
	}
	return parts
}
