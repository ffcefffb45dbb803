// Package faas is a thin supervisor over the registry and lifecycle manager:
// stable deployment ids, autoscale-to-zero, file-update-with-reload, and
// public URL synthesis. The autoscale timer uses github.com/robfig/cron/v3 —
// a teacher dependency that, in the original tree, was exercised only by the
// out-of-scope boss/event/cron_scheduler.go; here it drives the in-scope
// idle-timeout sweep instead.
package faas

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vaderyang/voidrun/internal/apierr"
	"github.com/vaderyang/voidrun/internal/lifecycle"
	"github.com/vaderyang/voidrun/internal/registry"
)

// Deployment is the FaaS data-model record: a stable id distinct from the
// sandbox id it wraps, the autoscale policy, and a synthesised public URL.
type Deployment struct {
	ID              string
	SandboxID       string
	PublicURL       string
	MinInstances    int
	MaxInstances    int
	IdleTimeoutMin  int
	CreatedAt       time.Time
}

// DeployRequest mirrors POST /faas/deploy's recognized fields.
type DeployRequest struct {
	Runtime        string
	Code           string
	EntryPoint     string
	MemoryLimitMB  int
	EnvVars        map[string]string
	Files          []registry.FileEntry
	InstallDeps    bool
	IdleTimeoutMin int
	MinInstances   int
	MaxInstances   int
}

// Manager owns the deployment map and the autoscale cron schedule.
type Manager struct {
	lifecycle *lifecycle.Manager
	reg       *registry.Registry
	publicURL func(deploymentID string) string
	log       *slog.Logger

	mu          sync.RWMutex
	deployments map[string]*Deployment

	cron *cron.Cron
}

// New constructs a Manager. publicURL maps a deployment id to that
// deployment's full public URL.
func New(lc *lifecycle.Manager, reg *registry.Registry, publicURL func(string) string, log *slog.Logger) *Manager {
	return &Manager{
		lifecycle:   lc,
		reg:         reg,
		publicURL:   publicURL,
		log:         log,
		deployments: map[string]*Deployment{},
		cron:        cron.New(cron.WithSeconds()),
	}
}

// Start begins the periodic autoscale sweep, every intervalSeconds.
func (m *Manager) Start(intervalSeconds int) error {
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	_, err := m.cron.AddFunc(spec, m.sweep)
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the autoscale sweep; in-flight deployments are left running —
// callers should still tear down remaining sandboxes via the lifecycle
// manager's own shutdown path.
func (m *Manager) Stop() {
	m.cron.Stop()
}

// Deploy creates a persistent dev-server sandbox and records a deployment
// wrapping it.
func (m *Manager) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	sb, err := m.lifecycle.Create(ctx, lifecycle.CreateRequest{
		Runtime:       req.Runtime,
		Code:          req.Code,
		EntryPoint:    req.EntryPoint,
		MemoryLimitMB: req.MemoryLimitMB,
		EnvVars:       req.EnvVars,
		Files:         req.Files,
		Mode:          "persistent",
		InstallDeps:   req.InstallDeps,
		DevServer:     true,
	})
	if err != nil {
		return nil, err
	}
	if sb.State == registry.Failed {
		return nil, apierr.Wrap(apierr.Internal, "deployment sandbox failed to start", fmt.Errorf(sb.FailReason))
	}

	idleTimeout := req.IdleTimeoutMin
	if idleTimeout <= 0 {
		idleTimeout = 30
	}

	dep := &Deployment{
		ID:             uuid.NewString(),
		SandboxID:      sb.ID,
		MinInstances:   req.MinInstances,
		MaxInstances:   req.MaxInstances,
		IdleTimeoutMin: idleTimeout,
		CreatedAt:      time.Now(),
	}
	dep.PublicURL = m.publicURL(dep.ID)

	m.mu.Lock()
	m.deployments[dep.ID] = dep
	m.mu.Unlock()

	return dep, nil
}

// Get returns the deployment record for id.
func (m *Manager) Get(id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dep, ok := m.deployments[id]
	if !ok {
		return nil, apierr.NotFoundf("deployment %s not found", id)
	}
	cp := *dep
	return &cp, nil
}

// List returns every known deployment.
func (m *Manager) List() []Deployment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, *d)
	}
	return out
}

// Undeploy tears down the backing sandbox and forgets the deployment.
func (m *Manager) Undeploy(ctx context.Context, id string) error {
	dep, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.lifecycle.Destroy(ctx, dep.SandboxID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.deployments, id)
	m.mu.Unlock()
	return nil
}

// UpdateFiles writes new files to the backing sandbox, and restarts the dev
// server if requested — the "file update with reload" contract.
func (m *Manager) UpdateFiles(ctx context.Context, id string, files []registry.FileEntry, restart bool) error {
	dep, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.lifecycle.AddFiles(ctx, dep.SandboxID, files); err != nil {
		return err
	}
	if restart {
		return m.lifecycle.RestartDevServer(ctx, dep.SandboxID)
	}
	return nil
}

// ResolvePort implements proxy.Resolver for "/faas/{id}/...": looks up the
// deployment's backing sandbox and returns its allocated port, touching
// last-activity so the autoscale sweep sees this as live traffic.
func (m *Manager) ResolvePort(id string) (int, error) {
	dep, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	sb, err := m.reg.Get(dep.SandboxID)
	if err != nil {
		return 0, apierr.NotFoundf("deployment %s's sandbox is gone", id)
	}
	if sb.Port == 0 {
		return 0, apierr.NotFoundf("deployment %s has no live port", id)
	}
	sb.Touch()
	return sb.Port, nil
}

// sweep compares now - last_activity against each deployment's idle timeout
// and tears down any deployment that has exceeded it, implementing
// autoscale-to-zero. Driven by cron instead of a bespoke ticker goroutine.
func (m *Manager) sweep() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.deployments))
	for id := range m.deployments {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		dep, err := m.Get(id)
		if err != nil {
			continue
		}
		sb, err := m.reg.Get(dep.SandboxID)
		if err != nil {
			continue
		}
		snap := sb.Snapshot()
		idleFor := time.Since(snap.LastActivity)
		if idleFor > time.Duration(dep.IdleTimeoutMin)*time.Minute {
			m.log.Info("autoscale idle timeout reached, tearing down deployment",
				"deployment", id, "idle_for", idleFor.String())
			if err := m.Undeploy(context.Background(), id); err != nil {
				m.log.Warn("autoscale teardown failed", "deployment", id, "error", err)
			}
		}
	}
}
