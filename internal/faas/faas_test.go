package faas

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/config"
	"github.com/vaderyang/voidrun/internal/lifecycle"
	"github.com/vaderyang/voidrun/internal/portpool"
	"github.com/vaderyang/voidrun/internal/registry"
	"github.com/vaderyang/voidrun/internal/stats"
)

// fakeBackend stands in for the container/jail backend, same shape as
// lifecycle's own test double, so Manager can be exercised without docker or
// cgroups.
type fakeBackend struct {
	name      string
	available bool
}

func (f *fakeBackend) Name() string    { return f.name }
func (f *fakeBackend) Available() bool { return f.available }

func (f *fakeBackend) Create(ctx context.Context, spec backend.CreateSpec) (backend.Handle, int, error) {
	return backend.Handle{ID: "fake-1", Backend: f.name}, spec.HostPort, nil
}
func (f *fakeBackend) Start(ctx context.Context, h backend.Handle) error { return nil }
func (f *fakeBackend) WriteFile(ctx context.Context, h backend.Handle, relPath string, content []byte, executable bool) error {
	return nil
}
func (f *fakeBackend) Exec(ctx context.Context, h backend.Handle, argv []string, env map[string]string, stdin []byte, timeout time.Duration) (backend.ExecResult, error) {
	return backend.ExecResult{ExitCode: 0}, nil
}
func (f *fakeBackend) ExecDetached(ctx context.Context, h backend.Handle, argv []string, env map[string]string) error {
	return nil
}
func (f *fakeBackend) ForceStop(ctx context.Context, h backend.Handle) error { return nil }
func (f *fakeBackend) Destroy(ctx context.Context, h backend.Handle) error  { return nil }
func (f *fakeBackend) Stats(ctx context.Context, h backend.Handle) (backend.Stats, error) {
	return backend.Stats{}, nil
}

func testSetup(t *testing.T) (*Manager, *config.Config) {
	t.Helper()
	cfg := config.Defaults()
	reg := registry.New()
	ports, err := portpool.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	if err != nil {
		t.Fatalf("portpool.New: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	be := &fakeBackend{name: "fake", available: true}
	lc := lifecycle.New(cfg, reg, ports, be, log, stats.NewRegistry())
	publicURL := func(id string) string { return fmt.Sprintf("http://example.test/faas/%s", id) }
	m := New(lc, reg, publicURL, log)
	return m, cfg
}

// listenNextPort opens a real TCP listener on the next port the fresh
// portpool will hand out, standing in for the dev-server process the fake
// backend's ExecDetached never actually launches, so Manager.Deploy's
// readiness probe (a plain TCP dial) succeeds immediately instead of
// retrying for several seconds before giving up.
func listenNextPort(t *testing.T, cfg *config.Config, offset int) net.Listener {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Ports.RangeStart+offset)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("net.Listen(%s): %v", addr, err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestDeployCreatesPersistentDevServerDeployment(t *testing.T) {
	m, cfg := testSetup(t)
	listenNextPort(t, cfg, 0)

	dep, err := m.Deploy(context.Background(), DeployRequest{
		Runtime:        "bun",
		Code:           "Bun.serve({ fetch() { return new Response('ok') } })",
		IdleTimeoutMin: 5,
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if dep.ID == "" {
		t.Error("Deploy should assign a deployment id")
	}
	if dep.SandboxID == "" {
		t.Error("Deploy should record the backing sandbox id")
	}
	if dep.PublicURL == "" {
		t.Error("Deploy should synthesize a public URL")
	}
}

func TestDeployDefaultsIdleTimeout(t *testing.T) {
	m, cfg := testSetup(t)
	listenNextPort(t, cfg, 0)

	dep, err := m.Deploy(context.Background(), DeployRequest{Runtime: "bun", Code: "x"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if dep.IdleTimeoutMin != 30 {
		t.Errorf("IdleTimeoutMin = %d, want default 30", dep.IdleTimeoutMin)
	}
}

func TestGetMissingDeploymentFails(t *testing.T) {
	m, _ := testSetup(t)
	if _, err := m.Get("nope"); err == nil {
		t.Error("expected an error for an unknown deployment id")
	}
}

func TestUndeployRemovesDeploymentAndDestroysSandbox(t *testing.T) {
	m, cfg := testSetup(t)
	listenNextPort(t, cfg, 0)

	dep, err := m.Deploy(context.Background(), DeployRequest{Runtime: "bun", Code: "x"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := m.Undeploy(context.Background(), dep.ID); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if _, err := m.Get(dep.ID); err == nil {
		t.Error("deployment should be gone after Undeploy")
	}
}

func TestResolvePortTouchesLastActivity(t *testing.T) {
	m, cfg := testSetup(t)
	listenNextPort(t, cfg, 0)

	dep, err := m.Deploy(context.Background(), DeployRequest{Runtime: "bun", Code: "x"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	port, err := m.ResolvePort(dep.ID)
	if err != nil {
		t.Fatalf("ResolvePort: %v", err)
	}
	if port == 0 {
		t.Error("ResolvePort should return the sandbox's published port")
	}
}

func TestListReturnsAllDeployments(t *testing.T) {
	m, cfg := testSetup(t)
	listenNextPort(t, cfg, 0)
	listenNextPort(t, cfg, 1)

	if _, err := m.Deploy(context.Background(), DeployRequest{Runtime: "bun", Code: "a"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if _, err := m.Deploy(context.Background(), DeployRequest{Runtime: "node", Code: "b"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if got := len(m.List()); got != 2 {
		t.Errorf("List() returned %d deployments, want 2", got)
	}
}

func TestStartAndStopDoNotPanic(t *testing.T) {
	m, _ := testSetup(t)
	if err := m.Start(1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop()
}
