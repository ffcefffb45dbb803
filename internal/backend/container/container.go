// Package container implements the container-runtime-backed isolation
// backend: containers are created with a tmpfs at /sandbox and resource limits via
// fsouza/go-dockerclient, started, execed into, and force-removed on
// teardown. Port-spec parsing for the persistent+dev-server publish uses
// docker/go-connections/nat.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/docker/go-connections/nat"

	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/langruntime"
)

const sandboxRoot = "/sandbox"

// maxCapturedBytes bounds Exec's stdout/stderr capture, matching the
// "10 MiB each, excess truncated with a marker" contract.
const maxCapturedBytes = 10 * 1024 * 1024

// Backend is the container-runtime-backed implementation of backend.Backend.
type Backend struct {
	client      *docker.Client
	imgPrefix   string
	available   bool
	log         *slog.Logger

	mu         sync.Mutex
	containers map[string]*docker.Container // handle ID -> last-known inspect
}

// New connects to the local container runtime via the environment
// (DOCKER_HOST etc) and reports Available() based on whether a Ping
// succeeds.
func New(imagePrefix string, log *slog.Logger) *Backend {
	b := &Backend{imgPrefix: imagePrefix, log: log, containers: map[string]*docker.Container{}}

	client, err := docker.NewClientFromEnv()
	if err != nil {
		log.Warn("container backend unavailable: could not build docker client", "error", err)
		return b
	}
	if err := client.Ping(); err != nil {
		log.Warn("container backend unavailable: docker daemon unreachable", "error", err)
		return b
	}
	b.client = client
	b.available = true
	return b
}

func (b *Backend) Name() string      { return "container" }
func (b *Backend) Available() bool   { return b.available }

func (b *Backend) image(spec backend.CreateSpec) string {
	d := langruntime.Describe(spec.Runtime)
	return b.imgPrefix + d.BaseImage
}

// Create creates the container and also starts it, so that the published
// port binding can be read back from inspect; a later Start finds the
// container running and returns nil.
func (b *Backend) Create(ctx context.Context, spec backend.CreateSpec) (backend.Handle, int, error) {
	if !b.available {
		return backend.Handle{}, 0, fmt.Errorf("container backend not available")
	}

	cfg := &docker.Config{
		Image: b.image(spec),
		Cmd:   []string{"sleep", "infinity"},
		Env:   envSlice(spec.EnvVars),
	}

	hostCfg := &docker.HostConfig{
		Memory:         int64(spec.MemoryLimitMB) * 1024 * 1024,
		CapDrop:        []string{"ALL"},
		ReadonlyRootfs: true,
		// /sandbox is the one writable path, mirroring the "writable
		// overlay at /sandbox" requirement on a read-only root.
		Tmpfs: map[string]string{sandboxRoot: "exec"},
	}

	var hostPort int
	if spec.Persistent && spec.PublishPort != 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.PublishPort))
		if err != nil {
			return backend.Handle{}, 0, fmt.Errorf("invalid publish port %d: %w", spec.PublishPort, err)
		}
		dport := docker.Port(port)
		cfg.ExposedPorts = map[docker.Port]struct{}{dport: {}}
		hostCfg.PortBindings = map[docker.Port][]docker.PortBinding{
			dport: {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		}
		hostCfg.NetworkMode = "bridge"
	} else {
		hostCfg.NetworkMode = "none"
	}

	c, err := b.client.CreateContainer(docker.CreateContainerOptions{
		Config:     cfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return backend.Handle{}, 0, b.enrich(err, "")
	}

	h := backend.Handle{ID: c.ID, Backend: b.Name()}

	if err := b.client.StartContainer(c.ID, nil); err != nil {
		return backend.Handle{}, 0, b.enrich(err, c.ID)
	}

	inspect, err := b.client.InspectContainer(c.ID)
	if err != nil {
		return backend.Handle{}, 0, b.enrich(err, c.ID)
	}
	b.remember(inspect)

	if spec.Persistent && spec.PublishPort != 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.PublishPort))
		if err != nil {
			return backend.Handle{}, 0, err
		}
		bindings := inspect.NetworkSettings.Ports[docker.Port(port)]
		if len(bindings) == 0 {
			return backend.Handle{}, 0, fmt.Errorf("container started but published port %d has no binding", spec.PublishPort)
		}
		hostPort = spec.HostPort
	}

	return h, hostPort, nil
}

func (b *Backend) Start(ctx context.Context, h backend.Handle) error {
	inspect, err := b.client.InspectContainer(h.ID)
	if err != nil {
		return b.enrich(err, h.ID)
	}
	if inspect.State.Running {
		return nil
	}
	if err := b.client.StartContainer(h.ID, nil); err != nil {
		return b.enrich(err, h.ID)
	}
	return nil
}

// WriteFile uploads a single-entry tar archive to the container, which the
// docker daemon extracts relative to Path — a verbatim copy-in, preserving
// bytes exactly, unlike a shell `echo >` pipeline.
func (b *Backend) WriteFile(ctx context.Context, h backend.Handle, relPath string, content []byte, executable bool) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	mode := int64(0644)
	if executable {
		mode = 0755
	}
	hdr := &tar.Header{
		Name: relPath,
		Mode: mode,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return b.client.UploadToContainer(h.ID, docker.UploadToContainerOptions{
		InputStream: &buf,
		Path:        sandboxRoot,
		Context:     ctx,
	})
}

func (b *Backend) Exec(ctx context.Context, h backend.Handle, argv []string, env map[string]string, stdin []byte, timeout time.Duration) (backend.ExecResult, error) {
	start := time.Now()

	exec, err := b.client.CreateExec(docker.CreateExecOptions{
		Container:    h.ID,
		Cmd:          argv,
		Env:          envSlice(env),
		WorkingDir:   sandboxRoot,
		AttachStdin:  len(stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return backend.ExecResult{}, b.enrich(err, h.ID)
	}

	var stdout, stderr truncatingBuffer
	done := make(chan error, 1)
	go func() {
		done <- b.client.StartExec(exec.ID, docker.StartExecOptions{
			OutputStream: &stdout,
			ErrorStream:  &stderr,
			InputStream:  bytes.NewReader(stdin),
			Context:      ctx,
		})
	}()

	var execErr error
	timedOut := false
	select {
	case execErr = <-done:
	case <-time.After(timeout):
		timedOut = true
		b.killAll(ctx, h)
		<-done // StartExec returns once the killed process's streams close
	}

	elapsed := time.Since(start)

	exitCode := 0
	if !timedOut {
		inspect, inspErr := b.client.InspectExec(exec.ID)
		if inspErr == nil {
			exitCode = inspect.ExitCode
		} else if execErr == nil {
			execErr = inspErr
		}
	} else {
		exitCode = -1
	}

	return backend.ExecResult{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		ExitCode:   exitCode,
		ElapsedMs:  elapsed.Milliseconds(),
		TimedOut:   timedOut,
		StdoutMore: stdout.truncated,
		StderrMore: stderr.truncated,
	}, execErr
}

func (b *Backend) ExecDetached(ctx context.Context, h backend.Handle, argv []string, env map[string]string) error {
	exec, err := b.client.CreateExec(docker.CreateExecOptions{
		Container:  h.ID,
		Cmd:        argv,
		Env:        envSlice(env),
		WorkingDir: sandboxRoot,
	})
	if err != nil {
		return b.enrich(err, h.ID)
	}
	if err := b.client.StartExec(exec.ID, docker.StartExecOptions{Detach: true}); err != nil {
		return b.enrich(err, h.ID)
	}
	return nil
}

// killAll terminates every process in the container's pid namespace by
// execing a kill into it — the exec shares the container's pid namespace, so
// this is how a wall-clock timeout actually stops the running command.
func (b *Backend) killAll(ctx context.Context, h backend.Handle) {
	exec, err := b.client.CreateExec(docker.CreateExecOptions{
		Container: h.ID,
		Cmd:       []string{"kill", "-9", "-1"},
	})
	if err != nil {
		b.log.Warn("failed to create kill-all exec after timeout", "container", h.ID, "error", err)
		return
	}
	if err := b.client.StartExec(exec.ID, docker.StartExecOptions{}); err != nil {
		b.log.Warn("failed to run kill-all exec after timeout", "container", h.ID, "error", err)
	}
}

func (b *Backend) ForceStop(ctx context.Context, h backend.Handle) error {
	err := b.client.StopContainer(h.ID, 2)
	if err != nil {
		// escalate to kill
		killErr := b.client.KillContainer(docker.KillContainerOptions{ID: h.ID})
		if killErr != nil {
			return b.enrich(killErr, h.ID)
		}
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, h backend.Handle) error {
	err := b.client.RemoveContainer(docker.RemoveContainerOptions{
		ID:            h.ID,
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if _, ok := err.(*docker.NoSuchContainer); ok {
			return nil
		}
	}
	b.mu.Lock()
	delete(b.containers, h.ID)
	b.mu.Unlock()
	return err
}

func (b *Backend) Stats(ctx context.Context, h backend.Handle) (backend.Stats, error) {
	statsCh := make(chan *docker.Stats, 1)
	done := make(chan bool)
	errCh := make(chan error, 1)

	go func() {
		errCh <- b.client.Stats(docker.StatsOptions{
			ID:      h.ID,
			Stats:   statsCh,
			Stream:  false,
			Done:    done,
			Context: ctx,
		})
	}()

	select {
	case s, ok := <-statsCh:
		if !ok {
			return backend.Stats{}, <-errCh
		}
		return backend.Stats{
			MemBytes:    s.MemoryStats.Usage,
			CPUPercent:  cpuPercent(s),
			NetBytesIn:  sumNet(s, true),
			NetBytesOut: sumNet(s, false),
		}, nil
	case err := <-errCh:
		return backend.Stats{}, err
	case <-time.After(5 * time.Second):
		close(done)
		return backend.Stats{}, fmt.Errorf("timed out waiting for container stats")
	}
}

func cpuPercent(s *docker.Stats) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage - s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemCPUUsage - s.PreCPUStats.SystemCPUUsage)
	if sysDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	numCPUs := float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	if numCPUs == 0 {
		numCPUs = 1
	}
	return (cpuDelta / sysDelta) * numCPUs * 100.0
}

func sumNet(s *docker.Stats, in bool) uint64 {
	var total uint64
	for _, n := range s.Networks {
		if in {
			total += n.RxBytes
		} else {
			total += n.TxBytes
		}
	}
	return total
}

func (b *Backend) remember(c *docker.Container) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.containers[c.ID] = c
}

// enrich adds current container state to an error for easier diagnosis.
func (b *Backend) enrich(outer error, containerID string) error {
	if containerID == "" {
		return outer
	}
	inspect, err := b.client.InspectContainer(containerID)
	if err != nil {
		return fmt.Errorf("%w (and could not inspect container: %v)", outer, err)
	}
	return fmt.Errorf("%w (container state: %s)", outer, inspect.State.StateString())
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// truncatingBuffer caps the number of bytes retained, per the 10 MiB capture
// cap, setting truncated once the cap is hit.
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
