// Package api wires the HTTP API surface: thin adapters translating JSON
// requests into lifecycle-manager and faas-manager calls, plus the reverse
// proxy routes. Routes are dispatched through github.com/go-chi/chi/v5,
// with URL parsing and one handler function per route.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vaderyang/voidrun/internal/apierr"
	"github.com/vaderyang/voidrun/internal/faas"
	"github.com/vaderyang/voidrun/internal/lifecycle"
	"github.com/vaderyang/voidrun/internal/proxy"
	"github.com/vaderyang/voidrun/internal/registry"
	"github.com/vaderyang/voidrun/internal/stats"
)

// Server bundles every dependency the HTTP handlers need.
type Server struct {
	lifecycle *lifecycle.Manager
	reg       *registry.Registry
	faas      *faas.Manager
	stats     *stats.Registry
	log       *slog.Logger

	router chi.Router
}

// New builds the chi router with every sandbox, FaaS, and admin endpoint
// mounted.
func New(lc *lifecycle.Manager, reg *registry.Registry, fm *faas.Manager, st *stats.Registry, log *slog.Logger) *Server {
	s := &Server{lifecycle: lc, reg: reg, faas: fm, stats: st, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequest)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/sandbox", func(r chi.Router) {
		r.Post("/", s.handleCreateSandbox)
		r.Get("/{id}", s.handleGetSandbox)
		r.Delete("/{id}", s.handleDeleteSandbox)
		r.Post("/{id}/execute", s.handleExecute)
		r.Post("/{id}/files", s.handleAddFiles)
	})
	r.Get("/sandboxes", s.handleListSandboxes)

	r.Route("/faas", func(r chi.Router) {
		r.Post("/deploy", s.handleDeploy)
		r.Get("/deployments", s.handleListDeployments)
		r.Get("/deployments/{id}", s.handleGetDeployment)
		r.Delete("/deployments/{id}", s.handleUndeploy)
		r.Put("/deployments/{id}/files", s.handleUpdateDeploymentFiles)
	})

	r.HandleFunc("/proxy/{id}/*", s.handleProxySandbox)
	r.HandleFunc("/faas/{id}/*", s.handleProxyDeployment)

	r.Route("/admin/api", func(r chi.Router) {
		r.Get("/status", s.handleAdminStatus)
		r.Get("/list", s.handleListSandboxes)
		r.Get("/logs/{id}", s.handleAdminLogs)
		r.Post("/force-stop/{id}", s.handleAdminForceStop)
		r.Get("/docs", s.handleAdminDocs)
		r.Get("/test", s.handleAdminTest)
	})

	s.router = r
	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed straight to
// http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "elapsed", time.Since(start).String())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apierr.Error); ok {
		writeJSON(w, ae.Kind.Status(), map[string]string{"error": ae.Message, "kind": ae.Kind.String()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error(), "kind": "internal"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pid":    os.Getpid(),
	})
}

// createSandboxRequest is the Create Sandbox JSON request body.
type createSandboxRequest struct {
	Runtime       string            `json:"runtime"`
	Code          string            `json:"code"`
	EntryPoint    string            `json:"entry_point,omitempty"`
	TimeoutMs     int               `json:"timeout_ms,omitempty"`
	MemoryLimitMB int               `json:"memory_limit_mb,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	Files         []fileEntryJSON   `json:"files,omitempty"`
	Mode          string            `json:"mode,omitempty"`
	InstallDeps   bool              `json:"install_deps,omitempty"`
	DevServer     bool              `json:"dev_server,omitempty"`
}

type fileEntryJSON struct {
	Path         string `json:"path"`
	Content      string `json:"content"`
	IsExecutable bool   `json:"is_executable,omitempty"`
}

func toFileEntries(in []fileEntryJSON) []registry.FileEntry {
	out := make([]registry.FileEntry, len(in))
	for i, f := range in {
		out[i] = registry.FileEntry{Path: f.Path, Content: []byte(f.Content), Executable: f.IsExecutable}
	}
	return out
}

type sandboxResponse struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	Mode      string `json:"mode"`
	Port      int    `json:"port,omitempty"`
	CreatedAt string `json:"created_at"`
	FailedMsg string `json:"fail_reason,omitempty"`
}

func toSandboxResponse(sb registry.Sandbox) sandboxResponse {
	return sandboxResponse{
		ID:        sb.ID,
		State:     sb.State.String(),
		Mode:      string(sb.Mode),
		Port:      sb.Port,
		CreatedAt: sb.CreatedAt.Format(time.RFC3339),
		FailedMsg: sb.FailReason,
	}
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	var req createSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.Validationf("malformed JSON body: %v", err))
		return
	}

	sb, err := s.lifecycle.Create(r.Context(), lifecycle.CreateRequest{
		Runtime:       req.Runtime,
		Code:          req.Code,
		EntryPoint:    req.EntryPoint,
		TimeoutMs:     req.TimeoutMs,
		MemoryLimitMB: req.MemoryLimitMB,
		EnvVars:       req.EnvVars,
		Files:         toFileEntries(req.Files),
		Mode:          req.Mode,
		InstallDeps:   req.InstallDeps,
		DevServer:     req.DevServer,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSandboxResponse(*sb))
}

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sb, err := s.reg.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSandboxResponse(sb.Snapshot()))
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	all := s.reg.List()
	out := make([]sandboxResponse, len(all))
	for i, sb := range all {
		out[i] = toSandboxResponse(sb)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.Destroy(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type execResponse struct {
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  int    `json:"exit_code"`
	ElapsedMs int64  `json:"elapsed_ms"`
	TimedOut  bool   `json:"timed_out"`
	Success   bool   `json:"success"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.lifecycle.Execute(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{
		Stdout:    string(res.Stdout),
		Stderr:    string(res.Stderr),
		ExitCode:  res.ExitCode,
		ElapsedMs: res.ElapsedMs,
		TimedOut:  res.TimedOut,
		Success:   res.Success,
	})
}

func (s *Server) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Files []fileEntryJSON `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.Validationf("malformed JSON body: %v", err))
		return
	}
	if err := s.lifecycle.AddFiles(r.Context(), id, toFileEntries(body.Files)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type deployRequest struct {
	Runtime        string            `json:"runtime"`
	Code           string            `json:"code"`
	EntryPoint     string            `json:"entry_point,omitempty"`
	MemoryLimitMB  int               `json:"memory_limit_mb,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
	Files          []fileEntryJSON   `json:"files,omitempty"`
	InstallDeps    bool              `json:"install_deps,omitempty"`
	IdleTimeoutMin int               `json:"idle_timeout_minutes,omitempty"`
	MinInstances   int               `json:"min_instances,omitempty"`
	MaxInstances   int               `json:"max_instances,omitempty"`
}

type deploymentResponse struct {
	ID             string `json:"id"`
	SandboxID      string `json:"sandbox_id"`
	PublicURL      string `json:"public_url"`
	IdleTimeoutMin int    `json:"idle_timeout_minutes"`
	CreatedAt      string `json:"created_at"`
}

func toDeploymentResponse(d faas.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:             d.ID,
		SandboxID:      d.SandboxID,
		PublicURL:      d.PublicURL,
		IdleTimeoutMin: d.IdleTimeoutMin,
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.Validationf("malformed JSON body: %v", err))
		return
	}
	dep, err := s.faas.Deploy(r.Context(), faas.DeployRequest{
		Runtime:        req.Runtime,
		Code:           req.Code,
		EntryPoint:     req.EntryPoint,
		MemoryLimitMB:  req.MemoryLimitMB,
		EnvVars:        req.EnvVars,
		Files:          toFileEntries(req.Files),
		InstallDeps:    req.InstallDeps,
		IdleTimeoutMin: req.IdleTimeoutMin,
		MinInstances:   req.MinInstances,
		MaxInstances:   req.MaxInstances,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeploymentResponse(*dep))
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	all := s.faas.List()
	out := make([]deploymentResponse, len(all))
	for i, d := range all {
		out[i] = toDeploymentResponse(d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dep, err := s.faas.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(*dep))
}

func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.faas.Undeploy(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateDeploymentFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Files             []fileEntryJSON `json:"files"`
		RestartDevServer  bool            `json:"restart_dev_server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.Validationf("malformed JSON body: %v", err))
		return
	}
	if err := s.faas.UpdateFiles(r.Context(), id, toFileEntries(body.Files), body.RestartDevServer); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sandboxPortResolver adapts the registry to proxy.Resolver for "/proxy/{id}".
type sandboxPortResolver struct{ reg *registry.Registry }

func (r sandboxPortResolver) ResolvePort(id string) (int, error) {
	sb, err := r.reg.Get(id)
	if err != nil {
		return 0, err
	}
	sb.Touch()
	snap := sb.Snapshot()
	if snap.Port == 0 {
		return 0, apierr.NotFoundf("sandbox %s has no published port", id)
	}
	return snap.Port, nil
}

func (s *Server) handleProxySandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rest := chi.URLParam(r, "*")
	p := proxy.New(sandboxPortResolver{reg: s.reg}, s.log)
	p.ServeProxy(w, r, id, rest)
}

func (s *Server) handleProxyDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rest := chi.URLParam(r, "*")
	p := proxy.New(s.faas, s.log)
	p.ServeProxy(w, r, id, rest)
}

// --- Admin surface (component M) ---

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sandboxes":   s.reg.Count(),
		"deployments": len(s.faas.List()),
		"pid":         os.Getpid(),
		"latency":     s.stats.Snapshot(),
	})
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sb, err := s.reg.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	snap := sb.Snapshot()
	var stdout, stderr string
	if snap.LastResult != nil {
		stdout = string(snap.LastResult.Stdout)
		stderr = string(snap.LastResult.Stderr)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"stdout":      stdout,
		"stderr":      stderr,
		"fail_reason": snap.FailReason,
	})
}

func (s *Server) handleAdminForceStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.lifecycle.ForceStop(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleAdminDocs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": []string{
			"GET /health", "POST /sandbox", "GET /sandbox/{id}",
			"POST /sandbox/{id}/execute", "POST /sandbox/{id}/files",
			"DELETE /sandbox/{id}", "GET /sandboxes", "POST /faas/deploy",
			"GET /faas/deployments", "GET|DELETE /faas/deployments/{id}",
			"PUT /faas/deployments/{id}/files", "ALL /proxy/{id}/*", "ALL /faas/{id}/*",
		},
	})
}

func (s *Server) handleAdminTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": fmt.Sprintf("voidrun admin test at %s", time.Now().Format(time.RFC3339))})
}
