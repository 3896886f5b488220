package agentsvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parzizou/rdp-fleet/internal/docker"
)

// Deps bundles everything an Agent HTTP handler needs, threaded through
// explicitly rather than via package-level state — grounded on the
// teacher's internal/web.Dependencies wiring pattern.
type Deps struct {
	AgentID        string
	PublicHost     string
	APIToken       string // if set, required as a Bearer token on every route
	Docker         docker.API
	Launcher       *Launcher
	TotalCPU       int
	TotalMemMB     int
	GPUCapable     bool
	Log            *slog.Logger
	MetricsEnabled bool
}

// Server is the Agent's HTTP surface: GET /ping, GET /info, POST /execute,
// GET /containers, and (if enabled) GET /metrics.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer builds an Agent Server with routes registered.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ping", s.authed(s.handlePing))
	s.mux.HandleFunc("GET /info", s.authed(s.handleInfo))
	s.mux.HandleFunc("POST /execute", s.authed(s.handleExecute))
	s.mux.HandleFunc("GET /containers", s.authed(s.handleContainers))
	if s.deps.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// authed enforces the optional shared-secret bearer token on every
// agent-facing endpoint when one is configured (spec.md §6).
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.APIToken != "" {
			got := r.Header.Get("Authorization")
			if got != "Bearer "+s.deps.APIToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
				return
			}
		}
		h(w, r)
	}
}

// handlePing reports liveness and, by probing the Docker daemon, whether
// this Agent can actually service launch requests right now.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Docker.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "agent_id": s.deps.AgentID, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent_id": s.deps.AgentID})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	usedCPU, usedMemMB, running, err := UsedCapacity(r.Context(), s.deps.Docker)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":           s.deps.AgentID,
		"url":                ResolveHost(s.deps.PublicHost),
		"total_cpu":          s.deps.TotalCPU,
		"used_cpu":           usedCPU,
		"total_mem_mb":       s.deps.TotalMemMB,
		"used_mem_mb":        usedMemMB,
		"running_containers": running,
		"gpu_capable":        s.deps.GPUCapable,
		"timestamp":          time.Now().UTC(),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "error": "invalid request body"})
		return
	}

	result, err := s.deps.Launcher.Launch(r.Context(), req)
	if err != nil {
		s.deps.Log.Warn("launch failed", "username", req.Username, "error", err)
		// Validation failures are rejected before any Docker call was made
		// (spec.md §7's Validation class) and get 4xx; port exhaustion gets
		// 503 (spec.md §4.1); everything else is a genuine runtime failure
		// folded into a 200 status:"error" envelope so the Controller has a
		// single parsing path for every candidate's response (spec.md §6).
		var verr *ValidationError
		status := http.StatusOK
		switch {
		case errors.As(err, &verr):
			status = http.StatusBadRequest
		case errors.Is(err, ErrNoPort):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"rdp_host":        result.RDPHost,
		"rdp_port":        result.RDPPort,
		"container_id":    result.ContainerID,
		"startup_seconds": result.StartupSeconds,
	})
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.deps.Docker.ListContainers(r.Context(), map[string]string{"label": docker.ManagedByFilter()})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

// ListenAndServe starts the Agent HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 130 * time.Second, // covers the 120s runtime deadline on /execute
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("agent server listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the Agent HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
