package controllersvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/parzizou/rdp-fleet/internal/auth"
	"github.com/parzizou/rdp-fleet/internal/clock"
	"github.com/parzizou/rdp-fleet/internal/config"
	"github.com/parzizou/rdp-fleet/internal/events"
	"github.com/parzizou/rdp-fleet/internal/fleet"
	"github.com/parzizou/rdp-fleet/internal/launch"
	"github.com/parzizou/rdp-fleet/internal/metrics"
	"github.com/parzizou/rdp-fleet/internal/notify"
	"github.com/parzizou/rdp-fleet/internal/store"
	"github.com/parzizou/rdp-fleet/internal/userstore"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps bundles everything the Controller's HTTP handlers need.
type Deps struct {
	Cfg        *config.Config
	Registry   *fleet.Registry
	Sessions   *SessionStore
	Users      *userstore.Store
	DB         *store.Store
	Dispatcher *Dispatcher
	RateLimit  *auth.RateLimiter
	Notifier   *notify.Multi
	Bus        *events.Bus
	Clock      clock.Clock
	Log        *slog.Logger
	RoleLimits map[string]launch.Limits
}

// Server is the Controller's HTTP surface.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer builds a Controller Server with routes registered.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /launch", s.requireSession(s.handleLaunch))
	s.mux.HandleFunc("GET /api/agents", s.requireSession(s.handleAgents))
	s.mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /change_password", s.requireSession(s.handleChangePassword))
	s.mux.HandleFunc("POST /totp/enroll", s.requireSession(s.handleTOTPEnroll))
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("GET /logout", s.handleLogout)
	s.mux.HandleFunc("POST /api/roster", s.requireAdmin(s.handlePutRosterEntry))
	s.mux.HandleFunc("DELETE /api/roster/{agent_id}", s.requireAdmin(s.handleDeleteRosterEntry))
	s.mux.HandleFunc("POST /api/allowed-images", s.requireAdmin(s.handleSetAllowedImages))
	s.mux.HandleFunc("POST /api/users/{username}/reset_password", s.requireAdmin(s.handleResetPassword))
	if s.deps.Cfg.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
}

// requireSession wraps a handler to demand a live session cookie, the
// session's username surfaced to the handler via request context.
func (s *Server) requireSession(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.GetSessionToken(r)
		username, role, ok := s.deps.Sessions.Lookup(token, s.deps.Clock.Now())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxUsername, username)
		ctx = context.WithValue(ctx, ctxRole, role)
		h(w, r.WithContext(ctx))
	}
}

// requireAdmin demands a live session whose role is the literal string
// "admin".
func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return s.requireSession(func(w http.ResponseWriter, r *http.Request) {
		if roleFromContext(r.Context()) != "admin" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin role required"})
			return
		}
		h(w, r)
	})
}

type ctxKey int

const (
	ctxUsername ctxKey = iota
	ctxRole
)

func usernameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxUsername).(string)
	return v
}

func roleFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxRole).(string)
	return v
}

// handleLaunch admits, ranks, and dispatches one launch request.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	limits := launch.LimitsFor(s.deps.RoleLimits, roleFromContext(r.Context()))
	allowedImages, err := s.deps.DB.GetAllowedImages()
	if err != nil {
		s.deps.Log.Error("load allowed images failed", "error", err)
	}

	if err := launch.Admit(req, limits, allowedImages); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := s.deps.Clock.Now()
	online := s.deps.Registry.Online(now, s.deps.Cfg.AgentOnlineWindow)
	candidates := fleet.Rank(online, fleet.Request{
		CPULimit:      req.CPULimit,
		MemoryLimitMB: req.MemoryLimitMB,
		GPU:           req.GPU,
	}, fleet.DefaultWeights)

	start := time.Now()
	result, dispatchErr := s.deps.Dispatcher.Dispatch(r.Context(), candidates, req)
	duration := time.Since(start)

	username := usernameFromContext(r.Context())

	if dispatchErr != nil {
		outcome := "no_candidate"
		diagnostics := ""
		var allFailed *ErrAllCandidatesFailed
		if errors.As(dispatchErr, &allFailed) {
			outcome = "dispatch_failed"
			diagnostics = strings.Join(allFailed.Diagnostics, "; ")
		}
		metrics.PlacementsTotal.WithLabelValues(outcome).Inc()

		if err := s.deps.DB.RecordLaunch(store.LaunchRecord{
			Username:    username,
			Image:       req.Image,
			Outcome:     outcome,
			Diagnostics: diagnostics,
			Duration:    duration,
		}); err != nil {
			s.deps.Log.Error("record launch history failed", "error", err)
		}

		s.deps.Notifier.Notify(r.Context(), notify.Event{
			Type:      notify.EventLaunchFailed,
			Username:  username,
			Error:     dispatchErr.Error(),
			Timestamp: now,
		})
		s.deps.Bus.Publish(events.SSEEvent{Type: events.EventLaunchFailed, Message: dispatchErr.Error(), Timestamp: now})

		// No candidates at all is a capacity problem (503); every candidate
		// tried and failed is a dispatch failure (502) — spec.md §4.2/§7.
		status := http.StatusServiceUnavailable
		if allFailed != nil {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": dispatchErr.Error()})
		return
	}

	metrics.PlacementsTotal.WithLabelValues("placed").Inc()

	// One fallback event per candidate that was tried and rejected before
	// the one that finally succeeded.
	for _, diag := range result.Diagnostics {
		s.deps.Bus.Publish(events.SSEEvent{Type: events.EventDispatchRetry, Message: diag, Timestamp: now})
	}

	if err := s.deps.DB.RecordLaunch(store.LaunchRecord{
		Username:      username,
		Image:         req.Image,
		AgentID:       result.AgentID,
		ContainerID:   result.ContainerID,
		Outcome:       "placed",
		DispatchTries: result.Tries,
		Duration:      duration,
	}); err != nil {
		s.deps.Log.Error("record launch history failed", "error", err)
	}

	s.deps.Notifier.Notify(r.Context(), notify.Event{
		Type:        notify.EventLaunchSucceeded,
		AgentID:     result.AgentID,
		ContainerID: result.ContainerID,
		Username:    username,
		Timestamp:   now,
	})
	s.deps.Bus.Publish(events.SSEEvent{
		Type:        events.EventLaunchPlaced,
		AgentID:     result.AgentID,
		ContainerID: result.ContainerID,
		Timestamp:   now,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"rdp_host":        result.RDPHost,
		"rdp_port":        result.RDPPort,
		"container_id":    result.ContainerID,
		"agent_id":        result.AgentID,
		"startup_seconds": result.StartupSeconds,
	})
}

// handleAgents reports the current fleet snapshot, online or not, for the
// admin UI's refresh poll.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.All())
}

// handleHeartbeat absorbs one agent's capacity snapshot (push mode).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cfg.APIToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.deps.Cfg.APIToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
			return
		}
	}

	var a fleet.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid heartbeat body"})
		return
	}
	if err := a.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.deps.Registry.Upsert(a, s.deps.Clock.Now())
	metrics.HeartbeatsAccepted.Inc()
	metrics.FleetSize.Set(float64(len(s.deps.Registry.Online(s.deps.Clock.Now(), s.deps.Cfg.AgentOnlineWindow))))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

// handleLogin verifies credentials against the flat-file user store,
// applies per-IP rate limiting, and on success issues a session cookie.
// If TOTP is enabled for this deployment and the user has a secret on
// file, a missing/incorrect code is rejected the same as a bad password.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.deps.RateLimit.Allow(ip) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many login attempts, try again later"})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	user, err := s.deps.Users.Verify(req.Username, req.Password)
	if err != nil {
		s.deps.RateLimit.RecordFailure(ip)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username or password"})
		return
	}

	if s.deps.Cfg.TOTPEnabled {
		secret, err := s.deps.DB.LoadSetting("totp_secret:" + req.Username)
		if err != nil {
			s.deps.Log.Error("load totp secret failed", "error", err)
		}
		if secret != "" && !s.verifySecondFactor(req.Username, req.TOTPCode) {
			s.deps.RateLimit.RecordFailure(ip)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing TOTP code"})
			return
		}
	}

	s.deps.RateLimit.Reset(ip)

	token, err := auth.GenerateSessionToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not start session"})
		return
	}
	expiry := s.deps.Clock.Now().Add(s.deps.Cfg.SessionLifetime)
	s.deps.Sessions.Create(token, user.Username, user.Role, expiry)
	auth.SetSessionCookie(w, token, expiry, r.TLS != nil)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"username":    user.Username,
		"role":        user.Role,
		"first_login": user.FirstLogin,
	})
}

// verifySecondFactor accepts either a live TOTP code or, failing that, a
// one-time recovery code — the latter consumed (removed from the stored
// set) on use so it cannot be replayed.
func (s *Server) verifySecondFactor(username, code string) bool {
	secret, err := s.deps.DB.LoadSetting("totp_secret:" + username)
	if err != nil || secret == "" {
		return false
	}
	if auth.ValidateTOTPCode(secret, code) {
		return true
	}

	stored, err := s.loadRecoveryCodes(username)
	if err != nil || len(stored) == 0 {
		return false
	}
	idx := auth.ValidateRecoveryCode(code, stored)
	if idx < 0 {
		return false
	}
	stored = append(stored[:idx], stored[idx+1:]...)
	if err := s.saveRecoveryCodes(username, stored); err != nil {
		s.deps.Log.Error("failed to consume recovery code", "username", username, "error", err)
	}
	return true
}

func (s *Server) loadRecoveryCodes(username string) ([]string, error) {
	raw, err := s.deps.DB.LoadSetting("totp_recovery:" + username)
	if err != nil || raw == "" {
		return nil, err
	}
	return strings.Split(raw, ","), nil
}

func (s *Server) saveRecoveryCodes(username string, codes []string) error {
	return s.deps.DB.SaveSetting("totp_recovery:"+username, strings.Join(codes, ","))
}

// handleTOTPEnroll issues a fresh TOTP secret and one-time recovery code
// set for the calling user, persists both, and returns the provisioning
// URL (for a QR code) and the plain-text recovery codes — shown to the
// user exactly once, the same as the teacher's own enrollment contract.
func (s *Server) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	username := usernameFromContext(r.Context())

	key, err := auth.GenerateTOTPSecret(username)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate TOTP secret"})
		return
	}
	if err := s.deps.DB.SaveSetting("totp_secret:"+username, key.Secret()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist TOTP secret"})
		return
	}

	plain, stored, err := auth.GenerateRecoveryCodes()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate recovery codes"})
		return
	}
	if err := s.saveRecoveryCodes(username, stored); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to persist recovery codes"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"provisioning_url": key.URL(),
		"recovery_codes":   plain,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.GetSessionToken(r)
	s.deps.Sessions.Revoke(token)
	auth.ClearSessionCookie(w, r.TLS != nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// handleChangePassword requires the caller's current password, per the
// self-service contract (as opposed to an administrative reset).
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	username := usernameFromContext(r.Context())
	if err := s.deps.Users.ChangePassword(username, req.OldPassword, req.NewPassword); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePutRosterEntry creates or overwrites one admin-managed roster
// override. It only persists the entry; the live registry is not changed.
// The override takes effect when LoadRoster next runs at startup, where
// Removed=true keeps the agent from being seeded as a placeholder. An agent
// that keeps sending heartbeats stays in the registry either way.
func (s *Server) handlePutRosterEntry(w http.ResponseWriter, r *http.Request) {
	var entry store.RosterEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if entry.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id is required"})
		return
	}
	if err := s.deps.DB.PutRosterEntry(entry); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save roster entry"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeleteRosterEntry removes an admin-managed roster override
// entirely. It does not evict any container the agent already launched.
func (s *Server) handleDeleteRosterEntry(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := s.deps.DB.DeleteRosterEntry(agentID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to delete roster entry"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setAllowedImagesRequest struct {
	Images []string `json:"images"`
}

// handleSetAllowedImages replaces the admission allowlist wholesale. An
// empty list lifts the restriction entirely, per the admission contract.
func (s *Server) handleSetAllowedImages(w http.ResponseWriter, r *http.Request) {
	var req setAllowedImagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.deps.DB.SetAllowedImages(req.Images); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to save allowed images"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resetPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// handleResetPassword sets a user's password without requiring their old
// one — the administrative counterpart to handleChangePassword — and
// forces a first-login password change on next sign-in.
func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.deps.Users.ResetPassword(username, req.NewPassword); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, userstore.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIP extracts the caller's IP for rate-limit bucketing, preferring
// RemoteAddr since this Controller is not assumed to sit behind a proxy
// that sets X-Forwarded-For.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ListenAndServe starts the Controller HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("controller server listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the Controller HTTP server.
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
