package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tphummel/fleetwatch/internal/auth"
	"github.com/tphummel/fleetwatch/internal/db"
	"github.com/tphummel/fleetwatch/internal/fleet"
	"github.com/tphummel/fleetwatch/internal/install"
	"github.com/tphummel/fleetwatch/internal/metrics"
	"github.com/tphummel/fleetwatch/internal/middleware"
	"github.com/tphummel/fleetwatch/internal/models"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 * 1024

// AgentKeyHeader carries the per-server key on metrics reports.
const AgentKeyHeader = "X-Agent-Key"

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB      *db.DB
	Fleet   *fleet.Service
	Auth    *auth.Gate
	Install install.Generator
	Version string
	Commit  string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}

// statusFor maps an error kind to its single HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidMetrics):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error response for err. Store and internal failures are
// logged and reported without driver detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.ErrorContext(r.Context(), "request failed", "route", r.Pattern, "error", err)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		slog.ErrorContext(r.Context(), "store unavailable", "route", r.Pattern, "error", err)
		msg = "registry store unavailable"
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="fleetwatch"`)
	}
	writeError(w, status, models.Kind(err), msg)
}

// decodeJSON reads a bounded JSON body into v. On failure it writes the
// response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_input", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON")
		return false
	}
	return true
}

// Health handles GET /healthz. No auth required.
// Returns 503 if the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "registry store unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}

// ListServers handles GET /api/servers.
func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.Fleet.List(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

// GetServer handles GET /api/servers/{id}.
func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := h.Fleet.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Fleet.Stats(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Ingest handles POST /api/servers/{id}/metrics. The agent authenticates
// with its per-server key; any timestamp in the body is ignored.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var t models.Telemetry
	if !decodeJSON(w, r, &t) {
		metrics.RecordIngest(metrics.IngestInvalid)
		return
	}

	err := h.Fleet.Ingest(r.Context(), r.PathValue("id"), r.Header.Get(AgentKeyHeader), t)
	switch {
	case err == nil:
		metrics.RecordIngest(metrics.IngestAccepted)
	case errors.Is(err, models.ErrInvalidMetrics):
		metrics.RecordIngest(metrics.IngestInvalid)
	case errors.Is(err, models.ErrUnauthorized):
		metrics.RecordIngest(metrics.IngestUnauthorized)
	case errors.Is(err, models.ErrNotFound):
		metrics.RecordIngest(metrics.IngestNotFound)
	default:
		metrics.RecordIngest(metrics.IngestError)
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createClientRequest struct {
	Name string `json:"name"`
}

type createClientResponse struct {
	*models.ServerRecord
	AgentKey string                      `json:"agent_key"`
	Install  map[install.Platform]string `json:"install"`
}

// CreateClient handles POST /api/clients.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	srv, err := h.Fleet.CreateClient(r.Context(), req.Name)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createClientResponse{
		ServerRecord: srv,
		AgentKey:     srv.AgentKey,
		Install:      h.Install.All(targetOf(srv)),
	})
}

// ListClients handles GET /api/clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Fleet.Clients(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

// DeleteServer handles DELETE /api/servers/{id}.
func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.Fleet.DeleteClient(r.Context(), r.PathValue("id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setOrderRequest struct {
	OrderIndex *int64 `json:"order_index"`
}

// SetOrder handles PUT /api/servers/{id}/order.
func (h *Handler) SetOrder(w http.ResponseWriter, r *http.Request) {
	var req setOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OrderIndex == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "order_index is required")
		return
	}
	id := r.PathValue("id")
	if err := h.Fleet.SetOrder(r.Context(), id, *req.OrderIndex); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "order_index": *req.OrderIndex})
}

type setStatusRequest struct {
	Status models.Status `json:"status"`
}

// SetStatus handles PUT /api/servers/{id}/status. Only maintenance can be
// set explicitly; running clears the override and stopped is always derived.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var on bool
	switch req.Status {
	case models.StatusMaintenance:
		on = true
	case models.StatusRunning:
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", `status must be "maintenance" or "running"`)
		return
	}
	id := r.PathValue("id")
	if err := h.Fleet.SetMaintenance(r.Context(), id, on); err != nil {
		fail(w, r, err)
		return
	}
	srv, err := h.Fleet.Get(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

// InstallCommand handles GET /api/servers/{id}/install?platform=.
func (h *Handler) InstallCommand(w http.ResponseWriter, r *http.Request) {
	p, err := install.ParsePlatform(r.URL.Query().Get("platform"))
	if err != nil {
		fail(w, r, err)
		return
	}
	srv, err := h.Fleet.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	cmd, err := h.Install.Command(p, targetOf(srv))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"platform": string(p), "command": cmd})
}

func targetOf(srv *models.ServerRecord) install.Target {
	return install.Target{Name: srv.Name, ServerID: srv.ID, AgentKey: srv.AgentKey}
}

// AuthStatus handles GET /api/auth/status.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"initialized": h.Auth.Initialized()})
}

type passwordRequest struct {
	Password string `json:"password"`
}

type tokenResponse struct {
	Success bool `json:"success"`
	*auth.Token
}

// Initialize handles POST /api/auth/initialize.
func (h *Handler) Initialize(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tok, err := h.Auth.Initialize(r.Context(), req.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Success: true, Token: tok})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tok, err := h.Auth.Login(r.Context(), req.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Success: true, Token: tok})
}

// Logout handles POST /api/auth/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(r.Context(), middleware.TokenFromContext(r.Context())); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

// ResetPassword handles POST /api/auth/reset-password.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tok, err := h.Auth.ResetPassword(r.Context(), middleware.TokenFromContext(r.Context()), req.NewPassword)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Success: true, Token: tok})
}
