// ABOUTME: Management HTTP surface for connections and webhook injection
// ABOUTME: Mounts under the main server mux alongside the lifecycle API

package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentiom/agentiom/internal/store"
)

// API exposes connection management over HTTP.
type API struct {
	supervisor *Supervisor
	store      store.Store
	logger     *slog.Logger
	startedAt  time.Time
}

// NewAPI creates the management API.
func NewAPI(s *Supervisor, st store.Store, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		supervisor: s,
		store:      st,
		logger:     logger.With("component", "supervisor-api"),
		startedAt:  time.Now(),
	}
}

// Register mounts the management routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /connections", a.handleListConnections)
	mux.HandleFunc("GET /connections/{id}", a.handleGetConnection)
	mux.HandleFunc("POST /connections", a.handleCreateConnection)
	mux.HandleFunc("DELETE /connections/{id}", a.handleDeleteConnection)
	mux.HandleFunc("POST /connections/{id}/reconnect", a.handleReconnect)
	mux.HandleFunc("POST /webhook/{platform}/{id}", a.handleWebhook)
}

// connectionResponse renders an integration without its credentials.
type connectionResponse struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agentId"`
	Platform        string    `json:"platform"`
	EventFilter     []string  `json:"eventFilter,omitempty"`
	Enabled         bool      `json:"enabled"`
	Status          string    `json:"status"`
	EventsReceived  int       `json:"eventsReceived"`
	EventsDelivered int       `json:"eventsDelivered"`
	EventsFailed    int       `json:"eventsFailed"`
	RetryCount      int       `json:"retryCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toConnectionResponse(i *store.Integration) connectionResponse {
	return connectionResponse{
		ID:              i.ID,
		AgentID:         i.AgentID,
		Platform:        i.Platform,
		EventFilter:     i.EventFilter,
		Enabled:         i.Enabled,
		Status:          string(i.Status),
		EventsReceived:  i.EventsReceived,
		EventsDelivered: i.EventsDelivered,
		EventsFailed:    i.EventsFailed,
		RetryCount:      i.RetryCount,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(a.startedAt).Round(time.Second).String(),
		"connections": a.supervisor.GetStats(),
	})
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	integrations, err := a.store.ListIntegrations(r.Context())
	if err != nil {
		a.logger.Error("failed to list integrations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}
	out := make([]connectionResponse, 0, len(integrations))
	for _, i := range integrations {
		out = append(out, toConnectionResponse(i))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": out})
}

func (a *API) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	integration, err := a.store.GetIntegration(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrIntegrationNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		a.logger.Error("failed to load integration", "integration_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}

	resp := map[string]any{"connection": toConnectionResponse(integration)}
	if runtime, ok := a.supervisor.StatsFor(id); ok {
		resp["runtime"] = runtime
	}
	writeJSON(w, http.StatusOK, resp)
}

type createConnectionRequest struct {
	IntegrationID string          `json:"integrationId"`
	AgentID       string          `json:"agentId"`
	Platform      string          `json:"platform"`
	Credentials   json.RawMessage `json:"credentials"`
	EventFilter   []string        `json:"eventFilter"`
	Enabled       *bool           `json:"enabled"`
}

// handleCreateConnection connects an existing integration when the body
// carries an integrationId, or registers and connects a new one otherwise.
func (a *API) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IntegrationID != "" {
		a.connectExisting(w, r, req.IntegrationID)
		return
	}
	if req.AgentID == "" || req.Platform == "" {
		writeError(w, http.StatusBadRequest, "agentId and platform are required")
		return
	}
	if len(req.Credentials) == 0 {
		writeError(w, http.StatusBadRequest, "credentials are required")
		return
	}
	if _, err := a.store.GetAgent(r.Context(), req.AgentID); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		a.logger.Error("failed to load agent", "agent_id", req.AgentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	integration := &store.Integration{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		Platform:    req.Platform,
		Credentials: req.Credentials,
		EventFilter: req.EventFilter,
		Enabled:     enabled,
		Status:      store.IntegrationPending,
	}
	if err := a.store.CreateIntegration(r.Context(), integration); err != nil {
		a.logger.Error("failed to create integration", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create connection")
		return
	}

	if enabled {
		if err := a.supervisor.Connect(r.Context(), integration.ID); err != nil {
			a.logger.Warn("initial connect failed",
				"integration_id", integration.ID,
				"error", err)
		}
	}
	writeJSON(w, http.StatusCreated, toConnectionResponse(integration))
}

// connectExisting re-enables a registered integration and dials it.
func (a *API) connectExisting(w http.ResponseWriter, r *http.Request, id string) {
	integration, err := a.store.GetIntegration(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrIntegrationNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		a.logger.Error("failed to load integration", "integration_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}
	if !integration.Enabled {
		if err := a.store.UpdateIntegrationEnabled(r.Context(), id, true); err != nil {
			a.logger.Error("failed to enable integration", "integration_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to enable connection")
			return
		}
		integration.Enabled = true
	}
	if err := a.supervisor.Connect(r.Context(), id); err != nil {
		a.logger.Error("connect failed", "integration_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "connect failed")
		return
	}
	writeJSON(w, http.StatusOK, toConnectionResponse(integration))
}

// handleDeleteConnection disconnects and disables the integration. The record
// stays in the store so it can be reconnected later; pass ?destroy=true to
// remove it entirely.
func (a *API) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetIntegration(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrIntegrationNotFound) {
			writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		a.logger.Error("failed to load integration", "integration_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}
	if err := a.supervisor.Disconnect(r.Context(), id); err != nil {
		a.logger.Warn("disconnect failed", "integration_id", id, "error", err)
	}

	if r.URL.Query().Get("destroy") == "true" {
		if err := a.store.DeleteIntegration(r.Context(), id); err != nil {
			a.logger.Error("failed to delete integration", "integration_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete connection")
			return
		}
	} else if err := a.store.UpdateIntegrationEnabled(r.Context(), id, false); err != nil {
		a.logger.Error("failed to disable integration", "integration_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to disable connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.supervisor.Reconnect(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrIntegrationNotFound):
			writeError(w, http.StatusNotFound, "connection not found")
		case errors.Is(err, ErrIntegrationDisabled):
			writeError(w, http.StatusConflict, "connection is disabled")
		default:
			a.logger.Error("reconnect failed", "integration_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "reconnect failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

// handleWebhook accepts push-mode platform deliveries and injects them into
// the matching driver. The dedupe key comes from X-Idempotency-Key when the
// caller sets one, otherwise from a digest of the body.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	id := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	key := r.Header.Get("X-Idempotency-Key")
	if key == "" {
		sum := sha256.Sum256(body)
		key = platform + ":" + id + ":" + hex.EncodeToString(sum[:])
	}

	err = a.supervisor.InjectWebhook(r.Context(), platform, id, key, body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, ErrDuplicateEvent):
		// already processed, acknowledge so the platform stops resending
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, store.ErrIntegrationNotFound):
		writeError(w, http.StatusNotFound, "connection not found")
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "connection is not live")
	case errors.Is(err, ErrInjectionUnsupported):
		writeError(w, http.StatusBadRequest, "platform does not accept webhook delivery")
	default:
		a.logger.Error("webhook injection failed",
			"integration_id", id,
			"platform", platform,
			"error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
