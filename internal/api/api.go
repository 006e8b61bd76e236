// ABOUTME: Lifecycle HTTP surface: agent registration, wake/sleep, auto-sleep, activity
// ABOUTME: Thin JSON handlers over the store and the lifecycle orchestrator

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agentiom/agentiom/internal/lifecycle"
	"github.com/agentiom/agentiom/internal/store"
)

// Lifecycle is the slice of the orchestrator the API needs.
type Lifecycle interface {
	Wake(ctx context.Context, agentID, triggerType string, triggerContext map[string]any) (*lifecycle.WakeResult, error)
	Sleep(ctx context.Context, agentID, trigger string) error
	RecordActivity(ctx context.Context, agentID string) error
	ConfigureAutoSleep(ctx context.Context, agentID string, enabled bool, idleTimeoutMins int) error
}

// API serves the agent lifecycle endpoints.
type API struct {
	store     store.Store
	lifecycle Lifecycle
	logger    *slog.Logger
}

// New creates the lifecycle API.
func New(st store.Store, lc Lifecycle, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:     st,
		lifecycle: lc,
		logger:    logger.With("component", "api"),
	}
}

// Register mounts the lifecycle routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents", a.handleCreateAgent)
	mux.HandleFunc("GET /agents", a.handleListAgents)
	mux.HandleFunc("GET /agents/{id}/status", a.handleStatus)
	mux.HandleFunc("POST /agents/{id}/wake", a.handleWake)
	mux.HandleFunc("POST /agents/{id}/sleep", a.handleSleep)
	mux.HandleFunc("PATCH /agents/{id}/auto-sleep", a.handleAutoSleep)
	mux.HandleFunc("POST /agents/{id}/activity", a.handleActivity)
	mux.HandleFunc("GET /agents/{id}/activity-log", a.handleActivityLog)
}

// agentResponse is the JSON rendering of an agent.
type agentResponse struct {
	ID              string     `json:"id"`
	Slug            string     `json:"slug"`
	Status          string     `json:"status"`
	Target          *string    `json:"target,omitempty"`
	InstanceID      *string    `json:"instanceId,omitempty"`
	IdleTimeoutMins int        `json:"idleTimeoutMins"`
	AutoSleep       bool       `json:"autoSleep"`
	LastActivityAt  *time.Time `json:"lastActivityAt,omitempty"`
	LastWakeAt      *time.Time `json:"lastWakeAt,omitempty"`
	LastSleepAt     *time.Time `json:"lastSleepAt,omitempty"`
	WakeCount       int        `json:"wakeCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func toAgentResponse(agent *store.Agent) agentResponse {
	return agentResponse{
		ID:              agent.ID,
		Slug:            agent.Slug,
		Status:          string(agent.Status),
		Target:          agent.Target,
		InstanceID:      agent.InstanceID,
		IdleTimeoutMins: agent.IdleTimeoutMins,
		AutoSleep:       agent.AutoSleep,
		LastActivityAt:  agent.LastActivityAt,
		LastWakeAt:      agent.LastWakeAt,
		LastSleepAt:     agent.LastSleepAt,
		WakeCount:       agent.WakeCount,
		CreatedAt:       agent.CreatedAt,
		UpdatedAt:       agent.UpdatedAt,
	}
}

type createAgentRequest struct {
	Slug            string `json:"slug"`
	IdleTimeoutMins int    `json:"idleTimeoutMins"`
	AutoSleep       *bool  `json:"autoSleep"`
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Slug == "" {
		writeError(w, http.StatusBadRequest, "slug is required")
		return
	}

	autoSleep := true
	if req.AutoSleep != nil {
		autoSleep = *req.AutoSleep
	}
	idleTimeout := req.IdleTimeoutMins
	if idleTimeout <= 0 {
		idleTimeout = 30
	}
	agent := &store.Agent{
		ID:              uuid.NewString(),
		Slug:            req.Slug,
		Status:          store.AgentPending,
		IdleTimeoutMins: idleTimeout,
		AutoSleep:       autoSleep,
	}
	if err := a.store.CreateAgent(r.Context(), agent); err != nil {
		if errors.Is(err, store.ErrDuplicateSlug) {
			writeError(w, http.StatusConflict, "slug already in use")
			return
		}
		a.logger.Error("failed to create agent", "slug", req.Slug, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent))
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.store.ListAgents(r.Context())
	if err != nil {
		a.logger.Error("failed to list agents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, agent := range agents {
		out = append(out, toAgentResponse(agent))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent, err := a.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(agent))
}

type wakeRequest struct {
	TriggerType string         `json:"triggerType"`
	Context     map[string]any `json:"context"`
}

func (a *API) handleWake(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req wakeRequest
	if r.Body != nil {
		// body is optional; a bare POST wakes with the operator trigger
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.TriggerType == "" {
		req.TriggerType = "operator"
	}
	result, err := a.lifecycle.Wake(r.Context(), id, req.TriggerType, req.Context)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAgentNotFound):
			writeError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, lifecycle.ErrAlreadyTransitioning):
			writeError(w, http.StatusConflict, "agent transition already in flight")
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			a.logger.Error("wake failed", "agent_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "wake failed")
		}
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (a *API) handleSleep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := a.lifecycle.Sleep(r.Context(), id, "operator")
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAgentNotFound):
			writeError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, lifecycle.ErrAlreadyTransitioning):
			writeError(w, http.StatusConflict, "agent transition already in flight")
		case errors.Is(err, lifecycle.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			a.logger.Error("sleep failed", "agent_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "sleep failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(store.AgentSleeping)})
}

type autoSleepRequest struct {
	Enabled         bool `json:"enabled"`
	IdleTimeoutMins int  `json:"idleTimeoutMins"`
}

func (a *API) handleAutoSleep(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req autoSleepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Enabled && req.IdleTimeoutMins <= 0 {
		writeError(w, http.StatusBadRequest, "idleTimeoutMins must be positive when auto-sleep is enabled")
		return
	}
	if err := a.lifecycle.ConfigureAutoSleep(r.Context(), id, req.Enabled, req.IdleTimeoutMins); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		a.logger.Error("auto-sleep update failed", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update auto-sleep")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":         req.Enabled,
		"idleTimeoutMins": req.IdleTimeoutMins,
	})
}

// handleActivity lets agent compute report that it is doing work, pushing
// back the idle clock.
func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.lifecycle.RecordActivity(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		a.logger.Error("activity record failed", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record activity")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleActivityLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.store.GetAgent(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load agent")
		return
	}

	filter := store.ActivityFilter{AgentID: &id}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &ts
	}
	if v := r.URL.Query().Get("kind"); v != "" {
		kind := store.ActivityKind(v)
		filter.Kind = &kind
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := a.store.ListActivity(r.Context(), filter)
	if err != nil {
		a.logger.Error("failed to list activity", "agent_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toActivityResponses(entries)})
}

// activityResponse is the JSON rendering of an activity entry.
type activityResponse struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	Kind      string         `json:"kind"`
	Trigger   string         `json:"trigger"`
	Detail    map[string]any `json:"detail,omitempty"`
	LatencyMs int64          `json:"latencyMs"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func toActivityResponses(entries []store.ActivityEntry) []activityResponse {
	out := make([]activityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityResponse{
			ID:        e.ID,
			AgentID:   e.AgentID,
			Kind:      string(e.Kind),
			Trigger:   e.Trigger,
			Detail:    e.Detail,
			LatencyMs: e.LatencyMs,
			Success:   e.Success,
			Error:     e.Error,
			Timestamp: e.Timestamp,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
