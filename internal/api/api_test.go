// ABOUTME: Tests for the agent lifecycle HTTP surface
// ABOUTME: Exercises handlers against the real orchestrator and in-memory store

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentiom/agentiom/internal/lifecycle"
	"github.com/agentiom/agentiom/internal/store"
)

func newTestAPI(t *testing.T) (*httptest.Server, *store.MockStore) {
	t.Helper()
	st := store.NewMockStore()
	orch := lifecycle.NewOrchestrator(st, lifecycle.LoopbackProvisioner{}, 5*time.Second, slog.Default())
	mux := http.NewServeMux()
	New(st, orch, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, st
}

func seedAgent(t *testing.T, st *store.MockStore, status store.AgentStatus) {
	t.Helper()
	target := "http://127.0.0.1:9999"
	require.NoError(t, st.CreateAgent(context.Background(), &store.Agent{
		ID:              "agent-1",
		Slug:            "helper",
		Status:          status,
		Target:          &target,
		IdleTimeoutMins: 30,
		AutoSleep:       true,
	}))
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = bytes.NewBuffer(nil)
	} else {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var parsed map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&parsed)
	return resp, parsed
}

func TestCreateAgent(t *testing.T) {
	srv, st := newTestAPI(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/agents", `{"slug":"helper","idleTimeoutMins":15}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `"helper"`, string(body["slug"]))
	assert.Equal(t, `"pending"`, string(body["status"]))

	agent, err := st.GetAgentBySlug(context.Background(), "helper")
	require.NoError(t, err)
	assert.Equal(t, 15, agent.IdleTimeoutMins)
	assert.True(t, agent.AutoSleep)
}

func TestCreateAgentDuplicateSlug(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentRunning)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents", `{"slug":"helper"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWakeSleepingAgent(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentSleeping)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/agents/agent-1/wake", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", string(body["success"]))

	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, agent.Status)
	assert.Equal(t, 1, agent.WakeCount)
}

func TestWakeUnknownAgent(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents/ghost/wake", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWakeRunningAgentIsIdempotent(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentRunning)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/agents/agent-1/wake", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", string(body["success"]))

	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.WakeCount, "no-op wake must not bump the counter")
}

func TestWakePassesTriggerAndContextToAudit(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentSleeping)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents/agent-1/wake",
		`{"triggerType":"scheduled","context":{"job":"nightly"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := st.ListActivity(context.Background(), store.ActivityFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	entry := entries[0]
	assert.Equal(t, "scheduled", entry.Trigger)
	assert.Equal(t, "nightly", entry.Detail["job"])
}

func TestSleepRunningAgent(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentRunning)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents/agent-1/sleep", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentSleeping, agent.Status)
}

func TestSleepSleepingAgentConflicts(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentSleeping)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents/agent-1/sleep", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentRunning)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/agents/agent-1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"running"`, string(body["status"]))
	assert.Equal(t, `"helper"`, string(body["slug"]))
}

func TestAutoSleepUpdate(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentRunning)

	resp, _ := doJSON(t, http.MethodPatch, srv.URL+"/agents/agent-1/auto-sleep", `{"enabled":true,"idleTimeoutMins":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.AutoSleep)
	assert.Equal(t, 5, agent.IdleTimeoutMins)
}

func TestAutoSleepRejectsZeroTimeout(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentRunning)

	resp, _ := doJSON(t, http.MethodPatch, srv.URL+"/agents/agent-1/auto-sleep", `{"enabled":true,"idleTimeoutMins":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivityPushesIdleClock(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentRunning)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents/agent-1/activity", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	agent, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, agent.LastActivityAt)
	assert.WithinDuration(t, time.Now().UTC(), *agent.LastActivityAt, 5*time.Second)
}

func TestActivityLogListing(t *testing.T) {
	srv, st := newTestAPI(t)
	seedAgent(t, st, store.AgentSleeping)

	// a wake generates an activity entry
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/agents/agent-1/wake", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/agents/agent-1/activity-log?kind=wake", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []activityResponse
	require.NoError(t, json.Unmarshal(body["entries"], &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "wake", entries[0].Kind)
	assert.Equal(t, "operator", entries[0].Trigger)
	assert.True(t, entries[0].Success)
}

func TestActivityLogUnknownAgent(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/agents/ghost/activity-log", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
