// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers agent/integration round-trips, status updates, and error cases

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "supervisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_AgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := "http://10.0.0.7:8080"
	agent := &Agent{
		Slug:            "bot-7",
		Status:          AgentRunning,
		Target:          &target,
		IdleTimeoutMins: 5,
		AutoSleep:       true,
	}
	require.NoError(t, s.CreateAgent(ctx, agent))
	require.NotEmpty(t, agent.ID)

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "bot-7", got.Slug)
	assert.Equal(t, AgentRunning, got.Status)
	require.NotNil(t, got.Target)
	assert.Equal(t, target, *got.Target)
	assert.Equal(t, 5, got.IdleTimeoutMins)
	assert.True(t, got.AutoSleep)
	assert.Zero(t, got.WakeCount)
	assert.Nil(t, got.LastWakeAt)

	bySlug, err := s.GetAgentBySlug(ctx, "bot-7")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, bySlug.ID)
}

func TestSQLiteStore_AgentNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = s.GetAgentBySlug(ctx, "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	err = s.UpdateAgentStatus(ctx, "missing", AgentRunning)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSQLiteStore_DuplicateSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &Agent{Slug: "bot-1"}))
	err := s.CreateAgent(ctx, &Agent{Slug: "bot-1"})
	assert.ErrorIs(t, err, ErrDuplicateSlug)
}

func TestSQLiteStore_MarkAgentAwake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Slug: "sleeper", Status: AgentSleeping}
	require.NoError(t, s.CreateAgent(ctx, agent))

	wakeAt := time.Now().UTC()
	require.NoError(t, s.MarkAgentAwake(ctx, agent.ID, wakeAt))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentRunning, got.Status)
	assert.Equal(t, 1, got.WakeCount)
	require.NotNil(t, got.LastWakeAt)
	assert.WithinDuration(t, wakeAt, *got.LastWakeAt, time.Second)
	require.NotNil(t, got.LastActivityAt)
}

func TestSQLiteStore_MarkAgentAsleep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Slug: "runner", Status: AgentRunning}
	require.NoError(t, s.CreateAgent(ctx, agent))

	sleepAt := time.Now().UTC()
	require.NoError(t, s.MarkAgentAsleep(ctx, agent.ID, sleepAt))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentSleeping, got.Status)
	require.NotNil(t, got.LastSleepAt)
}

func TestSQLiteStore_ListAgentsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &Agent{Slug: "a", Status: AgentRunning}))
	require.NoError(t, s.CreateAgent(ctx, &Agent{Slug: "b", Status: AgentSleeping}))
	require.NoError(t, s.CreateAgent(ctx, &Agent{Slug: "c", Status: AgentRunning}))

	running, err := s.ListAgentsByStatus(ctx, AgentRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "a", running[0].Slug)
	assert.Equal(t, "c", running[1].Slug)
}

func TestSQLiteStore_IntegrationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Slug: "host"}
	require.NoError(t, s.CreateAgent(ctx, agent))

	integration := &Integration{
		AgentID:     agent.ID,
		Platform:    "slack",
		Credentials: json.RawMessage(`{"app_token":"xapp-1"}`),
		EventFilter: []string{"message"},
		Enabled:     true,
	}
	require.NoError(t, s.CreateIntegration(ctx, integration))
	require.NotEmpty(t, integration.ID)

	got, err := s.GetIntegration(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.AgentID)
	assert.Equal(t, "slack", got.Platform)
	assert.JSONEq(t, `{"app_token":"xapp-1"}`, string(got.Credentials))
	assert.Equal(t, []string{"message"}, got.EventFilter)
	assert.Equal(t, IntegrationPending, got.Status)
	assert.True(t, got.Enabled)
}

func TestSQLiteStore_IntegrationCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Slug: "host"}
	require.NoError(t, s.CreateAgent(ctx, agent))
	integration := &Integration{AgentID: agent.ID, Platform: "telegram", Enabled: true}
	require.NoError(t, s.CreateIntegration(ctx, integration))

	require.NoError(t, s.IncrementIntegrationCounters(ctx, integration.ID, 1, 0, 0))
	require.NoError(t, s.IncrementIntegrationCounters(ctx, integration.ID, 1, 1, 0))
	require.NoError(t, s.IncrementIntegrationCounters(ctx, integration.ID, 0, 0, 1))

	got, err := s.GetIntegration(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EventsReceived)
	assert.Equal(t, 1, got.EventsDelivered)
	assert.Equal(t, 1, got.EventsFailed)
}

func TestSQLiteStore_ListEnabledIntegrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Slug: "host"}
	require.NoError(t, s.CreateAgent(ctx, agent))

	enabled := &Integration{AgentID: agent.ID, Platform: "slack", Enabled: true}
	disabled := &Integration{AgentID: agent.ID, Platform: "discord", Enabled: false}
	require.NoError(t, s.CreateIntegration(ctx, enabled))
	require.NoError(t, s.CreateIntegration(ctx, disabled))

	got, err := s.ListEnabledIntegrations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "slack", got[0].Platform)
}

func TestSQLiteStore_DeleteIntegration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := &Agent{Slug: "host"}
	require.NoError(t, s.CreateAgent(ctx, agent))
	integration := &Integration{AgentID: agent.ID, Platform: "websocket", Enabled: true}
	require.NoError(t, s.CreateIntegration(ctx, integration))

	require.NoError(t, s.DeleteIntegration(ctx, integration.ID))
	_, err := s.GetIntegration(ctx, integration.ID)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)

	err = s.DeleteIntegration(ctx, integration.ID)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)
}

func TestIntegration_Allows(t *testing.T) {
	unfiltered := &Integration{}
	assert.True(t, unfiltered.Allows("message"))
	assert.True(t, unfiltered.Allows("reaction_added"))

	filtered := &Integration{EventFilter: []string{"message"}}
	assert.True(t, filtered.Allows("message"))
	assert.False(t, filtered.Allows("reaction_added"))
}
