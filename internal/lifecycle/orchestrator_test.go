// ABOUTME: Tests for the wake/sleep orchestrator
// ABOUTME: Covers idempotence, single-flight, idle-sweep selectivity, and failure isolation

package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentiom/agentiom/internal/store"
)

// mockProvisioner is a configurable Provisioner for testing.
type mockProvisioner struct {
	mu         sync.Mutex
	startErr   map[string]error
	stopErr    map[string]error
	startCalls []string
	blockStart chan struct{} // if non-nil, Start blocks until closed
}

func newMockProvisioner() *mockProvisioner {
	return &mockProvisioner{
		startErr: make(map[string]error),
		stopErr:  make(map[string]error),
	}
}

func (p *mockProvisioner) Start(ctx context.Context, agent *store.Agent) (string, string, error) {
	p.mu.Lock()
	p.startCalls = append(p.startCalls, agent.ID)
	block := p.blockStart
	err := p.startErr[agent.ID]
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	if err != nil {
		return "", "", err
	}
	return "http://10.0.0.1:8080", "instance-" + agent.ID, nil
}

func (p *mockProvisioner) Stop(ctx context.Context, agent *store.Agent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopErr[agent.ID]
}

func (p *mockProvisioner) starts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.startCalls))
	copy(out, p.startCalls)
	return out
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.MockStore, *mockProvisioner) {
	t.Helper()
	st := store.NewMockStore()
	prov := newMockProvisioner()
	o := NewOrchestrator(st, prov, 5*time.Second, slog.Default())
	return o, st, prov
}

func createAgent(t *testing.T, st *store.MockStore, slug string, status store.AgentStatus) *store.Agent {
	t.Helper()
	agent := &store.Agent{Slug: slug, Status: status, IdleTimeoutMins: 5, AutoSleep: true}
	require.NoError(t, st.CreateAgent(context.Background(), agent))
	return agent
}

func TestWake_IdempotentOnRunningAgent(t *testing.T) {
	o, st, prov := newTestOrchestrator(t)
	ctx := context.Background()

	agent := createAgent(t, st, "runner", store.AgentRunning)

	result, err := o.Wake(ctx, agent.ID, "webhook", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, store.AgentRunning, result.PreviousStatus)
	assert.Equal(t, store.AgentRunning, result.NewStatus)

	// No provisioning, no wake bookkeeping
	assert.Empty(t, prov.starts())
	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Zero(t, got.WakeCount)
	assert.Nil(t, got.LastWakeAt)
}

func TestWake_SleepingAgentBecomesRunning(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	agent := createAgent(t, st, "sleeper", store.AgentSleeping)

	result, err := o.Wake(ctx, agent.ID, "integration", map[string]any{"integration_id": "int-1"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, store.AgentSleeping, result.PreviousStatus)
	assert.Equal(t, store.AgentRunning, result.NewStatus)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, got.Status)
	assert.Equal(t, 1, got.WakeCount)
	require.NotNil(t, got.LastWakeAt)
	require.NotNil(t, got.Target)
	assert.Equal(t, "http://10.0.0.1:8080", *got.Target)

	// A wake entry lands in the activity log
	entries := st.ActivityEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, store.ActivityWake, entries[0].Kind)
	assert.Equal(t, "integration", entries[0].Trigger)
	assert.True(t, entries[0].Success)
}

func TestWake_UnknownAgent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	_, err := o.Wake(context.Background(), "missing", "webhook", nil)
	assert.ErrorIs(t, err, store.ErrAgentNotFound)
}

func TestWake_ProvisioningFailureLeavesAgentInError(t *testing.T) {
	o, st, prov := newTestOrchestrator(t)
	ctx := context.Background()

	agent := createAgent(t, st, "broken", store.AgentSleeping)
	prov.startErr[agent.ID] = errors.New("no capacity")

	result, err := o.Wake(ctx, agent.ID, "webhook", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "no capacity")
	assert.Equal(t, store.AgentError, result.NewStatus)

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentError, got.Status)

	entries := st.ActivityEntries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Error, "no capacity")
}

func TestWake_ConcurrentSecondCallerRejected(t *testing.T) {
	o, st, prov := newTestOrchestrator(t)
	ctx := context.Background()

	agent := createAgent(t, st, "contended", store.AgentSleeping)
	prov.blockStart = make(chan struct{})

	firstDone := make(chan *WakeResult, 1)
	go func() {
		result, err := o.Wake(ctx, agent.ID, "webhook", nil)
		require.NoError(t, err)
		firstDone <- result
	}()

	// Wait until the first wake is inside the provisioner
	require.Eventually(t, func() bool {
		return len(prov.starts()) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := o.Wake(ctx, agent.ID, "webhook", nil)
	assert.ErrorIs(t, err, ErrAlreadyTransitioning)

	close(prov.blockStart)
	result := <-firstDone
	assert.True(t, result.Success)

	// Exactly one provisioning call happened
	assert.Len(t, prov.starts(), 1)
}

func TestSleep_OnlyValidFromRunning(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runner := createAgent(t, st, "runner", store.AgentRunning)
	sleeper := createAgent(t, st, "sleeper", store.AgentSleeping)

	require.NoError(t, o.Sleep(ctx, runner.ID, "operator"))
	got, err := st.GetAgent(ctx, runner.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentSleeping, got.Status)
	require.NotNil(t, got.LastSleepAt)

	err = o.Sleep(ctx, sleeper.ID, "operator")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func idleFor(t *testing.T, st *store.MockStore, agentID string, d time.Duration) {
	t.Helper()
	require.NoError(t, st.TouchAgentActivity(context.Background(), agentID, time.Now().Add(-d)))
}

func TestFindIdleAgents_Selectivity(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	// A: running, idle 10m, timeout 5m, autoSleep on -> eligible
	a := createAgent(t, st, "a", store.AgentRunning)
	idleFor(t, st, a.ID, 10*time.Minute)

	// B: running, idle 2m, timeout 5m -> not idle long enough
	b := createAgent(t, st, "b", store.AgentRunning)
	idleFor(t, st, b.ID, 2*time.Minute)

	// C: sleeping, idle 10m -> not running
	c := createAgent(t, st, "c", store.AgentSleeping)
	idleFor(t, st, c.ID, 10*time.Minute)

	// D: running, idle 10m, autoSleep off -> excluded
	d := createAgent(t, st, "d", store.AgentRunning)
	idleFor(t, st, d.ID, 10*time.Minute)
	require.NoError(t, st.UpdateAgentAutoSleep(ctx, d.ID, false, 5))

	idle, err := o.FindIdleAgents(ctx)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, a.ID, idle[0].ID)
}

func TestSleepIdleAgents_PartialFailureIsolation(t *testing.T) {
	o, st, prov := newTestOrchestrator(t)
	ctx := context.Background()

	a := createAgent(t, st, "a", store.AgentRunning)
	idleFor(t, st, a.ID, 10*time.Minute)
	prov.stopErr[a.ID] = errors.New("provisioning backend down")

	d := createAgent(t, st, "d", store.AgentRunning)
	idleFor(t, st, d.ID, 10*time.Minute)

	result, err := o.SleepIdleAgents(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{d.ID}, result.Slept)
	assert.Contains(t, result.Failed[a.ID], "provisioning backend down")

	gotA, err := st.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentRunning, gotA.Status)

	gotD, err := st.GetAgent(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentSleeping, gotD.Status)

	// The failure on A is audited
	var errorEntries int
	for _, e := range st.ActivityEntries() {
		if e.Kind == store.ActivityError && e.AgentID == a.ID {
			errorEntries++
		}
	}
	assert.Equal(t, 1, errorEntries)
}

func TestRecordActivity(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	agent := createAgent(t, st, "busy", store.AgentRunning)
	idleFor(t, st, agent.ID, time.Hour)

	require.NoError(t, o.RecordActivity(ctx, agent.ID))

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastActivityAt)
	assert.WithinDuration(t, time.Now(), *got.LastActivityAt, time.Second)
}

func TestConfigureAutoSleep(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	agent := createAgent(t, st, "configurable", store.AgentRunning)

	require.NoError(t, o.ConfigureAutoSleep(ctx, agent.ID, false, 30))

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.False(t, got.AutoSleep)
	assert.Equal(t, 30, got.IdleTimeoutMins)

	// Status untouched
	assert.Equal(t, store.AgentRunning, got.Status)
}
