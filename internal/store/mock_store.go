// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu           sync.RWMutex
	agents       map[string]*Agent       // keyed by agent ID
	slugIndex    map[string]string       // keyed by slug -> agent ID
	integrations map[string]*Integration // keyed by integration ID
	activity     []ActivityEntry         // append-only, insertion order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:       make(map[string]*Agent),
		slugIndex:    make(map[string]string),
		integrations: make(map[string]*Integration),
	}
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.ID == "" {
		agent.ID = "agent-" + agent.Slug
	}
	if _, taken := m.slugIndex[agent.Slug]; taken {
		return ErrDuplicateSlug
	}
	if agent.Status == "" {
		agent.Status = AgentPending
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	// Copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	m.slugIndex[a.Slug] = a.ID
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	a := *agent
	return &a, nil
}

// GetAgentBySlug retrieves an agent by routing slug.
func (m *MockStore) GetAgentBySlug(ctx context.Context, slug string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slugIndex[slug]
	if !ok {
		return nil, ErrAgentNotFound
	}
	a := *m.agents[id]
	return &a, nil
}

// ListAgents returns all agents ordered by slug.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		a := *agent
		agents = append(agents, &a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Slug < agents[j].Slug })
	return agents, nil
}

// ListAgentsByStatus returns all agents with the given status.
func (m *MockStore) ListAgentsByStatus(ctx context.Context, status AgentStatus) ([]*Agent, error) {
	all, _ := m.ListAgents(ctx)
	filtered := make([]*Agent, 0, len(all))
	for _, a := range all {
		if a.Status == status {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// UpdateAgentStatus sets an agent's lifecycle status.
func (m *MockStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	return m.mutateAgent(id, func(a *Agent) {
		a.Status = status
	})
}

// UpdateAgentTarget sets an agent's network target and instance pin.
func (m *MockStore) UpdateAgentTarget(ctx context.Context, id string, target, instanceID *string) error {
	return m.mutateAgent(id, func(a *Agent) {
		a.Target = target
		a.InstanceID = instanceID
	})
}

// UpdateAgentAutoSleep updates the auto-sleep configuration.
func (m *MockStore) UpdateAgentAutoSleep(ctx context.Context, id string, enabled bool, idleTimeoutMins int) error {
	return m.mutateAgent(id, func(a *Agent) {
		a.AutoSleep = enabled
		a.IdleTimeoutMins = idleTimeoutMins
	})
}

// MarkAgentAwake records a successful wake.
func (m *MockStore) MarkAgentAwake(ctx context.Context, id string, at time.Time) error {
	return m.mutateAgent(id, func(a *Agent) {
		t := at.UTC()
		a.Status = AgentRunning
		a.LastWakeAt = &t
		a.LastActivityAt = &t
		a.WakeCount++
	})
}

// MarkAgentAsleep records a successful sleep transition.
func (m *MockStore) MarkAgentAsleep(ctx context.Context, id string, at time.Time) error {
	return m.mutateAgent(id, func(a *Agent) {
		t := at.UTC()
		a.Status = AgentSleeping
		a.LastSleepAt = &t
	})
}

// TouchAgentActivity refreshes the last-activity timestamp.
func (m *MockStore) TouchAgentActivity(ctx context.Context, id string, at time.Time) error {
	return m.mutateAgent(id, func(a *Agent) {
		t := at.UTC()
		a.LastActivityAt = &t
	})
}

func (m *MockStore) mutateAgent(id string, fn func(*Agent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	fn(agent)
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateIntegration stores a new integration.
func (m *MockStore) CreateIntegration(ctx context.Context, integration *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if integration.ID == "" {
		integration.ID = "integration-" + integration.Platform + "-" + integration.AgentID
	}
	if integration.Status == "" {
		integration.Status = IntegrationPending
	}
	if integration.Credentials == nil {
		integration.Credentials = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	if integration.CreatedAt.IsZero() {
		integration.CreatedAt = now
	}
	integration.UpdatedAt = now

	i := *integration
	m.integrations[i.ID] = &i
	return nil
}

// GetIntegration retrieves an integration by ID.
func (m *MockStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	integration, ok := m.integrations[id]
	if !ok {
		return nil, ErrIntegrationNotFound
	}
	i := *integration
	return &i, nil
}

// ListIntegrations returns all integrations.
func (m *MockStore) ListIntegrations(ctx context.Context) ([]*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	integrations := make([]*Integration, 0, len(m.integrations))
	for _, integration := range m.integrations {
		i := *integration
		integrations = append(integrations, &i)
	}
	sort.Slice(integrations, func(a, b int) bool {
		return integrations[a].CreatedAt.Before(integrations[b].CreatedAt)
	})
	return integrations, nil
}

// ListEnabledIntegrations returns integrations eligible for supervision.
func (m *MockStore) ListEnabledIntegrations(ctx context.Context) ([]*Integration, error) {
	all, _ := m.ListIntegrations(ctx)
	enabled := make([]*Integration, 0, len(all))
	for _, i := range all {
		if i.Enabled {
			enabled = append(enabled, i)
		}
	}
	return enabled, nil
}

// UpdateIntegrationStatus sets an integration's connection status.
func (m *MockStore) UpdateIntegrationStatus(ctx context.Context, id string, status IntegrationStatus) error {
	return m.mutateIntegration(id, func(i *Integration) {
		i.Status = status
	})
}

// UpdateIntegrationEnabled flips the enabled flag.
func (m *MockStore) UpdateIntegrationEnabled(ctx context.Context, id string, enabled bool) error {
	return m.mutateIntegration(id, func(i *Integration) {
		i.Enabled = enabled
	})
}

// UpdateIntegrationRetryCount persists the retry counter.
func (m *MockStore) UpdateIntegrationRetryCount(ctx context.Context, id string, retryCount int) error {
	return m.mutateIntegration(id, func(i *Integration) {
		i.RetryCount = retryCount
	})
}

// IncrementIntegrationCounters adds to the event counters.
func (m *MockStore) IncrementIntegrationCounters(ctx context.Context, id string, received, delivered, failed int) error {
	return m.mutateIntegration(id, func(i *Integration) {
		i.EventsReceived += received
		i.EventsDelivered += delivered
		i.EventsFailed += failed
	})
}

// DeleteIntegration removes an integration.
func (m *MockStore) DeleteIntegration(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.integrations[id]; !ok {
		return ErrIntegrationNotFound
	}
	delete(m.integrations, id)
	return nil
}

func (m *MockStore) mutateIntegration(id string, fn func(*Integration)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	integration, ok := m.integrations[id]
	if !ok {
		return ErrIntegrationNotFound
	}
	fn(integration)
	integration.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendActivity appends an activity entry.
func (m *MockStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = "activity-" + time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.activity = append(m.activity, *e)
	return nil
}

// ListActivity returns entries matching the filter, newest first.
func (m *MockStore) ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeActivityLimit(f.Limit)

	entries := []ActivityEntry{}
	for i := len(m.activity) - 1; i >= 0 && len(entries) < limit; i-- {
		e := m.activity[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.AgentID != nil && e.AgentID != *f.AgentID {
			continue
		}
		if f.Kind != nil && e.Kind != *f.Kind {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ActivityEntries returns a copy of all recorded entries in insertion order.
// Test helper, not part of the Store interface.
func (m *MockStore) ActivityEntries() []ActivityEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ActivityEntry, len(m.activity))
	copy(out, m.activity)
	return out
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
