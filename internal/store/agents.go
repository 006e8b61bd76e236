// ABOUTME: Agent registry methods for the SQLite store
// ABOUTME: Covers agent CRUD, status transitions, and wake/sleep bookkeeping

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const agentColumns = `agent_id, slug, status, target, instance_id, idle_timeout_mins, auto_sleep,
	last_activity_at, last_wake_at, last_sleep_at, wake_count, created_at, updated_at`

// CreateAgent inserts a new agent. Generates ID and timestamps if not set.
// Returns ErrDuplicateSlug if the slug is already taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentPending
	}

	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Slug,
		agent.Status,
		agent.Target,
		agent.InstanceID,
		agent.IdleTimeoutMins,
		agent.AutoSleep,
		formatNullableTime(agent.LastActivityAt),
		formatNullableTime(agent.LastWakeAt),
		formatNullableTime(agent.LastSleepAt),
		agent.WakeCount,
		agent.CreatedAt.Format(time.RFC3339Nano),
		agent.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSlug
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "agent_id", agent.ID, "slug", agent.Slug)
	return nil
}

// GetAgent retrieves an agent by ID. Returns ErrAgentNotFound if absent.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	return scanAgent(row)
}

// GetAgentBySlug retrieves an agent by its routing slug.
func (s *SQLiteStore) GetAgentBySlug(ctx context.Context, slug string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE slug = ?`, slug)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by slug.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY slug`)
}

// ListAgentsByStatus returns all agents with the given status.
func (s *SQLiteStore) ListAgentsByStatus(ctx context.Context, status AgentStatus) ([]*Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY slug`, status)
}

// UpdateAgentStatus sets an agent's lifecycle status.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	return s.execAgentUpdate(ctx, id,
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		status, nowString(), id)
}

// UpdateAgentTarget sets an agent's network target and instance pin.
func (s *SQLiteStore) UpdateAgentTarget(ctx context.Context, id string, target, instanceID *string) error {
	return s.execAgentUpdate(ctx, id,
		`UPDATE agents SET target = ?, instance_id = ?, updated_at = ? WHERE agent_id = ?`,
		target, instanceID, nowString(), id)
}

// UpdateAgentAutoSleep updates the auto-sleep configuration. Pure
// configuration change, no status transition.
func (s *SQLiteStore) UpdateAgentAutoSleep(ctx context.Context, id string, enabled bool, idleTimeoutMins int) error {
	return s.execAgentUpdate(ctx, id,
		`UPDATE agents SET auto_sleep = ?, idle_timeout_mins = ?, updated_at = ? WHERE agent_id = ?`,
		enabled, idleTimeoutMins, nowString(), id)
}

// MarkAgentAwake records a successful wake: status running, wake timestamp,
// wake counter increment, and activity refresh so the idle sweep does not
// immediately re-sleep the agent.
func (s *SQLiteStore) MarkAgentAwake(ctx context.Context, id string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	return s.execAgentUpdate(ctx, id,
		`UPDATE agents
		 SET status = ?, last_wake_at = ?, last_activity_at = ?, wake_count = wake_count + 1, updated_at = ?
		 WHERE agent_id = ?`,
		AgentRunning, ts, ts, nowString(), id)
}

// MarkAgentAsleep records a successful sleep transition.
func (s *SQLiteStore) MarkAgentAsleep(ctx context.Context, id string, at time.Time) error {
	return s.execAgentUpdate(ctx, id,
		`UPDATE agents SET status = ?, last_sleep_at = ?, updated_at = ? WHERE agent_id = ?`,
		AgentSleeping, at.UTC().Format(time.RFC3339Nano), nowString(), id)
}

// TouchAgentActivity refreshes the last-activity timestamp used by idle detection.
func (s *SQLiteStore) TouchAgentActivity(ctx context.Context, id string, at time.Time) error {
	return s.execAgentUpdate(ctx, id,
		`UPDATE agents SET last_activity_at = ?, updated_at = ? WHERE agent_id = ?`,
		at.UTC().Format(time.RFC3339Nano), nowString(), id)
}

// execAgentUpdate runs an agent UPDATE and maps zero affected rows to
// ErrAgentNotFound.
func (s *SQLiteStore) execAgentUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *SQLiteStore) queryAgents(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgentRow(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	if agents == nil {
		agents = []*Agent{}
	}
	return agents, nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	agent, err := scanAgentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

func scanAgentRow(scanner interface{ Scan(dest ...any) error }) (*Agent, error) {
	var a Agent
	var statusStr string
	var lastActivity, lastWake, lastSleep *string
	var createdStr, updatedStr string

	if err := scanner.Scan(
		&a.ID,
		&a.Slug,
		&statusStr,
		&a.Target,
		&a.InstanceID,
		&a.IdleTimeoutMins,
		&a.AutoSleep,
		&lastActivity,
		&lastWake,
		&lastSleep,
		&a.WakeCount,
		&createdStr,
		&updatedStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.Status = AgentStatus(statusStr)

	var err error
	if a.LastActivityAt, err = parseNullableTime(lastActivity); err != nil {
		return nil, err
	}
	if a.LastWakeAt, err = parseNullableTime(lastWake); err != nil {
		return nil, err
	}
	if a.LastSleepAt, err = parseNullableTime(lastSleep); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseNullableTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp %q: %w", *s, err)
	}
	return &t, nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
