// ABOUTME: Integration repository methods for the SQLite store
// ABOUTME: Covers integration CRUD, status/retry updates, and event counters

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const integrationColumns = `integration_id, agent_id, platform, credentials_json, event_filter_json,
	enabled, status, events_received, events_delivered, events_failed, retry_count, created_at, updated_at`

// CreateIntegration inserts a new integration. Generates ID and timestamps
// if not set.
func (s *SQLiteStore) CreateIntegration(ctx context.Context, integration *Integration) error {
	if integration.ID == "" {
		integration.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if integration.CreatedAt.IsZero() {
		integration.CreatedAt = now
	}
	integration.UpdatedAt = now
	if integration.Status == "" {
		integration.Status = IntegrationPending
	}
	if integration.Credentials == nil {
		integration.Credentials = json.RawMessage("{}")
	}

	var filterJSON *string
	if integration.EventFilter != nil {
		data, err := json.Marshal(integration.EventFilter)
		if err != nil {
			return fmt.Errorf("marshaling event filter: %w", err)
		}
		str := string(data)
		filterJSON = &str
	}

	query := `
		INSERT INTO integrations (` + integrationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		integration.ID,
		integration.AgentID,
		integration.Platform,
		string(integration.Credentials),
		filterJSON,
		integration.Enabled,
		integration.Status,
		integration.EventsReceived,
		integration.EventsDelivered,
		integration.EventsFailed,
		integration.RetryCount,
		integration.CreatedAt.Format(time.RFC3339Nano),
		integration.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting integration: %w", err)
	}

	s.logger.Debug("created integration",
		"integration_id", integration.ID,
		"agent_id", integration.AgentID,
		"platform", integration.Platform,
	)
	return nil
}

// GetIntegration retrieves an integration by ID.
// Returns ErrIntegrationNotFound if absent.
func (s *SQLiteStore) GetIntegration(ctx context.Context, id string) (*Integration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE integration_id = ?`, id)

	integration, err := scanIntegrationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntegrationNotFound
	}
	return integration, err
}

// ListIntegrations returns all integrations.
func (s *SQLiteStore) ListIntegrations(ctx context.Context) ([]*Integration, error) {
	return s.queryIntegrations(ctx,
		`SELECT `+integrationColumns+` FROM integrations ORDER BY created_at`)
}

// ListEnabledIntegrations returns integrations eligible for supervision.
// Used on startup to rebuild connection state.
func (s *SQLiteStore) ListEnabledIntegrations(ctx context.Context) ([]*Integration, error) {
	return s.queryIntegrations(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE enabled = 1 ORDER BY created_at`)
}

// UpdateIntegrationStatus sets an integration's connection status.
func (s *SQLiteStore) UpdateIntegrationStatus(ctx context.Context, id string, status IntegrationStatus) error {
	return s.execIntegrationUpdate(ctx, id,
		`UPDATE integrations SET status = ?, updated_at = ? WHERE integration_id = ?`,
		status, nowString(), id)
}

// UpdateIntegrationEnabled flips the enabled flag.
func (s *SQLiteStore) UpdateIntegrationEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execIntegrationUpdate(ctx, id,
		`UPDATE integrations SET enabled = ?, updated_at = ? WHERE integration_id = ?`,
		enabled, nowString(), id)
}

// UpdateIntegrationRetryCount persists the supervisor's retry counter.
func (s *SQLiteStore) UpdateIntegrationRetryCount(ctx context.Context, id string, retryCount int) error {
	return s.execIntegrationUpdate(ctx, id,
		`UPDATE integrations SET retry_count = ?, updated_at = ? WHERE integration_id = ?`,
		retryCount, nowString(), id)
}

// IncrementIntegrationCounters adds to the received/delivered/failed counters.
func (s *SQLiteStore) IncrementIntegrationCounters(ctx context.Context, id string, received, delivered, failed int) error {
	return s.execIntegrationUpdate(ctx, id,
		`UPDATE integrations
		 SET events_received = events_received + ?,
		     events_delivered = events_delivered + ?,
		     events_failed = events_failed + ?,
		     updated_at = ?
		 WHERE integration_id = ?`,
		received, delivered, failed, nowString(), id)
}

// DeleteIntegration removes an integration. Integrations are destroyed
// independently of their agent.
func (s *SQLiteStore) DeleteIntegration(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM integrations WHERE integration_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting integration %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

func (s *SQLiteStore) execIntegrationUpdate(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating integration %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrIntegrationNotFound
	}
	return nil
}

func (s *SQLiteStore) queryIntegrations(ctx context.Context, query string, args ...any) ([]*Integration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying integrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var integrations []*Integration
	for rows.Next() {
		integration, err := scanIntegrationRow(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, integration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating integrations: %w", err)
	}
	if integrations == nil {
		integrations = []*Integration{}
	}
	return integrations, nil
}

func scanIntegrationRow(scanner interface{ Scan(dest ...any) error }) (*Integration, error) {
	var i Integration
	var statusStr, credentialsStr string
	var filterJSON *string
	var createdStr, updatedStr string

	if err := scanner.Scan(
		&i.ID,
		&i.AgentID,
		&i.Platform,
		&credentialsStr,
		&filterJSON,
		&i.Enabled,
		&statusStr,
		&i.EventsReceived,
		&i.EventsDelivered,
		&i.EventsFailed,
		&i.RetryCount,
		&createdStr,
		&updatedStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning integration: %w", err)
	}

	i.Status = IntegrationStatus(statusStr)
	i.Credentials = json.RawMessage(credentialsStr)

	if filterJSON != nil {
		if err := json.Unmarshal([]byte(*filterJSON), &i.EventFilter); err != nil {
			return nil, fmt.Errorf("unmarshaling event filter: %w", err)
		}
	}

	var err error
	if i.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if i.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &i, nil
}
