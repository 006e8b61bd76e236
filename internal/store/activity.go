// ABOUTME: Activity log entity and store methods for the wake/sleep audit trail
// ABOUTME: Records wake, sleep, request, response and error events per agent

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActivityKind classifies an activity log entry.
type ActivityKind string

const (
	ActivityWake     ActivityKind = "wake"
	ActivitySleep    ActivityKind = "sleep"
	ActivityRequest  ActivityKind = "request"
	ActivityResponse ActivityKind = "response"
	ActivityError    ActivityKind = "error"
)

// ValidActivityKinds lists all valid activity kinds.
var ValidActivityKinds = []ActivityKind{
	ActivityWake,
	ActivitySleep,
	ActivityRequest,
	ActivityResponse,
	ActivityError,
}

// ActivityEntry represents a single entry in the append-only activity log.
// Entries carry enough context (agent, trigger, latency, error text) to
// reconstruct a wake/sleep timeline without log correlation.
type ActivityEntry struct {
	ID        string         // UUID v4
	AgentID   string         // agent the entry concerns
	Kind      ActivityKind   // what happened
	Trigger   string         // "integration", "webhook", "operator", "idle-sweep"
	Detail    map[string]any // additional context (integration id, path, event type)
	LatencyMs int64          // wall-clock latency where applicable
	Success   bool
	Error     string // error text for failed operations
	Timestamp time.Time
}

// ActivityFilter specifies filtering options for listing activity entries.
type ActivityFilter struct {
	Since   *time.Time    // entries after this time
	Until   *time.Time    // entries before this time
	AgentID *string       // filter by agent
	Kind    *ActivityKind // filter by entry kind
	Limit   int           // max results (default 100, max 1000)
}

// AppendActivity appends a new entry to the activity log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling activity detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO activity_log (activity_id, agent_id, kind, trigger, detail_json, latency_ms, success, error, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.AgentID,
		e.Kind,
		e.Trigger,
		detailJSON,
		e.LatencyMs,
		e.Success,
		e.Error,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}

	s.logger.Debug("appended activity log",
		"id", e.ID,
		"agent_id", e.AgentID,
		"kind", e.Kind,
		"trigger", e.Trigger,
		"success", e.Success,
	)
	return nil
}

// normalizeActivityLimit applies default (100) and cap (1000) to the limit.
func normalizeActivityLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const activityLogQuery = `
	SELECT activity_id, agent_id, kind, trigger, detail_json, latency_ms, success, error, ts
	FROM activity_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR agent_id = ?)
	  AND (? IS NULL OR kind = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListActivity returns activity entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListActivity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, error) {
	limit := normalizeActivityLimit(f.Limit)

	var sinceStr, untilStr, kindStr *string
	if f.Since != nil {
		v := f.Since.UTC().Format(time.RFC3339Nano)
		sinceStr = &v
	}
	if f.Until != nil {
		v := f.Until.UTC().Format(time.RFC3339Nano)
		untilStr = &v
	}
	if f.Kind != nil {
		v := string(*f.Kind)
		kindStr = &v
	}

	rows, err := s.db.QueryContext(ctx, activityLogQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		f.AgentID, f.AgentID,
		kindStr, kindStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying activity log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ActivityEntry
	for rows.Next() {
		e, err := scanActivityEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity entries: %w", err)
	}

	if entries == nil {
		entries = []ActivityEntry{}
	}
	return entries, nil
}

// scanActivityEntry scans a row into an ActivityEntry.
func scanActivityEntry(scanner interface{ Scan(dest ...any) error }) (ActivityEntry, error) {
	var e ActivityEntry
	var kindStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.AgentID,
		&kindStr,
		&e.Trigger,
		&detailJSON,
		&e.LatencyMs,
		&e.Success,
		&e.Error,
		&tsStr,
	); err != nil {
		return e, fmt.Errorf("scanning activity entry: %w", err)
	}

	e.Kind = ActivityKind(kindStr)
	var err error
	e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
