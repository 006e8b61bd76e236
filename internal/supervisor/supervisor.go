// ABOUTME: Connection supervisor: owns one driver per enabled integration
// ABOUTME: Handles reconnect backoff, health checks, counters, and webhook injection

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/agentiom/agentiom/internal/dedupe"
	"github.com/agentiom/agentiom/internal/store"
	"github.com/agentiom/agentiom/internal/transport"
)

var (
	// ErrIntegrationDisabled is returned when connecting a disabled integration.
	ErrIntegrationDisabled = errors.New("integration is disabled")
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("integration is not connected")
	// ErrDuplicateEvent is returned when a webhook delivery was already seen.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrInjectionUnsupported is returned when the platform driver cannot
	// accept webhook-injected updates.
	ErrInjectionUnsupported = errors.New("driver does not accept injected updates")
)

// Replier sends a reply back over the connection an event arrived on.
type Replier interface {
	SendReply(ctx context.Context, evt *transport.Event, text string) error
}

// EventHandler receives every inbound event that passes the integration's
// filter. A nil error counts the event as delivered.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt *transport.Event, replier Replier) error
}

// Options configures a Supervisor.
type Options struct {
	Store     store.Store
	Dedupe    *dedupe.Cache
	Handler   EventHandler
	Factories map[string]transport.Factory
	Logger    *slog.Logger

	MaxRetries         int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	HealthInterval     time.Duration
	StalenessThreshold time.Duration
}

// connection is the supervisor's in-memory state for one integration.
type connection struct {
	integration *store.Integration
	driver      transport.Driver

	status      store.IntegrationStatus
	retryCount  int
	connectedAt time.Time
	lastEventAt time.Time
	retryTimer  *time.Timer
	closing     bool // intentional disconnect in progress, suppress retries
}

// ConnectionStats is a point-in-time snapshot of one supervised connection.
type ConnectionStats struct {
	IntegrationID string                  `json:"integrationId"`
	AgentID       string                  `json:"agentId"`
	Platform      string                  `json:"platform"`
	Status        store.IntegrationStatus `json:"status"`
	RetryCount    int                     `json:"retryCount"`
	ConnectedAt   *time.Time              `json:"connectedAt,omitempty"`
	LastEventAt   *time.Time              `json:"lastEventAt,omitempty"`
}

// Stats aggregates connection state for the health endpoint.
type Stats struct {
	Total       int               `json:"total"`
	ByStatus    map[string]int    `json:"byStatus"`
	ByPlatform  map[string]int    `json:"byPlatform"`
	Connections []ConnectionStats `json:"connections"`
}

// Supervisor maintains the live driver connections for enabled integrations.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection

	healthStop chan struct{}
	healthOnce sync.Once
}

// New creates a Supervisor. Call StartHealthChecks to begin staleness probes.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Factories == nil {
		opts.Factories = transport.DefaultFactories()
	}
	return &Supervisor{
		opts:       opts,
		logger:     logger.With("component", "supervisor"),
		conns:      make(map[string]*connection),
		healthStop: make(chan struct{}),
	}
}

// Connect establishes the connection for an integration. Connecting an
// already-live integration is a no-op.
func (s *Supervisor) Connect(ctx context.Context, integrationID string) error {
	integration, err := s.opts.Store.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if !integration.Enabled {
		return ErrIntegrationDisabled
	}

	s.mu.Lock()
	if existing, ok := s.conns[integrationID]; ok {
		if existing.status == store.IntegrationConnected || existing.status == store.IntegrationConnecting {
			s.mu.Unlock()
			return nil
		}
		// stale entry from a previous failure, rebuild it
		s.stopRetryLocked(existing)
	}
	conn := &connection{
		integration: integration,
		status:      store.IntegrationConnecting,
	}
	s.conns[integrationID] = conn
	s.mu.Unlock()

	return s.dial(ctx, conn)
}

// dial builds the driver and attempts one connection. Failures feed the
// retry schedule rather than surfacing to the caller after the first attempt.
func (s *Supervisor) dial(ctx context.Context, conn *connection) error {
	integration := conn.integration
	factory, ok := s.opts.Factories[integration.Platform]
	if !ok {
		s.markError(context.Background(), conn)
		return fmt.Errorf("unknown platform %q", integration.Platform)
	}

	driver, err := factory(transport.Config{
		IntegrationID: integration.ID,
		AgentID:       integration.AgentID,
		Credentials:   integration.Credentials,
		Logger:        s.logger.With("integration_id", integration.ID),
		Callbacks: transport.Callbacks{
			OnConnected:    func() { s.onConnected(integration.ID) },
			OnDisconnected: func(reason string) { s.onDisconnected(integration.ID, reason) },
			OnError:        func(err error) { s.onError(integration.ID, err) },
			OnEvent:        func(evt *transport.Event) { s.onEvent(evt) },
			OnLiveness:     func() { s.onLiveness(integration.ID) },
		},
	})
	if err != nil {
		s.markError(context.Background(), conn)
		return fmt.Errorf("building %s driver: %w", integration.Platform, err)
	}

	s.mu.Lock()
	if s.conns[integration.ID] != conn || conn.closing {
		// A concurrent Disconnect tore this entry down while the lock
		// was released. The fresh driver never connected, so drop it.
		s.mu.Unlock()
		return nil
	}
	conn.driver = driver
	s.mu.Unlock()

	s.setStoredStatus(ctx, integration.ID, store.IntegrationConnecting)
	s.logger.Info("connecting integration",
		"integration_id", integration.ID,
		"platform", integration.Platform,
		"attempt", conn.retryCount+1)

	if err := driver.Connect(ctx); err != nil {
		s.logger.Warn("connection attempt failed",
			"integration_id", integration.ID,
			"error", err)
		s.scheduleRetry(integration.ID)
		return nil
	}
	return nil
}

func (s *Supervisor) onConnected(integrationID string) {
	s.mu.Lock()
	conn, ok := s.conns[integrationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conn.status = store.IntegrationConnected
	conn.retryCount = 0
	now := time.Now().UTC()
	conn.connectedAt = now
	conn.lastEventAt = now
	s.mu.Unlock()

	ctx := context.Background()
	s.setStoredStatus(ctx, integrationID, store.IntegrationConnected)
	if err := s.opts.Store.UpdateIntegrationRetryCount(ctx, integrationID, 0); err != nil {
		s.logger.Warn("failed to reset retry count", "integration_id", integrationID, "error", err)
	}
	s.logger.Info("integration connected", "integration_id", integrationID)
}

func (s *Supervisor) onDisconnected(integrationID, reason string) {
	s.mu.Lock()
	conn, ok := s.conns[integrationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	closing := conn.closing
	if !closing {
		conn.status = store.IntegrationDisconnected
	}
	s.mu.Unlock()

	if closing {
		return
	}
	s.logger.Warn("integration disconnected", "integration_id", integrationID, "reason", reason)
	s.setStoredStatus(context.Background(), integrationID, store.IntegrationDisconnected)
	s.scheduleRetry(integrationID)
}

func (s *Supervisor) onError(integrationID string, err error) {
	s.logger.Warn("integration error", "integration_id", integrationID, "error", err)
}

func (s *Supervisor) onLiveness(integrationID string) {
	s.mu.Lock()
	if conn, ok := s.conns[integrationID]; ok {
		conn.lastEventAt = time.Now().UTC()
	}
	s.mu.Unlock()
}

// onEvent applies the integration's event filter, counts the event, and hands
// it to the handler. Handler outcomes feed the delivered/failed counters.
func (s *Supervisor) onEvent(evt *transport.Event) {
	s.mu.Lock()
	conn, ok := s.conns[evt.IntegrationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conn.lastEventAt = time.Now().UTC()
	integration := conn.integration
	driver := conn.driver
	s.mu.Unlock()

	ctx := context.Background()
	if !integration.Allows(evt.Type) {
		s.logger.Debug("event filtered",
			"integration_id", evt.IntegrationID,
			"event_type", evt.Type)
		return
	}

	if err := s.opts.Store.IncrementIntegrationCounters(ctx, evt.IntegrationID, 1, 0, 0); err != nil {
		s.logger.Warn("failed to count received event", "integration_id", evt.IntegrationID, "error", err)
	}

	if s.opts.Handler == nil {
		return
	}
	go func() {
		err := s.opts.Handler.HandleEvent(ctx, evt, driver)
		delivered, failed := 1, 0
		if err != nil {
			delivered, failed = 0, 1
			s.logger.Warn("event delivery failed",
				"integration_id", evt.IntegrationID,
				"event_type", evt.Type,
				"error", err)
		}
		if cerr := s.opts.Store.IncrementIntegrationCounters(ctx, evt.IntegrationID, 0, delivered, failed); cerr != nil {
			s.logger.Warn("failed to count delivery", "integration_id", evt.IntegrationID, "error", cerr)
		}
	}()
}

// scheduleRetry arms the backoff timer for the next attempt, or parks the
// integration in error state once the retry budget is spent.
func (s *Supervisor) scheduleRetry(integrationID string) {
	s.mu.Lock()
	conn, ok := s.conns[integrationID]
	if !ok || conn.closing {
		s.mu.Unlock()
		return
	}
	conn.retryCount++
	retryCount := conn.retryCount
	if retryCount > s.opts.MaxRetries {
		conn.status = store.IntegrationError
		s.mu.Unlock()
		s.logger.Error("integration exhausted retries",
			"integration_id", integrationID,
			"retries", retryCount-1)
		ctx := context.Background()
		s.setStoredStatus(ctx, integrationID, store.IntegrationError)
		if err := s.opts.Store.UpdateIntegrationRetryCount(ctx, integrationID, retryCount-1); err != nil {
			s.logger.Warn("failed to persist retry count", "integration_id", integrationID, "error", err)
		}
		return
	}

	delay := backoffDelay(s.opts.BaseDelay, s.opts.MaxDelay, retryCount)
	conn.status = store.IntegrationDisconnected
	conn.retryTimer = time.AfterFunc(delay, func() {
		s.retryConnect(integrationID)
	})
	s.mu.Unlock()

	if err := s.opts.Store.UpdateIntegrationRetryCount(context.Background(), integrationID, retryCount); err != nil {
		s.logger.Warn("failed to persist retry count", "integration_id", integrationID, "error", err)
	}
	s.logger.Info("retry scheduled",
		"integration_id", integrationID,
		"attempt", retryCount,
		"delay", delay)
}

func (s *Supervisor) retryConnect(integrationID string) {
	s.mu.Lock()
	conn, ok := s.conns[integrationID]
	if !ok || conn.closing {
		s.mu.Unlock()
		return
	}
	conn.retryTimer = nil
	s.mu.Unlock()

	if err := s.dial(context.Background(), conn); err != nil {
		s.logger.Error("retry failed", "integration_id", integrationID, "error", err)
	}
}

// backoffDelay computes exponential backoff with up to one second of jitter,
// capped at max. attempt is 1-based.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}

// Disconnect tears down an integration's connection. Idempotent; cancels any
// pending retry before closing so no reconnect races the teardown.
func (s *Supervisor) Disconnect(ctx context.Context, integrationID string) error {
	s.mu.Lock()
	conn, ok := s.conns[integrationID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	conn.closing = true
	s.stopRetryLocked(conn)
	driver := conn.driver
	conn.status = store.IntegrationDisconnected
	delete(s.conns, integrationID)
	s.mu.Unlock()

	if driver != nil {
		if err := driver.Disconnect(); err != nil {
			s.logger.Warn("driver close failed", "integration_id", integrationID, "error", err)
		}
	}
	s.setStoredStatus(ctx, integrationID, store.IntegrationDisconnected)
	s.logger.Info("integration disconnected", "integration_id", integrationID)
	return nil
}

// Reconnect tears the connection down and dials fresh with a clean retry
// budget.
func (s *Supervisor) Reconnect(ctx context.Context, integrationID string) error {
	if err := s.Disconnect(ctx, integrationID); err != nil {
		return err
	}
	return s.Connect(ctx, integrationID)
}

// Resume connects every enabled integration. Individual failures are logged
// and do not stop the rest; this runs at startup to restore declared state.
func (s *Supervisor) Resume(ctx context.Context) error {
	integrations, err := s.opts.Store.ListEnabledIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("listing enabled integrations: %w", err)
	}
	for _, integration := range integrations {
		if err := s.Connect(ctx, integration.ID); err != nil {
			s.logger.Error("failed to resume integration",
				"integration_id", integration.ID,
				"platform", integration.Platform,
				"error", err)
		}
	}
	s.logger.Info("resume complete", "integrations", len(integrations))
	return nil
}

// InjectWebhook feeds a webhook-delivered payload into the integration's
// driver, deduplicating by key first.
func (s *Supervisor) InjectWebhook(ctx context.Context, platform, integrationID, dedupeKey string, payload []byte) error {
	integration, err := s.opts.Store.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if integration.Platform != platform {
		return fmt.Errorf("integration %s is %s, not %s", integrationID, integration.Platform, platform)
	}

	if dedupeKey != "" && s.opts.Dedupe != nil && s.opts.Dedupe.Seen(dedupeKey) {
		return ErrDuplicateEvent
	}

	s.mu.Lock()
	conn, ok := s.conns[integrationID]
	var driver transport.Driver
	if ok {
		driver = conn.driver
	}
	s.mu.Unlock()
	if driver == nil {
		return ErrNotConnected
	}

	injector, ok := driver.(transport.UpdateInjector)
	if !ok {
		return ErrInjectionUnsupported
	}
	return injector.InjectUpdate(payload)
}

// StartHealthChecks begins the staleness probe loop.
func (s *Supervisor) StartHealthChecks() {
	if s.opts.HealthInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.opts.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.healthStop:
				return
			case <-ticker.C:
				s.checkHealth()
			}
		}
	}()
}

// checkHealth reconnects connections that have gone silent past the
// staleness threshold. Drivers with protocol-level liveness refresh their
// timestamps through OnLiveness, so a quiet but healthy socket is spared.
func (s *Supervisor) checkHealth() {
	threshold := s.opts.StalenessThreshold
	if threshold <= 0 {
		return
	}

	s.mu.Lock()
	var stale []string
	now := time.Now().UTC()
	for id, conn := range s.conns {
		if conn.status != store.IntegrationConnected {
			continue
		}
		if now.Sub(conn.lastEventAt) > threshold {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.logger.Warn("connection stale, reconnecting", "integration_id", id)
		if err := s.Reconnect(context.Background(), id); err != nil {
			s.logger.Error("stale reconnect failed", "integration_id", id, "error", err)
		}
	}
}

// GetStats snapshots all supervised connections.
func (s *Supervisor) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		ByStatus:   make(map[string]int),
		ByPlatform: make(map[string]int),
	}
	for id, conn := range s.conns {
		stats.Total++
		stats.ByStatus[string(conn.status)]++
		stats.ByPlatform[conn.integration.Platform]++
		stats.Connections = append(stats.Connections, snapshotConn(id, conn))
	}
	return stats
}

// StatsFor snapshots a single supervised connection. The second return is
// false when the integration has no runtime state.
func (s *Supervisor) StatsFor(integrationID string) (ConnectionStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[integrationID]
	if !ok {
		return ConnectionStats{}, false
	}
	return snapshotConn(integrationID, conn), true
}

// snapshotConn copies one connection's runtime state. Caller holds s.mu.
func snapshotConn(id string, conn *connection) ConnectionStats {
	cs := ConnectionStats{
		IntegrationID: id,
		AgentID:       conn.integration.AgentID,
		Platform:      conn.integration.Platform,
		Status:        conn.status,
		RetryCount:    conn.retryCount,
	}
	if !conn.connectedAt.IsZero() {
		at := conn.connectedAt
		cs.ConnectedAt = &at
	}
	if !conn.lastEventAt.IsZero() {
		at := conn.lastEventAt
		cs.LastEventAt = &at
	}
	return cs
}

// Shutdown stops health checks and closes every connection.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.healthOnce.Do(func() { close(s.healthStop) })

	s.mu.Lock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Disconnect(ctx, id); err != nil {
			s.logger.Warn("shutdown disconnect failed", "integration_id", id, "error", err)
		}
	}
}

// stopRetryLocked cancels a pending retry timer. Caller holds s.mu.
func (s *Supervisor) stopRetryLocked(conn *connection) {
	if conn.retryTimer != nil {
		conn.retryTimer.Stop()
		conn.retryTimer = nil
	}
}

func (s *Supervisor) setStoredStatus(ctx context.Context, integrationID string, status store.IntegrationStatus) {
	if err := s.opts.Store.UpdateIntegrationStatus(ctx, integrationID, status); err != nil {
		s.logger.Warn("failed to persist integration status",
			"integration_id", integrationID,
			"status", status,
			"error", err)
	}
}

// markError parks a connection in error state after an unrecoverable setup
// failure (unknown platform, malformed credentials).
func (s *Supervisor) markError(ctx context.Context, conn *connection) {
	s.mu.Lock()
	conn.status = store.IntegrationError
	s.mu.Unlock()
	s.setStoredStatus(ctx, conn.integration.ID, store.IntegrationError)
}
