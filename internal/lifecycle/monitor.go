// ABOUTME: Periodic idle-sweep driver with strictly non-overlapping ticks
// ABOUTME: A tick that fires while a sweep is running is skipped, not queued

package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper is the subset of the orchestrator the monitor drives.
type Sweeper interface {
	SleepIdleAgents(ctx context.Context) (*SweepResult, error)
}

// IdleMonitor invokes the idle sweep on a fixed cadence. At most one sweep
// is in flight at a time; must be owned by exactly one process instance.
type IdleMonitor struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	active   bool
	stop     chan struct{}
	inFlight atomic.Bool
}

// NewIdleMonitor creates an IdleMonitor with the given sweep interval.
func NewIdleMonitor(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *IdleMonitor {
	return &IdleMonitor{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "idle-monitor"),
	}
}

// Start runs one sweep immediately, then arms the timer. Calling Start on
// an active monitor is a no-op.
func (m *IdleMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	m.logger.Info("idle monitor started", "interval", m.interval)
	m.sweep(ctx)

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				m.Stop()
				return
			}
		}
	}()
}

// sweep runs one idle sweep unless one is already in flight, in which case
// the tick is skipped entirely to bound worst-case work under a slow
// provisioning backend.
func (m *IdleMonitor) sweep(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("sweep still running, skipping tick")
		return
	}
	defer m.inFlight.Store(false)

	if _, err := m.sweeper.SleepIdleAgents(ctx); err != nil {
		m.logger.Error("idle sweep failed", "error", err)
	}
}

// Stop disarms the timer. Safe to call multiple times.
func (m *IdleMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	m.active = false
	close(m.stop)
	m.logger.Info("idle monitor stopped")
}

// IsActive reports whether the timer is armed.
func (m *IdleMonitor) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
