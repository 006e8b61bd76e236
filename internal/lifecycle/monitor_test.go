// ABOUTME: Tests for the idle monitor
// ABOUTME: Covers immediate sweep on start, tick skipping, and stop behavior

package lifecycle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSweeper records sweep calls and can block to simulate a slow sweep.
type countingSweeper struct {
	calls atomic.Int32
	block chan struct{} // if non-nil, sweeps block until closed
}

func (s *countingSweeper) SleepIdleAgents(ctx context.Context) (*SweepResult, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	return &SweepResult{}, nil
}

func TestIdleMonitor_SweepsImmediatelyOnStart(t *testing.T) {
	sweeper := &countingSweeper{}
	m := NewIdleMonitor(sweeper, time.Hour, slog.Default())
	defer m.Stop()

	m.Start(context.Background())

	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.True(t, m.IsActive())
}

func TestIdleMonitor_PeriodicSweeps(t *testing.T) {
	sweeper := &countingSweeper{}
	m := NewIdleMonitor(sweeper, 10*time.Millisecond, slog.Default())
	defer m.Stop()

	m.Start(context.Background())

	require.Eventually(t, func() bool {
		return sweeper.calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestIdleMonitor_OverlappingTickSkipped(t *testing.T) {
	sweeper := &countingSweeper{block: make(chan struct{})}
	m := NewIdleMonitor(sweeper, 10*time.Millisecond, slog.Default())
	defer m.Stop()

	// Run Start's immediate sweep in the background; it blocks inside the
	// sweeper while ticks keep firing.
	go m.Start(context.Background())

	require.Eventually(t, func() bool {
		return sweeper.calls.Load() == 1
	}, time.Second, time.Millisecond)

	// Several intervals pass; the in-flight guard skips every tick.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), sweeper.calls.Load())

	close(sweeper.block)
	require.Eventually(t, func() bool {
		return sweeper.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestIdleMonitor_StopDisarmsTimer(t *testing.T) {
	sweeper := &countingSweeper{}
	m := NewIdleMonitor(sweeper, 10*time.Millisecond, slog.Default())

	m.Start(context.Background())
	require.True(t, m.IsActive())

	m.Stop()
	assert.False(t, m.IsActive())

	calls := sweeper.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, sweeper.calls.Load())

	// Stop is idempotent
	m.Stop()
}

func TestIdleMonitor_StartWhileActiveIsNoOp(t *testing.T) {
	sweeper := &countingSweeper{}
	m := NewIdleMonitor(sweeper, time.Hour, slog.Default())
	defer m.Stop()

	m.Start(context.Background())
	m.Start(context.Background())

	assert.Equal(t, int32(1), sweeper.calls.Load())
}
