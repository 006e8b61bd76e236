// ABOUTME: Wake/sleep state machine for agents, with per-agent single-flight guard
// ABOUTME: Owns all agent status transitions; no other component mutates status

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentiom/agentiom/internal/store"
)

// ErrAlreadyTransitioning indicates a wake or sleep is already in flight
// for the agent. Concurrent triggers must not race past each other into
// double provisioning.
var ErrAlreadyTransitioning = errors.New("agent transition already in flight")

// ErrInvalidTransition indicates the requested transition is not legal from
// the agent's current status.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// WakeResult is the outcome of a wake attempt.
type WakeResult struct {
	Success        bool              `json:"success"`
	PreviousStatus store.AgentStatus `json:"previous_status"`
	NewStatus      store.AgentStatus `json:"new_status"`
	LatencyMs      int64             `json:"latency_ms"`
	Error          string            `json:"error,omitempty"`
}

// SweepResult is the outcome of one idle sweep. Per-agent failures are
// collected, never propagated; one slow or broken agent must not block
// sleeping the others.
type SweepResult struct {
	Slept  []string          `json:"slept"`
	Failed map[string]string `json:"failed,omitempty"`
}

// Orchestrator owns the wake/sleep state machine for all agents.
type Orchestrator struct {
	store       store.Store
	provisioner Provisioner
	wakeTimeout time.Duration
	logger      *slog.Logger

	mu            sync.Mutex
	transitioning map[string]struct{}
}

// NewOrchestrator creates an Orchestrator using the given store and
// provisioner. wakeTimeout bounds each provisioning call.
func NewOrchestrator(st store.Store, provisioner Provisioner, wakeTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:         st,
		provisioner:   provisioner,
		wakeTimeout:   wakeTimeout,
		logger:        logger.With("component", "lifecycle"),
		transitioning: make(map[string]struct{}),
	}
}

// claim takes the per-agent transition slot. Returns ErrAlreadyTransitioning
// if a wake or sleep for the agent is in flight.
func (o *Orchestrator) claim(agentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, busy := o.transitioning[agentID]; busy {
		return ErrAlreadyTransitioning
	}
	o.transitioning[agentID] = struct{}{}
	return nil
}

func (o *Orchestrator) release(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.transitioning, agentID)
}

// Wake makes the agent's compute reachable. Idempotent: an already-running
// agent returns success immediately without touching lastWakeAt or the wake
// counter. triggerType and triggerContext flow into the activity log so a
// wake can be correlated with what caused it.
//
// Returns store.ErrAgentNotFound for unknown agents and
// ErrAlreadyTransitioning when a transition is in flight. Provisioning
// failures are reported inside the WakeResult, with the agent left in error.
func (o *Orchestrator) Wake(ctx context.Context, agentID, triggerType string, triggerContext map[string]any) (*WakeResult, error) {
	start := time.Now()

	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if agent.Status == store.AgentRunning {
		return &WakeResult{
			Success:        true,
			PreviousStatus: store.AgentRunning,
			NewStatus:      store.AgentRunning,
		}, nil
	}

	if err := o.claim(agentID); err != nil {
		return nil, err
	}
	defer o.release(agentID)

	// Re-read under the claim; a concurrent wake may have finished while
	// we were acquiring the slot.
	agent, err = o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	prev := agent.Status

	if prev == store.AgentRunning {
		return &WakeResult{
			Success:        true,
			PreviousStatus: store.AgentRunning,
			NewStatus:      store.AgentRunning,
		}, nil
	}
	if prev == store.AgentDestroyed {
		return nil, fmt.Errorf("%w: cannot wake destroyed agent", ErrInvalidTransition)
	}

	provCtx, cancel := context.WithTimeout(ctx, o.wakeTimeout)
	defer cancel()

	target, instanceID, err := o.provisioner.Start(provCtx, agent)
	latency := time.Since(start)

	if err != nil {
		if stErr := o.store.UpdateAgentStatus(ctx, agentID, store.AgentError); stErr != nil {
			o.logger.Error("recording wake failure status", "agent_id", agentID, "error", stErr)
		}
		o.audit(ctx, &store.ActivityEntry{
			AgentID:   agentID,
			Kind:      store.ActivityWake,
			Trigger:   triggerType,
			Detail:    triggerContext,
			LatencyMs: latency.Milliseconds(),
			Success:   false,
			Error:     err.Error(),
		})
		o.logger.Warn("wake failed",
			"agent_id", agentID,
			"trigger", triggerType,
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return &WakeResult{
			Success:        false,
			PreviousStatus: prev,
			NewStatus:      store.AgentError,
			LatencyMs:      latency.Milliseconds(),
			Error:          err.Error(),
		}, nil
	}

	if err := o.store.UpdateAgentTarget(ctx, agentID, &target, &instanceID); err != nil {
		return nil, fmt.Errorf("recording agent target: %w", err)
	}
	if err := o.store.MarkAgentAwake(ctx, agentID, time.Now()); err != nil {
		return nil, fmt.Errorf("marking agent awake: %w", err)
	}

	o.audit(ctx, &store.ActivityEntry{
		AgentID:   agentID,
		Kind:      store.ActivityWake,
		Trigger:   triggerType,
		Detail:    triggerContext,
		LatencyMs: latency.Milliseconds(),
		Success:   true,
	})
	o.logger.Info("agent woken",
		"agent_id", agentID,
		"previous_status", prev,
		"trigger", triggerType,
		"latency_ms", latency.Milliseconds(),
	)

	return &WakeResult{
		Success:        true,
		PreviousStatus: prev,
		NewStatus:      store.AgentRunning,
		LatencyMs:      latency.Milliseconds(),
	}, nil
}

// Sleep tears down the agent's compute. Valid only from running; anything
// else returns ErrInvalidTransition. trigger identifies who asked
// ("operator" or "idle-sweep") for the activity log.
func (o *Orchestrator) Sleep(ctx context.Context, agentID, trigger string) error {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != store.AgentRunning {
		return fmt.Errorf("%w: cannot sleep agent in status %s", ErrInvalidTransition, agent.Status)
	}

	if err := o.claim(agentID); err != nil {
		return err
	}
	defer o.release(agentID)

	agent, err = o.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != store.AgentRunning {
		return fmt.Errorf("%w: cannot sleep agent in status %s", ErrInvalidTransition, agent.Status)
	}

	if err := o.provisioner.Stop(ctx, agent); err != nil {
		o.audit(ctx, &store.ActivityEntry{
			AgentID: agentID,
			Kind:    store.ActivityError,
			Trigger: trigger,
			Success: false,
			Error:   fmt.Sprintf("sleep failed: %v", err),
		})
		return fmt.Errorf("stopping agent compute: %w", err)
	}

	if err := o.store.MarkAgentAsleep(ctx, agentID, time.Now()); err != nil {
		return fmt.Errorf("marking agent asleep: %w", err)
	}

	o.audit(ctx, &store.ActivityEntry{
		AgentID: agentID,
		Kind:    store.ActivitySleep,
		Trigger: trigger,
		Success: true,
	})
	o.logger.Info("agent slept", "agent_id", agentID, "trigger", trigger)
	return nil
}

// FindIdleAgents returns running agents with auto-sleep enabled whose last
// activity is older than their idle timeout.
func (o *Orchestrator) FindIdleAgents(ctx context.Context) ([]*store.Agent, error) {
	running, err := o.store.ListAgentsByStatus(ctx, store.AgentRunning)
	if err != nil {
		return nil, fmt.Errorf("listing running agents: %w", err)
	}

	now := time.Now()
	var idle []*store.Agent
	for _, agent := range running {
		if !agent.AutoSleep {
			continue
		}
		ref := agent.LastActivityAt
		if ref == nil {
			ref = agent.LastWakeAt
		}
		if ref == nil {
			continue
		}
		timeout := time.Duration(agent.IdleTimeoutMins) * time.Minute
		if now.Sub(*ref) > timeout {
			idle = append(idle, agent)
		}
	}
	return idle, nil
}

// SleepIdleAgents sleeps every eligible idle agent independently. A failure
// on one agent is recorded in the result and does not abort the sweep.
func (o *Orchestrator) SleepIdleAgents(ctx context.Context) (*SweepResult, error) {
	idle, err := o.FindIdleAgents(ctx)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Failed: make(map[string]string)}
	for _, agent := range idle {
		if err := o.Sleep(ctx, agent.ID, "idle-sweep"); err != nil {
			result.Failed[agent.ID] = err.Error()
			o.logger.Warn("idle sweep: sleeping agent failed",
				"agent_id", agent.ID,
				"slug", agent.Slug,
				"error", err,
			)
			continue
		}
		result.Slept = append(result.Slept, agent.ID)
	}

	if len(result.Slept) > 0 || len(result.Failed) > 0 {
		o.logger.Info("idle sweep finished",
			"slept", len(result.Slept),
			"failed", len(result.Failed),
		)
	}
	return result, nil
}

// RecordActivity refreshes the agent's last-activity timestamp so idle
// detection reflects real usage, not just wake events.
func (o *Orchestrator) RecordActivity(ctx context.Context, agentID string) error {
	return o.store.TouchAgentActivity(ctx, agentID, time.Now())
}

// ConfigureAutoSleep updates the auto-sleep settings. Pure configuration
// change, no state transition.
func (o *Orchestrator) ConfigureAutoSleep(ctx context.Context, agentID string, enabled bool, idleTimeoutMins int) error {
	return o.store.UpdateAgentAutoSleep(ctx, agentID, enabled, idleTimeoutMins)
}

// audit appends to the activity log best-effort. A logging failure must
// never abort the primary operation.
func (o *Orchestrator) audit(ctx context.Context, e *store.ActivityEntry) {
	if err := o.store.AppendActivity(ctx, e); err != nil {
		o.logger.Warn("appending activity entry failed",
			"agent_id", e.AgentID,
			"kind", e.Kind,
			"error", err,
		)
	}
}
