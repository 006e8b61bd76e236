// ABOUTME: Provisioner interface for making agent compute reachable and tearing it down
// ABOUTME: Includes a loopback implementation for single-box and test deployments

package lifecycle

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agentiom/agentiom/internal/store"
)

// ErrNoTarget indicates the agent has no network target to make reachable.
var ErrNoTarget = errors.New("agent has no network target")

// Provisioner makes an agent's compute reachable (Start) or tears it down
// (Stop). The concrete compute/storage/DNS backend lives outside the core;
// the orchestrator only needs "is this agent addressable, and where".
type Provisioner interface {
	// Start makes the agent's compute reachable and returns its network
	// target and the identifier of the specific instance serving it.
	Start(ctx context.Context, agent *store.Agent) (target string, instanceID string, err error)

	// Stop tears down the agent's compute. The recorded target is kept so
	// a later wake can reuse it.
	Stop(ctx context.Context, agent *store.Agent) error
}

// LoopbackProvisioner assumes agent compute is co-located and always
// startable at its stored target. Used for single-box deployments and tests.
type LoopbackProvisioner struct{}

// Start returns the agent's stored target with a fresh instance pin.
func (LoopbackProvisioner) Start(ctx context.Context, agent *store.Agent) (string, string, error) {
	if agent.Target == nil || *agent.Target == "" {
		return "", "", ErrNoTarget
	}
	return *agent.Target, uuid.New().String(), nil
}

// Stop is a no-op; loopback compute has nothing to tear down.
func (LoopbackProvisioner) Stop(ctx context.Context, agent *store.Agent) error {
	return nil
}
