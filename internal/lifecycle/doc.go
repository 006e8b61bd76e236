// Package lifecycle owns the agent wake/sleep state machine and idle
// detection.
//
// The Orchestrator is the single writer of agent status. Wake and sleep for
// the same agent are serialized by a per-agent single-flight guard so that
// concurrent triggers cannot double-provision. The IdleMonitor drives
// periodic idle sweeps with strictly non-overlapping ticks.
//
// Compute provisioning is delegated to the Provisioner interface; the core
// only needs to know whether an agent's compute is addressable and where.
package lifecycle
