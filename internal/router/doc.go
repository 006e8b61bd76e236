// Package router moves inbound platform events to agent compute. The core
// rule is wake-before-deliver: a sleeping agent is woken through the
// lifecycle orchestrator before the event is POSTed to its target, and an
// already-running agent is delivered to directly. Delivery is at-most-once;
// a failed POST is recorded in the activity log but never retried. Replies
// the agent returns are relayed back over the connection the event arrived
// on.
package router
