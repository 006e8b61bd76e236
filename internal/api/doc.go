// Package api serves the agent lifecycle HTTP endpoints: registering
// agents, operator-triggered wake and sleep, auto-sleep policy updates,
// activity reporting, and activity log queries.
package api
