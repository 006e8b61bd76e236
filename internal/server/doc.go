// Package server assembles and runs the supervisor process: the SQLite
// store, lifecycle orchestrator, idle monitor, connection supervisor, event
// router, and the two HTTP surfaces (management API and wake-on-request
// proxy), over plain TCP listeners or a tsnet node.
package server
