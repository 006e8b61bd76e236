// Package store provides persistence for agents, integrations, and the
// wake/sleep activity log.
//
// The Store interface is implemented by SQLiteStore (modernc.org/sqlite,
// WAL mode, automatic schema creation) and by MockStore for tests.
//
// Agent status is persisted here but mutated only through the lifecycle
// orchestrator; no other component writes status directly.
package store
