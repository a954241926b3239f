// Package store provides SQLite-backed durable storage for runs and missions.
//
// The store holds:
//   - Runs: one row per workflow instance, with its plan and scheduling state
//   - Activities: append-only audit trail, one row per transition
//   - Approvals and Clarifications: the gates a paused run waits on
//   - Actions and Action Executions: the idempotency ledger for side effects
//   - Spend Ledger: one charge per (run, step), keyed for idempotency
//   - Receipts: one per terminal run
//   - Missions, Mission Child Runs, Mission Events: fan-out and join state
//
// # Concurrency
//
// Run and mission rows carry a version column. UpdateRun and UpdateMission
// only apply when the caller's version still matches and return ErrConflict
// otherwise, so two concurrent ticks on the same run cannot both apply a
// transition. All multi-row writes go through InTx.
//
// # Idempotency
//
// Inserts keyed by an idempotency key use ON CONFLICT DO NOTHING and report
// whether a row was written. The keys themselves are derived in
// internal/ir/hash.go.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
