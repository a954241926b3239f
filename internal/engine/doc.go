// Package engine implements the errand run engine.
//
// The engine advances a run through its state machine one tick at a time.
// A tick is bounded: it evaluates the gates for the current step, performs
// at most one side effect, and records the outcome.
//
// ARCHITECTURE:
//
// Stateless Over The Store:
// Every fact needed to resume a run (its state, retry deadline, open gates,
// recorded attempts, spend) lives in SQLite. The engine keeps no queue and
// no timers, so a restarted process continues where the last one stopped.
//
// Tick Flow:
//  1. Read the run. Anything not ready or running is returned unchanged.
//  2. Claim: in one transaction, move ready to running, evaluate the gates,
//     reserve the attempt and save. The save bumps the run version even when
//     no gate fires. An attempt another tick holds rolls the claim back.
//  3. Execute: outside any transaction, reuse a finished attempt for the
//     same idempotency key or call the executor.
//  4. Settle: finish the reserved attempt, then apply success, retry or
//     failure.
//
// CRITICAL PATTERNS:
//
// Conditional Writes:
// Every run update is conditional on the version that was read. A writer
// that loses returns the current row and does nothing else.
//
// Once Per Attempt:
// The execution key is derived from the run, step and retry count. Only the
// tick that reserved a key executes it, a finished attempt is never
// repeated, and a charge is keyed by run and step so it is never made twice.
// A reservation outlives its tick only if the process dies; after the lease
// (WithExecutionLease) a later tick takes it over.
//
// Injected Time:
// All timestamps and retry deadlines come from Clock. Tests drive retries by
// advancing a fake clock.
package engine
