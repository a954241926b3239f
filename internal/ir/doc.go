// Package ir holds the domain types shared by every other package: runs,
// plans, approvals, clarifications, ledger rows, missions, and the
// canonical hashing used to derive idempotency keys.
//
// ir imports nothing internal. All other internal packages import ir.
//
// Key design constraints:
//   - money is integer cents (int64), never floats
//   - JSON tags use snake_case
//   - every derived key is SHA-256 over canonical JSON with a domain prefix
package ir
