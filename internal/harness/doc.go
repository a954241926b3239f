// Package harness runs scripted scenarios against the run engine.
//
// A scenario compiles a CUE workflow, starts one run, scripts what the
// executor returns for each step, then drives the run through a flow of
// operations (tick, resume, advance, approve, reject, answer, cancel) and
// asserts on the activity trail and the stored rows.
//
// # Scenario Format
//
//	name: research_retry
//	description: "A transient fetch failure is retried once"
//	workflow: ../workflows/research.cue
//	max_retries: 2
//	script:
//	  fetch:
//	    - fail_retryable: "connection reset"
//	    - succeed: {body: "ok"}
//	flow:
//	  - do: tick
//	    expect: retrying
//	  - do: advance
//	    duration: 200ms
//	  - do: resume
//	    expect: running
//	assertions:
//	  - type: trace_contains
//	    kind: retry_scheduled
//	    summary: "retry 1 of 2"
//	  - type: final_state
//	    table: runs
//	    where: {idempotency_key: research_retry}
//	    expect: {retry_count: 1}
//
// # Assertion Types
//
//   - trace_contains: an activity of a kind exists, optionally with a summary substring
//   - trace_order: activity kinds appear in order
//   - trace_count: an activity kind appears exactly N times
//   - executor_calls: a step was executed exactly N times
//   - final_state: one row of a store table has the expected column values
//
// # Determinism
//
// Every scenario runs against a fresh in-memory SQLite store, a fake clock
// starting at testutil.DefaultTestTime and sequential ids, so traces are
// identical across executions and can be compared to golden files.
package harness
