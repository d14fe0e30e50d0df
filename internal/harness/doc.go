// Package harness runs YAML scenarios against a real session and records a
// deterministic trace of what happened.
//
// Each scenario gets a fresh in-memory SQLite store, an in-memory remote
// with fault injection, a fake clock and fixed ids. The engine loop is not
// started: a "sync" step runs exactly one drain cycle, so the trace depends
// only on the steps.
//
// A trace has three event types:
//   - step: one per scenario step, with the error code if the step failed
//   - notification: one per engine notification, in the order emitted
//   - sync: one per drain cycle, after that cycle's notifications
//
// Traces serialise to canonical JSON lines and are compared against golden
// files in testdata/golden (see RunWithGolden).
package harness
