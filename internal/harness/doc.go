// Package harness runs YAML scenarios against a complete, deterministic
// tillsync stack and records what happened.
//
// # What a Scenario Exercises
//
// Each scenario gets a fresh in-memory SQLite store, a queue, the record
// store, the drain engine and the merge engine, wired to a remote.Memory
// and a connectivity.Switch. Nothing is stubbed below the remote boundary:
// a "create" step goes through validation, duplicate detection and the
// enqueue merge exactly as an application write would.
//
// Determinism comes from a stepping clock, sequence-based entry uids and
// cycle ids, and the in-process remote. The same scenario always produces
// byte-identical traces.
//
// # Steps
//
// Steps run in order. Mutation steps (create, update, delete) may carry
// expect_error with the records error code they must fail with. The
// connectivity steps go_online and go_offline flip the switch. drain runs
// one engine cycle, flush runs cycles until the queue settles, pull
// downloads and merges the remote snapshot. fail_key, fail_next,
// remote_down, remote_up and seed_remote script the remote.
//
// # Results
//
// Run returns a Result holding one TraceEvent per step plus the final
// queue and the remote call log. Assertions listed in the scenario are
// evaluated against the live stores before they are closed; failures are
// collected in Result.Errors.
//
// RunWithGolden additionally compares the canonical JSON snapshot of the
// trace with testdata/scenarios/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
