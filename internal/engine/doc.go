// Package engine implements the Queue Processor: the loop that delivers
// the sync queue to the remote.
//
// ARCHITECTURE:
//
// Single-Flight Drain:
// Drain runs one cycle. Entry is guarded by an atomic flag, so however many
// triggers fire (reconnect, post-mutation, periodic retry) at most one
// cycle is active; a concurrent call returns immediately with Skipped set.
//
// Drain Cycle:
//  1. Offline: return immediately.
//  2. Compact the queue.
//  3. Take up to BatchSize entries, oldest enqueuedAt first.
//  4. Deliver each entry. Success completes it (entry removed, record
//     marked synced without re-enqueueing). Failure bumps its retry count;
//     at MaxRetries the entry is dropped.
//  5. Yield to the scheduler every YieldEvery items.
//  6. Report how many entries remain.
//
// Run Loop:
// Run owns the scheduling. Triggers are debounced by MutationDelay, a
// cycle that leaves entries schedules a follow-up after FollowUpDelay
// (doubled for each consecutive cycle that delivered nothing, capped at
// BackoffMax) and a ticker retries every RetryInterval.
//
// ERROR HANDLING:
// Adapter failures never leave this package as errors. Each one becomes a
// SyncError, recorded on the entry and in DrainResult.Failures. Drain only
// returns an error when the local store fails.
package engine
