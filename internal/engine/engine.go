package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/roach88/tillsync/internal/connectivity"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/remote"
)

// Defaults for the processor's tunables.
const (
	DefaultBatchSize     = 20
	DefaultMaxRetries    = 3
	DefaultYieldEvery    = 25
	DefaultFollowUpDelay = 250 * time.Millisecond
	DefaultRetryInterval = 30 * time.Second
	DefaultMutationDelay = 100 * time.Millisecond
	DefaultBackoffMax    = 5 * time.Minute
)

// Engine is the Queue Processor.
//
// Thread-safety model:
//   - Drain(), Flush(), Trigger(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	queue   *queue.Queue
	adapter remote.Adapter
	conn    connectivity.Provider
	cycles  ids.Generator
	logger  *slog.Logger

	batchSize     int
	maxRetries    int
	yieldEvery    int
	followUpDelay time.Duration
	retryInterval time.Duration
	mutationDelay time.Duration
	backoffMax    time.Duration

	draining atomic.Bool
	counter  cycleCounter
	trigger  *trigger
	yield    func()

	// sinceYield counts processed items across cycles; guarded by draining.
	sinceYield int
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithBatchSize sets how many entries one cycle takes. Default: 20.
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) { e.batchSize = n }
}

// WithMaxRetries sets the failed-attempt ceiling after which an entry is
// dropped. Default: 3.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) { e.maxRetries = n }
}

// WithYieldEvery sets how many items are processed between yields. The
// count carries across drain cycles, so it may exceed the batch size.
func WithYieldEvery(n int) EngineOption {
	return func(e *Engine) { e.yieldEvery = n }
}

// WithFollowUpDelay sets the pause before the next cycle when entries remain.
func WithFollowUpDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.followUpDelay = d }
}

// WithRetryInterval sets the periodic retry tick of Run.
func WithRetryInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.retryInterval = d }
}

// WithMutationDelay sets how long Run waits after a Trigger before draining,
// so a burst of mutations is delivered in one cycle.
func WithMutationDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.mutationDelay = d }
}

// WithBackoffMax caps the follow-up delay after failing cycles.
func WithBackoffMax(d time.Duration) EngineOption {
	return func(e *Engine) { e.backoffMax = d }
}

// WithCycleIDs sets the generator for drain cycle ids.
func WithCycleIDs(g ids.Generator) EngineOption {
	return func(e *Engine) { e.cycles = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// New creates a processor that delivers q to adapter while conn is online.
func New(q *queue.Queue, adapter remote.Adapter, conn connectivity.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		queue:         q,
		adapter:       adapter,
		conn:          conn,
		cycles:        ids.UUIDv7{},
		logger:        slog.Default(),
		batchSize:     DefaultBatchSize,
		maxRetries:    DefaultMaxRetries,
		yieldEvery:    DefaultYieldEvery,
		followUpDelay: DefaultFollowUpDelay,
		retryInterval: DefaultRetryInterval,
		mutationDelay: DefaultMutationDelay,
		backoffMax:    DefaultBackoffMax,
		trigger:       newTrigger(),
		yield:         runtime.Gosched,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Cycle     string      `json:"cycle,omitempty"`
	Seq       int64       `json:"seq,omitempty"`
	Skipped   bool        `json:"skipped,omitempty"`
	Offline   bool        `json:"offline,omitempty"`
	Compacted int         `json:"compacted"`
	Attempted int         `json:"attempted"`
	Delivered int         `json:"delivered"`
	Failed    int         `json:"failed"`
	Dropped   int         `json:"dropped"`
	Remaining int         `json:"remaining"`
	Failures  []SyncError `json:"-"`
}

// Drain runs one drain cycle. If another cycle is active it returns
// immediately with Skipped set. Adapter failures are reported in the
// result; the error is reserved for local store failures and ctx.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain already running")
		return DrainResult{Skipped: true}, nil
	}
	defer e.draining.Store(false)

	res := DrainResult{Cycle: e.cycles.Generate(), Seq: e.counter.Next()}
	log := e.logger.With("cycle", res.Cycle)

	if !e.conn.Online() {
		res.Offline = true
		log.Debug("drain skipped: offline")
		return res, nil
	}

	compacted, err := e.queue.Compact(ctx)
	if err != nil {
		return res, fmt.Errorf("drain: %w", err)
	}
	res.Compacted = compacted

	batch, err := e.queue.Batch(ctx, e.batchSize)
	if err != nil {
		return res, fmt.Errorf("drain: %w", err)
	}

	for i, entry := range batch {
		if err := ctx.Err(); err != nil {
			e.queue.Release(batch[i:]...)
			return res, err
		}
		if !e.conn.Online() {
			e.queue.Release(batch[i:]...)
			res.Offline = true
			log.Info("went offline during drain", "unsent", len(batch)-i)
			break
		}

		if err := e.deliver(ctx, log, entry, &res); err != nil {
			e.queue.Release(batch[i+1:]...)
			return res, fmt.Errorf("drain: %w", err)
		}

		e.sinceYield++
		if e.yieldEvery > 0 && e.sinceYield >= e.yieldEvery {
			e.sinceYield = 0
			e.yield()
		}
	}

	res.Remaining, err = e.queue.Len(ctx)
	if err != nil {
		return res, fmt.Errorf("drain: %w", err)
	}

	level := slog.LevelDebug
	if res.Attempted > 0 {
		level = slog.LevelInfo
	}
	log.Log(ctx, level, "drain cycle finished",
		"seq", res.Seq,
		"compacted", res.Compacted,
		"attempted", res.Attempted,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"dropped", res.Dropped,
		"remaining", res.Remaining,
	)
	return res, nil
}

// deliver sends one entry and settles it in the queue.
func (e *Engine) deliver(ctx context.Context, log *slog.Logger, entry record.Entry, res *DrainResult) error {
	res.Attempted++

	remoteID, sendErr := e.adapter.SyncItem(ctx, entry)
	if sendErr == nil {
		done, err := e.queue.Complete(ctx, entry)
		if err != nil {
			return err
		}
		res.Delivered++
		log.Debug("entry delivered",
			"collection", entry.Collection,
			"natural_key", entry.NaturalKey,
			"operation", entry.Operation,
			"uid", entry.UID,
			"remote_id", remoteID,
			"removed", done.Removed,
			"synced", done.Synced,
		)
		return nil
	}

	failed, err := e.queue.Fail(ctx, entry, sendErr, e.maxRetries)
	if err != nil {
		return err
	}
	se := SyncError{
		UID:        entry.UID,
		Collection: entry.Collection,
		NaturalKey: entry.NaturalKey,
		Operation:  entry.Operation,
		Attempt:    entry.RetryCount + 1,
		Dropped:    failed.Dropped,
		Err:        sendErr,
	}
	res.Failed++
	if failed.Dropped {
		res.Dropped++
	}
	res.Failures = append(res.Failures, se)

	log.Warn("sync failed",
		"collection", se.Collection,
		"natural_key", se.NaturalKey,
		"operation", se.Operation,
		"attempt", se.Attempt,
		"dropped", se.Dropped,
		"error", sendErr,
	)
	return nil
}

// Flush runs drain cycles, FollowUpDelay apart, until the queue is empty,
// the processor is offline, or a cycle has nothing to attempt.
func (e *Engine) Flush(ctx context.Context) ([]DrainResult, error) {
	var results []DrainResult
	for {
		res, err := e.Drain(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Skipped || res.Offline || res.Remaining == 0 || res.Attempted == 0 {
			return results, nil
		}

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-time.After(e.followUpDelay):
		}
	}
}

// Trigger asks Run to drain soon. Never blocks; bursts coalesce.
func (e *Engine) Trigger() {
	e.trigger.Fire()
}

// Run drives drain cycles until ctx is cancelled. It drains once on start,
// after each Trigger (debounced by MutationDelay), on every RetryInterval
// tick, and as a follow-up while entries remain.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("queue processor starting",
		"batch_size", e.batchSize,
		"max_retries", e.maxRetries,
		"retry_interval", e.retryInterval,
	)

	ticker := time.NewTicker(e.retryInterval)
	defer ticker.Stop()
	timer := time.NewTimer(0)
	defer timer.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("queue processor stopping", "reason", ctx.Err())
			return ctx.Err()

		case <-e.trigger.Wait():
			timer.Reset(e.mutationDelay)

		case <-ticker.C:
			if next, ok := e.runCycle(ctx, &idle); ok {
				timer.Reset(next)
			}

		case <-timer.C:
			if next, ok := e.runCycle(ctx, &idle); ok {
				timer.Reset(next)
			}
		}
	}
}

// runCycle drains once and returns the delay before a follow-up cycle, or
// false when none is needed. idle counts consecutive cycles that made no
// progress and drives the backoff.
func (e *Engine) runCycle(ctx context.Context, idle *int) (time.Duration, bool) {
	res, err := e.Drain(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return 0, false
		}
		*idle++
		e.logger.Error("drain cycle failed", "error", err, "idle_cycles", *idle)
	case res.Skipped || res.Offline || res.Remaining == 0:
		*idle = 0
		return 0, false
	case res.Delivered == 0:
		*idle++
	default:
		*idle = 0
	}
	return e.backoff(*idle), true
}

// backoff returns FollowUpDelay doubled n times, capped at BackoffMax.
func (e *Engine) backoff(n int) time.Duration {
	d := e.followUpDelay
	for i := 0; i < n && d < e.backoffMax; i++ {
		d *= 2
	}
	if e.backoffMax > 0 && d > e.backoffMax {
		d = e.backoffMax
	}
	return d
}
