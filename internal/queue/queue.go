package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/ids"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/store"
)

// Action describes what Enqueue did.
type Action string

const (
	ActionSkipped   Action = "skipped"   // record already synced
	ActionInserted  Action = "inserted"  // new entry appended
	ActionMerged    Action = "merged"    // folded into the live entry
	ActionCancelled Action = "cancelled" // create+delete, entry removed
)

// EnqueueResult reports the outcome of one Enqueue call. Entry is the zero
// value for ActionSkipped and ActionCancelled.
type EnqueueResult struct {
	Action Action
	Entry  record.Entry
}

// Queue is the sync queue. It is safe for concurrent use; the Record Store
// and the Queue Processor share one instance so in-flight deliveries are
// visible to the enqueue merge.
type Queue struct {
	store  *store.Store
	clock  clock.Clock
	uids   ids.Generator
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[int64]bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for enqueuedAt.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithUIDs sets the generator for entry uids.
func WithUIDs(g ids.Generator) Option {
	return func(q *Queue) { q.uids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a queue over st.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:    st,
		clock:    clock.System{},
		uids:     ids.UUIDv7{},
		logger:   slog.Default(),
		inflight: make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue records op for rec in its own transaction.
func (q *Queue) Enqueue(ctx context.Context, op record.Operation, rec record.Record) (EnqueueResult, error) {
	var res EnqueueResult
	err := q.store.InTx(ctx, func(h *store.Handle) error {
		var err error
		res, err = q.EnqueueTx(ctx, h, op, rec)
		return err
	})
	return res, err
}

// EnqueueTx records op for rec using h, so the caller can commit the record
// write and the entry together.
func (q *Queue) EnqueueTx(ctx context.Context, h *store.Handle, op record.Operation, rec record.Record) (EnqueueResult, error) {
	if rec.Synced {
		return EnqueueResult{Action: ActionSkipped}, nil
	}

	key := rec.NaturalKey().String()
	now := q.clock.Now()

	existing, err := h.FindEntry(ctx, rec.Collection, key)
	if errors.Is(err, store.ErrNotFound) {
		if op != record.OpDelete && rec.ID != 0 {
			res, ok, err := q.rekey(ctx, h, rec, key, now)
			if err != nil {
				return EnqueueResult{}, fmt.Errorf("enqueue %s %s: %w", rec.Collection, key, err)
			}
			if ok {
				return res, nil
			}
		}
		return q.insert(ctx, h, op, rec, key, now)
	}
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s %s: %w", rec.Collection, key, err)
	}

	merged, keep := mergeOperations(existing.Operation, op, q.isInflight(existing.ID))
	if !keep {
		if err := h.DeleteEntry(ctx, existing.ID); err != nil {
			return EnqueueResult{}, fmt.Errorf("enqueue %s %s: %w", rec.Collection, key, err)
		}
		q.logger.Debug("queued create cancelled by delete",
			"collection", rec.Collection, "natural_key", key, "uid", existing.UID)
		return EnqueueResult{Action: ActionCancelled}, nil
	}

	existing.Operation = merged
	existing.Data = rec
	existing.EnqueuedAt = now
	e, err := h.UpdateEntry(ctx, existing)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s %s: %w", rec.Collection, key, err)
	}
	return EnqueueResult{Action: ActionMerged, Entry: e}, nil
}

func (q *Queue) insert(ctx context.Context, h *store.Handle, op record.Operation, rec record.Record, key string, now time.Time) (EnqueueResult, error) {
	e, err := h.InsertEntry(ctx, record.Entry{
		UID:        q.uids.Generate(),
		Collection: rec.Collection,
		NaturalKey: key,
		Operation:  op,
		Data:       rec,
		EnqueuedAt: now,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s %s: %w", rec.Collection, key, err)
	}
	return EnqueueResult{Action: ActionInserted, Entry: e}, nil
}

// rekey handles a record whose natural key changed while a create or
// update for it is still queued under the old key. A create that has not
// been sent yet moves to key. Otherwise the old key may already exist
// remotely: the entry stays under the old key as a delete and a create is
// queued under key. ok is false when nothing is queued for the record.
func (q *Queue) rekey(ctx context.Context, h *store.Handle, rec record.Record, key string, now time.Time) (EnqueueResult, bool, error) {
	prior, err := h.FindPendingEntryForRecord(ctx, rec.Collection, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return EnqueueResult{}, false, nil
	}
	if err != nil {
		return EnqueueResult{}, false, err
	}
	oldKey := prior.NaturalKey

	if prior.Operation == record.OpCreate && !q.isInflight(prior.ID) {
		prior.NaturalKey = key
		prior.Data = rec
		prior.EnqueuedAt = now
		e, err := h.UpdateEntry(ctx, prior)
		if err != nil {
			return EnqueueResult{}, false, err
		}
		q.logger.Debug("queue entry rekeyed",
			"collection", rec.Collection, "from", oldKey, "to", key, "uid", e.UID)
		return EnqueueResult{Action: ActionMerged, Entry: e}, true, nil
	}

	prior.Operation = record.OpDelete
	prior.EnqueuedAt = now
	if _, err := h.UpdateEntry(ctx, prior); err != nil {
		return EnqueueResult{}, false, err
	}
	res, err := q.insert(ctx, h, record.OpCreate, rec, key, now)
	if err != nil {
		return EnqueueResult{}, false, err
	}
	q.logger.Debug("old natural key queued for delete",
		"collection", rec.Collection, "from", oldKey, "to", key, "uid", prior.UID)
	return res, true, nil
}

// mergeOperations combines the operation of the live entry with a new one.
// keep is false when the entry should be removed instead.
func mergeOperations(existing, incoming record.Operation, inflight bool) (op record.Operation, keep bool) {
	switch {
	case incoming == record.OpDelete && existing == record.OpCreate:
		if inflight {
			return record.OpDelete, true
		}
		return "", false
	case incoming == record.OpDelete:
		return record.OpDelete, true
	case existing == record.OpDelete:
		return incoming, true
	case existing == record.OpCreate || incoming == record.OpCreate:
		return record.OpCreate, true
	default:
		return record.OpUpdate, true
	}
}

// Compact removes duplicate entries per (collection, natural key) in one
// transaction and returns how many were deleted.
func (q *Queue) Compact(ctx context.Context) (int, error) {
	removed := 0
	err := q.store.InTx(ctx, func(h *store.Handle) error {
		entries, err := h.ListEntries(ctx)
		if err != nil {
			return err
		}

		type groupKey struct {
			collection string
			naturalKey string
		}
		winners := make(map[groupKey]record.Entry)
		var losers []record.Entry
		for _, e := range entries {
			k := groupKey{string(e.Collection), e.NaturalKey}
			w, ok := winners[k]
			if !ok {
				winners[k] = e
				continue
			}
			if beats(e, w) {
				winners[k] = e
				losers = append(losers, w)
			} else {
				losers = append(losers, e)
			}
		}

		for _, e := range losers {
			if err := h.DeleteEntry(ctx, e.ID); err != nil {
				return err
			}
			q.logger.Debug("compacted queue entry",
				"collection", e.Collection, "natural_key", e.NaturalKey,
				"operation", e.Operation, "uid", e.UID)
		}
		removed = len(losers)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	return removed, nil
}

// beats reports whether a should replace b as the group's surviving entry.
// Entries arrive oldest first, so ties on enqueuedAt keep the later row.
func beats(a, b record.Entry) bool {
	aCreate := a.Operation == record.OpCreate
	bCreate := b.Operation == record.OpCreate
	if aCreate != bCreate {
		return aCreate
	}
	return !a.EnqueuedAt.Before(b.EnqueuedAt)
}

// Batch returns up to n entries, oldest first, and marks them in flight
// until Complete or Fail is called for each.
func (q *Queue) Batch(ctx context.Context, n int) ([]record.Entry, error) {
	entries, err := q.store.OldestEntries(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	q.mu.Lock()
	for _, e := range entries {
		q.inflight[e.ID] = true
	}
	q.mu.Unlock()
	return entries, nil
}

// CompleteResult reports what Complete changed.
type CompleteResult struct {
	// Removed is false when a later mutation was merged into the entry
	// while it was being delivered; the entry stays queued.
	Removed bool
	// Synced is true when the source record was marked synced.
	Synced bool
}

// Complete finalizes a delivered entry: the entry is deleted if its version
// is unchanged and the source record, if it still exists and has not been
// edited since, is marked synced without being re-enqueued.
func (q *Queue) Complete(ctx context.Context, e record.Entry) (CompleteResult, error) {
	defer q.release(e.ID)

	var res CompleteResult
	err := q.store.InTx(ctx, func(h *store.Handle) error {
		removed, err := h.DeleteEntryIfVersion(ctx, e.ID, e.Version)
		if err != nil {
			return err
		}
		res.Removed = removed
		if !removed || e.Operation == record.OpDelete {
			return nil
		}
		res.Synced, err = h.MarkSynced(ctx, e.Collection, e.Data.ID, e.Data.UpdatedAt)
		return err
	})
	if err != nil {
		return CompleteResult{}, fmt.Errorf("complete %s %s: %w", e.Collection, e.NaturalKey, err)
	}
	return res, nil
}

// FailResult reports the outcome of a failed delivery.
type FailResult struct {
	RetryCount int
	Dropped    bool
}

// Fail records a failed delivery. Once the retry count reaches maxRetries
// the entry is dropped unconditionally.
func (q *Queue) Fail(ctx context.Context, e record.Entry, cause error, maxRetries int) (FailResult, error) {
	defer q.release(e.ID)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var res FailResult
	err := q.store.InTx(ctx, func(h *store.Handle) error {
		n, err := h.BumpRetry(ctx, e.ID, msg)
		if errors.Is(err, store.ErrNotFound) {
			// Removed by a delete merge while in flight.
			return nil
		}
		if err != nil {
			return err
		}
		res.RetryCount = n
		if n < maxRetries {
			return nil
		}
		res.Dropped = true
		return h.DeleteEntry(ctx, e.ID)
	})
	if err != nil {
		return FailResult{}, fmt.Errorf("fail %s %s: %w", e.Collection, e.NaturalKey, err)
	}

	if res.Dropped {
		q.logger.Error("sync entry dropped after retry ceiling",
			"collection", e.Collection, "natural_key", e.NaturalKey,
			"operation", e.Operation, "uid", e.UID,
			"attempts", res.RetryCount, "error", msg)
	}
	return res, nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountEntries(ctx)
}

// List returns every queued entry, oldest first.
func (q *Queue) List(ctx context.Context) ([]record.Entry, error) {
	return q.store.ListEntries(ctx)
}

// Release clears the in-flight mark of entries that were batched but will
// not be completed or failed, e.g. when a drain is cancelled.
func (q *Queue) Release(entries ...record.Entry) {
	for _, e := range entries {
		q.release(e.ID)
	}
}

func (q *Queue) isInflight(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight[id]
}

func (q *Queue) release(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}
