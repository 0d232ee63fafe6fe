// Package records is the Record Store: validated CRUD over the local
// collections. Every mutation writes the row and its sync queue entry in
// one SQLite transaction, so a crash can never leave a local change
// without its pending delivery.
package records

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/connectivity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
)

// Store is the Record Store.
//
// Thread-safety: Store is safe for concurrent use; SQLite serializes the
// transactions.
type Store struct {
	db       *store.Store
	queue    *queue.Queue
	clock    clock.Clock
	adapter  remote.Adapter
	conn     connectivity.Provider
	logger   *slog.Logger
	onChange func()
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for createdAt/updatedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRemote enables the immediate remote delete while conn reports online.
func WithRemote(a remote.Adapter, conn connectivity.Provider) Option {
	return func(s *Store) {
		s.adapter = a
		s.conn = conn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMutationHook registers fn to run after every committed mutation.
// The daemon uses it to wake the Queue Processor.
func WithMutationHook(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// New creates a Record Store over db that enqueues into q.
func New(db *store.Store, q *queue.Queue, opts ...Option) *Store {
	s := &Store{
		db:     db,
		queue:  q,
		clock:  clock.System{},
		conn:   connectivity.Static(false),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates fields, rejects duplicates, stores a new row with
// synced=false and enqueues a create entry.
func (s *Store) Create(ctx context.Context, c schema.Collection, fields record.Fields) (record.Record, error) {
	const op = "create"
	if err := checkInput(op, c, fields); err != nil {
		return record.Record{}, err
	}

	clean := record.StripReserved(fields)
	if err := schema.Validate(c, clean); err != nil {
		return record.Record{}, validationError(op, c, "", err)
	}

	now := s.clock.Now()
	var out record.Record
	err := s.db.InTx(ctx, func(h *store.Handle) error {
		if err := s.checkDuplicates(ctx, h, c, clean); err != nil {
			return err
		}

		rec, err := h.InsertRecord(ctx, record.Record{
			Collection: c,
			Fields:     clean,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return storageError(op, c, err)
		}
		if _, err := s.queue.EnqueueTx(ctx, h, record.OpCreate, rec); err != nil {
			return storageError(op, c, err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return record.Record{}, asStoreError(op, c, err)
	}

	s.logger.Debug("record created", "collection", c, "id", out.ID, "natural_key", out.NaturalKey().String())
	s.notify()
	return out, nil
}

// checkDuplicates scans every row of c for a shared uniqueness candidate.
func (s *Store) checkDuplicates(ctx context.Context, h *store.Handle, c schema.Collection, fields record.Fields) error {
	wanted := schema.Candidates(c, fields)
	if len(wanted) == 0 {
		return nil
	}

	rows, err := h.ListRecords(ctx, c)
	if err != nil {
		return storageError("create", c, err)
	}
	for _, row := range rows {
		for _, have := range schema.Candidates(c, row.Fields) {
			for _, w := range wanted {
				if w == have {
					return duplicateError(c, w.Rule, w.Value, row.ID)
				}
			}
		}
	}
	return nil
}

// Read returns the row at id.
func (s *Store) Read(ctx context.Context, c schema.Collection, id int64) (record.Record, error) {
	const op = "read"
	if !c.Known() {
		return record.Record{}, validationError(op, c, "unknown collection", nil)
	}
	rec, err := s.db.GetRecord(ctx, c, id)
	if errors.Is(err, store.ErrNotFound) {
		return record.Record{}, notFoundError(op, c, id, err)
	}
	if err != nil {
		return record.Record{}, storageError(op, c, err)
	}
	return rec, nil
}

// ReadAll returns the rows of c matching every equality in filter, ordered
// by id. A filter naming a field that cannot be filtered on is ignored as
// a whole and the unfiltered set is returned.
func (s *Store) ReadAll(ctx context.Context, c schema.Collection, filter store.Filter) ([]record.Record, error) {
	const op = "readAll"
	if !c.Known() {
		return nil, validationError(op, c, "unknown collection", nil)
	}

	if len(filter) > 0 {
		compiled, err := store.CompileFilter(c, filter)
		if err == nil {
			rows, err := s.db.FindRecords(ctx, c, compiled)
			if err != nil {
				return nil, storageError(op, c, err)
			}
			return rows, nil
		}
		s.logger.Warn("filter ignored", "collection", c, "error", err)
	}

	rows, err := s.db.ListRecords(ctx, c)
	if err != nil {
		return nil, storageError(op, c, err)
	}
	return rows, nil
}

// Update merges fields into the row at id, marks it unsynced and enqueues
// an update entry. A nil value in fields stores an explicit null.
func (s *Store) Update(ctx context.Context, c schema.Collection, id int64, fields record.Fields) (record.Record, error) {
	const op = "update"
	if err := checkInput(op, c, fields); err != nil {
		return record.Record{}, err
	}

	patch := record.StripReserved(fields)
	now := s.clock.Now()
	var out record.Record
	err := s.db.InTx(ctx, func(h *store.Handle) error {
		existing, err := h.GetRecord(ctx, c, id)
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError(op, c, id, err)
		}
		if err != nil {
			return storageError(op, c, err)
		}

		rec := existing
		rec.Fields = record.Merge(existing.Fields, patch)
		if err := schema.Validate(c, rec.Fields); err != nil {
			return validationError(op, c, "", err)
		}
		rec.UpdatedAt = now
		rec.Synced = false

		if err := h.ReplaceRecord(ctx, rec); err != nil {
			return storageError(op, c, err)
		}

		// A delivered record whose natural key changed is a new remote
		// identity: the row under the old key is deleted and the record is
		// created again under the new one.
		syncOp := record.OpUpdate
		if existing.Synced && existing.NaturalKey() != rec.NaturalKey() {
			gone := existing
			gone.Synced = false
			if _, err := s.queue.EnqueueTx(ctx, h, record.OpDelete, gone); err != nil {
				return storageError(op, c, err)
			}
			syncOp = record.OpCreate
		}
		if _, err := s.queue.EnqueueTx(ctx, h, syncOp, rec); err != nil {
			return storageError(op, c, err)
		}
		out = rec
		return nil
	})
	if err != nil {
		return record.Record{}, asStoreError(op, c, err)
	}

	s.notify()
	return out, nil
}

// Delete removes the row at id. While online the remote copy is deleted
// immediately; if that fails, or while offline, a delete entry is queued
// instead. The local row is removed in every case.
func (s *Store) Delete(ctx context.Context, c schema.Collection, id int64) error {
	const op = "delete"
	rec, err := s.Read(ctx, c, id)
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.Op = op
		}
		return err
	}
	key := rec.NaturalKey()

	deletedRemotely := false
	if s.adapter != nil && s.conn.Online() {
		if err := s.adapter.DeleteRecord(ctx, c, key); err != nil {
			s.logger.Warn("immediate remote delete failed, queueing",
				"collection", c, "natural_key", key.String(), "error", err)
		} else {
			deletedRemotely = true
		}
	}

	rec.Synced = false
	err = s.db.InTx(ctx, func(h *store.Handle) error {
		if err := h.DeleteRecord(ctx, c, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFoundError(op, c, id, err)
			}
			return storageError(op, c, err)
		}

		if deletedRemotely {
			// Fold the delete into any pending entry so an older create or
			// update is not delivered after the remote row is gone.
			_, err := h.FindEntry(ctx, c, key.String())
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return storageError(op, c, err)
			}
		}
		if _, err := s.queue.EnqueueTx(ctx, h, record.OpDelete, rec); err != nil {
			return storageError(op, c, err)
		}
		return nil
	})
	if err != nil {
		return asStoreError(op, c, err)
	}

	s.logger.Debug("record deleted", "collection", c, "id", id,
		"natural_key", key.String(), "remote", deletedRemotely)
	s.notify()
	return nil
}

func (s *Store) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

func checkInput(op string, c schema.Collection, fields record.Fields) error {
	if c == "" {
		return validationError(op, c, "collection is required", nil)
	}
	if !c.Known() {
		return validationError(op, c, "unknown collection", nil)
	}
	if fields == nil {
		return validationError(op, c, "fields are required", nil)
	}
	return nil
}

// asStoreError passes *Error through and classifies anything else, such
// as a failed commit, as a storage failure.
func asStoreError(op string, c schema.Collection, err error) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return storageError(op, c, err)
}
