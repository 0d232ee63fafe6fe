// Package merge is the Merge Engine: it folds a bulk remote snapshot into
// the local store, matching rows by natural key so reconciling twice never
// duplicates a record. The remote is authoritative: matched rows take the
// remote fields and every merged row ends up synced.
package merge

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/connectivity"
	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
)

// remoteIDFields are identifiers assigned or echoed by the remote. They are
// dropped so they never collide with the local engine id.
var remoteIDFields = []string{"id", "_id", remote.FieldNaturalKey}

// CollectionReport counts what happened to one collection's rows.
type CollectionReport struct {
	Updated  int `json:"updated"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Report summarizes a merge.
type Report struct {
	Offline     bool                        `json:"offline,omitempty"`
	Collections map[string]CollectionReport `json:"collections"`

	// Unknown lists snapshot collections this build does not know.
	Unknown []string `json:"unknown,omitempty"`
}

// Totals sums the per-collection counts.
func (r Report) Totals() CollectionReport {
	var t CollectionReport
	for _, c := range r.Collections {
		t.Updated += c.Updated
		t.Inserted += c.Inserted
		t.Skipped += c.Skipped
	}
	return t
}

// Merger applies remote snapshots to the local store.
type Merger struct {
	db     *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Merger.
type Option func(*Merger)

// WithClock sets the clock used when the remote row carries no timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Merger) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) { m.logger = l }
}

// New creates a Merger over db.
func New(db *store.Store, opts ...Option) *Merger {
	m := &Merger{db: db, clock: clock.System{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pull downloads the full remote snapshot and merges it. While offline it
// does nothing and reports Offline.
func (m *Merger) Pull(ctx context.Context, a remote.Adapter, conn connectivity.Provider) (Report, error) {
	if !conn.Online() {
		return Report{Offline: true}, nil
	}
	snap, err := a.DownloadAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("pull: %w", err)
	}
	return m.MergeRemoteSnapshot(ctx, snap)
}

// MergeRemoteSnapshot folds snap into the local store, one transaction per
// collection, in collection-name order.
func (m *Merger) MergeRemoteSnapshot(ctx context.Context, snap remote.Snapshot) (Report, error) {
	report := Report{Collections: make(map[string]CollectionReport)}

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rows := snap[name]
		if len(rows) == 0 {
			continue
		}
		c, err := schema.ParseCollection(name)
		if err != nil {
			m.logger.Warn("snapshot collection ignored", "collection", name, "rows", len(rows))
			report.Unknown = append(report.Unknown, name)
			continue
		}

		var cr CollectionReport
		err = m.db.InTx(ctx, func(h *store.Handle) error {
			var err error
			cr, err = m.mergeCollection(ctx, h, c, rows)
			return err
		})
		if err != nil {
			return report, fmt.Errorf("merge %s: %w", c, err)
		}
		report.Collections[name] = cr
		m.logger.Info("snapshot merged", "collection", c,
			"updated", cr.Updated, "inserted", cr.Inserted, "skipped", cr.Skipped)
	}
	return report, nil
}

func (m *Merger) mergeCollection(ctx context.Context, h *store.Handle, c schema.Collection, rows []record.Fields) (CollectionReport, error) {
	def, _ := schema.Lookup(c)

	local, err := h.ListRecords(ctx, c)
	if err != nil {
		return CollectionReport{}, err
	}
	idx := newMatchIndex(def.MatchFields)
	for i := range local {
		idx.add(local[i], i)
	}

	var cr CollectionReport
	for _, row := range rows {
		fields, createdAt, updatedAt := m.fromRemote(row)

		if i, ok := idx.find(fields, echoedEngineID(row)); ok {
			rec := local[i]
			if rec.Synced && reflect.DeepEqual(rec.Fields, fields) {
				cr.Skipped++
				continue
			}
			rec.Fields = fields
			rec.UpdatedAt = updatedAt
			rec.Synced = true
			if err := h.ReplaceRecord(ctx, rec); err != nil {
				return cr, err
			}
			local[i] = rec
			idx.add(rec, i)
			cr.Updated++
			continue
		}

		rec, err := h.InsertRecord(ctx, record.Record{
			Collection: c,
			Fields:     fields,
			CreatedAt:  createdAt,
			UpdatedAt:  updatedAt,
			Synced:     true,
		})
		if err != nil {
			return cr, err
		}
		local = append(local, rec)
		idx.add(rec, len(local)-1)
		cr.Inserted++
	}
	return cr, nil
}

// fromRemote strips remote identifiers and metadata from row and returns
// the remote timestamps, defaulting to now.
func (m *Merger) fromRemote(row record.Fields) (record.Fields, time.Time, time.Time) {
	now := m.clock.Now()
	createdAt, updatedAt := now, now
	if s, ok := row[record.KeyCreatedAt].(string); ok {
		if t, err := record.ParseTime(s); err == nil {
			createdAt = t
		}
	}
	if s, ok := row[record.KeyUpdatedAt].(string); ok {
		if t, err := record.ParseTime(s); err == nil {
			updatedAt = t
		}
	}

	fields := record.StripReserved(row)
	for _, k := range remoteIDFields {
		delete(fields, k)
	}
	return fields, createdAt, updatedAt
}

// echoedEngineID returns the local engine id a remote row was delivered
// under, or 0 when its echoed natural key is absent or a business key.
func echoedEngineID(row record.Fields) int64 {
	s, _ := row[remote.FieldNaturalKey].(string)
	key, ok := schema.ParseNaturalKey(s)
	if !ok || !key.IsEngineID() {
		return 0
	}
	id, err := strconv.ParseInt(key.Value, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// matchIndex finds local rows by the collection's match fields, tried in
// priority order. Rows without a business identifier fall back to the
// engine id tier: first identical content, then the echoed engine id.
type matchIndex struct {
	fields    []string
	byKey     map[string]map[string]int
	byContent map[string]int
	byID      map[int64]int
}

func newMatchIndex(fields []string) *matchIndex {
	idx := &matchIndex{
		fields:    fields,
		byKey:     make(map[string]map[string]int, len(fields)),
		byContent: make(map[string]int),
		byID:      make(map[int64]int),
	}
	for _, f := range fields {
		idx.byKey[f] = make(map[string]int)
	}
	return idx
}

func (idx *matchIndex) add(rec record.Record, i int) {
	for _, f := range idx.fields {
		if v := schema.NormalizedValue(f, rec.Fields[f]); v != "" {
			idx.byKey[f][v] = i
		}
	}
	if !rec.NaturalKey().IsEngineID() {
		return
	}
	idx.byID[rec.ID] = i
	if c, ok := contentKey(rec.Fields); ok {
		idx.byContent[c] = i
	}
}

func (idx *matchIndex) find(fields record.Fields, engineID int64) (int, bool) {
	for _, f := range idx.fields {
		v := schema.NormalizedValue(f, fields[f])
		if v == "" {
			continue
		}
		if i, ok := idx.byKey[f][v]; ok {
			return i, true
		}
	}
	if c, ok := contentKey(fields); ok {
		if i, ok := idx.byContent[c]; ok {
			return i, true
		}
	}
	if engineID > 0 {
		if i, ok := idx.byID[engineID]; ok {
			return i, true
		}
	}
	return 0, false
}

func contentKey(fields record.Fields) (string, bool) {
	b, err := record.MarshalCanonical(fields)
	if err != nil {
		return "", false
	}
	return string(b), true
}
