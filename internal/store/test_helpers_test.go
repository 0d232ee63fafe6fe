package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// insertTestRecord inserts a record stamped at testEpoch.
func insertTestRecord(t *testing.T, h *Handle, c schema.Collection, fields record.Fields) record.Record {
	t.Helper()
	rec, err := h.InsertRecord(context.Background(), record.Record{
		Collection: c,
		Fields:     fields,
		CreatedAt:  testEpoch,
		UpdatedAt:  testEpoch,
	})
	if err != nil {
		t.Fatalf("InsertRecord() failed: %v", err)
	}
	return rec
}

// createTestEntry builds an entry for rec enqueued at offset after testEpoch.
func createTestEntry(uid string, op record.Operation, rec record.Record, offset time.Duration) record.Entry {
	return record.Entry{
		UID:        uid,
		Collection: rec.Collection,
		NaturalKey: rec.NaturalKey().String(),
		Operation:  op,
		Data:       rec,
		EnqueuedAt: testEpoch.Add(offset),
	}
}
