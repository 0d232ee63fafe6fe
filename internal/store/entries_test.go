package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

func TestInsertEntry_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, s.Handle, schema.Sales, record.Fields{"invoiceNo": "INV-1", "total": int64(40)})
	in, err := s.InsertEntry(ctx, createTestEntry("uid-1", record.OpCreate, rec, 0))
	if err != nil {
		t.Fatalf("InsertEntry() failed: %v", err)
	}
	if in.ID == 0 || in.Version != 1 {
		t.Errorf("InsertEntry() = id %d version %d, want assigned id and version 1", in.ID, in.Version)
	}

	got, err := s.FindEntry(ctx, schema.Sales, "invoiceNo:INV-1")
	if err != nil {
		t.Fatalf("FindEntry() failed: %v", err)
	}
	if got.UID != "uid-1" || got.Operation != record.OpCreate || got.RetryCount != 0 {
		t.Errorf("FindEntry() = %+v", got)
	}
	if !got.EnqueuedAt.Equal(testEpoch) {
		t.Errorf("EnqueuedAt = %v, want %v", got.EnqueuedAt, testEpoch)
	}
	if got.Data.ID != rec.ID || got.Data.Fields["total"] != int64(40) {
		t.Errorf("Data = %+v", got.Data)
	}

	if _, err := s.FindEntry(ctx, schema.Sales, "invoiceNo:INV-9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindEntry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestInsertEntry_UIDIsUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, s.Handle, schema.Sales, record.Fields{"invoiceNo": "INV-1"})
	if _, err := s.InsertEntry(ctx, createTestEntry("uid-1", record.OpCreate, rec, 0)); err != nil {
		t.Fatalf("InsertEntry() failed: %v", err)
	}
	if _, err := s.InsertEntry(ctx, createTestEntry("uid-1", record.OpUpdate, rec, time.Second)); err == nil {
		t.Error("InsertEntry() with duplicate uid succeeded")
	}
}

func TestUpdateEntry_BumpsVersionAndPreservesRetries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, s.Handle, schema.Inventory, record.Fields{"code": "P-1", "quantity": int64(1)})
	e, err := s.InsertEntry(ctx, createTestEntry("uid-1", record.OpCreate, rec, 0))
	if err != nil {
		t.Fatalf("InsertEntry() failed: %v", err)
	}
	if _, err := s.BumpRetry(ctx, e.ID, "timeout"); err != nil {
		t.Fatalf("BumpRetry() failed: %v", err)
	}

	rec.Fields = record.Fields{"code": "P-1", "quantity": int64(5)}
	e.Data = rec
	e.Operation = record.OpUpdate
	e.EnqueuedAt = testEpoch.Add(time.Minute)
	got, err := s.UpdateEntry(ctx, e)
	if err != nil {
		t.Fatalf("UpdateEntry() failed: %v", err)
	}

	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.RetryCount != 1 || got.LastError != "timeout" {
		t.Errorf("retry state lost: %+v", got)
	}
	if got.UID != "uid-1" {
		t.Errorf("UID = %q, want uid-1", got.UID)
	}
	if got.Data.Fields["quantity"] != int64(5) || !got.EnqueuedAt.Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("UpdateEntry() did not replace data: %+v", got)
	}
}

func TestFindPendingEntryForRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, s.Handle, schema.Inventory, record.Fields{"name": "Widget"})
	if _, err := s.FindPendingEntryForRecord(ctx, schema.Inventory, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindPendingEntryForRecord(empty) error = %v, want ErrNotFound", err)
	}

	gone := rec
	gone.Fields = record.Fields{"code": "OLD"}
	if _, err := s.InsertEntry(ctx, createTestEntry("uid-del", record.OpDelete, gone, 0)); err != nil {
		t.Fatalf("InsertEntry(delete) failed: %v", err)
	}
	if _, err := s.FindPendingEntryForRecord(ctx, schema.Inventory, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindPendingEntryForRecord() returned a delete entry, err = %v", err)
	}

	e, err := s.InsertEntry(ctx, createTestEntry("uid-1", record.OpCreate, rec, time.Second))
	if err != nil {
		t.Fatalf("InsertEntry() failed: %v", err)
	}
	got, err := s.FindPendingEntryForRecord(ctx, schema.Inventory, rec.ID)
	if err != nil {
		t.Fatalf("FindPendingEntryForRecord() failed: %v", err)
	}
	if got.UID != "uid-1" {
		t.Errorf("UID = %q, want uid-1", got.UID)
	}

	e.NaturalKey = "code:NEW"
	if _, err := s.UpdateEntry(ctx, e); err != nil {
		t.Fatalf("UpdateEntry() failed: %v", err)
	}
	moved, err := s.FindEntry(ctx, schema.Inventory, "code:NEW")
	if err != nil {
		t.Fatalf("FindEntry(new key) failed: %v", err)
	}
	if moved.ID != e.ID {
		t.Errorf("rekeyed entry id = %d, want %d", moved.ID, e.ID)
	}
}

func TestDeleteEntryIfVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, s.Handle, schema.Inventory, record.Fields{"code": "P-1"})
	e, err := s.InsertEntry(ctx, createTestEntry("uid-1", record.OpCreate, rec, 0))
	if err != nil {
		t.Fatalf("InsertEntry() failed: %v", err)
	}

	deleted, err := s.DeleteEntryIfVersion(ctx, e.ID, e.Version+1)
	if err != nil {
		t.Fatalf("DeleteEntryIfVersion() failed: %v", err)
	}
	if deleted {
		t.Error("DeleteEntryIfVersion() deleted with a stale version")
	}

	deleted, err = s.DeleteEntryIfVersion(ctx, e.ID, e.Version)
	if err != nil {
		t.Fatalf("DeleteEntryIfVersion() failed: %v", err)
	}
	if !deleted {
		t.Error("DeleteEntryIfVersion() kept the entry")
	}

	if err := s.DeleteEntry(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteEntry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestOldestEntries_OrderedByEnqueuedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	offsets := []time.Duration{3 * time.Second, time.Second, 2 * time.Second, time.Second}
	for i, off := range offsets {
		rec := insertTestRecord(t, s.Handle, schema.Inventory, record.Fields{"code": string(rune('A' + i))})
		if _, err := s.InsertEntry(ctx, createTestEntry(rec.NaturalKey().String(), record.OpCreate, rec, off)); err != nil {
			t.Fatalf("InsertEntry() failed: %v", err)
		}
	}

	got, err := s.OldestEntries(ctx, 3)
	if err != nil {
		t.Fatalf("OldestEntries() failed: %v", err)
	}
	want := []string{"code:B", "code:D", "code:C"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].NaturalKey != want[i] {
			t.Errorf("entry %d = %s, want %s", i, got[i].NaturalKey, want[i])
		}
	}

	all, err := s.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries() failed: %v", err)
	}
	if len(all) != 4 || all[3].NaturalKey != "code:A" {
		t.Errorf("ListEntries() = %d entries, last %v", len(all), all)
	}
}

func TestBumpRetry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := insertTestRecord(t, s.Handle, schema.Inventory, record.Fields{"code": "P-1"})
	e, err := s.InsertEntry(ctx, createTestEntry("uid-1", record.OpCreate, rec, 0))
	if err != nil {
		t.Fatalf("InsertEntry() failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		n, err := s.BumpRetry(ctx, e.ID, "unreachable")
		if err != nil {
			t.Fatalf("BumpRetry() failed: %v", err)
		}
		if n != want {
			t.Errorf("BumpRetry() = %d, want %d", n, want)
		}
	}

	if _, err := s.BumpRetry(ctx, e.ID+100, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("BumpRetry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if empty.Total != 0 || !empty.Oldest.IsZero() {
		t.Errorf("Stats() on empty queue = %+v", empty)
	}

	a := insertTestRecord(t, s.Handle, schema.Inventory, record.Fields{"code": "A"})
	b := insertTestRecord(t, s.Handle, schema.Inventory, record.Fields{"code": "B"})
	c := insertTestRecord(t, s.Handle, schema.Sales, record.Fields{"invoiceNo": "INV-1"})
	ea, _ := s.InsertEntry(ctx, createTestEntry("a", record.OpCreate, a, 2*time.Second))
	s.InsertEntry(ctx, createTestEntry("b", record.OpUpdate, b, time.Second))
	s.InsertEntry(ctx, createTestEntry("c", record.OpCreate, c, 3*time.Second))
	s.BumpRetry(ctx, ea.ID, "x")
	s.BumpRetry(ctx, ea.ID, "x")

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Total != 3 || stats.ByOperation[record.OpCreate] != 2 || stats.ByOperation[record.OpUpdate] != 1 {
		t.Errorf("Stats() counts = %+v", stats)
	}
	if stats.Retrying != 1 || stats.MaxRetries != 2 {
		t.Errorf("Stats() retries = %d/%d, want 1/2", stats.Retrying, stats.MaxRetries)
	}
	if !stats.Oldest.Equal(testEpoch.Add(time.Second)) {
		t.Errorf("Oldest = %v", stats.Oldest)
	}
}
