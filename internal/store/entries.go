package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

const entryColumns = `id, uid, collection, natural_key, operation, data, enqueued_at, retry_count, version, last_error`

// QueueStats summarizes the sync_queue table.
type QueueStats struct {
	Total       int
	ByOperation map[record.Operation]int
	Retrying    int
	MaxRetries  int
	Oldest      time.Time
}

// FindEntry returns the oldest entry for (c, naturalKey), or ErrNotFound.
func (h *Handle) FindEntry(ctx context.Context, c schema.Collection, naturalKey string) (record.Entry, error) {
	row := h.q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_queue
		WHERE collection = ? AND natural_key = ?
		ORDER BY enqueued_at ASC, id ASC
		LIMIT 1
	`, string(c), naturalKey)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Entry{}, fmt.Errorf("entry %s/%s: %w", c, naturalKey, ErrNotFound)
	}
	if err != nil {
		return record.Entry{}, fmt.Errorf("find entry: %w", err)
	}
	return e, nil
}

// FindPendingEntryForRecord returns the oldest create or update entry
// queued for the record with recordID, whatever its natural key, or
// ErrNotFound.
func (h *Handle) FindPendingEntryForRecord(ctx context.Context, c schema.Collection, recordID int64) (record.Entry, error) {
	row := h.q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_queue
		WHERE collection = ? AND record_id = ? AND operation != 'delete'
		ORDER BY enqueued_at ASC, id ASC
		LIMIT 1
	`, string(c), recordID)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Entry{}, fmt.Errorf("entry for %s %d: %w", c, recordID, ErrNotFound)
	}
	if err != nil {
		return record.Entry{}, fmt.Errorf("find pending entry: %w", err)
	}
	return e, nil
}

// GetEntry returns the entry with the given id, or ErrNotFound.
func (h *Handle) GetEntry(ctx context.Context, id int64) (record.Entry, error) {
	row := h.q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM sync_queue
		WHERE id = ?
	`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Entry{}, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// InsertEntry appends a new entry. Version defaults to 1.
func (h *Handle) InsertEntry(ctx context.Context, e record.Entry) (record.Entry, error) {
	data, err := marshalPayload(e.Data)
	if err != nil {
		return record.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if e.Version == 0 {
		e.Version = 1
	}

	result, err := h.q.ExecContext(ctx, `
		INSERT INTO sync_queue
		(uid, collection, natural_key, operation, record_id, data, enqueued_at, retry_count, version, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.UID,
		string(e.Collection),
		e.NaturalKey,
		string(e.Operation),
		e.Data.ID,
		data,
		e.EnqueuedAt.UnixNano(),
		e.RetryCount,
		e.Version,
		e.LastError,
	)
	if err != nil {
		return record.Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	e.ID, err = result.LastInsertId()
	if err != nil {
		return record.Entry{}, fmt.Errorf("insert entry: last insert id: %w", err)
	}
	return e, nil
}

// UpdateEntry rewrites natural_key, operation, data and enqueued_at of an existing entry
// and bumps its version. retry_count, uid and last_error are preserved.
// Returns the entry as stored.
func (h *Handle) UpdateEntry(ctx context.Context, e record.Entry) (record.Entry, error) {
	data, err := marshalPayload(e.Data)
	if err != nil {
		return record.Entry{}, fmt.Errorf("update entry: %w", err)
	}

	result, err := h.q.ExecContext(ctx, `
		UPDATE sync_queue
		SET natural_key = ?, operation = ?, record_id = ?, data = ?, enqueued_at = ?, version = version + 1
		WHERE id = ?
	`,
		e.NaturalKey,
		string(e.Operation),
		e.Data.ID,
		data,
		e.EnqueuedAt.UnixNano(),
		e.ID,
	)
	if err != nil {
		return record.Entry{}, fmt.Errorf("update entry: %w", err)
	}
	if err := expectOneRow(result, fmt.Sprintf("entry %d", e.ID)); err != nil {
		return record.Entry{}, err
	}
	return h.GetEntry(ctx, e.ID)
}

// DeleteEntry removes an entry unconditionally.
func (h *Handle) DeleteEntry(ctx context.Context, id int64) error {
	result, err := h.q.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return expectOneRow(result, fmt.Sprintf("entry %d", id))
}

// DeleteEntryIfVersion removes an entry only if nothing was merged into it
// since version was read. Reports whether the row was deleted.
func (h *Handle) DeleteEntryIfVersion(ctx context.Context, id, version int64) (bool, error) {
	result, err := h.q.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE id = ? AND version = ?
	`, id, version)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry: rows affected: %w", err)
	}
	return n > 0, nil
}

// ListEntries returns the whole queue, oldest first.
func (h *Handle) ListEntries(ctx context.Context) ([]record.Entry, error) {
	return h.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM sync_queue
		ORDER BY enqueued_at ASC, id ASC
	`)
}

// OldestEntries returns up to limit entries, oldest first.
func (h *Handle) OldestEntries(ctx context.Context, limit int) ([]record.Entry, error) {
	return h.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM sync_queue
		ORDER BY enqueued_at ASC, id ASC
		LIMIT ?
	`, limit)
}

// BumpRetry increments retry_count, records lastErr, and returns the new
// retry count.
func (h *Handle) BumpRetry(ctx context.Context, id int64, lastErr string) (int, error) {
	var n int
	err := h.q.QueryRowContext(ctx, `
		UPDATE sync_queue
		SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?
		RETURNING retry_count
	`, lastErr, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("bump retry: %w", err)
	}
	return n, nil
}

// CountEntries returns the queue length.
func (h *Handle) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := h.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Stats aggregates the queue per operation.
func (h *Handle) Stats(ctx context.Context) (QueueStats, error) {
	rows, err := h.q.QueryContext(ctx, `
		SELECT operation,
		       COUNT(*),
		       SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END),
		       MAX(retry_count),
		       MIN(enqueued_at)
		FROM sync_queue
		GROUP BY operation
		ORDER BY operation ASC
	`)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := QueueStats{ByOperation: map[record.Operation]int{}}
	var oldest int64
	for rows.Next() {
		var (
			op                    string
			count, retrying, maxR int
			minAt                 int64
		)
		if err := rows.Scan(&op, &count, &retrying, &maxR, &minAt); err != nil {
			return QueueStats{}, fmt.Errorf("queue stats: %w", err)
		}
		stats.ByOperation[record.Operation(op)] = count
		stats.Total += count
		stats.Retrying += retrying
		stats.MaxRetries = max(stats.MaxRetries, maxR)
		if oldest == 0 || minAt < oldest {
			oldest = minAt
		}
	}
	if err := rows.Err(); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	if oldest != 0 {
		stats.Oldest = time.Unix(0, oldest).UTC()
	}
	return stats, nil
}

func (h *Handle) queryEntries(ctx context.Context, query string, args ...any) ([]record.Entry, error) {
	rows, err := h.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	out := []record.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("query entries: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	return out, nil
}

func scanEntry(row rowScanner) (record.Entry, error) {
	var (
		e          record.Entry
		collection string
		operation  string
		data       string
		enqueuedAt int64
	)
	if err := row.Scan(
		&e.ID,
		&e.UID,
		&collection,
		&e.NaturalKey,
		&operation,
		&data,
		&enqueuedAt,
		&e.RetryCount,
		&e.Version,
		&e.LastError,
	); err != nil {
		return record.Entry{}, err
	}

	e.Collection = schema.Collection(collection)
	e.Operation = record.Operation(operation)
	e.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()

	rec, err := record.DecodePayload(e.Collection, []byte(data))
	if err != nil {
		return record.Entry{}, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	e.Data = rec
	return e, nil
}

func marshalPayload(rec record.Record) (string, error) {
	data, err := record.MarshalCanonical(rec.Payload())
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}
