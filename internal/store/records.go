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

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const recordColumns = `id, collection, fields, created_at, updated_at, synced`

// InsertRecord stores a new row and returns it with its assigned id.
func (h *Handle) InsertRecord(ctx context.Context, rec record.Record) (record.Record, error) {
	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return record.Record{}, fmt.Errorf("insert record: %w", err)
	}

	result, err := h.q.ExecContext(ctx, `
		INSERT INTO records (collection, fields, created_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?)
	`,
		string(rec.Collection),
		fieldsJSON,
		record.FormatTime(rec.CreatedAt),
		record.FormatTime(rec.UpdatedAt),
		rec.Synced,
	)
	if err != nil {
		return record.Record{}, fmt.Errorf("insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return record.Record{}, fmt.Errorf("insert record: last insert id: %w", err)
	}
	rec.ID = id
	return rec, nil
}

// GetRecord returns the row with id in collection c, or ErrNotFound.
func (h *Handle) GetRecord(ctx context.Context, c schema.Collection, id int64) (record.Record, error) {
	row := h.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE collection = ? AND id = ?
	`, string(c), id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%s %d: %w", c, id, ErrNotFound)
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// ListRecords returns every row of collection c ordered by id.
func (h *Handle) ListRecords(ctx context.Context, c schema.Collection) ([]record.Record, error) {
	return h.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE collection = ?
		ORDER BY id ASC
	`, string(c))
}

// CountUnsynced counts rows across all collections awaiting delivery.
func (h *Handle) CountUnsynced(ctx context.Context) (int, error) {
	var n int
	if err := h.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unsynced: %w", err)
	}
	return n, nil
}

// FindRecords returns the rows of c matching a compiled filter.
func (h *Handle) FindRecords(ctx context.Context, c schema.Collection, f CompiledFilter) ([]record.Record, error) {
	args := append([]any{string(c)}, f.Args...)
	return h.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE collection = ?`+f.Where+`
		ORDER BY id ASC
	`, args...)
}

// ReplaceRecord overwrites fields, updated_at and synced of an existing row.
// created_at is never modified.
func (h *Handle) ReplaceRecord(ctx context.Context, rec record.Record) error {
	fieldsJSON, err := marshalFields(rec.Fields)
	if err != nil {
		return fmt.Errorf("replace record: %w", err)
	}

	result, err := h.q.ExecContext(ctx, `
		UPDATE records
		SET fields = ?, updated_at = ?, synced = ?
		WHERE collection = ? AND id = ?
	`,
		fieldsJSON,
		record.FormatTime(rec.UpdatedAt),
		rec.Synced,
		string(rec.Collection),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return expectOneRow(result, fmt.Sprintf("%s %d", rec.Collection, rec.ID))
}

// MarkSynced flips synced to true without touching anything else. The
// update only applies while updated_at still equals the given timestamp, so
// a newer local edit is never marked as delivered. Reports whether a row
// changed.
func (h *Handle) MarkSynced(ctx context.Context, c schema.Collection, id int64, updatedAt time.Time) (bool, error) {
	result, err := h.q.ExecContext(ctx, `
		UPDATE records
		SET synced = 1
		WHERE collection = ? AND id = ? AND updated_at = ?
	`, string(c), id, record.FormatTime(updatedAt))
	if err != nil {
		return false, fmt.Errorf("mark synced: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark synced: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteRecord removes a row, or returns ErrNotFound.
func (h *Handle) DeleteRecord(ctx context.Context, c schema.Collection, id int64) error {
	result, err := h.q.ExecContext(ctx, `
		DELETE FROM records WHERE collection = ? AND id = ?
	`, string(c), id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return expectOneRow(result, fmt.Sprintf("%s %d", c, id))
}

func (h *Handle) queryRecords(ctx context.Context, query string, args ...any) ([]record.Record, error) {
	rows, err := h.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := []record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	return out, nil
}

func scanRecord(row rowScanner) (record.Record, error) {
	var (
		rec        record.Record
		collection string
		fieldsJSON string
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&rec.ID, &collection, &fieldsJSON, &createdAt, &updatedAt, &rec.Synced); err != nil {
		return record.Record{}, err
	}

	fields, err := record.UnmarshalFields([]byte(fieldsJSON))
	if err != nil {
		return record.Record{}, fmt.Errorf("record %d: %w", rec.ID, err)
	}
	rec.Collection = schema.Collection(collection)
	rec.Fields = fields

	if rec.CreatedAt, err = record.ParseTime(createdAt); err != nil {
		return record.Record{}, fmt.Errorf("record %d: created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = record.ParseTime(updatedAt); err != nil {
		return record.Record{}, fmt.Errorf("record %d: updated_at: %w", rec.ID, err)
	}
	return rec, nil
}

func marshalFields(f record.Fields) (string, error) {
	if f == nil {
		f = record.Fields{}
	}
	data, err := record.MarshalCanonical(record.StripReserved(f))
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

func expectOneRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
