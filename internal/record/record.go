package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/schema"
)

// TimeLayout is the ISO-8601 form used for createdAt/updatedAt everywhere:
// in the database, in payloads sent to the remote, and in CLI output.
const TimeLayout = time.RFC3339Nano

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp written by FormatTime or any RFC 3339 writer.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Record is one row of a collection.
type Record struct {
	ID         int64
	Collection schema.Collection
	Fields     Fields
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Synced     bool
}

// NaturalKey derives the record's natural key.
func (r Record) NaturalKey() schema.NaturalKey {
	return schema.NaturalKeyOf(r.Collection, r.Fields, r.ID)
}

// Payload flattens the record into the JSON object exchanged with the
// remote: the fields plus id, createdAt, updatedAt and synced.
func (r Record) Payload() map[string]any {
	out := make(map[string]any, len(r.Fields)+len(reservedKeys))
	for k, v := range r.Fields {
		out[k] = v
	}
	out[KeyID] = r.ID
	out[KeyCreatedAt] = FormatTime(r.CreatedAt)
	out[KeyUpdatedAt] = FormatTime(r.UpdatedAt)
	out[KeySynced] = r.Synced
	return out
}

// MarshalJSON encodes the record as its canonical payload.
func (r Record) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(r.Payload())
}

// FromPayload is the inverse of Payload. Missing or malformed metadata is
// left at its zero value.
func FromPayload(c schema.Collection, payload map[string]any) Record {
	rec := Record{Collection: c, Fields: StripReserved(payload)}

	switch id := payload[KeyID].(type) {
	case int64:
		rec.ID = id
	case json.Number:
		if n, ok := normalizeNumber(id).(int64); ok {
			rec.ID = n
		}
	case float64:
		rec.ID = int64(id)
	}
	if s, ok := payload[KeyCreatedAt].(string); ok {
		rec.CreatedAt, _ = ParseTime(s)
	}
	if s, ok := payload[KeyUpdatedAt].(string); ok {
		rec.UpdatedAt, _ = ParseTime(s)
	}
	if b, ok := payload[KeySynced].(bool); ok {
		rec.Synced = b
	}
	return rec
}

// DecodePayload parses canonical payload bytes back into a Record.
func DecodePayload(c schema.Collection, data []byte) (Record, error) {
	payload, err := UnmarshalFields(data)
	if err != nil {
		return Record{}, fmt.Errorf("decode %s payload: %w", c, err)
	}
	return FromPayload(c, payload), nil
}
