package record

import (
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/schema"
)

// Operation is the remote effect an entry will deliver.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case OpCreate, OpUpdate, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Entry is one pending delivery in the sync queue.
//
// UID is stable for the life of the entry, across merges and retries, and is
// sent to the remote as an idempotency key. Version increases every time a
// later mutation is merged into the entry.
type Entry struct {
	ID         int64
	UID        string
	Collection schema.Collection
	NaturalKey string
	Operation  Operation
	Data       Record
	EnqueuedAt time.Time
	RetryCount int
	Version    int64
	LastError  string
}

// MarshalJSON encodes the entry with the record flattened to its payload.
func (e Entry) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"id":         e.ID,
		"uid":        e.UID,
		"collection": string(e.Collection),
		"naturalKey": e.NaturalKey,
		"operation":  string(e.Operation),
		"data":       e.Data.Payload(),
		"enqueuedAt": FormatTime(e.EnqueuedAt),
		"retryCount": int64(e.RetryCount),
		"version":    e.Version,
	}
	if e.LastError != "" {
		m["lastError"] = e.LastError
	}
	return MarshalCanonical(m)
}
