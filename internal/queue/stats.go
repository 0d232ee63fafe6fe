package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/record"
)

// Stats is the monitoring view of the queue. Sync failures are never
// returned to the caller of a mutation, so this is where they surface.
type Stats struct {
	Total       int                      `json:"total"`
	ByOperation map[record.Operation]int `json:"byOperation"`
	Retrying    int                      `json:"retrying"`
	MaxRetries  int                      `json:"maxRetries"`
	Oldest      *time.Time               `json:"oldest,omitempty"`
	Unsynced    int                      `json:"unsyncedRecords"`
	Failing     []Failing                `json:"failing"`
}

// Failing is one entry with at least one failed delivery attempt.
type Failing struct {
	UID        string           `json:"uid"`
	Collection string           `json:"collection"`
	NaturalKey string           `json:"naturalKey"`
	Operation  record.Operation `json:"operation"`
	RetryCount int              `json:"retryCount"`
	LastError  string           `json:"lastError"`
}

// Stats aggregates the queue and lists entries that are being retried.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	agg, err := q.store.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	unsynced, err := q.store.CountUnsynced(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	st := Stats{
		Total:       agg.Total,
		ByOperation: agg.ByOperation,
		Retrying:    agg.Retrying,
		MaxRetries:  agg.MaxRetries,
		Unsynced:    unsynced,
		Failing:     []Failing{},
	}
	if !agg.Oldest.IsZero() {
		oldest := agg.Oldest
		st.Oldest = &oldest
	}
	if agg.Retrying == 0 {
		return st, nil
	}

	entries, err := q.store.ListEntries(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	for _, e := range entries {
		if e.RetryCount == 0 {
			continue
		}
		st.Failing = append(st.Failing, Failing{
			UID:        e.UID,
			Collection: string(e.Collection),
			NaturalKey: e.NaturalKey,
			Operation:  e.Operation,
			RetryCount: e.RetryCount,
			LastError:  e.LastError,
		})
	}
	return st, nil
}
