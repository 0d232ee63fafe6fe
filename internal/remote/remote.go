// Package remote defines the boundary to the remote system of record and
// ships two adapters: HTTPAdapter speaks JSON over HTTP, Memory keeps the
// remote in process for tests and demo runs.
package remote

import (
	"context"
	"fmt"

	"github.com/roach88/tillsync/internal/record"
	"github.com/roach88/tillsync/internal/schema"
)

// Snapshot is a bulk download: collection name to remote rows. Names are
// kept as strings because the remote may return collections this build
// does not know.
type Snapshot map[string][]record.Fields

// FieldNaturalKey is set on snapshot rows to the natural key the row was
// delivered under. Rows without a business identifier can only be matched
// back to their local record through it.
const FieldNaturalKey = "naturalKey"

// Adapter is the remote sync boundary. Every method fails on any network,
// validation or conflict problem; callers decide whether to retry.
type Adapter interface {
	// SyncItem delivers one queued create, update or delete.
	SyncItem(ctx context.Context, e record.Entry) (remoteID string, err error)
	// DeleteRecord removes a record immediately, by natural key.
	DeleteRecord(ctx context.Context, c schema.Collection, key schema.NaturalKey) error
	// DownloadAll fetches every collection for reconciliation.
	DownloadAll(ctx context.Context) (Snapshot, error)
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}
