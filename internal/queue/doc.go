// Package queue implements the sync queue: an ordered, deduplicated backlog
// of pending remote operations keyed by each record's natural key.
//
// # Enqueue merge
//
// At most one live entry exists per (collection, natural key). Enqueueing
// into an existing entry replaces its data and enqueuedAt, keeps its
// retryCount and uid, and combines the operations:
//
//	existing  incoming  result
//	create    update    create
//	update    create    create
//	update    update    update
//	create    delete    entry removed (never delivered, nothing to undo)
//	update    delete    delete
//	delete    create    create
//	delete    update    update
//	delete    delete    delete
//
// A create entry that is currently being delivered is not removed by a
// delete; it turns into a delete so the remote copy is cleaned up.
//
// # Compaction
//
// Compact repairs drift that bypassed the enqueue merge. Within each group
// of entries sharing a key, a create wins over anything else; otherwise the
// latest enqueuedAt wins.
package queue
