// Package store provides SQLite-backed durable storage for the local-first
// data layer.
//
// Two tables live in one database file:
//   - records: every collection's rows, fields as canonical JSON
//   - sync_queue: pending remote deliveries, one live row per natural key
//
// # Handles and transactions
//
// All operations are methods on *Handle. The Store embeds an autocommit
// Handle; InTx hands a Handle bound to a single transaction to its callback,
// so a record write and its queue entry commit or roll back together.
//
// # Deterministic results
//
//   - Record lists are ordered by id ASC
//   - Queue lists are ordered by enqueued_at ASC, id ASC
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
