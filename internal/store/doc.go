// Package store provides the SQLite-backed persistent local store.
//
// The store holds two kinds of data:
//   - kv: opaque values by string key. The offline façade keeps one optimistic
//     snapshot per collection and owner under "{entityType}_{ownerId}".
//   - sync_queue: the mutation ledger, one row per record, shared by every
//     owner on the device and filtered by owner_id on read.
//
// # Ordering
//
// Records are ordered by seq INTEGER PRIMARY KEY AUTOINCREMENT, assigned at
// insert. Timestamps are informational and drive pruning only.
//   - All record queries MUST include: ORDER BY seq ASC
//
// # Atomicity
//
// Update runs a function inside one SQLite transaction. The façade uses it
// to write a snapshot and append the matching record together, so a crash
// can never leave one without the other.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Writes are synchronous from the caller's perspective: every method returns
// after the statement (or transaction) has committed.
package store
