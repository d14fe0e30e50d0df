// Package engine implements the synchronization engine that drains the local
// mutation queue against the remote store.
//
// ARCHITECTURE:
//
// Single internal task:
// Run owns every trigger source, and each of them posts to a one-slot
// mailbox. Run wakes once per post and drains. Bursts coalesce, and a post
// made while a cycle is draining is dropped. The next natural trigger picks
// up anything left.
//
// Drain cycle:
//  1. Guard: offline, no owner, or already draining → skip.
//  2. List the owner's pending records with retry_count < max, oldest first.
//  3. Apply each to the remote store. Success → synced. Failure → retry+1,
//     back to pending, or to error once the budget is spent.
//  4. Recompute stats and notify, only if something changed state.
//
// A record frozen in error is never retried automatically.
//
// Remote failures never escape a cycle. They are caught per record, stored
// as retry_count/last_error and reported through the Notifier. SyncOnce only
// returns errors from the local store.
package engine
