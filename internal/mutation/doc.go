// Package mutation defines the data model shared by the offline consistency
// layer: mutation records, their closed entity/operation/status vocabularies,
// the error taxonomy, id generation and the wall clock.
//
// RECORD LIFECYCLE:
//
// Records are created by the offline façade on every local write and mutated
// only by the synchronization engine (status, retry count) or by pruning.
//
//	pending ──sync ok──────────────▶ synced   (terminal)
//	pending ──sync failed, < max──▶ pending  (retry_count+1)
//	pending ──sync failed, = max──▶ error    (retry_count+1, excluded)
//
// The store also accepts error → pending, but no automatic path takes it.
// Nothing ever leaves synced. The retry count never decreases.
package mutation
