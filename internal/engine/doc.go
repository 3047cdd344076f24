// Package engine orchestrates continuous synchronization from the
// relational document store into the property graph.
//
// The engine consumes change events, compiles document snapshots into
// graph shapes, and applies them through a graph.Writer, tracking every
// document's sync state in the ledger.
//
// # Architecture
//
// The engine runs four kinds of goroutines under one lifecycle:
//
//   - Event consumer: receives change events from the source
//     subscription, records them in the ledger, and queues the
//     affected document.
//   - Queue flusher: coalesces rapid event bursts per document and
//     feeds the bounded work queue.
//   - Workers: a fixed pool draining the queue; each worker claims a
//     document in the ledger, fetches its snapshot, and applies the
//     compiled shape to the graph.
//   - Reconciler: periodically reclaims expired claims, retries failed
//     documents, refreshes stale ones, and discovers documents the
//     ledger has never seen.
//
// # Sync Protocol
//
// Each sync of a document is snapshot-driven: whatever the change event
// said, the worker re-reads the full document from the source and
// rebuilds its entire shape. Events are therefore only triggers, and
// processing the same event twice, or out of order, converges to the
// same graph.
//
// The ledger enforces single flight per document. When events arrive
// while a sync is in flight, the ledger's dirty flag schedules exactly
// one follow-up sync after the current one completes:
//
//	engine, err := engine.New(src, writer, led, fieldmap.Default(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Start blocks until ctx is cancelled.
//
// # Error Handling
//
// Failures are classified by sentinel:
//
//   - source.ErrNotFound: the document vanished upstream. The sync is
//     abandoned and not retried; graph content is left in place.
//   - source.ErrUnavailable, graph.ErrUnavailable: transient
//     connectivity loss. The worker retries inline with exponential
//     backoff; when retries are exhausted the document is marked
//     FAILED and reconciliation picks it up later.
//   - graph.ErrWriteConflict: two workers touched the same shared
//     identity. Merges are commutative, so the write is retried once
//     immediately before falling back to the transient policy.
//
// A field without a mapping rule is not an error at all; it is simply
// skipped during shape compilation.
//
// # Stale Edge Removal
//
// Every successful sync stores the canonical shape it applied. The next
// sync diffs the new shape against the stored one and removes
// relationships that disappeared, so a corrected field value does not
// leave both the old and the new edge behind. Nodes are never removed;
// entities like ports and legal entities are shared across documents.
//
// # Reconciliation
//
// The reconciler is the safety net for everything event delivery can
// miss: notifications dropped while the listener reconnects, workers
// that crashed mid-sync, and documents created before the engine first
// started. It runs on a fixed interval and feeds the same queue the
// event consumer uses, so reconciliation traffic and live traffic share
// the worker pool fairly.
package engine
