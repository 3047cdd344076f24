package engine

import (
	"time"
)

// reconcileBatchSize caps how many documents one pass requeues per
// category, so a large backlog drains across passes instead of
// swamping the queue.
const reconcileBatchSize = 500

// reconcileLoop runs the periodic reconciliation pass until shutdown.
func (e *Engine) reconcileLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			e.reconcile()
		}
	}
}

// reconcile heals whatever the event stream missed: it releases
// orphaned claims, requeues pending and failed documents, refreshes
// stale synced ones, and discovers documents the ledger has never seen.
func (e *Engine) reconcile() {
	metricReconcileRuns.Inc()
	start := time.Now()

	reclaimed, err := e.ledger.ReclaimExpired(e.ctx, time.Now().Add(-e.config.ClaimTimeout))
	if err != nil {
		e.logger.Error("reconcile: failed to reclaim expired claims", "error", err)
	} else if reclaimed > 0 {
		metricReclaimedClaims.Add(float64(reclaimed))
		e.logger.Warn("reconcile: reclaimed expired claims", "count", reclaimed)
	}

	queued := 0
	queued += e.requeue("pending", func() ([]string, error) {
		return e.ledger.PendingDocuments(e.ctx, reconcileBatchSize)
	})
	queued += e.requeue("failed", func() ([]string, error) {
		return e.ledger.FailedDocuments(e.ctx, reconcileBatchSize)
	})
	queued += e.requeue("stale", func() ([]string, error) {
		return e.ledger.StaleSynced(e.ctx, time.Now().Add(-e.config.StaleAfter), reconcileBatchSize)
	})

	discovered := 0
	if !e.config.SkipFullReconcile {
		discovered = e.discoverUnknown()
	}

	e.mu.Lock()
	e.lastReconcile = time.Now()
	e.mu.Unlock()

	e.logger.Info("reconciliation pass complete",
		"queued", queued,
		"discovered", discovered,
		"reclaimed", reclaimed,
		"duration", time.Since(start))
}

// requeue feeds one category of ledger ids back into the queue.
func (e *Engine) requeue(category string, list func() ([]string, error)) int {
	ids, err := list()
	if err != nil {
		e.logger.Error("reconcile: failed to list documents",
			"category", category, "error", err)
		return 0
	}
	for _, id := range ids {
		e.queueChange(id)
	}
	if len(ids) > 0 {
		e.logger.Debug("reconcile: requeued documents",
			"category", category, "count", len(ids))
	}
	return len(ids)
}

// discoverUnknown scans the source for documents the ledger has never
// seen, typically rows created while the engine was down, and records
// them as pending work.
func (e *Engine) discoverUnknown() int {
	ids, err := e.src.ListDocumentIDs(e.ctx)
	if err != nil {
		e.logger.Warn("reconcile: failed to list source documents", "error", err)
		return 0
	}
	known, err := e.ledger.KnownDocumentIDs(e.ctx)
	if err != nil {
		e.logger.Warn("reconcile: failed to list ledger documents", "error", err)
		return 0
	}

	discovered := 0
	for _, id := range ids {
		if known[id] {
			continue
		}
		if err := e.ledger.RecordEvent(e.ctx, id, time.Now().UTC()); err != nil {
			e.logger.Error("reconcile: failed to record discovered document",
				"document", id, "error", err)
			continue
		}
		e.queueChange(id)
		discovered++
	}
	return discovered
}
