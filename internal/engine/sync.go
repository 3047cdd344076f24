package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/portside-labs/kgbridge/internal/graph"
	"github.com/portside-labs/kgbridge/internal/ledger"
	"github.com/portside-labs/kgbridge/internal/source"
)

// SyncResult describes one finished sync attempt.
type SyncResult struct {
	DocumentID string        `json:"document_id"`
	Outcome    string        `json:"outcome"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// syncDocument claims a document and runs one full sync cycle. If new
// events arrived while the sync was in flight, the document is queued
// again for exactly one follow-up pass.
func (e *Engine) syncDocument(ctx context.Context, logger *slog.Logger, documentID string) {
	token, ok, err := e.ledger.Claim(ctx, documentID)
	if err != nil {
		logger.Error("failed to claim document", "document", documentID, "error", err)
		return
	}
	if !ok {
		// Another worker holds the claim. Its dirty flag covers us.
		logger.Debug("document already claimed", "document", documentID)
		return
	}
	if e.config.OnTransition != nil {
		e.config.OnTransition(documentID, TransitionStarted)
	}

	start := time.Now()
	outcome, detail, dirty := e.runSync(ctx, logger, documentID, token)
	elapsed := time.Since(start)

	metricSyncsTotal.WithLabelValues(outcome).Inc()
	metricSyncDuration.Observe(elapsed.Seconds())

	if err := e.ledger.LogSync(ctx, documentID, outcome, detail, elapsed); err != nil {
		logger.Warn("failed to record sync log entry", "document", documentID, "error", err)
	}
	if e.config.OnSync != nil {
		e.config.OnSync(SyncResult{
			DocumentID: documentID,
			Outcome:    outcome,
			Detail:     detail,
			Duration:   elapsed,
		})
	}

	switch outcome {
	case ledger.OutcomeSynced:
		logger.Info("document synced", "document", documentID, "duration", elapsed)
	case ledger.OutcomeAbandoned:
		logger.Warn("document vanished from source", "document", documentID)
	case ledger.OutcomeSuperseded:
		logger.Debug("sync superseded", "document", documentID)
	default:
		logger.Error("document sync failed",
			"document", documentID, "detail", detail, "duration", elapsed)
	}

	if dirty {
		metricDirtyRequeues.Inc()
		logger.Debug("document dirtied during sync, requeueing", "document", documentID)
		e.queueChange(documentID)
	}
}

// runSync performs the snapshot-compile-apply cycle for a claimed
// document and records the terminal state in the ledger. It returns the
// outcome for the sync log and whether a follow-up pass is needed.
func (e *Engine) runSync(ctx context.Context, logger *slog.Logger, documentID, token string) (outcome, detail string, dirty bool) {
	var snap source.Snapshot
	err := e.retryTransient(ctx, logger, documentID, "fetch snapshot", func() error {
		var ferr error
		snap, ferr = e.src.FetchSnapshot(ctx, documentID)
		return ferr
	})
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			if aerr := e.ledger.Abandon(ctx, documentID, token, err.Error()); aerr != nil {
				if errors.Is(aerr, ledger.ErrStaleClaim) {
					return ledger.OutcomeSuperseded, aerr.Error(), false
				}
				logger.Error("failed to mark document abandoned",
					"document", documentID, "error", aerr)
			}
			return ledger.OutcomeAbandoned, err.Error(), false
		}
		return e.failSync(ctx, logger, documentID, token, err)
	}

	shape := e.rules.Compile(snap)
	prev := e.previousShape(ctx, logger, documentID)

	if err := e.applyShape(ctx, logger, documentID, prev, shape); err != nil {
		return e.failSync(ctx, logger, documentID, token, err)
	}

	encoded, err := shape.MarshalCanonical()
	if err != nil {
		return e.failSync(ctx, logger, documentID, token, fmt.Errorf("failed to encode applied shape: %w", err))
	}

	dirty, err = e.ledger.Complete(ctx, documentID, token, encoded)
	if err != nil {
		if errors.Is(err, ledger.ErrStaleClaim) {
			// A reclaim raced this completion. The retry will redo the
			// same writes, which is harmless.
			return ledger.OutcomeSuperseded, err.Error(), false
		}
		return ledger.OutcomeFailed, err.Error(), false
	}
	return ledger.OutcomeSynced, "", dirty
}

// failSync records a failed attempt. The document stays visible to
// reconciliation, which retries it later.
func (e *Engine) failSync(ctx context.Context, logger *slog.Logger, documentID, token string, cause error) (string, string, bool) {
	if err := e.ledger.Fail(ctx, documentID, token, cause.Error()); err != nil {
		if errors.Is(err, ledger.ErrStaleClaim) {
			return ledger.OutcomeSuperseded, err.Error(), false
		}
		logger.Error("failed to record sync failure",
			"document", documentID, "error", err)
	}
	return ledger.OutcomeFailed, cause.Error(), false
}

// applyShape writes the compiled shape to the graph, then removes
// relationships the previous sync applied that the new shape no longer
// contains. Nodes are never removed, they may be shared.
func (e *Engine) applyShape(ctx context.Context, logger *slog.Logger, documentID string, prev, next graph.Shape) error {
	for _, node := range next.Nodes {
		err := e.retryTransient(ctx, logger, documentID, "upsert node", func() error {
			return e.writer.UpsertNode(ctx, node)
		})
		if err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", node.ID(), err)
		}
	}

	for _, rel := range next.Relationships {
		err := e.retryTransient(ctx, logger, documentID, "upsert relationship", func() error {
			return e.writer.UpsertRelationship(ctx, rel)
		})
		if err != nil {
			return fmt.Errorf("failed to upsert relationship %s: %w", rel.ID(), err)
		}
	}

	for _, rel := range graph.StaleRelationships(prev, next) {
		err := e.retryTransient(ctx, logger, documentID, "remove stale relationship", func() error {
			return e.writer.RemoveRelationship(ctx, rel.Type, rel.Source, rel.Target)
		})
		if err != nil {
			return fmt.Errorf("failed to remove stale relationship %s: %w", rel.ID(), err)
		}
		logger.Debug("removed stale relationship",
			"document", documentID, "relationship", rel.ID())
	}

	return nil
}

// previousShape loads the shape recorded by the last successful sync.
// A missing or undecodable record degrades to an empty shape, which
// skips stale-edge removal for this pass.
func (e *Engine) previousShape(ctx context.Context, logger *slog.Logger, documentID string) graph.Shape {
	data, ok, err := e.ledger.AppliedShape(ctx, documentID)
	if err != nil {
		logger.Warn("failed to load applied shape", "document", documentID, "error", err)
		return graph.Shape{}
	}
	if !ok || len(data) == 0 {
		return graph.Shape{}
	}
	prev, err := graph.UnmarshalShape(data)
	if err != nil {
		logger.Warn("failed to decode applied shape", "document", documentID, "error", err)
		return graph.Shape{}
	}
	return prev
}

// retryTransient runs fn with the inline retry policy. Write conflicts
// get one immediate retry first. Transient errors back off with
// doubling delays up to MaxTransientRetries. Anything else returns
// immediately.
func (e *Engine) retryTransient(ctx context.Context, logger *slog.Logger, documentID, op string, fn func() error) error {
	var lastErr error
	conflictRetried := false

	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, graph.ErrWriteConflict) && !conflictRetried {
			conflictRetried = true
			logger.Debug("write conflict, retrying immediately",
				"document", documentID, "op", op)
			continue
		}

		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt >= e.config.MaxTransientRetries {
			return lastErr
		}

		backoff := e.config.RetryBackoff << uint(attempt)
		logger.Debug("transient error, backing off",
			"document", documentID, "op", op,
			"attempt", attempt+1, "backoff", backoff, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// isTransient reports whether an error is worth retrying inline.
func isTransient(err error) bool {
	return errors.Is(err, source.ErrUnavailable) ||
		errors.Is(err, graph.ErrUnavailable) ||
		errors.Is(err, graph.ErrWriteConflict)
}

// SyncNow synchronizes one document immediately, bypassing the queue
// and debounce. If events land mid-sync the follow-up passes run
// inline, so the document is fully settled on return. Used by the CLI's
// one-shot sync command.
func (e *Engine) SyncNow(ctx context.Context, documentID string) (string, error) {
	if err := e.ledger.RecordEvent(ctx, documentID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("failed to record sync request: %w", err)
	}

	logger := e.logger.With("mode", "manual")
	for {
		token, ok, err := e.ledger.Claim(ctx, documentID)
		if err != nil {
			return "", fmt.Errorf("failed to claim document: %w", err)
		}
		if !ok {
			return "skipped", nil
		}
		if e.config.OnTransition != nil {
			e.config.OnTransition(documentID, TransitionStarted)
		}

		start := time.Now()
		outcome, detail, dirty := e.runSync(ctx, logger, documentID, token)
		elapsed := time.Since(start)

		metricSyncsTotal.WithLabelValues(outcome).Inc()
		metricSyncDuration.Observe(elapsed.Seconds())

		if err := e.ledger.LogSync(ctx, documentID, outcome, detail, elapsed); err != nil {
			logger.Warn("failed to record sync log entry", "document", documentID, "error", err)
		}
		if e.config.OnSync != nil {
			e.config.OnSync(SyncResult{
				DocumentID: documentID,
				Outcome:    outcome,
				Detail:     detail,
				Duration:   elapsed,
			})
		}

		if outcome == ledger.OutcomeFailed {
			return outcome, errors.New(detail)
		}
		if !dirty {
			return outcome, nil
		}
	}
}
