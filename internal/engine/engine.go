package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/portside-labs/kgbridge/internal/fieldmap"
	"github.com/portside-labs/kgbridge/internal/graph"
	"github.com/portside-labs/kgbridge/internal/ledger"
	"github.com/portside-labs/kgbridge/internal/source"
)

// Config holds configuration for the sync engine.
type Config struct {
	// Workers is the number of parallel sync workers.
	Workers int

	// QueueSize is the capacity of the bounded work queue. Overflow
	// stays in the coalescing map until the queue drains.
	QueueSize int

	// DebounceInterval is how long a document's events are coalesced
	// before one sync is queued. This batches rapid updates together.
	DebounceInterval time.Duration

	// ReconcileInterval is how often the reconciliation pass runs.
	ReconcileInterval time.Duration

	// StaleAfter is the age at which a SYNCED document is refreshed by
	// reconciliation even without an event.
	StaleAfter time.Duration

	// ClaimTimeout is the in-flight lease. Claims older than this are
	// presumed orphaned by a crashed worker and reclaimed.
	ClaimTimeout time.Duration

	// MaxTransientRetries is the number of inline retries on transient
	// errors before the sync is marked FAILED.
	MaxTransientRetries int

	// RetryBackoff is the base delay between inline retries. It doubles
	// per attempt.
	RetryBackoff time.Duration

	// SkipFullReconcile disables the source-wide id scan that discovers
	// documents the ledger has never seen.
	SkipFullReconcile bool

	// OnSync, when set, is invoked after every finished sync attempt.
	// The status server uses it to push live updates to clients.
	OnSync func(SyncResult)

	// OnTransition, when set, is invoked when a document is enqueued
	// and when a worker starts on it. Feeds the live status stream.
	OnTransition func(documentID, phase string)

	// Logger for engine activity.
	Logger *slog.Logger
}

// Lifecycle phases reported through Config.OnTransition.
const (
	TransitionEnqueued = "enqueued"
	TransitionStarted  = "started"
)

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:             4,
		QueueSize:           256,
		DebounceInterval:    250 * time.Millisecond,
		ReconcileInterval:   5 * time.Minute,
		StaleAfter:          time.Hour,
		ClaimTimeout:        5 * time.Minute,
		MaxTransientRetries: 3,
		RetryBackoff:        500 * time.Millisecond,
		Logger:              slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DebounceInterval <= 0 {
		c.DebounceInterval = d.DebounceInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = d.ClaimTimeout
	}
	if c.MaxTransientRetries <= 0 {
		c.MaxTransientRetries = d.MaxTransientRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Engine orchestrates event consumption, shape compilation, and graph
// writes for the whole document population.
type Engine struct {
	src    source.Source
	writer graph.Writer
	ledger *ledger.Ledger
	rules  *fieldmap.Registry
	config *Config
	logger *slog.Logger

	queue     chan string
	pending   map[string]time.Time // document id -> last event time
	pendingMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	running       bool
	startedAt     time.Time
	lastReconcile time.Time
}

// New creates a sync engine.
//
// The engine requires:
//   - src: the change source (events and snapshots)
//   - writer: the graph store writer
//   - led: the sync state ledger
//   - rules: the field mapping registry
//
// Pass a nil config for defaults. Use Start() to begin syncing.
func New(src source.Source, writer graph.Writer, led *ledger.Ledger, rules *fieldmap.Registry, config *Config) (*Engine, error) {
	if src == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("graph writer cannot be nil")
	}
	if led == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if rules == nil {
		return nil, fmt.Errorf("field mapping registry cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		src:     src,
		writer:  writer,
		ledger:  led,
		rules:   rules,
		config:  config,
		logger:  config.Logger.With("component", "engine"),
		queue:   make(chan string, config.QueueSize),
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the engine's operation.
//
// The engine will:
//  1. Ensure graph uniqueness constraints for every mapped label
//  2. Reclaim claims orphaned by a previous crash and requeue backlog
//  3. Subscribe to the change event stream
//  4. Run the worker pool and the periodic reconciler
//
// This blocks until ctx is cancelled or an error occurs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.logger.Info("starting sync engine",
		"workers", e.config.Workers,
		"reconcile_interval", e.config.ReconcileInterval)

	if err := e.writer.EnsureConstraints(e.ctx, e.rules.KeyProps()); err != nil {
		return fmt.Errorf("failed to ensure graph constraints: %w", err)
	}

	// Recover from a previous crash before accepting new work.
	reclaimed, err := e.ledger.ReclaimExpired(e.ctx, time.Now().Add(-e.config.ClaimTimeout))
	if err != nil {
		return fmt.Errorf("failed to reclaim expired claims: %w", err)
	}
	if reclaimed > 0 {
		e.logger.Warn("reclaimed orphaned claims from previous run", "count", reclaimed)
	}

	backlog, err := e.ledger.PendingDocuments(e.ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to load pending backlog: %w", err)
	}
	for _, id := range backlog {
		e.queueChange(id)
	}
	if len(backlog) > 0 {
		e.logger.Info("queued pending backlog", "count", len(backlog))
	}

	events, errs, err := e.src.Subscribe(e.ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to change events: %w", err)
	}

	e.wg.Add(3 + e.config.Workers)
	go e.consumeEvents(events, errs)
	go e.flushPending()
	go e.reconcileLoop()
	for i := 0; i < e.config.Workers; i++ {
		go e.worker(i)
	}

	select {
	case <-ctx.Done():
		e.logger.Info("shutdown signal received")
		return e.Stop()
	case <-e.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the engine. In-flight syncs are
// interrupted; their claims expire and reconciliation retries them.
func (e *Engine) Stop() error {
	e.logger.Info("stopping sync engine")

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.logger.Info("sync engine stopped")
	return nil
}

// Enqueue schedules a document for synchronization through the normal
// queue, as if a change event had been observed. Used by the status
// API's manual sync endpoint.
func (e *Engine) Enqueue(ctx context.Context, documentID string) error {
	if err := e.ledger.RecordEvent(ctx, documentID, time.Now().UTC()); err != nil {
		return err
	}
	e.queueChange(documentID)
	return nil
}

// Stats summarizes the engine's current state for status reporting.
type Stats struct {
	Running       bool           `json:"running"`
	Workers       int            `json:"workers"`
	QueueDepth    int            `json:"queue_depth"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	StatusCounts  map[string]int `json:"status_counts"`
	LastReconcile time.Time      `json:"last_reconcile,omitempty"`
}

// Stats reports queue depth, uptime, and per-status document counts.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.ledger.StatusCounts(ctx)
	if err != nil {
		return Stats{}, err
	}

	e.pendingMu.Lock()
	depth := len(e.queue) + len(e.pending)
	e.pendingMu.Unlock()

	e.mu.Lock()
	stats := Stats{
		Running:       e.running,
		Workers:       e.config.Workers,
		QueueDepth:    depth,
		StatusCounts:  counts,
		LastReconcile: e.lastReconcile,
	}
	if e.running {
		stats.UptimeSeconds = time.Since(e.startedAt).Seconds()
	}
	e.mu.Unlock()

	return stats, nil
}

// consumeEvents records incoming change events and queues the affected
// documents.
func (e *Engine) consumeEvents(events <-chan source.ChangeEvent, errs <-chan error) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				e.logger.Warn("change event stream closed")
				return
			}
			metricEventsTotal.Inc()

			observedAt := event.ObservedAt
			if observedAt.IsZero() {
				observedAt = time.Now().UTC()
			}
			if err := e.ledger.RecordEvent(e.ctx, event.DocumentID, observedAt); err != nil {
				e.logger.Error("failed to record change event",
					"document", event.DocumentID, "error", err)
				continue
			}
			e.logger.Debug("change event received",
				"document", event.DocumentID, "field", event.FieldName)
			e.queueChange(event.DocumentID)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			metricSourceErrorsTotal.Inc()
			e.logger.Warn("source subscription error", "error", err)
		}
	}
}

// queueChange adds a document to the coalescing map with debouncing.
func (e *Engine) queueChange(documentID string) {
	e.pendingMu.Lock()
	e.pending[documentID] = time.Now()
	e.pendingMu.Unlock()

	// Hook runs outside the lock; it may call back into the engine.
	if e.config.OnTransition != nil {
		e.config.OnTransition(documentID, TransitionEnqueued)
	}
}

// flushPending moves coalesced documents into the work queue once their
// debounce window has passed.
func (e *Engine) flushPending() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			e.flushReady()
		}
	}
}

// flushReady feeds documents whose debounce window elapsed into the
// queue. Documents that don't fit stay in the map for the next tick.
func (e *Engine) flushReady() {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	now := time.Now()
	for id, queuedAt := range e.pending {
		if now.Sub(queuedAt) < e.config.DebounceInterval {
			continue
		}
		select {
		case e.queue <- id:
			delete(e.pending, id)
		default:
			return
		}
	}
}

// worker drains the queue until shutdown.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	logger := e.logger.With("worker", id)
	for {
		select {
		case <-e.ctx.Done():
			return

		case documentID, ok := <-e.queue:
			if !ok {
				return
			}
			e.syncDocument(e.ctx, logger, documentID)
		}
	}
}
