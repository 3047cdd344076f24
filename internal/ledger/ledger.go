// Package ledger persists per-document sync state in an embedded
// SQLite database (ncruces/go-sqlite3, WAL mode).
//
// The ledger is the engine's memory: which documents exist, which are
// waiting for a sync, which sync is in flight, and what graph shape the
// last successful sync applied. It survives restarts, so a crashed
// engine resumes exactly where it stopped.
//
// # State machine
//
// Every document moves through four sync states plus one bookkeeping
// state:
//
//	PENDING      a change was observed, a sync is due
//	IN_PROGRESS  a worker holds the claim and is syncing now
//	SYNCED       the graph reflects the last observed change
//	FAILED       the last attempt failed; reconciliation retries it
//	ABANDONED    the document vanished upstream; kept for audit only
//
// Claims enforce single flight: Claim transitions a document to
// IN_PROGRESS only if no other worker holds it, and hands back a token
// that every completing call must present. Events that arrive while a
// sync is in flight set the dirty flag instead of spawning a second
// sync; the completing worker observes the flag and requeues the
// document exactly once.
//
// # Concurrency
//
// WAL mode allows concurrent readers during writes. All state
// transitions are single conditional UPDATE statements (or one small
// transaction), so competing workers serialize on the database without
// any additional locking in Go.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Sync states.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusSynced     = "SYNCED"
	StatusFailed     = "FAILED"
	StatusAbandoned  = "ABANDONED"
)

// Sync log outcomes.
const (
	OutcomeSynced     = "synced"
	OutcomeFailed     = "failed"
	OutcomeAbandoned  = "abandoned"
	OutcomeSuperseded = "superseded"
)

// ErrStaleClaim reports that a completing call presented a token that
// no longer holds the claim, typically because the lease expired and a
// reconciler reclaimed the document. The caller's work must be
// discarded.
var ErrStaleClaim = errors.New("ledger: claim is no longer held")

// Ledger wraps the SQLite connection holding sync state.
type Ledger struct {
	conn *sql.DB
	path string
}

// Entry is one document's sync state.
type Entry struct {
	DocumentID    string
	Status        string
	Dirty         bool
	Attempts      int
	LastError     string
	EventSeenAt   *time.Time
	SyncStartedAt *time.Time
	SyncedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LogEntry is one row of the sync audit log.
type LogEntry struct {
	DocumentID string
	Outcome    string
	Detail     string
	Duration   time.Duration
	OccurredAt time.Time
}

// Open creates the ledger database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. If it doesn't exist, it is created along with the schema.
// The caller MUST call Close() when done.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	l := &Ledger{conn: conn, path: path}

	// Enable WAL mode for concurrent reads
	if _, err := l.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := l.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := l.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := l.initSchema(context.Background()); err != nil {
		_ = l.Close()
		return nil, err
	}

	return l, nil
}

// Path returns the ledger database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (l *Ledger) Close() error {
	if l.conn == nil {
		return nil
	}

	if _, err := l.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ledger database: %w", err)
	}

	l.conn = nil
	return nil
}

// initSchema creates the schema if it doesn't exist. Idempotent.
func (l *Ledger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		document_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'PENDING',
		dirty INTEGER NOT NULL DEFAULT 0,
		claim_token TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		event_seen_at TEXT,
		sync_started_at TEXT,
		synced_at TEXT,
		applied_shape TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		occurred_at TEXT NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(document_id) ON DELETE CASCADE
	);

	-- Indexes for the queue and reconciliation scans
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
	CREATE INDEX IF NOT EXISTS idx_documents_synced_at ON documents(synced_at);
	CREATE INDEX IF NOT EXISTS idx_documents_status_updated
	    ON documents(status, updated_at);

	CREATE INDEX IF NOT EXISTS idx_sync_log_document ON sync_log(document_id);
	CREATE INDEX IF NOT EXISTS idx_sync_log_occurred ON sync_log(occurred_at);
	`

	if _, err := l.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return nil
}

// RecordEvent notes that a change event was observed for a document,
// creating its row if needed.
//
// A document at rest (SYNCED, FAILED, or ABANDONED) becomes PENDING. A
// document that is IN_PROGRESS keeps its state and gets the dirty flag
// instead, so the in-flight sync triggers exactly one follow-up.
func (l *Ledger) RecordEvent(ctx context.Context, documentID string, observedAt time.Time) error {
	if documentID == "" {
		return fmt.Errorf("ledger: document id is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
	INSERT INTO documents (document_id, status, event_seen_at, created_at, updated_at)
	VALUES (?, 'PENDING', ?, ?, ?)
	ON CONFLICT(document_id) DO UPDATE SET
		status = CASE
			WHEN status IN ('SYNCED', 'FAILED', 'ABANDONED') THEN 'PENDING'
			ELSE status
		END,
		dirty = CASE WHEN status = 'IN_PROGRESS' THEN 1 ELSE dirty END,
		event_seen_at = excluded.event_seen_at,
		updated_at = excluded.updated_at
	`

	_, err := l.conn.ExecContext(ctx, query,
		documentID,
		observedAt.UTC().Format(time.RFC3339),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record event for %s: %w", documentID, err)
	}

	return nil
}

// Claim attempts to take exclusive ownership of a document's sync.
//
// The claim succeeds only when the document exists and is not already
// IN_PROGRESS; it resets the dirty flag and returns the token that
// Complete, Fail, and Abandon must present. ok is false when another
// worker holds the document.
func (l *Ledger) Claim(ctx context.Context, documentID string) (token string, ok bool, err error) {
	token = uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
	UPDATE documents
	SET status = 'IN_PROGRESS', claim_token = ?, dirty = 0,
	    sync_started_at = ?, updated_at = ?
	WHERE document_id = ? AND status != 'IN_PROGRESS'
	`

	res, err := l.conn.ExecContext(ctx, query, token, now, now, documentID)
	if err != nil {
		return "", false, fmt.Errorf("failed to claim %s: %w", documentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		return "", false, nil
	}

	return token, true, nil
}

// Complete finishes a claimed sync successfully, storing the canonical
// shape the sync applied.
//
// Returns dirty = true when an event arrived while the sync was in
// flight; the caller must requeue the document (its state is already
// PENDING in that case, SYNCED otherwise). Returns ErrStaleClaim when
// the token no longer holds the claim.
func (l *Ledger) Complete(ctx context.Context, documentID, token string, shape []byte) (dirty bool, err error) {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var dirtyInt int
	err = tx.QueryRowContext(ctx,
		`SELECT dirty FROM documents WHERE document_id = ? AND claim_token = ? AND status = 'IN_PROGRESS'`,
		documentID, token,
	).Scan(&dirtyInt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrStaleClaim
	}
	if err != nil {
		return false, fmt.Errorf("failed to check claim for %s: %w", documentID, err)
	}
	dirty = dirtyInt != 0

	status := StatusSynced
	if dirty {
		status = StatusPending
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
	UPDATE documents
	SET status = ?, claim_token = NULL, dirty = 0, attempts = 0,
	    last_error = NULL, synced_at = ?, applied_shape = ?, updated_at = ?
	WHERE document_id = ? AND claim_token = ?
	`, status, now, string(shape), now, documentID, token)
	if err != nil {
		return false, fmt.Errorf("failed to complete sync of %s: %w", documentID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return dirty, nil
}

// Fail finishes a claimed sync unsuccessfully. The document moves to
// FAILED and its attempt counter increments; reconciliation retries it
// later. Returns ErrStaleClaim when the token no longer holds the claim.
func (l *Ledger) Fail(ctx context.Context, documentID, token, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
	UPDATE documents
	SET status = 'FAILED', claim_token = NULL, attempts = attempts + 1,
	    last_error = ?, updated_at = ?
	WHERE document_id = ? AND claim_token = ? AND status = 'IN_PROGRESS'
	`

	res, err := l.conn.ExecContext(ctx, query, reason, now, documentID, token)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", documentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read fail result: %w", err)
	}
	if affected == 0 {
		return ErrStaleClaim
	}

	return nil
}

// Abandon finishes a claimed sync for a document that no longer exists
// upstream. The row is kept in ABANDONED state for audit; a new event
// for the same id returns it to PENDING. Returns ErrStaleClaim when the
// token no longer holds the claim.
func (l *Ledger) Abandon(ctx context.Context, documentID, token, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
	UPDATE documents
	SET status = 'ABANDONED', claim_token = NULL, dirty = 0,
	    last_error = ?, updated_at = ?
	WHERE document_id = ? AND claim_token = ? AND status = 'IN_PROGRESS'
	`

	res, err := l.conn.ExecContext(ctx, query, reason, now, documentID, token)
	if err != nil {
		return fmt.Errorf("failed to abandon %s: %w", documentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read abandon result: %w", err)
	}
	if affected == 0 {
		return ErrStaleClaim
	}

	return nil
}

// Get retrieves one document's sync state.
// Returns sql.ErrNoRows if the document is not in the ledger.
func (l *Ledger) Get(ctx context.Context, documentID string) (*Entry, error) {
	query := `
	SELECT document_id, status, dirty, attempts, COALESCE(last_error, ''),
	       event_seen_at, sync_started_at, synced_at, created_at, updated_at
	FROM documents
	WHERE document_id = ?
	`

	row := l.conn.QueryRowContext(ctx, query, documentID)
	return scanEntry(row)
}

// AppliedShape returns the canonical shape stored by the last
// successful sync, or ok = false when none was stored yet.
func (l *Ledger) AppliedShape(ctx context.Context, documentID string) (shape []byte, ok bool, err error) {
	var stored sql.NullString
	err = l.conn.QueryRowContext(ctx,
		`SELECT applied_shape FROM documents WHERE document_id = ?`, documentID,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read applied shape of %s: %w", documentID, err)
	}
	if !stored.Valid || stored.String == "" {
		return nil, false, nil
	}
	return []byte(stored.String), true, nil
}

// ListFilter configures the List query.
type ListFilter struct {
	// Status filters by sync status (empty = all statuses)
	Status string
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results (for pagination)
	Offset int
}

// List retrieves document entries matching the filter, most recently
// updated first.
func (l *Ledger) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	query := `
	SELECT document_id, status, dirty, attempts, COALESCE(last_error, ''),
	       event_seen_at, sync_started_at, synced_at, created_at, updated_at
	FROM documents
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, document_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// StatusCounts returns the number of documents per sync status.
func (l *Ledger) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := l.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}

// PendingDocuments returns ids waiting for a sync, oldest first. Used
// to drain the backlog on startup.
func (l *Ledger) PendingDocuments(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT document_id FROM documents WHERE status = 'PENDING' ORDER BY updated_at ASC`
	return l.queryIDs(ctx, query, limit)
}

// FailedDocuments returns ids whose last sync failed, oldest first.
func (l *Ledger) FailedDocuments(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT document_id FROM documents WHERE status = 'FAILED' ORDER BY updated_at ASC`
	return l.queryIDs(ctx, query, limit)
}

// StaleSynced returns ids of SYNCED documents whose last sync finished
// before the cutoff, oldest first. Reconciliation refreshes them.
func (l *Ledger) StaleSynced(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `SELECT document_id FROM documents WHERE status = 'SYNCED' AND synced_at < ? ORDER BY synced_at ASC`
	return l.queryIDsArg(ctx, query, cutoff.UTC().Format(time.RFC3339), limit)
}

// KnownDocumentIDs returns every id the ledger has a row for.
func (l *Ledger) KnownDocumentIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := l.conn.QueryContext(ctx, `SELECT document_id FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to list known documents: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document ids: %w", err)
	}

	return known, nil
}

// ReclaimExpired releases claims whose sync started before the cutoff,
// returning the affected documents to PENDING. This recovers documents
// orphaned by a crashed worker. Returns the number reclaimed.
func (l *Ledger) ReclaimExpired(ctx context.Context, cutoff time.Time) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `
	UPDATE documents
	SET status = 'PENDING', claim_token = NULL, updated_at = ?
	WHERE status = 'IN_PROGRESS' AND sync_started_at < ?
	`

	res, err := l.conn.ExecContext(ctx, query, now, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired claims: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reclaim result: %w", err)
	}

	return int(affected), nil
}

// LogSync appends one row to the sync audit log.
func (l *Ledger) LogSync(ctx context.Context, documentID, outcome, detail string, duration time.Duration) error {
	query := `
	INSERT INTO sync_log (document_id, outcome, detail, duration_ms, occurred_at)
	VALUES (?, ?, ?, ?, ?)
	`

	_, err := l.conn.ExecContext(ctx, query,
		documentID, outcome, detail, duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to log sync of %s: %w", documentID, err)
	}

	return nil
}

// RecentLog returns the newest audit log rows, newest first.
func (l *Ledger) RecentLog(ctx context.Context, limit int) ([]*LogEntry, error) {
	query := `
	SELECT document_id, outcome, COALESCE(detail, ''), duration_ms, occurred_at
	FROM sync_log
	ORDER BY id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync log: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var entry LogEntry
		var durationMs int64
		var occurredAt string
		if err := rows.Scan(&entry.DocumentID, &entry.Outcome, &entry.Detail, &durationMs, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := time.Parse(time.RFC3339, occurredAt); err == nil {
			entry.OccurredAt = t
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync log: %w", err)
	}

	return entries, nil
}

// queryIDs runs a single-column id query with an optional limit.
func (l *Ledger) queryIDs(ctx context.Context, query string, limit int) ([]string, error) {
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return l.collectIDs(ctx, query, args...)
}

func (l *Ledger) queryIDsArg(ctx context.Context, query string, arg interface{}, limit int) ([]string, error) {
	args := []interface{}{arg}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return l.collectIDs(ctx, query, args...)
}

func (l *Ledger) collectIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query document ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document ids: %w", err)
	}

	return ids, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanEntry scans one document row.
func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var dirty int
	var eventSeenAt, syncStartedAt, syncedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&entry.DocumentID,
		&entry.Status,
		&dirty,
		&entry.Attempts,
		&entry.LastError,
		&eventSeenAt,
		&syncStartedAt,
		&syncedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Dirty = dirty != 0
	entry.EventSeenAt = nullStringToTime(eventSeenAt)
	entry.SyncStartedAt = nullStringToTime(syncStartedAt)
	entry.SyncedAt = nullStringToTime(syncedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		entry.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		entry.UpdatedAt = t
	}

	return &entry, nil
}

// scanEntries scans multiple document rows.
func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document entries: %w", err)
	}

	return entries, nil
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
