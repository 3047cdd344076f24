package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testLedgerPath returns a temporary path for test databases
func testLedgerPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "ledger.db")
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(testLedgerPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// TestOpen_Success tests database creation and schema initialization
func TestOpen_Success(t *testing.T) {
	path := testLedgerPath(t)
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer l.Close()

	if l.Path() != path {
		t.Errorf("Path() = %q, want %q", l.Path(), path)
	}

	// Check that all tables exist
	tables := []string{"documents", "sync_log"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		err := l.conn.QueryRow(query, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestOpen_Reopen tests that an existing ledger can be reopened
func TestOpen_Reopen(t *testing.T) {
	path := testLedgerPath(t)
	ctx := context.Background()

	l, err := Open(path)
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}
	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer l2.Close()

	entry, err := l2.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING after reopen", entry.Status)
	}
}

// TestRecordEvent_CreatesPending tests first sight of a document
func TestRecordEvent_CreatesPending(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	observed := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	if err := l.RecordEvent(ctx, "42", observed); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}

	entry, err := l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING", entry.Status)
	}
	if entry.Dirty {
		t.Error("Dirty = true, want false on fresh entry")
	}
	if entry.EventSeenAt == nil || !entry.EventSeenAt.Equal(observed) {
		t.Errorf("EventSeenAt = %v, want %v", entry.EventSeenAt, observed)
	}
}

// TestRecordEvent_SyncedBecomesPending tests re-dirtying an up-to-date document
func TestRecordEvent_SyncedBecomesPending(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	token, ok, err := l.Claim(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	if _, err := l.Complete(ctx, "42", token, []byte(`{}`)); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}

	entry, err := l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING after new event", entry.Status)
	}
}

// TestRecordEvent_InFlightSetsDirty tests event arrival during a sync
func TestRecordEvent_InFlightSetsDirty(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	token, ok, err := l.Claim(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	// Event lands while the sync is in flight.
	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}

	entry, err := l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS to survive the event", entry.Status)
	}
	if !entry.Dirty {
		t.Error("Dirty = false, want true after in-flight event")
	}

	// Completion reports the dirty flag and lands on PENDING.
	dirty, err := l.Complete(ctx, "42", token, []byte(`{}`))
	if err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if !dirty {
		t.Error("Complete() dirty = false, want true")
	}

	entry, err = l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING for the follow-up sync", entry.Status)
	}
	if entry.Dirty {
		t.Error("Dirty = true, want reset after completion")
	}
}

// TestClaim_SingleFlight tests that only one worker can hold a document
func TestClaim_SingleFlight(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}

	token1, ok, err := l.Claim(ctx, "42")
	if err != nil {
		t.Fatalf("First Claim() failed: %v", err)
	}
	if !ok || token1 == "" {
		t.Fatal("First Claim() should succeed with a token")
	}

	_, ok, err = l.Claim(ctx, "42")
	if err != nil {
		t.Fatalf("Second Claim() failed: %v", err)
	}
	if ok {
		t.Error("Second Claim() succeeded, want single flight")
	}
}

// TestClaim_UnknownDocument tests claiming an id the ledger never saw
func TestClaim_UnknownDocument(t *testing.T) {
	l := openTestLedger(t)

	_, ok, err := l.Claim(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if ok {
		t.Error("Claim() succeeded for unknown document")
	}
}

// TestComplete_StoresShape tests the success path
func TestComplete_StoresShape(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	token, ok, err := l.Claim(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	shape := []byte(`{"nodes":[],"relationships":[]}`)
	dirty, err := l.Complete(ctx, "42", token, shape)
	if err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if dirty {
		t.Error("Complete() dirty = true, want false")
	}

	entry, err := l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusSynced {
		t.Errorf("Status = %q, want SYNCED", entry.Status)
	}
	if entry.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", entry.Attempts)
	}
	if entry.SyncedAt == nil {
		t.Error("SyncedAt not set")
	}

	stored, ok, err := l.AppliedShape(ctx, "42")
	if err != nil {
		t.Fatalf("AppliedShape() failed: %v", err)
	}
	if !ok {
		t.Fatal("AppliedShape() ok = false, want stored shape")
	}
	if string(stored) != string(shape) {
		t.Errorf("AppliedShape() = %s, want %s", stored, shape)
	}
}

// TestComplete_StaleClaim tests completion with the wrong token
func TestComplete_StaleClaim(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	if _, ok, err := l.Claim(ctx, "42"); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	_, err := l.Complete(ctx, "42", "not-the-token", []byte(`{}`))
	if !errors.Is(err, ErrStaleClaim) {
		t.Errorf("Complete() error = %v, want ErrStaleClaim", err)
	}
}

// TestFail_IncrementsAttempts tests the failure path
func TestFail_IncrementsAttempts(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}

	for want := 1; want <= 2; want++ {
		token, ok, err := l.Claim(ctx, "42")
		if err != nil || !ok {
			t.Fatalf("Claim() = %v, %v", ok, err)
		}
		if err := l.Fail(ctx, "42", token, "graph unreachable"); err != nil {
			t.Fatalf("Fail() failed: %v", err)
		}

		entry, err := l.Get(ctx, "42")
		if err != nil {
			t.Fatalf("Get() failed: %v", err)
		}
		if entry.Status != StatusFailed {
			t.Errorf("Status = %q, want FAILED", entry.Status)
		}
		if entry.Attempts != want {
			t.Errorf("Attempts = %d, want %d", entry.Attempts, want)
		}
		if entry.LastError != "graph unreachable" {
			t.Errorf("LastError = %q", entry.LastError)
		}
	}
}

// TestFail_StaleClaim tests failing with the wrong token
func TestFail_StaleClaim(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	if _, ok, err := l.Claim(ctx, "42"); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	err := l.Fail(ctx, "42", "not-the-token", "boom")
	if !errors.Is(err, ErrStaleClaim) {
		t.Errorf("Fail() error = %v, want ErrStaleClaim", err)
	}
}

// TestAbandon_TerminalUntilNextEvent tests the vanished-document path
func TestAbandon_TerminalUntilNextEvent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	token, ok, err := l.Claim(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	if err := l.Abandon(ctx, "42", token, "document not found upstream"); err != nil {
		t.Fatalf("Abandon() failed: %v", err)
	}

	entry, err := l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusAbandoned {
		t.Errorf("Status = %q, want ABANDONED", entry.Status)
	}

	// A fresh event revives the document.
	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	entry, err = l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING after revival", entry.Status)
	}
}

// TestReclaimExpired tests crash recovery of orphaned claims
func TestReclaimExpired(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	token, ok, err := l.Claim(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	// Nothing to reclaim before the lease ages out.
	n, err := l.ReclaimExpired(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReclaimExpired() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("ReclaimExpired() = %d, want 0 for fresh claim", n)
	}

	n, err = l.ReclaimExpired(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReclaimExpired() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ReclaimExpired() = %d, want 1", n)
	}

	entry, err := l.Get(ctx, "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if entry.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING after reclaim", entry.Status)
	}

	// The old worker's completion must be rejected.
	if _, err := l.Complete(ctx, "42", token, []byte(`{}`)); !errors.Is(err, ErrStaleClaim) {
		t.Errorf("Complete() error = %v, want ErrStaleClaim after reclaim", err)
	}
}

// TestStaleSynced tests the reconciliation freshness scan
func TestStaleSynced(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	token, ok, err := l.Claim(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	if _, err := l.Complete(ctx, "42", token, []byte(`{}`)); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	stale, err := l.StaleSynced(ctx, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("StaleSynced() failed: %v", err)
	}
	if len(stale) != 1 || stale[0] != "42" {
		t.Errorf("StaleSynced() = %v, want [42]", stale)
	}

	fresh, err := l.StaleSynced(ctx, time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("StaleSynced() failed: %v", err)
	}
	if len(fresh) != 0 {
		t.Errorf("StaleSynced() = %v, want empty for recent sync", fresh)
	}
}

// TestStatusCounts tests the aggregate counter
func TestStatusCounts(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := l.RecordEvent(ctx, id, time.Now()); err != nil {
			t.Fatalf("RecordEvent() failed: %v", err)
		}
	}
	token, ok, err := l.Claim(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	if _, err := l.Complete(ctx, "1", token, []byte(`{}`)); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	counts, err := l.StatusCounts(ctx)
	if err != nil {
		t.Fatalf("StatusCounts() failed: %v", err)
	}
	if counts[StatusSynced] != 1 {
		t.Errorf("SYNCED count = %d, want 1", counts[StatusSynced])
	}
	if counts[StatusPending] != 2 {
		t.Errorf("PENDING count = %d, want 2", counts[StatusPending])
	}
}

// TestList_FilterByStatus tests the document listing
func TestList_FilterByStatus(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2"} {
		if err := l.RecordEvent(ctx, id, time.Now()); err != nil {
			t.Fatalf("RecordEvent() failed: %v", err)
		}
	}
	token, ok, err := l.Claim(ctx, "2")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	if err := l.Fail(ctx, "2", token, "boom"); err != nil {
		t.Fatalf("Fail() failed: %v", err)
	}

	failed, err := l.List(ctx, ListFilter{Status: StatusFailed})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(failed) != 1 || failed[0].DocumentID != "2" {
		t.Errorf("List(FAILED) = %d entries, want just document 2", len(failed))
	}

	all, err := l.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List() = %d entries, want 2", len(all))
	}

	limited, err := l.List(ctx, ListFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("List(limit 1) = %d entries, want 1", len(limited))
	}
}

// TestPendingAndFailedScans tests the reconciliation queues
func TestPendingAndFailedScans(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := l.RecordEvent(ctx, id, time.Now()); err != nil {
			t.Fatalf("RecordEvent() failed: %v", err)
		}
	}
	token, ok, err := l.Claim(ctx, "3")
	if err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}
	if err := l.Fail(ctx, "3", token, "boom"); err != nil {
		t.Fatalf("Fail() failed: %v", err)
	}

	pending, err := l.PendingDocuments(ctx, 0)
	if err != nil {
		t.Fatalf("PendingDocuments() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("PendingDocuments() = %v, want 2 ids", pending)
	}

	failed, err := l.FailedDocuments(ctx, 0)
	if err != nil {
		t.Fatalf("FailedDocuments() failed: %v", err)
	}
	if len(failed) != 1 || failed[0] != "3" {
		t.Errorf("FailedDocuments() = %v, want [3]", failed)
	}

	known, err := l.KnownDocumentIDs(ctx)
	if err != nil {
		t.Fatalf("KnownDocumentIDs() failed: %v", err)
	}
	for _, id := range []string{"1", "2", "3"} {
		if !known[id] {
			t.Errorf("KnownDocumentIDs() missing %s", id)
		}
	}
}

// TestLogSync_RecentLog tests the audit log
func TestLogSync_RecentLog(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	if err := l.LogSync(ctx, "42", OutcomeFailed, "graph unreachable", 120*time.Millisecond); err != nil {
		t.Fatalf("LogSync() failed: %v", err)
	}
	if err := l.LogSync(ctx, "42", OutcomeSynced, "", 80*time.Millisecond); err != nil {
		t.Fatalf("LogSync() failed: %v", err)
	}

	entries, err := l.RecentLog(ctx, 10)
	if err != nil {
		t.Fatalf("RecentLog() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("RecentLog() = %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Outcome != OutcomeSynced {
		t.Errorf("newest outcome = %q, want synced", entries[0].Outcome)
	}
	if entries[1].Outcome != OutcomeFailed || entries[1].Detail != "graph unreachable" {
		t.Errorf("oldest entry = %+v", entries[1])
	}
	if entries[0].Duration != 80*time.Millisecond {
		t.Errorf("Duration = %v, want 80ms", entries[0].Duration)
	}
}

// BenchmarkClaimCycle measures a full event-claim-complete round trip
func BenchmarkClaimCycle(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.db")
	l, err := Open(path)
	if err != nil {
		b.Fatalf("Open() failed: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	shape := []byte(`{"nodes":[],"relationships":[]}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := l.RecordEvent(ctx, "42", time.Now()); err != nil {
			b.Fatalf("RecordEvent() failed: %v", err)
		}
		token, ok, err := l.Claim(ctx, "42")
		if err != nil || !ok {
			b.Fatalf("Claim() = %v, %v", ok, err)
		}
		if _, err := l.Complete(ctx, "42", token, shape); err != nil {
			b.Fatalf("Complete() failed: %v", err)
		}
	}
}
