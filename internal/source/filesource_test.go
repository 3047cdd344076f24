package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDocFile(t *testing.T, dir, id, content string) {
	t.Helper()
	path := filepath.Join(dir, "docs", id+".json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write doc file: %v", err)
	}
}

func TestNewFileSource_CreatesLayout(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	for _, sub := range []string{"docs", "spool"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("expected %s directory to exist", sub)
		}
	}
	if fs.SpoolDir() != filepath.Join(dir, "spool") {
		t.Errorf("unexpected spool dir: %s", fs.SpoolDir())
	}
}

func TestFileSource_FetchSnapshot(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	writeDocFile(t, dir, "42", `{
		"document": {"id": "42", "doc_type": "Invoice", "number": "INV-2026-001", "customer_id": "1", "customer_name": "Global Logistics Inc"},
		"fields": [
			{"name": "ShipperName", "raw": "global trading", "corrected": "Global Trading Co"},
			{"name": "OriginPort", "raw": "shanghai", "normalized": "Shanghai Port"}
		]
	}`)

	snapshot, err := fs.FetchSnapshot(context.Background(), "42")
	if err != nil {
		t.Fatalf("failed to fetch snapshot: %v", err)
	}

	if snapshot.Document.ID != "42" {
		t.Errorf("expected document id 42, got %q", snapshot.Document.ID)
	}
	if snapshot.Document.Number != "INV-2026-001" {
		t.Errorf("expected document number, got %q", snapshot.Document.Number)
	}
	if snapshot.Document.CustomerName != "Global Logistics Inc" {
		t.Errorf("expected customer name, got %q", snapshot.Document.CustomerName)
	}
	if len(snapshot.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(snapshot.Fields))
	}
	// Fields come back sorted by name.
	if snapshot.Fields[0].Name != "OriginPort" || snapshot.Fields[1].Name != "ShipperName" {
		t.Errorf("expected fields sorted by name, got %q, %q",
			snapshot.Fields[0].Name, snapshot.Fields[1].Name)
	}
	if best := snapshot.Fields[1].Best(); best != "Global Trading Co" {
		t.Errorf("expected corrected shipper value, got %q", best)
	}
	if snapshot.Fields[0].DocumentID != "42" {
		t.Errorf("expected field to carry document id, got %q", snapshot.Fields[0].DocumentID)
	}
}

func TestFileSource_FetchSnapshot_NumberFallback(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	writeDocFile(t, dir, "7", `{"document": {"doc_type": "BoL"}, "fields": []}`)

	snapshot, err := fs.FetchSnapshot(context.Background(), "7")
	if err != nil {
		t.Fatalf("failed to fetch snapshot: %v", err)
	}
	if snapshot.Document.ID != "7" {
		t.Errorf("expected id fallback to requested id, got %q", snapshot.Document.ID)
	}
	if snapshot.Document.Number != "DOC-7" {
		t.Errorf("expected synthesized document number DOC-7, got %q", snapshot.Document.Number)
	}
}

func TestFileSource_FetchSnapshot_NotFound(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	_, err = fs.FetchSnapshot(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileSource_ListDocumentIDs(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	writeDocFile(t, dir, "9", `{"document": {}, "fields": []}`)
	writeDocFile(t, dir, "12", `{"document": {}, "fields": []}`)
	if err := os.WriteFile(filepath.Join(dir, "docs", "notes.txt"), []byte("ignore"), 0o644); err != nil {
		t.Fatalf("failed to write stray file: %v", err)
	}

	ids, err := fs.ListDocumentIDs(context.Background())
	if err != nil {
		t.Fatalf("failed to list document ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
	if ids[0] != "12" || ids[1] != "9" {
		t.Errorf("expected sorted ids [12 9], got %v", ids)
	}
}

func waitForEvent(t *testing.T, events <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatal("events channel closed before delivery")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return ChangeEvent{}
}

func TestFileSource_Subscribe_DrainsExistingSpool(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	spooled := filepath.Join(fs.SpoolDir(), "event-001.json")
	payload := `{"document_id": 42, "field_name": "ShipperName", "hitl_value": "Global Trading Co"}`
	if err := os.WriteFile(spooled, []byte(payload), 0o644); err != nil {
		t.Fatalf("failed to spool event: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _, err := fs.Subscribe(ctx)
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	event := waitForEvent(t, events)
	if event.DocumentID != "42" || event.FieldName != "ShipperName" {
		t.Errorf("unexpected event: %+v", event)
	}

	// The spool file is removed after delivery.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(spooled); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("spool file was not removed after delivery")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFileSource_Subscribe_DeliversNewFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _, err := fs.Subscribe(ctx)
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	path := filepath.Join(fs.SpoolDir(), "event-002.json")
	if err := os.WriteFile(path, []byte(`{"document_id": 7}`), 0o644); err != nil {
		t.Fatalf("failed to spool event: %v", err)
	}

	event := waitForEvent(t, events)
	if event.DocumentID != "7" {
		t.Errorf("expected document id 7, got %q", event.DocumentID)
	}
}

func TestFileSource_Subscribe_Twice(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, _, err := fs.Subscribe(ctx); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if _, _, err := fs.Subscribe(ctx); err == nil {
		t.Error("expected second subscribe to fail")
	}
}

func TestFileSource_Subscribe_ClosesOnCancel(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileSource(dir, nil)
	if err != nil {
		t.Fatalf("failed to create file source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	events, errs, err := fs.Subscribe(ctx)
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected events channel to close without delivery")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel did not close after cancel")
	}
	select {
	case _, ok := <-errs:
		if ok {
			t.Error("expected errors channel to close without delivery")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("errors channel did not close after cancel")
	}
}
