// Package source adapts the relational document store into the two
// operations the sync engine needs: a subscription to field-change
// events and a point-in-time snapshot of a document's fields.
//
// Two implementations are provided:
//
//   - PGSource: PostgreSQL LISTEN/NOTIFY subscriber plus snapshot
//     queries over a pgx connection pool. This is the production
//     change source.
//   - FileSource: watches a spool directory for JSON event files.
//     Used for local development and tests, where no database emits
//     notifications.
//
// # Event delivery
//
// Subscribe returns an events channel and an errors channel. Delivery
// is at-least-once while the underlying connection is up: events may be
// redelivered after a reconnect, and events emitted while disconnected
// may be lost. The engine compensates for losses with periodic full
// reconciliation, so the adapter only promises to never silently drop
// an event it has received.
//
// # Best-effective value
//
// Every field carries up to three values: the raw extracted value, the
// normalized value, and the human-corrected value. BestValue resolves
// them by fixed precedence (corrected > normalized > raw), treating the
// empty string as absent:
//
//	source.BestValue("ACME CO", "Acme Co", "")                // "Acme Co"
//	source.BestValue("ACME CO", "Acme Co", "Acme Corporation") // "Acme Corporation"
package source

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a document no longer exists upstream. Syncs
// for that document are abandoned, not retried.
var ErrNotFound = errors.New("source: document not found")

// ErrUnavailable reports a connectivity failure talking to the source
// store. Callers treat it as transient and retry with backoff.
var ErrUnavailable = errors.New("source: store unavailable")

// Channel names the source store notifies on.
const (
	ChannelFieldVerified   = "hitl_finished"
	ChannelDocumentCreated = "document_created"
)

// ChangeEvent is one notification that a document's field changed and
// the document should be re-synced. For document-creation events only
// DocumentID is set.
type ChangeEvent struct {
	DocumentID string    `json:"document_id"`
	FieldID    string    `json:"field_id,omitempty"`
	FieldName  string    `json:"field_name,omitempty"`
	NewValue   string    `json:"hitl_value,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Document is the snapshot header: the document row joined with its
// owning customer.
type Document struct {
	ID            string
	DocType       string
	Number        string
	CustomerID    string
	CustomerName  string
	CustomerEmail string
}

// Field is one field of a document with all three value variants.
type Field struct {
	DocumentID string
	Name       string
	Raw        string
	Normalized string
	Corrected  string
	ChangedAt  time.Time
}

// Best returns the field's best-effective value.
func (f Field) Best() string {
	return BestValue(f.Raw, f.Normalized, f.Corrected)
}

// Snapshot is a document and its fields, ordered by field name, as of
// one read.
type Snapshot struct {
	Document Document
	Fields   []Field
}

// BestValue resolves the three value variants by fixed precedence:
// human-corrected wins over normalized, normalized over raw. The empty
// string counts as absent.
func BestValue(raw, normalized, corrected string) string {
	if corrected != "" {
		return corrected
	}
	if normalized != "" {
		return normalized
	}
	return raw
}

// Source is the engine's view of the relational store.
type Source interface {
	// Subscribe starts the change-event stream. The returned channels
	// close when ctx is cancelled. Subscribe may be called once per
	// Source.
	Subscribe(ctx context.Context) (<-chan ChangeEvent, <-chan error, error)

	// FetchSnapshot reads the document and all its fields. Returns
	// ErrNotFound if the document does not exist, an error wrapping
	// ErrUnavailable on connectivity failure.
	FetchSnapshot(ctx context.Context, documentID string) (Snapshot, error)

	// ListDocumentIDs returns every document id known to the source,
	// for full-reconciliation healing.
	ListDocumentIDs(ctx context.Context) ([]string, error)

	// Close releases the adapter's connections.
	Close(ctx context.Context) error
}
