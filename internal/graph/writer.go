package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrWriteConflict reports a concurrent-modification condition on the same
// identity. Upserts are commutative, so callers retry the write once.
var ErrWriteConflict = errors.New("graph: concurrent write conflict")

// ErrNotConnected reports an operation attempted before Connect succeeded.
var ErrNotConnected = errors.New("graph: not connected")

// Writer applies shape elements to a graph store. All operations are
// idempotent merges keyed by identity and safe to call concurrently for
// different identities.
//
// UpsertRelationship merges both endpoint nodes before the edge inside a
// single atomic write, so a relationship is never visible with a missing
// endpoint. Callers still upsert full nodes first when they carry
// attributes beyond the merge key.
type Writer interface {
	// UpsertNode creates the node if absent, else updates its attributes.
	UpsertNode(ctx context.Context, n Node) error

	// UpsertRelationship creates the relationship if absent, else updates
	// its attributes. Endpoint nodes are merged first within the same write.
	UpsertRelationship(ctx context.Context, r Relationship) error

	// RemoveRelationship deletes the relationship with the given identity.
	// Removing an absent relationship is a no-op, not an error.
	RemoveRelationship(ctx context.Context, typ string, source, target NodeID) error

	// EnsureConstraints creates a uniqueness constraint on each label's
	// merge key property. Idempotent.
	EnsureConstraints(ctx context.Context, labels map[string]string) error

	// Stats reports node counts by label and relationship counts by type.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}

// Stats summarizes the store's contents for status reporting.
type Stats struct {
	Nodes         map[string]int64 `json:"nodes"`
	Relationships map[string]int64 `json:"relationships"`
	TotalNodes    int64            `json:"total_nodes"`
	TotalRels     int64            `json:"total_relationships"`
}

// identPattern is the shape of a safe Cypher label, relationship type, or
// property name. Labels and types cannot be bound as query parameters, so
// anything interpolated into query text must match it.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is safe to interpolate into a query
// as a label, relationship type, or property name.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

// checkIdentifiers returns an error naming the first invalid identifier.
func checkIdentifiers(names ...string) error {
	for _, s := range names {
		if !ValidIdentifier(s) {
			return fmt.Errorf("graph: invalid identifier %q", s)
		}
	}
	return nil
}
