package graph

import (
	"context"
	"sync"
	"time"
)

// MemoryWriter is a map-backed Writer used by tests and dry runs. It
// mirrors the merge semantics of the Neo4j writer: nodes keyed by
// (label, key), relationships keyed by (type, source, target), attribute
// updates in place.
type MemoryWriter struct {
	mu          sync.Mutex
	nodes       map[NodeID]Node
	rels        map[RelationshipID]Relationship
	lastSynced  map[RelationshipID]time.Time
	constraints map[string]string

	// FailNext, when set, makes the next write return the error once.
	// Lets tests exercise retry paths.
	FailNext error

	now func() time.Time
}

var _ Writer = (*MemoryWriter)(nil)

// NewMemoryWriter creates an empty in-memory writer.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{
		nodes:       make(map[NodeID]Node),
		rels:        make(map[RelationshipID]Relationship),
		lastSynced:  make(map[RelationshipID]time.Time),
		constraints: make(map[string]string),
		now:         time.Now,
	}
}

func (m *MemoryWriter) takeFailure() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

// UpsertNode merges the node by identity.
func (m *MemoryWriter) UpsertNode(ctx context.Context, n Node) error {
	if err := checkIdentifiers(n.Label); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	id := n.ID()
	have, ok := m.nodes[id]
	if !ok {
		copied := n
		copied.Props = copyProps(n.Props)
		m.nodes[id] = copied
		return nil
	}
	if have.Props == nil {
		have.Props = make(map[string]string)
	}
	for k, v := range n.Props {
		have.Props[k] = v
	}
	if n.KeyProp != "" {
		have.KeyProp = n.KeyProp
	}
	m.nodes[id] = have
	return nil
}

// UpsertRelationship merges endpoint stub nodes and the relationship.
func (m *MemoryWriter) UpsertRelationship(ctx context.Context, r Relationship) error {
	if err := checkIdentifiers(r.Type, r.Source.Label, r.Target.Label); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	for _, end := range []NodeID{r.Source, r.Target} {
		if _, ok := m.nodes[end]; !ok {
			m.nodes[end] = Node{Label: end.Label, Key: end.Key}
		}
	}

	id := r.ID()
	have, ok := m.rels[id]
	if !ok {
		copied := r
		copied.Props = copyProps(r.Props)
		m.rels[id] = copied
	} else {
		if have.Props == nil {
			have.Props = make(map[string]string)
		}
		for k, v := range r.Props {
			have.Props[k] = v
		}
		m.rels[id] = have
	}
	m.lastSynced[id] = m.now()
	return nil
}

// RemoveRelationship deletes by identity; absent identities are a no-op.
func (m *MemoryWriter) RemoveRelationship(ctx context.Context, typ string, source, target NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	id := RelationshipID{Type: typ, Source: source, Target: target}
	delete(m.rels, id)
	delete(m.lastSynced, id)
	return nil
}

// EnsureConstraints records the label constraints.
func (m *MemoryWriter) EnsureConstraints(ctx context.Context, labels map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for label, prop := range labels {
		if prop == "" {
			prop = "name"
		}
		m.constraints[label] = prop
	}
	return nil
}

// Stats reports counts over the in-memory maps.
func (m *MemoryWriter) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		Nodes:         make(map[string]int64),
		Relationships: make(map[string]int64),
	}
	for id := range m.nodes {
		stats.Nodes[id.Label]++
		stats.TotalNodes++
	}
	for id := range m.rels {
		stats.Relationships[id.Type]++
		stats.TotalRels++
	}
	return stats, nil
}

// Close is a no-op.
func (m *MemoryWriter) Close(ctx context.Context) error { return nil }

// NodeCount returns the number of stored nodes.
func (m *MemoryWriter) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// RelationshipCount returns the number of stored relationships.
func (m *MemoryWriter) RelationshipCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rels)
}

// GetNode returns a stored node by identity.
func (m *MemoryWriter) GetNode(id NodeID) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	return n, ok
}

// HasRelationship reports whether a relationship with the identity exists.
func (m *MemoryWriter) HasRelationship(typ string, source, target NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rels[RelationshipID{Type: typ, Source: source, Target: target}]
	return ok
}

// Snapshot returns the current contents as a normalized Shape.
func (m *MemoryWriter) Snapshot() Shape {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Shape
	for _, n := range m.nodes {
		copied := n
		copied.Props = copyProps(n.Props)
		s.Nodes = append(s.Nodes, copied)
	}
	for _, r := range m.rels {
		copied := r
		copied.Props = copyProps(r.Props)
		s.Relationships = append(s.Relationships, copied)
	}
	s.Normalize()
	return s
}

func copyProps(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
