// Package graph defines the property-graph shape model and the Writer
// contract used to apply shapes to a graph store with idempotent merge
// semantics. Two writers are provided: Neo4jWriter for production and
// MemoryWriter for tests and dry runs.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ProvenanceTag marks every node and relationship written by this engine.
const ProvenanceTag = "kgbridge"

// NodeID is a node identity: label plus merge key value. Two nodes with
// equal identity never coexist in the store.
type NodeID struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

func (id NodeID) String() string {
	return id.Label + "{" + id.Key + "}"
}

// Node is one graph node. KeyProp names the property that carries the
// merge key (for example "name" for entities, "id" for documents and
// customers); Key is its value. Props holds the remaining attributes.
type Node struct {
	Label   string            `json:"label"`
	KeyProp string            `json:"key_prop"`
	Key     string            `json:"key"`
	Props   map[string]string `json:"props,omitempty"`
}

// ID returns the node's identity.
func (n Node) ID() NodeID {
	return NodeID{Label: n.Label, Key: n.Key}
}

// RelationshipID is a relationship identity: type plus both endpoint
// identities. Duplicate relationships with equal identity collapse to one.
type RelationshipID struct {
	Type   string `json:"type"`
	Source NodeID `json:"source"`
	Target NodeID `json:"target"`
}

func (id RelationshipID) String() string {
	return fmt.Sprintf("(%s)-[%s]->(%s)", id.Source, id.Type, id.Target)
}

// Relationship is one typed, directed edge between two node identities.
type Relationship struct {
	Type   string            `json:"type"`
	Source NodeID            `json:"source"`
	Target NodeID            `json:"target"`
	Props  map[string]string `json:"props,omitempty"`
}

// ID returns the relationship's identity.
func (r Relationship) ID() RelationshipID {
	return RelationshipID{Type: r.Type, Source: r.Source, Target: r.Target}
}

// Shape is the set of nodes and relationships a document's fields imply.
// A Shape is a value: comparing two normalized shapes compares graph
// intent, independent of the order rules were evaluated in.
type Shape struct {
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// AddNode appends a node unless one with the same identity is already
// present. The first occurrence wins; later duplicates are dropped.
func (s *Shape) AddNode(n Node) {
	for _, have := range s.Nodes {
		if have.ID() == n.ID() {
			return
		}
	}
	s.Nodes = append(s.Nodes, n)
}

// AddRelationship appends a relationship unless one with the same
// identity is already present.
func (s *Shape) AddRelationship(r Relationship) {
	for _, have := range s.Relationships {
		if have.ID() == r.ID() {
			return
		}
	}
	s.Relationships = append(s.Relationships, r)
}

// Node returns the node with the given identity, if present.
func (s *Shape) Node(id NodeID) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID() == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodesByLabel returns all nodes carrying the given label.
func (s *Shape) NodesByLabel(label string) []Node {
	var out []Node
	for _, n := range s.Nodes {
		if n.Label == label {
			out = append(out, n)
		}
	}
	return out
}

// Labels returns the distinct node labels in the shape, sorted.
func (s *Shape) Labels() []string {
	seen := make(map[string]bool)
	for _, n := range s.Nodes {
		seen[n.Label] = true
	}
	out := make([]string, 0, len(seen))
	for label := range seen {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Normalize sorts nodes by (label, key) and relationships by
// (type, source, target) so equal shapes marshal to equal bytes.
func (s *Shape) Normalize() {
	sort.Slice(s.Nodes, func(i, j int) bool {
		a, b := s.Nodes[i], s.Nodes[j]
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.Key < b.Key
	})
	sort.Slice(s.Relationships, func(i, j int) bool {
		a, b := s.Relationships[i].ID(), s.Relationships[j].ID()
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Source != b.Source {
			if a.Source.Label != b.Source.Label {
				return a.Source.Label < b.Source.Label
			}
			return a.Source.Key < b.Source.Key
		}
		if a.Target.Label != b.Target.Label {
			return a.Target.Label < b.Target.Label
		}
		return a.Target.Key < b.Target.Key
	})
}

// MarshalCanonical returns the normalized shape as indented JSON. The
// encoding is stable for equal shapes, so it can be persisted and diffed.
func (s Shape) MarshalCanonical() ([]byte, error) {
	c := Shape{
		Nodes:         append([]Node(nil), s.Nodes...),
		Relationships: append([]Relationship(nil), s.Relationships...),
	}
	c.Normalize()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal shape: %w", err)
	}
	return data, nil
}

// UnmarshalShape parses a shape previously produced by MarshalCanonical.
func UnmarshalShape(data []byte) (Shape, error) {
	var s Shape
	if err := json.Unmarshal(data, &s); err != nil {
		return Shape{}, fmt.Errorf("failed to unmarshal shape: %w", err)
	}
	return s, nil
}

// StaleRelationships returns the relationships present in prev but absent
// from next, by identity. These are the edges a reconciliation must remove.
func StaleRelationships(prev, next Shape) []Relationship {
	keep := make(map[RelationshipID]bool, len(next.Relationships))
	for _, r := range next.Relationships {
		keep[r.ID()] = true
	}
	var stale []Relationship
	for _, r := range prev.Relationships {
		if !keep[r.ID()] {
			stale = append(stale, r)
		}
	}
	return stale
}
