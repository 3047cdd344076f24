// Package fieldmap translates document fields into graph shapes.
//
// A Registry holds the mapping rules: which source field produces which
// node, under which label and merge key, and which relationship ties it
// to the document. Compile applies the registry to one document
// snapshot and returns the full graph shape that snapshot implies. The
// compilation is pure: the same snapshot and registry always produce
// the same shape, so shapes can be persisted, diffed, and replayed.
//
// Fields without a rule are deliberately ignored. The source store
// extracts more fields than the graph models (prices, quantities,
// free-form remarks); a missing rule is a mapping gap, not an error.
//
// The built-in registry from Default covers the logistics document
// model. Deployments with custom fields load their own rules from a
// YAML or TOML file via LoadFile.
package fieldmap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/portside-labs/kgbridge/internal/graph"
	"github.com/portside-labs/kgbridge/internal/source"
)

// Direction orients a rule's relationship relative to the document node.
type Direction int

const (
	// FromDocument points the relationship at the field's node:
	// (Document)-[rel]->(node). This is the default.
	FromDocument Direction = iota
	// ToDocument points the relationship at the document:
	// (node)-[rel]->(Document).
	ToDocument
)

// Labels of the two nodes every compiled shape may contain regardless
// of rules.
const (
	LabelDocument = "Document"
	LabelCustomer = "Customer"
)

// RelProcessed ties a customer to each document it owns.
const RelProcessed = "PROCESSED"

// Rule maps one source field to a graph element. Exactly one of two
// modes applies:
//
//   - node mode (Label set): the field's value becomes a node merged on
//     KeyProp, optionally tied to the document when RelType is set.
//   - property mode (DocProp set): the field's value is stored as a
//     property on the document node itself.
type Rule struct {
	Field     string
	Label     string
	KeyProp   string
	RelType   string
	Direction Direction
	DocProp   string
}

func (r Rule) validate() error {
	if r.Field == "" {
		return fmt.Errorf("fieldmap: rule without field name")
	}
	if r.Label == "" && r.DocProp == "" {
		return fmt.Errorf("fieldmap: rule for %s needs a label or a doc_prop", r.Field)
	}
	if r.Label != "" && r.DocProp != "" {
		return fmt.Errorf("fieldmap: rule for %s cannot set both label and doc_prop", r.Field)
	}
	if r.RelType != "" && r.Label == "" {
		return fmt.Errorf("fieldmap: rule for %s has a relationship but no label", r.Field)
	}
	for _, ident := range []string{r.Label, r.KeyProp, r.RelType, r.DocProp} {
		if ident != "" && !graph.ValidIdentifier(ident) {
			return fmt.Errorf("fieldmap: rule for %s uses invalid identifier %q", r.Field, ident)
		}
	}
	return nil
}

// CrossLink ties nodes of two labels together whenever one document
// produces both, for example classifying a product under its HS code.
type CrossLink struct {
	SourceLabel string
	TargetLabel string
	RelType     string
}

func (c CrossLink) validate() error {
	for _, ident := range []string{c.SourceLabel, c.TargetLabel, c.RelType} {
		if !graph.ValidIdentifier(ident) {
			return fmt.Errorf("fieldmap: cross link uses invalid identifier %q", ident)
		}
	}
	return nil
}

// Registry is a validated set of mapping rules plus the merge-key
// property for every label it can produce.
type Registry struct {
	version    string
	rules      map[string][]Rule
	order      []string
	crossLinks []CrossLink
	keyProps   map[string]string
}

// Default returns the built-in logistics registry: shipper and
// consignee entities, product, HS code, and the two port locations.
func Default() *Registry {
	r, err := New("v1.0.0", []Rule{
		{Field: "ShipperName", Label: "LegalEntity", KeyProp: "name", RelType: "HAS_SHIPPER"},
		{Field: "ConsigneeName", Label: "LegalEntity", KeyProp: "name", RelType: "HAS_CONSIGNEE"},
		{Field: "HS_Code", Label: "HSCode", KeyProp: "code"},
		{Field: "Product", Label: "Product", KeyProp: "name", RelType: "CONTAINS"},
		{Field: "OriginPort", Label: "Location", KeyProp: "name", RelType: "ORIGINATED_FROM"},
		{Field: "DestinationPort", Label: "Location", KeyProp: "name", RelType: "DESTINED_FOR"},
	}, []CrossLink{
		{SourceLabel: "Product", TargetLabel: "HSCode", RelType: "CLASSIFIED_AS"},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// New builds a registry from rules and cross links. The version must be
// a valid semantic version with major version v1.
func New(version string, rules []Rule, crossLinks []CrossLink) (*Registry, error) {
	if !semver.IsValid(version) {
		return nil, fmt.Errorf("fieldmap: invalid rules version %q", version)
	}
	if semver.Major(version) != "v1" {
		return nil, fmt.Errorf("fieldmap: unsupported rules version %s, want v1", version)
	}

	r := &Registry{
		version:  version,
		rules:    make(map[string][]Rule),
		keyProps: map[string]string{LabelDocument: "id", LabelCustomer: "id"},
	}

	for _, rule := range rules {
		if err := rule.validate(); err != nil {
			return nil, err
		}
		if rule.Label != "" {
			if rule.KeyProp == "" {
				rule.KeyProp = "name"
			}
			if have, ok := r.keyProps[rule.Label]; ok && have != rule.KeyProp {
				return nil, fmt.Errorf("fieldmap: label %s merged on both %s and %s", rule.Label, have, rule.KeyProp)
			}
			r.keyProps[rule.Label] = rule.KeyProp
		}
		if _, ok := r.rules[rule.Field]; !ok {
			r.order = append(r.order, rule.Field)
		}
		r.rules[rule.Field] = append(r.rules[rule.Field], rule)
	}

	for _, link := range crossLinks {
		if err := link.validate(); err != nil {
			return nil, err
		}
		r.crossLinks = append(r.crossLinks, link)
	}

	return r, nil
}

// Version returns the registry's rules version.
func (r *Registry) Version() string {
	return r.version
}

// Fields returns the mapped field names in rule-definition order.
func (r *Registry) Fields() []string {
	return append([]string(nil), r.order...)
}

// Rules returns the rules for one field name.
func (r *Registry) Rules(field string) []Rule {
	return r.rules[field]
}

// CrossLinks returns the registry's cross links.
func (r *Registry) CrossLinks() []CrossLink {
	return append([]CrossLink(nil), r.crossLinks...)
}

// Mapped reports whether any rule covers the field.
func (r *Registry) Mapped(field string) bool {
	return len(r.rules[field]) > 0
}

// KeyProps returns the merge-key property per label, including the
// built-in Document and Customer labels. The writer uses this to build
// uniqueness constraints.
func (r *Registry) KeyProps() map[string]string {
	out := make(map[string]string, len(r.keyProps))
	for label, prop := range r.keyProps {
		out[label] = prop
	}
	return out
}

// Compile translates one document snapshot into the graph shape it
// implies. Fields whose best-effective value is empty and fields with
// no rule contribute nothing. The document node is always present;
// the customer node and its PROCESSED relationship appear whenever the
// snapshot carries a customer id.
func (r *Registry) Compile(snap source.Snapshot) graph.Shape {
	doc := snap.Document
	docNode := graph.Node{
		Label:   LabelDocument,
		KeyProp: r.keyProps[LabelDocument],
		Key:     doc.ID,
		Props: map[string]string{
			"document_number": doc.Number,
			"document_type":   doc.DocType,
		},
	}
	if doc.CustomerID != "" {
		docNode.Props["customer_id"] = doc.CustomerID
	}

	// Property-mode rules land on the document node, so they resolve
	// before the node is added.
	for _, field := range snap.Fields {
		best := field.Best()
		if best == "" {
			continue
		}
		for _, rule := range r.rules[field.Name] {
			if rule.DocProp != "" {
				docNode.Props[rule.DocProp] = best
			}
		}
	}

	var shape graph.Shape
	shape.AddNode(docNode)

	if doc.CustomerID != "" {
		customer := graph.Node{
			Label:   LabelCustomer,
			KeyProp: r.keyProps[LabelCustomer],
			Key:     doc.CustomerID,
			Props:   map[string]string{},
		}
		if doc.CustomerName != "" {
			customer.Props["name"] = doc.CustomerName
		}
		if doc.CustomerEmail != "" {
			customer.Props["email"] = doc.CustomerEmail
		}
		shape.AddNode(customer)
		shape.AddRelationship(graph.Relationship{
			Type:   RelProcessed,
			Source: customer.ID(),
			Target: docNode.ID(),
		})
	}

	for _, field := range snap.Fields {
		best := field.Best()
		if best == "" {
			continue
		}
		for _, rule := range r.rules[field.Name] {
			if rule.Label == "" {
				continue
			}
			node := graph.Node{Label: rule.Label, KeyProp: rule.KeyProp, Key: best}
			shape.AddNode(node)
			if rule.RelType == "" {
				continue
			}
			rel := graph.Relationship{Type: rule.RelType}
			switch rule.Direction {
			case ToDocument:
				rel.Source, rel.Target = node.ID(), docNode.ID()
			default:
				rel.Source, rel.Target = docNode.ID(), node.ID()
			}
			shape.AddRelationship(rel)
		}
	}

	for _, link := range r.crossLinks {
		for _, src := range shape.NodesByLabel(link.SourceLabel) {
			for _, dst := range shape.NodesByLabel(link.TargetLabel) {
				shape.AddRelationship(graph.Relationship{
					Type:   link.RelType,
					Source: src.ID(),
					Target: dst.ID(),
				})
			}
		}
	}

	return shape
}

// ruleFile is the on-disk rules format, shared by the YAML and TOML
// loaders.
type ruleFile struct {
	Version string `yaml:"version" toml:"version"`
	Rules   []struct {
		Field     string `yaml:"field" toml:"field"`
		Label     string `yaml:"label" toml:"label"`
		Key       string `yaml:"key" toml:"key"`
		Rel       string `yaml:"rel" toml:"rel"`
		Direction string `yaml:"direction" toml:"direction"`
		DocProp   string `yaml:"doc_prop" toml:"doc_prop"`
	} `yaml:"rules" toml:"rules"`
	CrossLinks []struct {
		Source string `yaml:"source" toml:"source"`
		Target string `yaml:"target" toml:"target"`
		Rel    string `yaml:"rel" toml:"rel"`
	} `yaml:"cross_links" toml:"cross_links"`
}

// LoadFile reads a rules file, YAML or TOML by extension, and builds a
// registry from it.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf ruleFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("fieldmap: unsupported rules file extension %q", ext)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	for _, raw := range rf.Rules {
		rule := Rule{
			Field:   raw.Field,
			Label:   raw.Label,
			KeyProp: raw.Key,
			RelType: raw.Rel,
			DocProp: raw.DocProp,
		}
		switch raw.Direction {
		case "", "from_document":
			rule.Direction = FromDocument
		case "to_document":
			rule.Direction = ToDocument
		default:
			return nil, fmt.Errorf("fieldmap: rule for %s has unknown direction %q", raw.Field, raw.Direction)
		}
		rules = append(rules, rule)
	}

	links := make([]CrossLink, 0, len(rf.CrossLinks))
	for _, raw := range rf.CrossLinks {
		links = append(links, CrossLink{
			SourceLabel: raw.Source,
			TargetLabel: raw.Target,
			RelType:     raw.Rel,
		})
	}

	return New(rf.Version, rules, links)
}
