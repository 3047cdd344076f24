package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ErrUnavailable reports a connectivity failure talking to the graph
// store. Callers treat it as transient and retry with backoff.
var ErrUnavailable = errors.New("graph: store unavailable")

// Neo4jConfig holds connection settings for a Neo4j store.
type Neo4jConfig struct {
	URI                     string
	Username                string
	Password                string
	Database                string
	MaxConnectionPoolSize   int
	ConnectionTimeout       time.Duration
	MaxTransactionRetryTime time.Duration
}

// DefaultNeo4jConfig returns a config with sensible defaults for a local
// Neo4j instance.
func DefaultNeo4jConfig() Neo4jConfig {
	return Neo4jConfig{
		URI:                     "bolt://localhost:7687",
		Username:                "neo4j",
		Database:                "",
		MaxConnectionPoolSize:   50,
		ConnectionTimeout:       30 * time.Second,
		MaxTransactionRetryTime: 30 * time.Second,
	}
}

// Validate checks the config for required fields.
func (c Neo4jConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("neo4j config: URI is required")
	}
	if c.Username == "" {
		return fmt.Errorf("neo4j config: username is required")
	}
	if c.MaxConnectionPoolSize <= 0 {
		return fmt.Errorf("neo4j config: max connection pool size must be positive, got %d", c.MaxConnectionPoolSize)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("neo4j config: connection timeout must be positive")
	}
	return nil
}

// Neo4jWriter implements Writer against a Neo4j database. Create with
// NewNeo4jWriter, then Connect before use.
type Neo4jWriter struct {
	config   Neo4jConfig
	keyProps map[string]string
	driver   neo4j.DriverWithContext
	logger   *slog.Logger
	now      func() time.Time
}

var _ Writer = (*Neo4jWriter)(nil)

// NewNeo4jWriter creates a writer for the given config. keyProps maps
// node labels to their merge key property; labels not listed fall back
// to "name".
func NewNeo4jWriter(config Neo4jConfig, keyProps map[string]string, logger *slog.Logger) (*Neo4jWriter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	props := make(map[string]string, len(keyProps))
	for label, prop := range keyProps {
		props[label] = prop
	}
	return &Neo4jWriter{
		config:   config,
		keyProps: props,
		logger:   logger.With("component", "graph"),
		now:      time.Now,
	}, nil
}

// Connect establishes the driver connection, retrying with exponential
// backoff until the store answers or the attempts are exhausted.
func (w *Neo4jWriter) Connect(ctx context.Context) error {
	auth := neo4j.BasicAuth(w.config.Username, w.config.Password, "")
	configure := func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = w.config.MaxConnectionPoolSize
		cfg.ConnectionAcquisitionTimeout = w.config.ConnectionTimeout
		cfg.MaxTransactionRetryTime = w.config.MaxTransactionRetryTime
	}

	const maxRetries = 5
	baseDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		driver, err := neo4j.NewDriverWithContext(w.config.URI, auth, configure)
		if err == nil {
			if err = driver.VerifyConnectivity(ctx); err == nil {
				w.driver = driver
				w.logger.Info("connected to neo4j", "uri", w.config.URI)
				return nil
			}
			_ = driver.Close(ctx)
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("failed to connect to neo4j: %w", ctx.Err())
		}

		delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
		if delay > w.config.ConnectionTimeout {
			delay = w.config.ConnectionTimeout
		}
		w.logger.Warn("neo4j connection attempt failed, retrying",
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("failed to connect to neo4j: %w", ctx.Err())
		}
	}
	return fmt.Errorf("%w: failed to connect after %d attempts: %v", ErrUnavailable, maxRetries, lastErr)
}

// Close releases the driver.
func (w *Neo4jWriter) Close(ctx context.Context) error {
	if w.driver == nil {
		return nil
	}
	if err := w.driver.Close(ctx); err != nil {
		return fmt.Errorf("failed to close neo4j driver: %w", err)
	}
	w.driver = nil
	return nil
}

// keyProp returns the merge key property for a label.
func (w *Neo4jWriter) keyProp(label string) string {
	if prop, ok := w.keyProps[label]; ok {
		return prop
	}
	return "name"
}

// UpsertNode merges the node by (label, key) and applies its attributes.
func (w *Neo4jWriter) UpsertNode(ctx context.Context, n Node) error {
	keyProp := n.KeyProp
	if keyProp == "" {
		keyProp = w.keyProp(n.Label)
	}
	if err := checkIdentifiers(n.Label, keyProp); err != nil {
		return err
	}
	for prop := range n.Props {
		if err := checkIdentifiers(prop); err != nil {
			return err
		}
	}

	cypher := fmt.Sprintf(
		"MERGE (n:%s {%s: $key}) SET n += $props, n.synced_by = $synced_by",
		n.Label, keyProp,
	)
	params := map[string]any{
		"key":       n.Key,
		"props":     propsParam(n.Props),
		"synced_by": ProvenanceTag,
	}
	if err := w.write(ctx, cypher, params); err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", n.ID(), err)
	}
	return nil
}

// UpsertRelationship merges both endpoint nodes and the relationship in
// one write, so a half-written edge is never visible.
func (w *Neo4jWriter) UpsertRelationship(ctx context.Context, r Relationship) error {
	srcProp := w.keyProp(r.Source.Label)
	dstProp := w.keyProp(r.Target.Label)
	if err := checkIdentifiers(r.Type, r.Source.Label, r.Target.Label, srcProp, dstProp); err != nil {
		return err
	}
	for prop := range r.Props {
		if err := checkIdentifiers(prop); err != nil {
			return err
		}
	}

	cypher := fmt.Sprintf(`MERGE (s:%s {%s: $src})
MERGE (t:%s {%s: $dst})
MERGE (s)-[r:%s]->(t)
SET r += $props, r.last_synced = $last_synced, r.synced_by = $synced_by`,
		r.Source.Label, srcProp, r.Target.Label, dstProp, r.Type,
	)
	params := map[string]any{
		"src":         r.Source.Key,
		"dst":         r.Target.Key,
		"props":       propsParam(r.Props),
		"last_synced": w.now().UTC().Format(time.RFC3339),
		"synced_by":   ProvenanceTag,
	}
	if err := w.write(ctx, cypher, params); err != nil {
		return fmt.Errorf("failed to upsert relationship %s: %w", r.ID(), err)
	}
	return nil
}

// RemoveRelationship deletes the relationship with the given identity.
// Absent relationships match nothing and the delete is a no-op.
func (w *Neo4jWriter) RemoveRelationship(ctx context.Context, typ string, source, target NodeID) error {
	srcProp := w.keyProp(source.Label)
	dstProp := w.keyProp(target.Label)
	if err := checkIdentifiers(typ, source.Label, target.Label, srcProp, dstProp); err != nil {
		return err
	}

	cypher := fmt.Sprintf(
		"MATCH (s:%s {%s: $src})-[r:%s]->(t:%s {%s: $dst}) DELETE r",
		source.Label, srcProp, typ, target.Label, dstProp,
	)
	params := map[string]any{"src": source.Key, "dst": target.Key}
	if err := w.write(ctx, cypher, params); err != nil {
		id := RelationshipID{Type: typ, Source: source, Target: target}
		return fmt.Errorf("failed to remove relationship %s: %w", id, err)
	}
	return nil
}

// EnsureConstraints creates a uniqueness constraint per label on its merge
// key property. Safe to call on every startup.
func (w *Neo4jWriter) EnsureConstraints(ctx context.Context, labels map[string]string) error {
	for label, prop := range labels {
		if prop == "" {
			prop = "name"
		}
		if err := checkIdentifiers(label, prop); err != nil {
			return err
		}
		name := fmt.Sprintf("uniq_%s_%s", strings.ToLower(label), prop)
		cypher := fmt.Sprintf(
			"CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
			name, label, prop,
		)
		if err := w.write(ctx, cypher, nil); err != nil {
			return fmt.Errorf("failed to ensure constraint on %s.%s: %w", label, prop, err)
		}
		w.logger.Debug("ensured uniqueness constraint", "label", label, "property", prop)
	}
	return nil
}

// Stats reports node counts by label and relationship counts by type.
func (w *Neo4jWriter) Stats(ctx context.Context) (Stats, error) {
	if w.driver == nil {
		return Stats{}, ErrNotConnected
	}

	stats := Stats{
		Nodes:         make(map[string]int64),
		Relationships: make(map[string]int64),
	}

	session := w.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: w.config.Database})
	defer session.Close(ctx)

	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			"MATCH (n) UNWIND labels(n) AS label RETURN label, count(n) AS count", nil)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			label, _ := record.Get("label")
			count, _ := record.Get("count")
			name, ok := label.(string)
			if !ok {
				continue
			}
			n, _ := count.(int64)
			stats.Nodes[name] = n
			stats.TotalNodes += n
		}

		result, err = tx.Run(ctx,
			"MATCH ()-[r]->() RETURN type(r) AS type, count(r) AS count", nil)
		if err != nil {
			return nil, err
		}
		records, err = result.Collect(ctx)
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			typ, _ := record.Get("type")
			count, _ := record.Get("count")
			name, ok := typ.(string)
			if !ok {
				continue
			}
			n, _ := count.(int64)
			stats.Relationships[name] = n
			stats.TotalRels += n
		}
		return nil, nil
	})
	if err != nil {
		return Stats{}, classifyNeo4jErr(fmt.Errorf("failed to read graph statistics: %w", err))
	}
	return stats, nil
}

// write runs a single Cypher statement in a write transaction.
func (w *Neo4jWriter) write(ctx context.Context, cypher string, params map[string]any) error {
	if w.driver == nil {
		return ErrNotConnected
	}

	session := w.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: w.config.Database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	return classifyNeo4jErr(err)
}

// classifyNeo4jErr maps server error codes onto the package sentinels so
// callers can pick a retry strategy with errors.Is.
func classifyNeo4jErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Neo.TransientError"):
		return fmt.Errorf("%w: %v", ErrWriteConflict, err)
	case strings.Contains(msg, "ConnectivityError"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "EOF"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

// propsParam converts string props to the driver's parameter map form.
func propsParam(props map[string]string) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
