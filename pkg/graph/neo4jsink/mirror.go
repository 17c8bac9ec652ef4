// Package neo4jsink mirrors the in-memory security graph into Neo4j for
// offline investigation.
package neo4jsink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/config"
	"github.com/lucid-vigil/vigil/pkg/graph"
)

const (
	mergeNodeQuery = `MERGE (n:Entity {id: $id})
SET n.type = $type, n.natural_key = $natural_key, n.name = $name,
    n.first_seen = $first_seen, n.last_seen = $last_seen`
	createEdgeQuery = `MATCH (s:Entity {id: $source}), (t:Entity {id: $target})
MERGE (s)-[r:RELATES {id: $id}]->(t)
SET r.type = $type, r.timestamp = $timestamp, r.origin_event_id = $origin_event_id, r.severity = $severity`
)

// Writer executes one write statement. It abstracts the driver so the
// mirror can be exercised without a database.
type Writer interface {
	Write(ctx context.Context, query string, params map[string]any) error
	Close(ctx context.Context) error
}

type op struct {
	query  string
	params map[string]any
}

// Mirror is a graph.Sink that replays node upserts and edge appends into
// Neo4j from a background goroutine. When its buffer is full, writes are
// dropped and counted; ingestion is never blocked.
type Mirror struct {
	writer      Writer
	buffer      chan op
	logger      zerolog.Logger
	maxAttempts uint
	timeout     time.Duration

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Stats reports mirror throughput.
type Stats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Pending int   `json:"pending"`
}

// New creates a Mirror over the given writer.
func New(writer Writer, bufferSize int, logger zerolog.Logger) *Mirror {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Mirror{
		writer:      writer,
		buffer:      make(chan op, bufferSize),
		logger:      logger.With().Str("component", "neo4j_mirror").Logger(),
		maxAttempts: 3,
		timeout:     5 * time.Second,
		stop:        make(chan struct{}),
	}
}

// NodeUpserted implements graph.Sink.
func (m *Mirror) NodeUpserted(n graph.Node) {
	m.enqueue(op{query: mergeNodeQuery, params: map[string]any{
		"id":          string(n.ID),
		"type":        string(n.Type),
		"natural_key": n.NaturalKey,
		"name":        n.Name,
		"first_seen":  n.FirstSeen.UnixMilli(),
		"last_seen":   n.LastSeen.UnixMilli(),
	}})
}

// EdgeAppended implements graph.Sink.
func (m *Mirror) EdgeAppended(e graph.Edge) {
	m.enqueue(op{query: createEdgeQuery, params: map[string]any{
		"id":              string(e.ID),
		"source":          string(e.Source),
		"target":          string(e.Target),
		"type":            string(e.Type),
		"timestamp":       e.Timestamp.UnixMilli(),
		"origin_event_id": e.OriginEventID,
		"severity":        string(e.Severity),
	}})
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.buffer <- o:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.logger.Warn().Int64("dropped_total", m.dropped.Load()).Msg("Neo4j mirror buffer full, dropping write")
		}
	}
}

// Start launches the writer goroutine. It keeps writing after ctx ends;
// Stop flushes the buffer and ends it.
func (m *Mirror) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case o := <-m.buffer:
				m.apply(ctx, o)
			case <-m.stop:
				m.drain(ctx)
				return
			}
		}
	}()
}

func (m *Mirror) drain(ctx context.Context) {
	for {
		select {
		case o := <-m.buffer:
			m.apply(ctx, o)
		default:
			return
		}
	}
}

func (m *Mirror) apply(ctx context.Context, o op) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return struct{}{}, m.writer.Write(callCtx, o.query, o.params)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(m.maxAttempts))
	if err != nil {
		m.failed.Add(1)
		m.logger.Error().Err(err).Interface("id", o.params["id"]).Msg("Failed to mirror graph write to Neo4j")
		return
	}
	m.written.Add(1)
}

// Stop flushes buffered writes and closes the writer.
func (m *Mirror) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	return m.writer.Close(ctx)
}

// Stats returns current counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Written: m.written.Load(),
		Dropped: m.dropped.Load(),
		Failed:  m.failed.Load(),
		Pending: len(m.buffer),
	}
}

// DriverWriter writes through the official Neo4j driver.
type DriverWriter struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewDriverWriter connects to Neo4j and verifies connectivity.
func NewDriverWriter(ctx context.Context, cfg config.Neo4jConfig) (*DriverWriter, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	w := &DriverWriter{driver: driver, database: cfg.Database}
	if err := w.Write(ctx, "CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE", nil); err != nil {
		driver.Close(context.Background())
		return nil, fmt.Errorf("failed to create Neo4j constraint: %w", err)
	}
	return w, nil
}

// Write implements Writer.
func (w *DriverWriter) Write(ctx context.Context, query string, params map[string]any) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: w.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("write transaction failed: %w", err)
	}
	return nil
}

// Close implements Writer.
func (w *DriverWriter) Close(ctx context.Context) error {
	return w.driver.Close(ctx)
}
