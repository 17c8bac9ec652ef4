// Package graph holds the append-only security event graph: actors and
// resources as nodes, observed relations as timestamped edges.
package graph

import (
	"iter"
	"strings"
	"time"

	"github.com/lucid-vigil/vigil/pkg/model"
)

// NodeID identifies a node. It is derived from the node type and natural key.
type NodeID string

// EdgeID identifies an edge.
type EdgeID string

// NodeIDFor returns the deterministic id of the node with the given identity.
func NodeIDFor(t model.NodeType, naturalKey string) NodeID {
	return NodeID(string(t) + ":" + naturalKey)
}

// Type returns the node type encoded in the id.
func (id NodeID) Type() model.NodeType {
	t, _, _ := strings.Cut(string(id), ":")
	return model.NodeType(t)
}

// Node is an actor or resource observed in events.
type Node struct {
	ID         NodeID            `json:"id"`
	Type       model.NodeType    `json:"type"`
	NaturalKey string            `json:"natural_key"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
}

// Edge is one observed relation, created exactly once per originating event.
type Edge struct {
	ID            EdgeID         `json:"id"`
	Type          model.EdgeType `json:"type"`
	Source        NodeID         `json:"source"`
	Target        NodeID         `json:"target"`
	Timestamp     time.Time      `json:"timestamp"`
	OriginEventID string         `json:"origin_event_id"`
	Severity      model.Severity `json:"severity"`
	RuleID        string         `json:"rule_id,omitempty"`

	// Supersedes links a correcting edge to the edge it replaces. Edges are
	// never modified in place.
	Supersedes EdgeID `json:"supersedes,omitempty"`
}

// Direction selects which adjacency list Neighbors walks.
type Direction int

const (
	Outbound Direction = iota
	Inbound
	Both
)

// EvictionStats reports what one eviction pass removed.
type EvictionStats struct {
	NodesEvicted int `json:"nodes_evicted"`
	EdgesEvicted int `json:"edges_evicted"`
	NodesPinned  int `json:"nodes_pinned"`
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Nodes        int                    `json:"nodes"`
	Edges        int                    `json:"edges"`
	NodesByType  map[model.NodeType]int `json:"nodes_by_type"`
	EdgesByType  map[model.EdgeType]int `json:"edges_by_type"`
	NodesEvicted int64                  `json:"nodes_evicted"`
	EdgesEvicted int64                  `json:"edges_evicted"`
}

// Store is the graph persistence boundary.
type Store interface {
	// UpsertNode inserts the node or refreshes LastSeen of an existing one.
	// Repeated upserts of the same identity return the same id.
	UpsertNode(n Node) (NodeID, error)
	// AddEdge appends an edge. Both endpoints must already exist. An edge
	// whose OriginEventID was already recorded returns the existing id.
	AddEdge(e Edge) (EdgeID, error)
	GetNode(id NodeID) (Node, bool)
	GetEdge(id EdgeID) (Edge, bool)
	// Neighbors yields edges adjacent to id in ascending timestamp order,
	// restricted to the given types (all when empty) and to edges at or after
	// since. Each range over the sequence starts from the beginning.
	Neighbors(id NodeID, dir Direction, types []model.EdgeType, since time.Time) iter.Seq[Edge]
	EvictOlderThan(ts time.Time, pinned func(NodeID) bool) EvictionStats
	Stats() Stats
}

// Sink mirrors graph writes to an external system. Calls happen on the
// writer's goroutine and must not block.
type Sink interface {
	NodeUpserted(n Node)
	EdgeAppended(e Edge)
}
