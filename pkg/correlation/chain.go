// Package correlation groups graph edges into behavior chains, filters them
// locally and hands the survivors to risk analysis.
package correlation

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// ChainState is the lifecycle position of a behavior chain.
type ChainState string

const (
	StateOpen           ChainState = "OPEN"
	StateFinalized      ChainState = "FINALIZED"
	StateArchived       ChainState = "ARCHIVED"
	StateSuppressed     ChainState = "SUPPRESSED"
	StateAnalysisFailed ChainState = "ANALYSIS_FAILED"
	StateDropped        ChainState = "DROPPED"
)

// Trigger names why a chain was started.
type Trigger string

const (
	TriggerInjection     Trigger = "injection"
	TriggerShellSpawn    Trigger = "shell_spawn"
	TriggerNetworkSpawn  Trigger = "network_facing_spawn"
	TriggerSensitivePath Trigger = "sensitive_path"
	TriggerStagedExec    Trigger = "staged_execution"
	TriggerSeverity      Trigger = "severity"
)

// highSignal triggers add a fixed bonus to the local score.
var highSignal = map[Trigger]bool{
	TriggerInjection:     true,
	TriggerNetworkSpawn:  true,
	TriggerSensitivePath: true,
	TriggerStagedExec:    true,
}

// Chain is a causally ordered, connected sequence of edges hypothesized to
// be one multi-step behavior.
type Chain struct {
	ID          string         `json:"id"`
	State       ChainState     `json:"state"`
	Edges       []graph.Edge   `json:"edges"`
	Nodes       []graph.NodeID `json:"nodes"`
	Terminal    graph.NodeID   `json:"terminal_node"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	LastUpdated time.Time      `json:"last_updated"`
	MaxSeverity model.Severity `json:"max_severity"`
	Trigger     Trigger        `json:"trigger"`
	Indicators  []string       `json:"indicators,omitempty"`
	LocalScore  float64        `json:"local_score"`
	Weight      float64        `json:"experience_weight"`
	Fingerprint string         `json:"fingerprint"`
	ClosedAt    time.Time      `json:"closed_at,omitempty"`
	FailedAt    time.Time      `json:"failed_at,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

// EdgeIDs returns the chain's edge ids in order.
func (c *Chain) EdgeIDs() []graph.EdgeID {
	ids := make([]graph.EdgeID, len(c.Edges))
	for i, e := range c.Edges {
		ids[i] = e.ID
	}
	return ids
}

// EdgeTypes returns the chain's edge types in order.
func (c *Chain) EdgeTypes() []model.EdgeType {
	types := make([]model.EdgeType, len(c.Edges))
	for i, e := range c.Edges {
		types[i] = e.Type
	}
	return types
}

// Duration is the span between the first and last edge.
func (c *Chain) Duration() time.Duration {
	return c.EndTime.Sub(c.StartTime)
}

// Contains reports whether the chain touches the node.
func (c *Chain) Contains(id graph.NodeID) bool {
	for _, n := range c.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// Fingerprint identifies the shape of a chain independent of hosts, pids
// and paths, so that outcomes learned on one chain apply to similar ones.
func Fingerprint(types []model.EdgeType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ">")))
	return hex.EncodeToString(sum[:])[:16]
}

func (c *Chain) clone() Chain {
	out := *c
	out.Edges = append([]graph.Edge(nil), c.Edges...)
	out.Nodes = append([]graph.NodeID(nil), c.Nodes...)
	out.Indicators = append([]string(nil), c.Indicators...)
	return out
}

func (c *Chain) append(e graph.Edge, frontier graph.NodeID) {
	c.Edges = append(c.Edges, e)
	c.addNode(e.Source)
	c.addNode(e.Target)
	c.Terminal = frontier
	if e.Timestamp.After(c.EndTime) {
		c.EndTime = e.Timestamp
	}
	if e.Timestamp.After(c.LastUpdated) {
		c.LastUpdated = e.Timestamp
	}
	c.MaxSeverity = model.MaxSeverity(c.MaxSeverity, e.Severity)
	c.Fingerprint = Fingerprint(c.EdgeTypes())
}

func (c *Chain) addNode(id graph.NodeID) {
	if !c.Contains(id) {
		c.Nodes = append(c.Nodes, id)
	}
}
