// Package analysis sends finalized behavior chains to an external risk
// scorer and turns the answers into risk assessments.
package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/lucid-vigil/vigil/pkg/correlation"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// ErrPermanent marks scorer failures that retrying cannot fix.
var ErrPermanent = errors.New("permanent scorer failure")

// NodeSummary describes one chain node to the scorer.
type NodeSummary struct {
	ID         graph.NodeID      `json:"id"`
	Type       model.NodeType    `json:"type"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Step is one edge of a chain as seen by the scorer.
type Step struct {
	Type      model.EdgeType `json:"type"`
	Source    graph.NodeID   `json:"source"`
	Target    graph.NodeID   `json:"target"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  model.Severity `json:"severity"`
	RuleID    string         `json:"rule_id,omitempty"`
}

// ChainSummary is the scorer's view of a finalized chain.
type ChainSummary struct {
	ChainID     string         `json:"chain_id"`
	Fingerprint string         `json:"fingerprint"`
	Trigger     string         `json:"trigger"`
	Severity    model.Severity `json:"severity"`
	LocalScore  float64        `json:"local_score"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Indicators  []string       `json:"indicators,omitempty"`
	Nodes       []NodeSummary  `json:"nodes"`
	Steps       []Step         `json:"steps"`
}

// ScoreResult is the scorer's answer for one chain.
type ScoreResult struct {
	ChainID           string  `json:"chain_id"`
	Score             float64 `json:"score"`
	Rationale         string  `json:"rationale"`
	RecommendedAction string  `json:"recommended_action"`
}

// RiskAssessment is the immutable scoring outcome for a chain.
type RiskAssessment struct {
	ChainID               string           `json:"chain_id"`
	Fingerprint           string           `json:"fingerprint"`
	Score                 float64          `json:"score"`
	Rationale             string           `json:"rationale"`
	RecommendedActionKind model.ActionKind `json:"recommended_action_kind"`
	AssessedAt            time.Time        `json:"assessed_at"`
}

// Scorer assesses a batch of chains. Implementations return one result per
// chain they could score; chains missing from the answer count as failed.
type Scorer interface {
	Assess(ctx context.Context, batch []ChainSummary) ([]ScoreResult, error)
}

// Handler consumes assessments. It is the response orchestrator in production.
type Handler interface {
	HandleAssessment(ctx context.Context, a RiskAssessment, chain correlation.Chain)
}

// ChainTracker records chain lifecycle transitions driven by analysis.
type ChainTracker interface {
	MarkArchived(id string) error
	MarkAnalysisFailed(id, reason string) error
	MarkDropped(id, reason string) error
}

// NodeLookup resolves chain nodes for summaries.
type NodeLookup interface {
	GetNode(id graph.NodeID) (graph.Node, bool)
}

// Summarize builds the scorer's view of c. Nodes no longer in the graph are
// described by id and type only.
func Summarize(c correlation.Chain, nodes NodeLookup) ChainSummary {
	s := ChainSummary{
		ChainID:     c.ID,
		Fingerprint: c.Fingerprint,
		Trigger:     string(c.Trigger),
		Severity:    c.MaxSeverity,
		LocalScore:  c.LocalScore,
		StartTime:   c.StartTime,
		EndTime:     c.EndTime,
		Indicators:  c.Indicators,
		Nodes:       make([]NodeSummary, 0, len(c.Nodes)),
		Steps:       make([]Step, 0, len(c.Edges)),
	}
	for _, id := range c.Nodes {
		ns := NodeSummary{ID: id, Type: id.Type()}
		if n, ok := nodes.GetNode(id); ok {
			ns.Name = n.Name
			ns.Attributes = n.Attributes
		}
		s.Nodes = append(s.Nodes, ns)
	}
	for _, e := range c.Edges {
		s.Steps = append(s.Steps, Step{
			Type:      e.Type,
			Source:    e.Source,
			Target:    e.Target,
			Timestamp: e.Timestamp,
			Severity:  e.Severity,
			RuleID:    e.RuleID,
		})
	}
	return s
}
