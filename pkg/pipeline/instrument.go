package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/lucid-vigil/vigil/pkg/analysis"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/metrics"
	"github.com/lucid-vigil/vigil/pkg/model"
	"github.com/lucid-vigil/vigil/pkg/orchestrator"
)

// timedScorer records batch latency around a Scorer.
type timedScorer struct {
	next    analysis.Scorer
	metrics *metrics.Registry
}

func (s timedScorer) Assess(ctx context.Context, batch []analysis.ChainSummary) ([]analysis.ScoreResult, error) {
	start := time.Now()
	res, err := s.next.Assess(ctx, batch)
	s.metrics.ObserveAnalysisBatch(time.Since(start))
	return res, err
}

// countingActuator counts actuator invocations by result.
type countingActuator struct {
	next    orchestrator.Actuator
	metrics *metrics.Registry
}

func (a countingActuator) Execute(ctx context.Context, kind model.ActionKind, node graph.Node) (actions.Result, error) {
	res, err := a.next.Execute(ctx, kind, node)
	switch {
	case err != nil:
		a.metrics.RecordAction(string(kind), "error")
	case !res.Success:
		a.metrics.RecordAction(string(kind), "failure")
	default:
		a.metrics.RecordAction(string(kind), "success")
	}
	return res, err
}

// Rollback forwards to the wrapped actuator when it can undo actions.
func (a countingActuator) Rollback(ctx context.Context, kind model.ActionKind, node graph.Node) (actions.Result, error) {
	rb, ok := a.next.(orchestrator.Rollbacker)
	if !ok {
		return actions.Result{}, fmt.Errorf("%w: %s", actions.ErrRollbackUnsupported, kind)
	}
	res, err := rb.Rollback(ctx, kind, node)
	result := "rollback"
	if err != nil || !res.Success {
		result = "rollback_failure"
	}
	a.metrics.RecordAction(string(kind), result)
	return res, err
}
