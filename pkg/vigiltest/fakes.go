package vigiltest

import (
	"context"
	"sync"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/lucid-vigil/vigil/pkg/analysis"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// ActionCall is one recorded actuator invocation.
type ActionCall struct {
	Kind   model.ActionKind
	Target graph.NodeID
}

// RecordingActuator records every remediation it is asked to perform and
// answers with a fixed result.
type RecordingActuator struct {
	mu        sync.Mutex
	calls     []ActionCall
	rollbacks []ActionCall
	result    actions.Result
	err       error
}

// NewRecordingActuator returns an actuator that reports success.
func NewRecordingActuator() *RecordingActuator {
	return &RecordingActuator{result: actions.Result{Success: true, Detail: "recorded"}}
}

// Fail makes subsequent calls return res and err.
func (a *RecordingActuator) Fail(res actions.Result, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result, a.err = res, err
}

func (a *RecordingActuator) Execute(_ context.Context, kind model.ActionKind, target graph.Node) (actions.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, ActionCall{Kind: kind, Target: target.ID})
	return a.result, a.err
}

// Calls returns a copy of the recorded invocations.
func (a *RecordingActuator) Calls() []ActionCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ActionCall, len(a.calls))
	copy(out, a.calls)
	return out
}

// Rollback records the undo request and always succeeds.
func (a *RecordingActuator) Rollback(_ context.Context, kind model.ActionKind, target graph.Node) (actions.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollbacks = append(a.rollbacks, ActionCall{Kind: kind, Target: target.ID})
	return actions.Result{Success: true, Detail: "rolled back"}, nil
}

// Rollbacks returns a copy of the recorded undo requests.
func (a *RecordingActuator) Rollbacks() []ActionCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ActionCall, len(a.rollbacks))
	copy(out, a.rollbacks)
	return out
}

// StaticVerifier reports the same verdict for every remediation.
type StaticVerifier struct {
	Effective bool
	Err       error
}

func (v StaticVerifier) Verify(context.Context, model.ActionKind, graph.Node) (bool, error) {
	return v.Effective, v.Err
}

// StubScorer scores every chain with Score and recommends Action. Batches
// it receives are kept for inspection.
type StubScorer struct {
	Score  float64
	Action model.ActionKind
	Err    error

	mu      sync.Mutex
	batches [][]analysis.ChainSummary
}

func (s *StubScorer) Assess(ctx context.Context, batch []analysis.ChainSummary) ([]analysis.ScoreResult, error) {
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]analysis.ScoreResult, 0, len(batch))
	for _, cs := range batch {
		out = append(out, analysis.ScoreResult{
			ChainID:           cs.ChainID,
			Score:             s.Score,
			Rationale:         "stub",
			RecommendedAction: string(s.Action),
		})
	}
	return out, nil
}

// Chains returns every chain summary scored so far, in arrival order.
func (s *StubScorer) Chains() []analysis.ChainSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []analysis.ChainSummary
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}
