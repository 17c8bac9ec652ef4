package analysis

import (
	"context"

	"github.com/lucid-vigil/vigil/pkg/model"
)

// LocalScorer answers with the chain's own local score. It is used when no
// remote scoring endpoint is configured.
//
// The recommended action follows the type of the last step's target: a
// socket suggests block_ip, a file quarantine_file and a process
// kill_process. Chains that end on anything else get no recommendation.
type LocalScorer struct{}

// NewLocalScorer returns a LocalScorer.
func NewLocalScorer() *LocalScorer {
	return &LocalScorer{}
}

// Assess implements Scorer.
func (s *LocalScorer) Assess(ctx context.Context, batch []ChainSummary) ([]ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]ScoreResult, 0, len(batch))
	for _, cs := range batch {
		out = append(out, ScoreResult{
			ChainID:           cs.ChainID,
			Score:             cs.LocalScore,
			Rationale:         "local heuristic score",
			RecommendedAction: string(recommendFor(cs)),
		})
	}
	return out, nil
}

func recommendFor(cs ChainSummary) model.ActionKind {
	if len(cs.Steps) == 0 {
		return model.ActionNone
	}
	switch cs.Steps[len(cs.Steps)-1].Target.Type() {
	case model.NodeSocket:
		return model.ActionBlockIP
	case model.NodeFile:
		return model.ActionQuarantineFile
	case model.NodeProcess:
		return model.ActionKillProcess
	default:
		return model.ActionNone
	}
}
