// Package orchestrator turns risk assessments into gated remediation tasks
// and drives them through approval, execution and verification.
package orchestrator

import (
	"strings"
	"time"

	"github.com/lucid-vigil/vigil/pkg/analysis"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// TaskState is the lifecycle position of an execution task.
type TaskState string

const (
	StatePending   TaskState = "PENDING"
	StateApproved  TaskState = "APPROVED"
	StateRejected  TaskState = "REJECTED"
	StateRunning   TaskState = "RUNNING"
	StateCompleted TaskState = "COMPLETED"
	StateFailed    TaskState = "FAILED"
	StateVerified  TaskState = "VERIFIED"
	StateCancelled TaskState = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	switch s {
	case StateRejected, StateFailed, StateVerified, StateCancelled:
		return true
	}
	return false
}

// ParseTaskState accepts state names case-insensitively.
func ParseTaskState(s string) (TaskState, bool) {
	st := TaskState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatePending, StateApproved, StateRejected, StateRunning,
		StateCompleted, StateFailed, StateVerified, StateCancelled:
		return st, true
	}
	return "", false
}

var allowed = map[TaskState][]TaskState{
	StatePending:   {StateApproved, StateRejected, StateCancelled},
	StateApproved:  {StateRunning, StateRejected, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed},
	StateCompleted: {StateVerified},
}

func canTransition(from, to TaskState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one audited state change.
type Transition struct {
	From  TaskState `json:"from"`
	To    TaskState `json:"to"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Task is a proposed remediation against one graph node.
type Task struct {
	ID              string                    `json:"id"`
	ChainID         string                    `json:"chain_id"`
	Fingerprint     string                    `json:"fingerprint"`
	ActionKind      model.ActionKind          `json:"action_kind"`
	TargetNodeID    graph.NodeID              `json:"target_node_id"`
	State           TaskState                 `json:"state"`
	RequestedAt     time.Time                 `json:"requested_at"`
	DecidedBy       string                    `json:"decided_by,omitempty"`
	DecidedAt       time.Time                 `json:"decided_at,omitempty"`
	Result          string                    `json:"result,omitempty"`
	Outcome         model.Outcome             `json:"outcome,omitempty"`
	Evidence        []analysis.RiskAssessment `json:"evidence"`
	Attempts        int                       `json:"attempts"`
	CancelRequested bool                      `json:"cancel_requested"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	History         []Transition              `json:"history"`
	Rollback        *RollbackResult           `json:"rollback,omitempty"`

	queued bool
}

// RollbackResult records an attempt to undo the task's remediation.
type RollbackResult struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Detail  string    `json:"detail"`
}

func (t *Task) clone() Task {
	c := *t
	c.Evidence = append([]analysis.RiskAssessment(nil), t.Evidence...)
	c.History = append([]Transition(nil), t.History...)
	if t.Rollback != nil {
		rb := *t.Rollback
		c.Rollback = &rb
	}
	return c
}

// MaxScore returns the highest score among the task's evidence.
func (t *Task) MaxScore() float64 {
	best := 0.0
	for _, a := range t.Evidence {
		if a.Score > best {
			best = a.Score
		}
	}
	return best
}

type taskKey struct {
	target graph.NodeID
	kind   model.ActionKind
}
