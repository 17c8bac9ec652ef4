package actions

import (
	"context"
	"errors"
	"strconv"

	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// Target is the graph node an action operates on.
type Target struct {
	NodeID     graph.NodeID      `json:"node_id"`
	Type       model.NodeType    `json:"type"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewTarget builds the action target for a graph node.
func NewTarget(n graph.Node) Target {
	attrs := make(map[string]string, len(n.Attributes))
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	return Target{NodeID: n.ID, Type: n.Type, Name: n.Name, Attributes: attrs}
}

// Attr returns the named attribute or "".
func (t Target) Attr(key string) string {
	return t.Attributes[key]
}

// PID returns the process id attribute, or 0 when absent or unparsable.
func (t Target) PID() int {
	pid, err := strconv.Atoi(t.Attr("pid"))
	if err != nil {
		return 0
	}
	return pid
}

// Result is what an actuator reports for one execution.
type Result struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

// Action defines the interface for any defensive action the engine can take.
type Action interface {
	// Name returns the unique name of the action. It matches a model.ActionKind.
	Name() string
	// Execute performs the action against target. Implementations must return
	// promptly with ctx.Err() once ctx is cancelled.
	Execute(ctx context.Context, target Target) (Result, error)
	// Verify reports whether the effect of a previous Execute is in place.
	Verify(ctx context.Context, target Target) (bool, error)
}

// ErrRollbackUnsupported is returned for actions that cannot be undone.
var ErrRollbackUnsupported = errors.New("rollback not supported")

// Rollbacker is implemented by actions whose effect can be undone.
type Rollbacker interface {
	// Rollback removes the effect of a previous Execute against target.
	Rollback(ctx context.Context, target Target) (Result, error)
}
