package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
	"github.com/rs/zerolog"
)

// Dispatcher manages and executes defensive actions. While disabled every
// call is a logged dry run that reports success.
type Dispatcher struct {
	actions map[string]Action
	enabled bool
	mu      sync.RWMutex
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher with the given actions registered.
func NewDispatcher(enabled bool, logger zerolog.Logger, builtins ...Action) *Dispatcher {
	d := &Dispatcher{
		actions: make(map[string]Action),
		enabled: enabled,
		logger:  logger.With().Str("component", "actions").Logger(),
	}
	for _, a := range builtins {
		d.RegisterAction(a)
	}
	return d
}

// RegisterAction registers a new action with the dispatcher
func (d *Dispatcher) RegisterAction(action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.actions[action.Name()] = action
	d.logger.Info().Msgf("Action '%s' registered.", action.Name())
}

// Actions returns the registered action names.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) lookup(kind model.ActionKind) (Action, error) {
	d.mu.RLock()
	action, exists := d.actions[string(kind)]
	d.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("action '%s' not found", kind)
	}
	return action, nil
}

// Execute runs the action of the given kind against node.
func (d *Dispatcher) Execute(ctx context.Context, kind model.ActionKind, node graph.Node) (Result, error) {
	if !d.IsEnabled() {
		d.logger.Info().Str("action", string(kind)).Str("target", string(node.ID)).
			Msg("Actions are disabled, skipping execution.")
		return Result{Success: true, Detail: "dry run: actions disabled"}, nil
	}

	action, err := d.lookup(kind)
	if err != nil {
		return Result{}, err
	}

	d.logger.Info().Str("action", string(kind)).Str("target", string(node.ID)).Msg("Executing defensive action...")

	res, err := action.Execute(ctx, NewTarget(node))
	if err != nil {
		d.logger.Error().Err(err).Str("action", string(kind)).Str("target", string(node.ID)).Msg("Action execution failed.")
		return res, err
	}

	d.logger.Info().Str("action", string(kind)).Str("target", string(node.ID)).Str("detail", res.Detail).
		Msg("Action executed successfully.")
	return res, nil
}

// Verify checks whether the action's effect on node is in place. Dry runs
// always verify.
func (d *Dispatcher) Verify(ctx context.Context, kind model.ActionKind, node graph.Node) (bool, error) {
	if !d.IsEnabled() {
		return true, nil
	}
	action, err := d.lookup(kind)
	if err != nil {
		return false, err
	}
	ok, err := action.Verify(ctx, NewTarget(node))
	if err != nil {
		d.logger.Warn().Err(err).Str("action", string(kind)).Str("target", string(node.ID)).Msg("Action verification failed.")
		return false, err
	}
	return ok, nil
}

// Rollback undoes the action's effect on node. Dry runs always succeed.
func (d *Dispatcher) Rollback(ctx context.Context, kind model.ActionKind, node graph.Node) (Result, error) {
	if !d.IsEnabled() {
		return Result{Success: true, Detail: "dry run: actions disabled"}, nil
	}
	action, err := d.lookup(kind)
	if err != nil {
		return Result{}, err
	}
	rb, ok := action.(Rollbacker)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrRollbackUnsupported, kind)
	}

	d.logger.Info().Str("action", string(kind)).Str("target", string(node.ID)).Msg("Rolling back defensive action...")
	res, err := rb.Rollback(ctx, NewTarget(node))
	if err != nil {
		d.logger.Error().Err(err).Str("action", string(kind)).Str("target", string(node.ID)).Msg("Action rollback failed.")
		return res, err
	}
	return res, nil
}

// IsEnabled returns whether actions are enabled
func (d *Dispatcher) IsEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled enables or disables action execution
func (d *Dispatcher) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	d.logger.Info().Bool("enabled", enabled).Msg("Action execution status changed.")
}
