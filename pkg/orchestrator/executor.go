package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/lucid-vigil/vigil/pkg/config"
	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// errActionFailed wraps actuator results that report failure without an error.
var errActionFailed = errors.New("actuator reported failure")

// enqueueLocked appends t to its target's lane, starting the lane worker if
// it is idle. Callers hold o.mu.
func (o *Orchestrator) enqueueLocked(t *Task) {
	t.queued = true
	l, running := o.lanes[t.TargetNodeID]
	if !running {
		l = &lane{}
		o.lanes[t.TargetNodeID] = l
	}
	l.queue = append(l.queue, t.ID)
	if running {
		return
	}

	o.wg.Add(1)
	go func(target graph.NodeID) {
		defer o.wg.Done()
		o.runLane(target)
	}(t.TargetNodeID)
}

// runLane executes the target's tasks one at a time until its queue is empty.
func (o *Orchestrator) runLane(target graph.NodeID) {
	for {
		o.mu.Lock()
		l := o.lanes[target]
		if len(l.queue) == 0 {
			delete(o.lanes, target)
			o.mu.Unlock()
			return
		}
		id := l.queue[0]
		l.queue = l.queue[1:]
		o.mu.Unlock()

		select {
		case o.sem <- struct{}{}:
		case <-o.ctx.Done():
			o.abandon(id)
			continue
		}
		o.runTask(id)
		<-o.sem
	}
}

// abandon fails a queued task that can no longer run because the engine is
// shutting down.
func (o *Orchestrator) abandon(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.tasks[id]
	t.queued = false
	if t.State == StateApproved {
		o.transition(t, StateRunning, "executor", "")
		t.Result = "shutdown before execution"
		o.transition(t, StateFailed, "executor", t.Result)
	}
}

func (o *Orchestrator) runTask(id string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("task_id", id).Msg("Recovered panic in executor")
			o.finish(id, StateFailed, fmt.Sprintf("panic: %v", r))
		}
	}()

	o.mu.Lock()
	t := o.tasks[id]
	t.queued = false
	if t.State != StateApproved {
		o.mu.Unlock()
		return
	}
	o.transition(t, StateRunning, "executor", "")
	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	o.cancels[id] = cancel
	o.stats.Executions++
	kind, targetID := t.ActionKind, t.TargetNodeID
	cfg := o.cfg
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.cancels, id)
		o.mu.Unlock()
	}()

	node, ok := o.nodes.GetNode(targetID)
	if !ok {
		o.finish(id, StateFailed, "target node no longer in graph")
		return
	}

	detail, err := o.act(ctx, id, kind, node, cfg)
	if err != nil {
		if o.failed(ctx, id, kind, err) {
			o.rollback(id, kind, node, cfg)
		}
		return
	}
	o.finish(id, StateCompleted, detail)
	o.verify(ctx, id, kind, node, cfg)
}

// act calls the actuator under the rate limiter, retrying up to the
// configured number of attempts. A success reported after cancellation still
// counts; a failure after cancellation is not retried.
func (o *Orchestrator) act(ctx context.Context, id string, kind model.ActionKind, node graph.Node, cfg config.ResponseConfig) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryInterval
	b.MaxInterval = 10 * o.retryInterval

	return backoff.Retry(ctx, func() (string, error) {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
		o.mu.Lock()
		o.tasks[id].Attempts++
		attempt := o.tasks[id].Attempts
		o.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
		defer cancel()
		res, err := o.actuator.Execute(callCtx, kind, node)
		if err == nil && res.Success {
			return res.Detail, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: %s", errActionFailed, res.Detail)
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		o.logger.Warn().Err(err).Str("task_id", id).Int("attempt", attempt).Msg("Action attempt failed")
		return "", err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxAttempts)))
}

// failed moves the task to FAILED and reports whether the actuator itself
// failed, as opposed to a cancellation or shutdown.
func (o *Orchestrator) failed(ctx context.Context, id string, kind model.ActionKind, err error) bool {
	o.mu.Lock()
	cancelled := o.tasks[id].CancelRequested
	o.mu.Unlock()

	switch {
	case cancelled:
		o.finish(id, StateFailed, "cancelled")
	case o.ctx.Err() != nil:
		o.finish(id, StateFailed, "interrupted by shutdown")
	default:
		o.count(func(s *Stats) { s.ActuatorFailures++ })
		o.errs.Handle(ctx, vigilerrors.NewActuatorFailure(id, string(kind), err))
		o.finish(id, StateFailed, err.Error())
		return true
	}
	return false
}

// rollback undoes the remediation when enabled and the actuator supports it.
// The outcome is kept on the task.
func (o *Orchestrator) rollback(id string, kind model.ActionKind, node graph.Node, cfg config.ResponseConfig) {
	if !cfg.Rollback || o.rollbacker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), cfg.ActionTimeout)
	defer cancel()
	res, err := o.rollbacker.Rollback(ctx, kind, node)

	rb := &RollbackResult{At: o.now(), Success: err == nil && res.Success, Detail: res.Detail}
	if err != nil {
		rb.Detail = err.Error()
	}

	o.mu.Lock()
	t := o.tasks[id]
	t.Rollback = rb
	t.UpdatedAt = rb.At
	if rb.Success {
		o.stats.RolledBack++
	}
	o.mu.Unlock()

	ev := o.logger.Info()
	switch {
	case errors.Is(err, actions.ErrRollbackUnsupported):
		ev = o.logger.Debug()
	case !rb.Success:
		ev = o.logger.Warn()
	}
	ev.Str("audit", "task_rollback").
		Str("task_id", id).
		Str("action", string(kind)).
		Str("target", string(node.ID)).
		Bool("success", rb.Success).
		Str("detail", rb.Detail).
		Msg("Task rollback")
}

// verify runs the post-hoc check and records the outcome as experience.
func (o *Orchestrator) verify(ctx context.Context, id string, kind model.ActionKind, node graph.Node, cfg config.ResponseConfig) {
	if cfg.VerifyDelay > 0 {
		timer := time.NewTimer(cfg.VerifyDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	outcome, detail := model.OutcomeIneffective, "verification found the effect missing"
	if o.verifier == nil {
		outcome, detail = model.OutcomeEffective, "no verifier configured"
	} else {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.VerifyTimeout)
		ok, err := o.verifier.Verify(vctx, kind, node)
		cancel()
		switch {
		case err != nil:
			detail = "verification error: " + err.Error()
		case ok:
			outcome, detail = model.OutcomeEffective, "verified"
		}
	}

	o.mu.Lock()
	t := o.tasks[id]
	t.Outcome = outcome
	if outcome == model.OutcomeEffective {
		o.stats.Effective++
	} else {
		o.stats.Ineffective++
	}
	o.transition(t, StateVerified, "verifier", detail)
	snap := t.clone()
	o.mu.Unlock()

	if outcome == model.OutcomeIneffective {
		o.rollback(id, kind, node, cfg)
	}
	o.record(snap, outcome, "verifier", detail)
}

func (o *Orchestrator) finish(id string, to TaskState, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.tasks[id]
	if t.State != StateRunning {
		return
	}
	t.Result = result
	o.transition(t, to, "executor", result)
}
