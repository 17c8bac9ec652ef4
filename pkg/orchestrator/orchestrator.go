package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/lucid-vigil/vigil/pkg/analysis"
	"github.com/lucid-vigil/vigil/pkg/config"
	"github.com/lucid-vigil/vigil/pkg/correlation"
	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/experience"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// ActorPolicy is recorded as the decider of automatic approvals.
const ActorPolicy = "policy"

// Actuator performs remediations.
type Actuator interface {
	Execute(ctx context.Context, kind model.ActionKind, target graph.Node) (actions.Result, error)
}

// Rollbacker undoes remediations. Actuators that can undo their actions
// implement it.
type Rollbacker interface {
	Rollback(ctx context.Context, kind model.ActionKind, target graph.Node) (actions.Result, error)
}

// Verifier checks that a completed remediation had its intended effect.
type Verifier interface {
	Verify(ctx context.Context, kind model.ActionKind, target graph.Node) (bool, error)
}

// ExperienceRecorder receives task outcomes.
type ExperienceRecorder interface {
	Record(ctx context.Context, rec experience.Record) (experience.Record, error)
}

// NodeLookup resolves task targets.
type NodeLookup interface {
	GetNode(id graph.NodeID) (graph.Node, bool)
}

// Stats summarizes task handling.
type Stats struct {
	Tasks            int               `json:"tasks"`
	ByState          map[TaskState]int `json:"by_state"`
	Created          int64             `json:"created"`
	EvidenceAttached int64             `json:"evidence_attached"`
	BelowThreshold   int64             `json:"below_threshold"`
	NoAction         int64             `json:"no_action"`
	NoTarget         int64             `json:"no_target"`
	AutoApproved     int64             `json:"auto_approved"`
	Executions       int64             `json:"executions"`
	ActuatorFailures int64             `json:"actuator_failures"`
	Effective        int64             `json:"effective"`
	Ineffective      int64             `json:"ineffective"`
	RolledBack       int64             `json:"rolled_back"`
	Pruned           int64             `json:"pruned"`
	ActiveLanes      int               `json:"active_lanes"`
}

// Filter selects tasks. Zero-value fields match everything.
type Filter struct {
	State  TaskState
	Target graph.NodeID
	Chain  string
}

func (f Filter) match(t *Task) bool {
	return (f.State == "" || t.State == f.State) &&
		(f.Target == "" || t.TargetNodeID == f.Target) &&
		(f.Chain == "" || t.ChainID == f.Chain)
}

type lane struct {
	queue []string
}

// Orchestrator owns execution tasks. Tasks against the same node run one at
// a time in request order; different nodes run concurrently up to the
// configured worker count.
type Orchestrator struct {
	nodes      NodeLookup
	actuator   Actuator
	rollbacker Rollbacker
	verifier   Verifier
	experience ExperienceRecorder
	limiter    *rate.Limiter
	logger     zerolog.Logger
	errs       *vigilerrors.ErrorHandler
	now        func() time.Time

	retryInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	cfg     config.ResponseConfig
	tasks   map[string]*Task
	order   []string
	active  map[taskKey]string
	cancels map[string]context.CancelFunc
	lanes   map[graph.NodeID]*lane
	stats   Stats
}

// New creates an orchestrator. errs may be nil.
func New(cfg config.ResponseConfig, nodes NodeLookup, actuator Actuator, verifier Verifier,
	exp ExperienceRecorder, logger zerolog.Logger, errs *vigilerrors.ErrorHandler) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.ActionsPerSecond <= 0 {
		cfg.ActionsPerSecond = 2
	}
	if cfg.ActionBurst <= 0 {
		cfg.ActionBurst = 1
	}
	logger = logger.With().Str("component", "orchestrator").Logger()
	if errs == nil {
		errs = vigilerrors.NewErrorHandler(logger, nil)
	}
	rollbacker, _ := actuator.(Rollbacker)
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		rollbacker:    rollbacker,
		nodes:         nodes,
		actuator:      actuator,
		verifier:      verifier,
		experience:    exp,
		limiter:       rate.NewLimiter(rate.Limit(cfg.ActionsPerSecond), cfg.ActionBurst),
		logger:        logger,
		errs:          errs,
		now:           func() time.Time { return time.Now().UTC() },
		retryInterval: 500 * time.Millisecond,
		ctx:           ctx,
		cancel:        cancel,
		sem:           make(chan struct{}, cfg.Workers),
		cfg:           cfg,
		tasks:         make(map[string]*Task),
		active:        make(map[taskKey]string),
		cancels:       make(map[string]context.CancelFunc),
		lanes:         make(map[graph.NodeID]*lane),
		stats:         Stats{ByState: map[TaskState]int{}},
	}
}

// UpdateSettings applies a reloaded response configuration. The worker
// count only takes effect on restart.
func (o *Orchestrator) UpdateSettings(cfg config.ResponseConfig) {
	o.mu.Lock()
	o.cfg.Threshold = cfg.Threshold
	o.cfg.AutoApproveScore = cfg.AutoApproveScore
	o.cfg.AutoExecute = cfg.AutoExecute
	if cfg.ActionTimeout > 0 {
		o.cfg.ActionTimeout = cfg.ActionTimeout
	}
	if cfg.VerifyTimeout > 0 {
		o.cfg.VerifyTimeout = cfg.VerifyTimeout
	}
	o.cfg.VerifyDelay = cfg.VerifyDelay
	o.cfg.Rollback = cfg.Rollback
	o.cfg.TaskRetention = cfg.TaskRetention
	if cfg.MaxAttempts > 0 {
		o.cfg.MaxAttempts = cfg.MaxAttempts
	}
	o.mu.Unlock()

	if cfg.ActionsPerSecond > 0 {
		o.limiter.SetLimit(rate.Limit(cfg.ActionsPerSecond))
	}
	if cfg.ActionBurst > 0 {
		o.limiter.SetBurst(cfg.ActionBurst)
	}
	o.logger.Info().Float64("threshold", cfg.Threshold).Float64("auto_approve_score", cfg.AutoApproveScore).
		Msg("Response settings updated")
}

// Stop cancels running actions and waits for the executor to drain.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.logger.Info().Msg("Response orchestrator stopped")
}

// HandleAssessment implements analysis.Handler.
func (o *Orchestrator) HandleAssessment(_ context.Context, a analysis.RiskAssessment, chain correlation.Chain) {
	o.mu.Lock()
	threshold := o.cfg.Threshold
	o.mu.Unlock()

	log := o.logger.With().Str("chain_id", a.ChainID).Float64("score", a.Score).Logger()
	if a.Score < threshold {
		o.count(func(s *Stats) { s.BelowThreshold++ })
		log.Debug().Float64("threshold", threshold).Msg("Assessment below response threshold")
		return
	}
	if a.RecommendedActionKind == model.ActionNone {
		o.count(func(s *Stats) { s.NoAction++ })
		log.Info().Msg("High-risk chain has no actionable recommendation")
		return
	}

	target, ok := o.selectTarget(chain, a.RecommendedActionKind)
	if !ok {
		o.count(func(s *Stats) { s.NoTarget++ })
		log.Warn().Str("action", string(a.RecommendedActionKind)).Msg("No target in chain for recommended action")
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	key := taskKey{target: target, kind: a.RecommendedActionKind}
	if id, exists := o.active[key]; exists {
		t := o.tasks[id]
		t.Evidence = append(t.Evidence, a)
		t.UpdatedAt = o.now()
		o.stats.EvidenceAttached++
		log.Info().Str("task_id", id).Int("evidence", len(t.Evidence)).Msg("Assessment attached to existing task")
		return
	}

	now := o.now()
	t := &Task{
		ID:           uuid.NewString(),
		ChainID:      a.ChainID,
		Fingerprint:  a.Fingerprint,
		ActionKind:   a.RecommendedActionKind,
		TargetNodeID: target,
		State:        StatePending,
		RequestedAt:  now,
		UpdatedAt:    now,
		Evidence:     []analysis.RiskAssessment{a},
	}
	o.tasks[t.ID] = t
	o.order = append(o.order, t.ID)
	o.active[key] = t.ID
	o.stats.Created++
	o.audit(t, "", StatePending, ActorPolicy, fmt.Sprintf("score %.2f", a.Score))

	if a.Score >= o.cfg.AutoApproveScore {
		o.stats.AutoApproved++
		o.approveLocked(t, ActorPolicy)
	}
}

// selectTarget picks the most recently involved chain node of the type the
// action operates on that is still in the graph.
func (o *Orchestrator) selectTarget(chain correlation.Chain, kind model.ActionKind) (graph.NodeID, bool) {
	want, ok := kind.TargetType()
	if !ok {
		return "", false
	}
	present := func(id graph.NodeID) bool {
		if id.Type() != want {
			return false
		}
		_, ok := o.nodes.GetNode(id)
		return ok
	}
	for i := len(chain.Edges) - 1; i >= 0; i-- {
		e := chain.Edges[i]
		if present(e.Target) {
			return e.Target, true
		}
		if present(e.Source) {
			return e.Source, true
		}
	}
	for i := len(chain.Nodes) - 1; i >= 0; i-- {
		if present(chain.Nodes[i]) {
			return chain.Nodes[i], true
		}
	}
	return "", false
}

// Approve moves a PENDING task to APPROVED. Approving a task that is already
// approved or further along is a no-op.
func (o *Orchestrator) Approve(id, actor string) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	switch t.State {
	case StatePending:
		o.approveLocked(t, actor)
	case StateApproved, StateRunning, StateCompleted, StateVerified:
	default:
		return t.clone(), vigilerrors.NewInvalidStateTransition(id, string(t.State), "approve")
	}
	return t.clone(), nil
}

func (o *Orchestrator) approveLocked(t *Task, actor string) {
	t.DecidedBy = actor
	t.DecidedAt = o.now()
	o.transition(t, StateApproved, actor, "")
	if o.cfg.AutoExecute[string(t.ActionKind)] {
		o.enqueueLocked(t)
	}
}

// Reject moves a PENDING or APPROVED task to REJECTED. A false positive is
// recorded as experience for the chain's fingerprint.
func (o *Orchestrator) Reject(id, actor string, falsePositive bool) (Task, error) {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	switch t.State {
	case StateRejected:
		snap := t.clone()
		o.mu.Unlock()
		return snap, nil
	case StatePending, StateApproved:
	default:
		snap := t.clone()
		o.mu.Unlock()
		return snap, vigilerrors.NewInvalidStateTransition(id, string(t.State), "reject")
	}

	t.DecidedBy = actor
	t.DecidedAt = o.now()
	note := ""
	if falsePositive {
		t.Outcome = model.OutcomeFalsePositive
		note = "false positive"
	}
	o.transition(t, StateRejected, actor, note)
	snap := t.clone()
	o.mu.Unlock()

	if falsePositive {
		o.record(snap, model.OutcomeFalsePositive, actor, "rejected as false positive")
	}
	return snap, nil
}

// Cancel withdraws a task. A RUNNING task is asked to stop and fails once the
// actuator gives up.
func (o *Orchestrator) Cancel(id, actor string) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	switch t.State {
	case StateCancelled:
	case StatePending, StateApproved:
		o.transition(t, StateCancelled, actor, "")
	case StateRunning:
		if !t.CancelRequested {
			t.CancelRequested = true
			t.UpdatedAt = o.now()
			o.logger.Info().Str("task_id", id).Str("actor", actor).Msg("Cancellation requested for running task")
			if cancel := o.cancels[id]; cancel != nil {
				cancel()
			}
		}
	default:
		return t.clone(), vigilerrors.NewInvalidStateTransition(id, string(t.State), "cancel")
	}
	return t.clone(), nil
}

// Execute is the human trigger for an APPROVED task.
func (o *Orchestrator) Execute(id, actor string) (Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	switch t.State {
	case StateApproved:
		if !t.queued {
			o.logger.Info().Str("task_id", id).Str("actor", actor).Msg("Execution requested")
			o.enqueueLocked(t)
		}
	case StateRunning, StateCompleted, StateVerified:
	default:
		return t.clone(), vigilerrors.NewInvalidStateTransition(id, string(t.State), "execute")
	}
	return t.clone(), nil
}

// transition applies and audits a state change. Callers hold o.mu.
func (o *Orchestrator) transition(t *Task, to TaskState, actor, note string) {
	from := t.State
	if !canTransition(from, to) {
		o.logger.Error().Str("task_id", t.ID).Str("from", string(from)).Str("to", string(to)).
			Msg("Refusing illegal task transition")
		return
	}
	t.State = to
	t.UpdatedAt = o.now()
	o.audit(t, from, to, actor, note)
	if to.Terminal() {
		key := taskKey{target: t.TargetNodeID, kind: t.ActionKind}
		if o.active[key] == t.ID {
			delete(o.active, key)
		}
	}
}

func (o *Orchestrator) audit(t *Task, from, to TaskState, actor, note string) {
	t.History = append(t.History, Transition{From: from, To: to, Actor: actor, At: t.UpdatedAt, Note: note})
	o.logger.Info().
		Str("audit", "task_transition").
		Str("task_id", t.ID).
		Str("chain_id", t.ChainID).
		Str("action", string(t.ActionKind)).
		Str("target", string(t.TargetNodeID)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Str("note", note).
		Msg("Task transition")
}

func (o *Orchestrator) count(f func(*Stats)) {
	o.mu.Lock()
	f(&o.stats)
	o.mu.Unlock()
}

// record appends an outcome to the experience store.
func (o *Orchestrator) record(t Task, outcome model.Outcome, actor, detail string) {
	if o.experience == nil || t.Fingerprint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), 5*time.Second)
	defer cancel()
	_, err := o.experience.Record(ctx, experience.Record{
		TaskID:       t.ID,
		ChainID:      t.ChainID,
		Fingerprint:  t.Fingerprint,
		ActionKind:   t.ActionKind,
		TargetNodeID: string(t.TargetNodeID),
		Outcome:      outcome,
		Actor:        actor,
		Detail:       detail,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", t.ID).Str("outcome", string(outcome)).Msg("Failed to record experience")
	}
}

// Prune forgets terminal tasks last updated before cutoff and returns how
// many were removed.
func (o *Orchestrator) Prune(cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.order[:0]
	n := 0
	for _, id := range o.order {
		t := o.tasks[id]
		if t.State.Terminal() && !t.queued && t.UpdatedAt.Before(cutoff) {
			delete(o.tasks, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
	o.stats.Pruned += int64(n)
	if n > 0 {
		o.logger.Info().Int("pruned", n).Time("cutoff", cutoff).Msg("Pruned finished tasks")
	}
	return n
}

// Retention returns the configured lifetime of finished tasks.
func (o *Orchestrator) Retention() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.TaskRetention
}

// Task returns a snapshot of the task.
func (o *Orchestrator) Task(id string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns matching tasks in creation order.
func (o *Orchestrator) Tasks(f Filter) []Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Task, 0)
	for _, id := range o.order {
		if t := o.tasks[id]; f.match(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

// Pending returns the tasks awaiting a human decision, highest score first.
func (o *Orchestrator) Pending() []Task {
	tasks := o.Tasks(Filter{State: StatePending})
	slices.SortStableFunc(tasks, func(a, b Task) int {
		sa, sb := a.MaxScore(), b.MaxScore()
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return 0
	})
	return tasks
}

// PinnedTargets returns the targets of non-terminal tasks. They must stay
// in the graph until the task finishes.
func (o *Orchestrator) PinnedTargets() []graph.NodeID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]graph.NodeID, 0, len(o.active))
	for key := range o.active {
		out = append(out, key.target)
	}
	return out
}

// Stats returns current counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Tasks = len(o.tasks)
	s.ActiveLanes = len(o.lanes)
	s.ByState = make(map[TaskState]int)
	for _, t := range o.tasks {
		s.ByState[t.State]++
	}
	return s
}
