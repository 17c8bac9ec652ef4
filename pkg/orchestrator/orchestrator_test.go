package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/lucid-vigil/vigil/pkg/analysis"
	"github.com/lucid-vigil/vigil/pkg/config"
	"github.com/lucid-vigil/vigil/pkg/correlation"
	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/experience"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type MockActuator struct {
	mock.Mock
}

func (m *MockActuator) Execute(ctx context.Context, kind model.ActionKind, target graph.Node) (actions.Result, error) {
	args := m.Called(ctx, kind, target)
	if fn, ok := args.Get(0).(func(context.Context) (actions.Result, error)); ok {
		return fn(ctx)
	}
	return args.Get(0).(actions.Result), args.Error(1)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, kind model.ActionKind, target graph.Node) (bool, error) {
	args := m.Called(ctx, kind, target)
	return args.Bool(0), args.Error(1)
}

type recordingExperience struct {
	mu      sync.Mutex
	records []experience.Record
}

func (r *recordingExperience) Record(_ context.Context, rec experience.Record) (experience.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return rec, nil
}

func (r *recordingExperience) all() []experience.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]experience.Record(nil), r.records...)
}

func testConfig() config.ResponseConfig {
	return config.ResponseConfig{
		Threshold:        0.8,
		AutoApproveScore: 1.1,
		AutoExecute:      map[string]bool{},
		Workers:          2,
		ActionTimeout:    time.Second,
		VerifyTimeout:    time.Second,
		MaxAttempts:      1,
		ActionsPerSecond: 1000,
		ActionBurst:      100,
	}
}

type fixture struct {
	t        *testing.T
	store    *graph.MemoryStore
	actuator *MockActuator
	verifier *MockVerifier
	exp      *recordingExperience
	errs     *vigilerrors.MemoryCollector
	orch     *Orchestrator
}

func newFixture(t *testing.T, mutate ...func(*config.ResponseConfig)) *fixture {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{
		t:        t,
		store:    graph.NewMemoryStore(zerolog.Nop(), nil),
		actuator: &MockActuator{},
		verifier: &MockVerifier{},
		exp:      &recordingExperience{},
		errs:     vigilerrors.NewMemoryCollector(nil),
	}
	f.orch = New(cfg, f.store, f.actuator, f.verifier, f.exp, zerolog.Nop(),
		vigilerrors.NewErrorHandler(zerolog.Nop(), f.errs))
	f.orch.retryInterval = time.Millisecond
	t.Cleanup(f.orch.Stop)
	return f
}

func (f *fixture) node(t model.NodeType, key string, attrs map[string]string) graph.NodeID {
	id, err := f.store.UpsertNode(graph.Node{
		ID: graph.NodeIDFor(t, key), Type: t, NaturalKey: key, Name: key,
		Attributes: attrs, FirstSeen: base, LastSeen: base,
	})
	require.NoError(f.t, err)
	return id
}

// chain builds shell -> child -> socket and returns it with the child id.
func (f *fixture) chain(id, child string) (correlation.Chain, graph.NodeID) {
	shell := f.node(model.NodeProcess, "web-1/100", map[string]string{"pid": "100"})
	proc := f.node(model.NodeProcess, child, map[string]string{"pid": "4242"})
	sock := f.node(model.NodeSocket, "tcp:1.2.3.4:4444", map[string]string{"ip": "1.2.3.4"})
	edges := []graph.Edge{
		{ID: graph.EdgeID(id + "-1"), Type: model.EdgeSpawned, Source: shell, Target: proc, Timestamp: base},
		{ID: graph.EdgeID(id + "-2"), Type: model.EdgeConnected, Source: proc, Target: sock, Timestamp: base.Add(time.Second)},
	}
	return correlation.Chain{
		ID: id, State: correlation.StateFinalized, Edges: edges,
		Nodes: []graph.NodeID{shell, proc, sock}, Terminal: proc,
		Fingerprint: correlation.Fingerprint([]model.EdgeType{model.EdgeSpawned, model.EdgeConnected}),
	}, proc
}

func assessment(c correlation.Chain, score float64, action model.ActionKind) analysis.RiskAssessment {
	return analysis.RiskAssessment{
		ChainID: c.ID, Fingerprint: c.Fingerprint, Score: score,
		Rationale: "reverse shell", RecommendedActionKind: action, AssessedAt: base,
	}
}

func (f *fixture) only() Task {
	f.t.Helper()
	tasks := f.orch.Tasks(Filter{})
	require.Len(f.t, tasks, 1)
	return tasks[0]
}

func (f *fixture) waitState(id string, state TaskState) Task {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		t, _ := f.orch.Task(id)
		return t.State == state
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, state)
	t, _ := f.orch.Task(id)
	return t
}

func TestHandleAssessment_CreatesPendingTask(t *testing.T) {
	f := newFixture(t)
	c, proc := f.chain("chain-1", "web-1/4242")

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.92, model.ActionKillProcess), c)

	task := f.only()
	assert.Equal(t, StatePending, task.State)
	assert.Equal(t, proc, task.TargetNodeID)
	assert.Equal(t, model.ActionKillProcess, task.ActionKind)
	assert.Equal(t, c.Fingerprint, task.Fingerprint)
	require.Len(t, task.Evidence, 1)
	assert.Equal(t, 0.92, task.Evidence[0].Score)
	assert.Equal(t, []Task{task}, f.orch.Pending())
	assert.Equal(t, []graph.NodeID{proc}, f.orch.PinnedTargets())
	require.Len(t, task.History, 1)
	assert.Equal(t, StatePending, task.History[0].To)
}

func TestHandleAssessment_NoTask(t *testing.T) {
	tests := []struct {
		name   string
		score  float64
		action model.ActionKind
		stat   func(Stats) int64
	}{
		{"below threshold", 0.79, model.ActionKillProcess, func(s Stats) int64 { return s.BelowThreshold }},
		{"no recommendation", 0.95, model.ActionNone, func(s Stats) int64 { return s.NoAction }},
		{"no file in chain", 0.95, model.ActionQuarantineFile, func(s Stats) int64 { return s.NoTarget }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c, _ := f.chain("chain-1", "web-1/4242")
			f.orch.HandleAssessment(context.Background(), assessment(c, tt.score, tt.action), c)
			assert.Empty(t, f.orch.Tasks(Filter{}))
			assert.Equal(t, int64(1), tt.stat(f.orch.Stats()))
		})
	}
}

func TestHandleAssessment_TargetSelection(t *testing.T) {
	f := newFixture(t)
	c, _ := f.chain("chain-1", "web-1/4242")

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionBlockIP), c)
	task := f.only()
	assert.Equal(t, graph.NodeIDFor(model.NodeSocket, "tcp:1.2.3.4:4444"), task.TargetNodeID)

	ghost := c
	ghost.ID = "chain-2"
	ghost.Edges = []graph.Edge{{Type: model.EdgeSpawned, Source: "process:gone/1", Target: "process:gone/2"}}
	ghost.Nodes = []graph.NodeID{"process:gone/1", "process:gone/2"}
	f.orch.HandleAssessment(context.Background(), assessment(ghost, 0.9, model.ActionKillProcess), ghost)
	assert.Len(t, f.orch.Tasks(Filter{}), 1, "targets must exist in the graph")
}

func TestHandleAssessment_SameTargetAttachesEvidence(t *testing.T) {
	f := newFixture(t)
	c1, proc := f.chain("chain-1", "web-1/4242")
	c2, _ := f.chain("chain-2", "web-1/4242")

	f.orch.HandleAssessment(context.Background(), assessment(c1, 0.85, model.ActionKillProcess), c1)
	f.orch.HandleAssessment(context.Background(), assessment(c2, 0.97, model.ActionKillProcess), c2)

	task := f.only()
	assert.Equal(t, proc, task.TargetNodeID)
	assert.Equal(t, "chain-1", task.ChainID)
	require.Len(t, task.Evidence, 2)
	assert.Equal(t, "chain-2", task.Evidence[1].ChainID)
	assert.Equal(t, 0.97, task.MaxScore())
	assert.Equal(t, int64(1), f.orch.Stats().EvidenceAttached)
}

func TestApprovedTaskIsVerified(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) { c.AutoExecute["kill_process"] = true })
	c, proc := f.chain("chain-1", "web-1/4242")
	f.actuator.On("Execute", mock.Anything, model.ActionKillProcess, mock.MatchedBy(func(n graph.Node) bool {
		return n.ID == proc && n.Attributes["pid"] == "4242"
	})).Return(actions.Result{Success: true, Detail: "process 4242 terminated"}, nil).Once()
	f.verifier.On("Verify", mock.Anything, model.ActionKillProcess, mock.Anything).Return(true, nil).Once()

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.92, model.ActionKillProcess), c)
	task := f.only()
	_, err := f.orch.Approve(task.ID, "alice")
	require.NoError(t, err)

	task = f.waitState(task.ID, StateVerified)
	assert.Equal(t, model.OutcomeEffective, task.Outcome)
	assert.Equal(t, "process 4242 terminated", task.Result)
	assert.Equal(t, "alice", task.DecidedBy)
	assert.Equal(t, 1, task.Attempts)

	var states []TaskState
	for _, tr := range task.History {
		states = append(states, tr.To)
	}
	assert.Equal(t, []TaskState{StatePending, StateApproved, StateRunning, StateCompleted, StateVerified}, states)

	require.Eventually(t, func() bool { return len(f.exp.all()) == 1 }, time.Second, 5*time.Millisecond)
	rec := f.exp.all()[0]
	assert.Equal(t, model.OutcomeEffective, rec.Outcome)
	assert.Equal(t, task.ID, rec.TaskID)
	assert.Equal(t, c.Fingerprint, rec.Fingerprint)
	assert.Empty(t, f.orch.PinnedTargets())
	f.actuator.AssertExpectations(t)
	f.verifier.AssertExpectations(t)
}

func TestVerificationOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		err    error
		detail string
	}{
		{"effect missing", false, nil, "verification found the effect missing"},
		{"verifier error", false, errors.New("ps unavailable"), "verification error: ps unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.ResponseConfig) { c.AutoExecute["kill_process"] = true })
			c, _ := f.chain("chain-1", "web-1/4242")
			f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(actions.Result{Success: true}, nil)
			f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(tt.ok, tt.err)

			f.orch.HandleAssessment(context.Background(), assessment(c, 0.92, model.ActionKillProcess), c)
			task := f.only()
			_, err := f.orch.Approve(task.ID, "alice")
			require.NoError(t, err)

			task = f.waitState(task.ID, StateVerified)
			assert.Equal(t, model.OutcomeIneffective, task.Outcome)
			assert.Equal(t, tt.detail, task.History[len(task.History)-1].Note)
			require.Eventually(t, func() bool { return len(f.exp.all()) == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, model.OutcomeIneffective, f.exp.all()[0].Outcome)
		})
	}
}

func TestAutoApproveWaitsForManualExecute(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) { c.AutoApproveScore = 0.9 })
	c, _ := f.chain("chain-1", "web-1/4242")
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(actions.Result{Success: true}, nil).Once()
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.95, model.ActionKillProcess), c)
	task := f.only()
	assert.Equal(t, StateApproved, task.State)
	assert.Equal(t, ActorPolicy, task.DecidedBy)
	assert.Equal(t, int64(1), f.orch.Stats().AutoApproved)

	time.Sleep(20 * time.Millisecond)
	f.actuator.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)

	_, err := f.orch.Execute(task.ID, "bob")
	require.NoError(t, err)
	_, err = f.orch.Execute(task.ID, "bob")
	require.NoError(t, err)

	f.waitState(task.ID, StateVerified)
	f.actuator.AssertNumberOfCalls(t, "Execute", 1)
}

func TestManualOperations(t *testing.T) {
	type op func(o *Orchestrator, id string) (Task, error)
	approve := func(o *Orchestrator, id string) (Task, error) { return o.Approve(id, "alice") }
	reject := func(o *Orchestrator, id string) (Task, error) { return o.Reject(id, "alice", false) }
	cancel := func(o *Orchestrator, id string) (Task, error) { return o.Cancel(id, "alice") }
	execute := func(o *Orchestrator, id string) (Task, error) { return o.Execute(id, "alice") }

	tests := []struct {
		name    string
		setup   []op
		op      op
		want    TaskState
		wantErr bool
	}{
		{"approve pending", nil, approve, StateApproved, false},
		{"re-approve is a no-op", []op{approve}, approve, StateApproved, false},
		{"approve rejected", []op{reject}, approve, StateRejected, true},
		{"approve cancelled", []op{cancel}, approve, StateCancelled, true},
		{"reject pending", nil, reject, StateRejected, false},
		{"reject approved", []op{approve}, reject, StateRejected, false},
		{"re-reject is a no-op", []op{reject}, reject, StateRejected, false},
		{"reject cancelled", []op{cancel}, reject, StateCancelled, true},
		{"cancel pending", nil, cancel, StateCancelled, false},
		{"cancel approved", []op{approve}, cancel, StateCancelled, false},
		{"re-cancel is a no-op", []op{cancel}, cancel, StateCancelled, false},
		{"cancel rejected", []op{reject}, cancel, StateRejected, true},
		{"execute pending", nil, execute, StatePending, true},
		{"execute rejected", []op{reject}, execute, StateRejected, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			c, _ := f.chain("chain-1", "web-1/4242")
			f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)
			id := f.only().ID
			for _, s := range tt.setup {
				_, err := s(f.orch, id)
				require.NoError(t, err)
			}

			task, err := tt.op(f.orch, id)
			if tt.wantErr {
				assert.ErrorIs(t, err, vigilerrors.ErrInvalidStateTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, task.State)
		})
	}
}

func TestManualOperations_UnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Approve("nope", "alice")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = f.orch.Reject("nope", "alice", true)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = f.orch.Cancel("nope", "alice")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = f.orch.Execute("nope", "alice")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRejectFalsePositiveRecordsExperience(t *testing.T) {
	f := newFixture(t)
	c, proc := f.chain("chain-1", "web-1/4242")
	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)

	task, err := f.orch.Reject(f.only().ID, "carol", true)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, task.State)
	assert.Equal(t, model.OutcomeFalsePositive, task.Outcome)

	recs := f.exp.all()
	require.Len(t, recs, 1)
	assert.Equal(t, model.OutcomeFalsePositive, recs[0].Outcome)
	assert.Equal(t, "carol", recs[0].Actor)
	assert.Equal(t, string(proc), recs[0].TargetNodeID)

	_, err = f.orch.Reject(task.ID, "carol", true)
	require.NoError(t, err)
	assert.Len(t, f.exp.all(), 1, "no-op reject records nothing")

	// The target is free again: a new assessment creates a fresh task.
	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)
	assert.Len(t, f.orch.Tasks(Filter{}), 2)
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) {
		c.AutoExecute["kill_process"] = true
		c.ActionTimeout = time.Minute
	})
	c, _ := f.chain("chain-1", "web-1/4242")
	started := make(chan struct{})
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(
		func(ctx context.Context) (actions.Result, error) {
			close(started)
			<-ctx.Done()
			return actions.Result{}, ctx.Err()
		}, nil)

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)
	id := f.only().ID
	_, err := f.orch.Approve(id, "alice")
	require.NoError(t, err)
	<-started

	task, err := f.orch.Cancel(id, "alice")
	require.NoError(t, err)
	assert.True(t, task.CancelRequested)

	_, err = f.orch.Reject(id, "alice", false)
	assert.ErrorIs(t, err, vigilerrors.ErrInvalidStateTransition)

	task = f.waitState(id, StateFailed)
	assert.Equal(t, "cancelled", task.Result)
	assert.Zero(t, f.errs.GetErrorStats().ErrorsByKind[vigilerrors.KindActuatorFailure])
	f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestActuatorFailureRetries(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) {
		c.AutoExecute["block_ip"] = true
		c.MaxAttempts = 3
	})
	c, _ := f.chain("chain-1", "web-1/4242")
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return(actions.Result{}, errors.New("iptables: resource busy")).Twice()
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return(actions.Result{Success: true, Detail: "blocked"}, nil).Once()
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionBlockIP), c)
	id := f.only().ID
	_, err := f.orch.Approve(id, "alice")
	require.NoError(t, err)

	task := f.waitState(id, StateVerified)
	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, "blocked", task.Result)
}

func TestActuatorFailureExhausted(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) {
		c.AutoExecute["kill_process"] = true
		c.MaxAttempts = 2
	})
	c, _ := f.chain("chain-1", "web-1/4242")
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return(actions.Result{Success: false, Detail: "operation not permitted"}, nil)

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)
	id := f.only().ID
	_, err := f.orch.Approve(id, "alice")
	require.NoError(t, err)

	task := f.waitState(id, StateFailed)
	assert.Equal(t, 2, task.Attempts)
	assert.Contains(t, task.Result, "operation not permitted")
	assert.Equal(t, 1, f.errs.GetErrorStats().ErrorsByKind[vigilerrors.KindActuatorFailure])
	assert.Equal(t, int64(1), f.orch.Stats().ActuatorFailures)
	assert.Empty(t, f.exp.all())
}

func TestLanesBoundedByWorkers(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) {
		c.AutoExecute["kill_process"] = true
		c.AutoApproveScore = 0.8
		c.Workers = 2
	})

	var running, peak atomic.Int32
	release := make(chan struct{})
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(
		func(ctx context.Context) (actions.Result, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return actions.Result{Success: true}, nil
		}, nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	for _, key := range []string{"web-1/1001", "web-1/1002", "web-1/1003", "web-1/1004"} {
		c, _ := f.chain("chain-"+key, key)
		f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)
	}
	require.Len(t, f.orch.Tasks(Filter{}), 4)

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())
	close(release)

	require.Eventually(t, func() bool {
		return len(f.orch.Tasks(Filter{State: StateVerified})) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, 0, f.orch.Stats().ActiveLanes)
}

func TestLaneRunsSameTargetInOrder(t *testing.T) {
	f := newFixture(t)
	proc := f.node(model.NodeProcess, "web-1/4242", map[string]string{"pid": "4242"})

	var mu sync.Mutex
	var order []string
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(
		func(ctx context.Context) (actions.Result, error) {
			mu.Lock()
			order = append(order, "exec")
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return actions.Result{Success: true}, nil
		}, nil)
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	// Two approved tasks against one node, queued directly on the lane.
	f.orch.mu.Lock()
	ids := []string{"t1", "t2"}
	for _, id := range ids {
		task := &Task{ID: id, ActionKind: model.ActionKillProcess, TargetNodeID: proc, State: StateApproved}
		f.orch.tasks[id] = task
		f.orch.order = append(f.orch.order, id)
	}
	f.orch.enqueueLocked(f.orch.tasks["t1"])
	f.orch.enqueueLocked(f.orch.tasks["t2"])
	f.orch.mu.Unlock()

	f.waitState("t2", StateVerified)
	t1, _ := f.orch.Task("t1")
	t2, _ := f.orch.Task("t2")
	assert.Equal(t, StateVerified, t1.State)
	assert.False(t, t2.History[0].At.Before(t1.History[len(t1.History)-1].At),
		"second task starts only after the first is verified")
	assert.Len(t, order, 2)
}

func TestTasksFilterAndStats(t *testing.T) {
	f := newFixture(t)
	c1, _ := f.chain("chain-1", "web-1/1001")
	c2, _ := f.chain("chain-2", "web-1/1002")
	f.orch.HandleAssessment(context.Background(), assessment(c1, 0.85, model.ActionKillProcess), c1)
	f.orch.HandleAssessment(context.Background(), assessment(c2, 0.95, model.ActionKillProcess), c2)

	pending := f.orch.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "chain-2", pending[0].ChainID, "highest score first")

	_, err := f.orch.Reject(pending[1].ID, "alice", false)
	require.NoError(t, err)

	assert.Len(t, f.orch.Tasks(Filter{State: StateRejected}), 1)
	assert.Len(t, f.orch.Tasks(Filter{Chain: "chain-2"}), 1)
	stats := f.orch.Stats()
	assert.Equal(t, 2, stats.Tasks)
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, 1, stats.ByState[StatePending])
	assert.Equal(t, 1, stats.ByState[StateRejected])
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	c, _ := f.chain("chain-1", "web-1/4242")
	f.orch.HandleAssessment(context.Background(), assessment(c, 0.7, model.ActionKillProcess), c)
	assert.Empty(t, f.orch.Tasks(Filter{}))

	cfg := testConfig()
	cfg.Threshold = 0.6
	f.orch.UpdateSettings(cfg)
	f.orch.HandleAssessment(context.Background(), assessment(c, 0.7, model.ActionKillProcess), c)
	assert.Len(t, f.orch.Tasks(Filter{}), 1)
}

func TestParseTaskState(t *testing.T) {
	s, ok := ParseTaskState("verified")
	assert.True(t, ok)
	assert.Equal(t, StateVerified, s)
	_, ok = ParseTaskState("DONE")
	assert.False(t, ok)

	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateCompleted.Terminal())
}

// actsDespiteCancel completes the remediation even after its context ends.
func actsDespiteCancel(started chan struct{}, detail string) func(context.Context) (actions.Result, error) {
	return func(ctx context.Context) (actions.Result, error) {
		close(started)
		<-ctx.Done()
		return actions.Result{Success: true, Detail: detail}, nil
	}
}

func TestCancelRunningTask_ActuatorCompletes(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) {
		c.AutoExecute["kill_process"] = true
		c.ActionTimeout = time.Minute
	})
	c, _ := f.chain("chain-1", "web-1/4242")
	started := make(chan struct{})
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return(actsDespiteCancel(started, "killed pid 4242"), nil).Once()
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)
	id := f.only().ID
	_, err := f.orch.Approve(id, "alice")
	require.NoError(t, err)
	<-started

	_, err = f.orch.Cancel(id, "alice")
	require.NoError(t, err)

	task := f.waitState(id, StateVerified)
	assert.True(t, task.CancelRequested)
	assert.Equal(t, "killed pid 4242", task.Result)
	assert.Equal(t, model.OutcomeEffective, task.Outcome)
	require.Eventually(t, func() bool { return len(f.exp.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.OutcomeEffective, f.exp.all()[0].Outcome)
	f.actuator.AssertExpectations(t)
}

func TestStopKeepsCompletedAction(t *testing.T) {
	f := newFixture(t, func(c *config.ResponseConfig) {
		c.AutoExecute["block_ip"] = true
		c.ActionTimeout = time.Minute
	})
	c, _ := f.chain("chain-1", "web-1/4242")
	started := make(chan struct{})
	f.actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).
		Return(actsDespiteCancel(started, "1.2.3.4 blocked"), nil).Once()
	f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()

	f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionBlockIP), c)
	id := f.only().ID
	_, err := f.orch.Approve(id, "alice")
	require.NoError(t, err)
	<-started

	f.orch.Stop()

	task, _ := f.orch.Task(id)
	assert.Equal(t, StateVerified, task.State)
	assert.Equal(t, "1.2.3.4 blocked", task.Result)
	assert.Len(t, f.exp.all(), 1)
}

type RollbackActuator struct {
	MockActuator
}

func (m *RollbackActuator) Rollback(ctx context.Context, kind model.ActionKind, target graph.Node) (actions.Result, error) {
	args := m.Called(ctx, kind, target)
	return args.Get(0).(actions.Result), args.Error(1)
}

func TestRollback(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		execute    actions.Result
		executeErr error
		verified   bool
		wantState  TaskState
		rolledBack bool
	}{
		{"ineffective remediation", true, actions.Result{Success: true}, nil, false, StateVerified, true},
		{"actuator failure", true, actions.Result{}, errors.New("iptables: resource busy"), false, StateFailed, true},
		{"effective remediation", true, actions.Result{Success: true}, nil, true, StateVerified, false},
		{"disabled", false, actions.Result{Success: true}, nil, false, StateVerified, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			cfg := testConfig()
			cfg.AutoExecute["block_ip"] = true
			cfg.Rollback = tt.enabled
			actuator := &RollbackActuator{}
			f.orch = New(cfg, f.store, actuator, f.verifier, f.exp, zerolog.Nop(), nil)
			f.orch.retryInterval = time.Millisecond
			t.Cleanup(f.orch.Stop)

			c, _ := f.chain("chain-1", "web-1/4242")
			actuator.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(tt.execute, tt.executeErr)
			actuator.On("Rollback", mock.Anything, model.ActionBlockIP, mock.Anything).
				Return(actions.Result{Success: true, Detail: "1.2.3.4 unblocked"}, nil)
			f.verifier.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(tt.verified, nil)

			f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionBlockIP), c)
			id := f.only().ID
			_, err := f.orch.Approve(id, "alice")
			require.NoError(t, err)

			task := f.waitState(id, tt.wantState)
			if !tt.rolledBack {
				require.Never(t, func() bool { got, _ := f.orch.Task(id); return got.Rollback != nil },
					50*time.Millisecond, 5*time.Millisecond)
				actuator.AssertNotCalled(t, "Rollback", mock.Anything, mock.Anything, mock.Anything)
				return
			}
			require.Eventually(t, func() bool {
				task, _ = f.orch.Task(id)
				return task.Rollback != nil
			}, time.Second, 5*time.Millisecond)
			assert.True(t, task.Rollback.Success)
			assert.Equal(t, "1.2.3.4 unblocked", task.Rollback.Detail)
			assert.Equal(t, int64(1), f.orch.Stats().RolledBack)
		})
	}
}

func TestPruneFinishedTasks(t *testing.T) {
	f := newFixture(t)
	now := base
	f.orch.now = func() time.Time { return now }

	c1, _ := f.chain("chain-1", "web-1/1001")
	c2, _ := f.chain("chain-2", "web-1/1002")
	c3, _ := f.chain("chain-3", "web-1/1003")
	for _, c := range []correlation.Chain{c1, c2, c3} {
		f.orch.HandleAssessment(context.Background(), assessment(c, 0.9, model.ActionKillProcess), c)
	}
	tasks := f.orch.Tasks(Filter{})
	require.Len(t, tasks, 3)

	_, err := f.orch.Reject(tasks[0].ID, "alice", false)
	require.NoError(t, err)
	now = base.Add(2 * time.Hour)
	_, err = f.orch.Cancel(tasks[1].ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, f.orch.Prune(base.Add(time.Hour)))
	_, ok := f.orch.Task(tasks[0].ID)
	assert.False(t, ok)

	remaining := f.orch.Tasks(Filter{})
	require.Len(t, remaining, 2)
	assert.Equal(t, tasks[1].ID, remaining[0].ID)
	assert.Equal(t, tasks[2].ID, remaining[1].ID)

	assert.Equal(t, 1, f.orch.Prune(base.Add(3*time.Hour)))
	remaining = f.orch.Tasks(Filter{})
	require.Len(t, remaining, 1, "pending tasks are never pruned")
	assert.Equal(t, StatePending, remaining[0].State)
	assert.Equal(t, int64(2), f.orch.Stats().Pruned)
}
