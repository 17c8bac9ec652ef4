package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAction struct {
	mock.Mock
	name string
}

func (m *MockAction) Name() string { return m.name }

func (m *MockAction) Execute(ctx context.Context, target Target) (Result, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(Result), args.Error(1)
}

func (m *MockAction) Verify(ctx context.Context, target Target) (bool, error) {
	args := m.Called(ctx, target)
	return args.Bool(0), args.Error(1)
}

func processNode() graph.Node {
	return graph.Node{
		ID:         graph.NodeIDFor(model.NodeProcess, "web-1/4242"),
		Type:       model.NodeProcess,
		Name:       "sh",
		Attributes: map[string]string{"pid": "4242", "host": "web-1"},
	}
}

func TestDispatcher_DisabledIsDryRun(t *testing.T) {
	action := &MockAction{name: "kill_process"}
	d := NewDispatcher(false, zerolog.Nop(), action)

	res, err := d.Execute(context.Background(), model.ActionKillProcess, processNode())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Detail, "dry run")

	ok, err := d.Verify(context.Background(), model.ActionKillProcess, processNode())
	require.NoError(t, err)
	assert.True(t, ok)
	action.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestDispatcher_Execute(t *testing.T) {
	action := &MockAction{name: "kill_process"}
	d := NewDispatcher(true, zerolog.Nop(), action)
	node := processNode()

	action.On("Execute", mock.Anything, mock.MatchedBy(func(t Target) bool {
		return t.NodeID == node.ID && t.PID() == 4242
	})).Return(Result{Success: true, Detail: "killed"}, nil).Once()
	action.On("Verify", mock.Anything, mock.Anything).Return(true, nil).Once()

	res, err := d.Execute(context.Background(), model.ActionKillProcess, node)
	require.NoError(t, err)
	assert.Equal(t, Result{Success: true, Detail: "killed"}, res)

	ok, err := d.Verify(context.Background(), model.ActionKillProcess, node)
	require.NoError(t, err)
	assert.True(t, ok)
	action.AssertExpectations(t)
}

func TestDispatcher_Errors(t *testing.T) {
	action := &MockAction{name: "block_ip"}
	d := NewDispatcher(true, zerolog.Nop(), action)

	_, err := d.Execute(context.Background(), model.ActionQuarantineFile, processNode())
	assert.ErrorContains(t, err, "not found")

	boom := errors.New("iptables missing")
	action.On("Execute", mock.Anything, mock.Anything).Return(Result{}, boom)
	action.On("Verify", mock.Anything, mock.Anything).Return(false, boom)

	_, err = d.Execute(context.Background(), model.ActionBlockIP, processNode())
	assert.ErrorIs(t, err, boom)
	ok, err := d.Verify(context.Background(), model.ActionBlockIP, processNode())
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}

func TestDispatcher_SetEnabled(t *testing.T) {
	d := NewDispatcher(false, zerolog.Nop())
	assert.False(t, d.IsEnabled())
	d.SetEnabled(true)
	assert.True(t, d.IsEnabled())

	d.RegisterAction(&MockAction{name: "kill_process"})
	assert.Equal(t, []string{"kill_process"}, d.Actions())
}

func TestTarget(t *testing.T) {
	node := processNode()
	target := NewTarget(node)
	target.Attributes["pid"] = "1"
	assert.Equal(t, "4242", node.Attributes["pid"], "target attributes are a copy")
	assert.Equal(t, 1, target.PID())
	assert.Equal(t, 0, Target{}.PID())
}

type rollbackAction struct {
	MockAction
}

func (m *rollbackAction) Rollback(ctx context.Context, target Target) (Result, error) {
	args := m.Called(ctx, target)
	return args.Get(0).(Result), args.Error(1)
}

func TestDispatcher_Rollback(t *testing.T) {
	undoable := &rollbackAction{MockAction: MockAction{name: "block_ip"}}
	undoable.On("Rollback", mock.Anything, mock.Anything).Return(Result{Success: true, Detail: "unblocked"}, nil)
	permanent := &MockAction{name: "kill_process"}
	d := NewDispatcher(true, zerolog.Nop(), undoable, permanent)

	res, err := d.Rollback(context.Background(), model.ActionBlockIP, processNode())
	require.NoError(t, err)
	assert.Equal(t, "unblocked", res.Detail)

	_, err = d.Rollback(context.Background(), model.ActionKillProcess, processNode())
	assert.ErrorIs(t, err, ErrRollbackUnsupported)

	d.SetEnabled(false)
	res, err = d.Rollback(context.Background(), model.ActionKillProcess, processNode())
	require.NoError(t, err)
	assert.Contains(t, res.Detail, "dry run")
	undoable.AssertNumberOfCalls(t, "Rollback", 1)
}
