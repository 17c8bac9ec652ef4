package kill_process

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess stands in for the kernel: it records signals and decides
// whether each one terminates the process.
type fakeProcess struct {
	mu       sync.Mutex
	alive    bool
	signals  []syscall.Signal
	termKill bool
	sigErr   map[syscall.Signal]error
}

func (f *fakeProcess) signal(_ int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	if err := f.sigErr[sig]; err != nil {
		return err
	}
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && f.termKill) {
		f.alive = false
	}
	return nil
}

func (f *fakeProcess) exists(context.Context, int32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive, nil
}

func newAction(f *fakeProcess) *KillProcessAction {
	a := New(zerolog.Nop())
	a.signal = f.signal
	a.exists = f.exists
	a.Grace = 50 * time.Millisecond
	a.poll = 5 * time.Millisecond
	return a
}

func target(pid string) actions.Target {
	return actions.Target{NodeID: graph.NodeID("process:h/" + pid), Attributes: map[string]string{"pid": pid}}
}

func TestKillProcess_Execute(t *testing.T) {
	tests := []struct {
		name     string
		proc     *fakeProcess
		want     []syscall.Signal
		contains string
	}{
		{
			name:     "exits on SIGTERM",
			proc:     &fakeProcess{alive: true, termKill: true},
			want:     []syscall.Signal{syscall.SIGTERM},
			contains: "SIGTERM",
		},
		{
			name:     "ignores SIGTERM",
			proc:     &fakeProcess{alive: true},
			want:     []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL},
			contains: "SIGKILL",
		},
		{
			name:     "SIGTERM refused",
			proc:     &fakeProcess{alive: true, sigErr: map[syscall.Signal]error{syscall.SIGTERM: errors.New("eperm")}},
			want:     []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL},
			contains: "SIGKILL",
		},
		{
			name:     "already gone",
			proc:     &fakeProcess{alive: false},
			want:     nil,
			contains: "already exited",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAction(tt.proc)
			res, err := a.Execute(context.Background(), target("4242"))
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Contains(t, res.Detail, tt.contains)
			assert.Equal(t, tt.want, tt.proc.signals)

			ok, err := a.Verify(context.Background(), target("4242"))
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestKillProcess_InvalidPID(t *testing.T) {
	a := newAction(&fakeProcess{alive: true})
	for _, pid := range []string{"", "abc", "0", "1", "-5"} {
		_, err := a.Execute(context.Background(), target(pid))
		assert.Error(t, err, "pid %q", pid)
	}
}

func TestKillProcess_SIGKILLFails(t *testing.T) {
	f := &fakeProcess{alive: true, sigErr: map[syscall.Signal]error{syscall.SIGKILL: errors.New("eperm")}}
	a := newAction(f)
	_, err := a.Execute(context.Background(), target("4242"))
	assert.ErrorContains(t, err, "SIGKILL")

	ok, err := a.Verify(context.Background(), target("4242"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKillProcess_CancelledDuringGrace(t *testing.T) {
	f := &fakeProcess{alive: true}
	a := newAction(f)
	a.Grace = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := a.Execute(ctx, target("4242"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, f.signals)
}
