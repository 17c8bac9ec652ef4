package kill_process

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// KillProcessAction implements the actions.Action interface. It is responsible for
// terminating a process given its Process ID (PID).
type KillProcessAction struct {
	// Grace is how long the process gets to exit after SIGTERM before SIGKILL.
	Grace time.Duration

	signal func(pid int, sig syscall.Signal) error
	exists func(ctx context.Context, pid int32) (bool, error)
	poll   time.Duration
	logger zerolog.Logger
}

// New returns the action backed by real signals and gopsutil.
func New(logger zerolog.Logger) *KillProcessAction {
	return &KillProcessAction{
		Grace:  3 * time.Second,
		signal: sendSignal,
		exists: process.PidExistsWithContext,
		poll:   100 * time.Millisecond,
		logger: logger.With().Str("component", "kill_process").Logger(),
	}
}

func sendSignal(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %w", pid, err)
	}
	return p.Signal(sig)
}

// Name returns the unique name of the action.
func (kpa *KillProcessAction) Name() string {
	return "kill_process"
}

func targetPID(target actions.Target) (int, error) {
	pid := target.PID()
	if pid <= 1 {
		return 0, fmt.Errorf("invalid pid %q for kill_process target %s", target.Attr("pid"), target.NodeID)
	}
	return pid, nil
}

// Execute sends SIGTERM, waits up to Grace for the process to exit and then
// sends SIGKILL. A process that is already gone counts as terminated.
func (kpa *KillProcessAction) Execute(ctx context.Context, target actions.Target) (actions.Result, error) {
	pid, err := targetPID(target)
	if err != nil {
		return actions.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return actions.Result{}, err
	}

	alive, err := kpa.exists(ctx, int32(pid))
	if err != nil {
		return actions.Result{}, fmt.Errorf("failed to look up process %d: %w", pid, err)
	}
	if !alive {
		return actions.Result{Success: true, Detail: fmt.Sprintf("process %d already exited", pid)}, nil
	}

	if err := kpa.signal(pid, syscall.SIGTERM); err != nil {
		kpa.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to send SIGTERM, attempting SIGKILL.")
	} else {
		gone, err := kpa.waitExit(ctx, pid)
		if err != nil {
			return actions.Result{}, err
		}
		if gone {
			kpa.logger.Info().Int("pid", pid).Msg("Process exited after SIGTERM.")
			return actions.Result{Success: true, Detail: fmt.Sprintf("process %d terminated (SIGTERM)", pid)}, nil
		}
	}

	if err := kpa.signal(pid, syscall.SIGKILL); err != nil {
		return actions.Result{}, fmt.Errorf("failed to send SIGKILL to process %d: %w", pid, err)
	}
	kpa.logger.Info().Int("pid", pid).Msg("Successfully sent SIGKILL to process.")
	return actions.Result{Success: true, Detail: fmt.Sprintf("process %d killed (SIGKILL)", pid)}, nil
}

// waitExit polls until the process is gone or Grace elapses.
func (kpa *KillProcessAction) waitExit(ctx context.Context, pid int) (bool, error) {
	deadline := time.NewTimer(kpa.Grace)
	defer deadline.Stop()
	ticker := time.NewTicker(kpa.poll)
	defer ticker.Stop()

	for {
		alive, err := kpa.exists(ctx, int32(pid))
		if err == nil && !alive {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-ticker.C:
		}
	}
}

// Verify reports whether the process no longer exists.
func (kpa *KillProcessAction) Verify(ctx context.Context, target actions.Target) (bool, error) {
	pid, err := targetPID(target)
	if err != nil {
		return false, err
	}
	alive, err := kpa.exists(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("failed to look up process %d: %w", pid, err)
	}
	return !alive, nil
}
