package block_ip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/rs/zerolog"
)

// ExitError reports a firewall command that ran and exited non-zero.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d: %s", e.Code, strings.TrimSpace(e.Output))
}

// Runner executes a firewall command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return out, &ExitError{Code: exitErr.ExitCode(), Output: string(out)}
	}
	return out, err
}

// BlockIPAction implements the actions.Action interface. It is responsible for
// blocking a given IP address using the system's firewall (iptables).
type BlockIPAction struct {
	runner  Runner
	command []string
	logger  zerolog.Logger
}

// New returns the action. A nil runner uses ExecRunner; the command is run
// through sudo as the original sentinel deployment did.
func New(runner Runner, logger zerolog.Logger) *BlockIPAction {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &BlockIPAction{
		runner:  runner,
		command: []string{"sudo", "iptables"},
		logger:  logger.With().Str("component", "block_ip").Logger(),
	}
}

// Name returns the unique name of the action.
func (bia *BlockIPAction) Name() string {
	return "block_ip"
}

func targetIP(target actions.Target) (string, error) {
	ip := target.Attr("ip")
	if ip == "" {
		return "", fmt.Errorf("missing 'ip' on block_ip target %s", target.NodeID)
	}
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid IP address format: %s", ip)
	}
	return ip, nil
}

func (bia *BlockIPAction) run(ctx context.Context, op, ip string) ([]byte, error) {
	args := append([]string{}, bia.command[1:]...)
	args = append(args, op, "INPUT", "-s", ip, "-j", "DROP")
	return bia.runner.Run(ctx, bia.command[0], args...)
}

// Execute adds a DROP rule for the target's remote address to the INPUT
// chain. An existing rule is left alone.
func (bia *BlockIPAction) Execute(ctx context.Context, target actions.Target) (actions.Result, error) {
	ip, err := targetIP(target)
	if err != nil {
		return actions.Result{}, err
	}

	present, err := bia.Verify(ctx, target)
	if err != nil {
		return actions.Result{}, err
	}
	if present {
		return actions.Result{Success: true, Detail: fmt.Sprintf("%s already blocked", ip)}, nil
	}

	bia.logger.Info().Str("ip", ip).Msg("Attempting to block IP using iptables...")
	out, err := bia.run(ctx, "-A", ip)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return actions.Result{}, ctxErr
		}
		return actions.Result{}, fmt.Errorf("failed to block IP %s: %w\nOutput: %s", ip, err, string(out))
	}

	bia.logger.Info().Str("ip", ip).Msg("Successfully blocked IP using iptables.")
	return actions.Result{Success: true, Detail: fmt.Sprintf("%s blocked", ip)}, nil
}

// Verify checks for the DROP rule with iptables -C.
func (bia *BlockIPAction) Verify(ctx context.Context, target actions.Target) (bool, error) {
	ip, err := targetIP(target)
	if err != nil {
		return false, err
	}
	_, err = bia.run(ctx, "-C", ip)
	if err == nil {
		return true, nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return false, fmt.Errorf("failed to check rule for %s: %w", ip, err)
}

// Rollback deletes the DROP rule. A missing rule counts as rolled back.
func (bia *BlockIPAction) Rollback(ctx context.Context, target actions.Target) (actions.Result, error) {
	ip, err := targetIP(target)
	if err != nil {
		return actions.Result{}, err
	}
	present, err := bia.Verify(ctx, target)
	if err != nil {
		return actions.Result{}, err
	}
	if !present {
		return actions.Result{Success: true, Detail: fmt.Sprintf("%s was not blocked", ip)}, nil
	}

	out, err := bia.run(ctx, "-D", ip)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return actions.Result{}, ctxErr
		}
		return actions.Result{}, fmt.Errorf("failed to unblock IP %s: %w\nOutput: %s", ip, err, string(out))
	}
	bia.logger.Info().Str("ip", ip).Msg("Removed iptables block.")
	return actions.Result{Success: true, Detail: fmt.Sprintf("%s unblocked", ip)}, nil
}
