// pkg/errors/engine_errors.go
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an engine error.
type Kind string

const (
	KindMalformedInput         Kind = "malformed_input"
	KindDanglingReference      Kind = "dangling_reference"
	KindAnalysisFailed         Kind = "analysis_failed"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindBackpressureDrop       Kind = "backpressure_drop"
	KindActuatorFailure        Kind = "actuator_failure"
	KindInternal               Kind = "internal"
)

// Sentinels usable with errors.Is against any *EngineError of the same kind.
var (
	ErrMalformedInput         = &EngineError{Kind: KindMalformedInput}
	ErrDanglingReference      = &EngineError{Kind: KindDanglingReference}
	ErrAnalysisFailed         = &EngineError{Kind: KindAnalysisFailed}
	ErrInvalidStateTransition = &EngineError{Kind: KindInvalidStateTransition}
	ErrBackpressureDrop       = &EngineError{Kind: KindBackpressureDrop}
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// EngineError represents a structured error raised by one pipeline stage.
type EngineError struct {
	Kind      Kind                   `json:"kind"`
	Stage     string                 `json:"stage"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Stage, e.Kind, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches any EngineError of the same kind.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !stderrors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first EngineError in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *EngineError
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, stage string, severity Severity, msg string, cause error, details map[string]interface{}) *EngineError {
	return &EngineError{
		Kind:      kind,
		Stage:     stage,
		Message:   msg,
		Details:   details,
		Timestamp: time.Now(),
		Severity:  severity,
		Cause:     cause,
	}
}

// NewMalformedInput reports a sensor record that cannot be normalized.
func NewMalformedInput(reason string, cause error) *EngineError {
	return newError(KindMalformedInput, "normalizer", SeverityLow, reason, cause, nil)
}

// NewDanglingReference reports an edge that references an unknown node.
func NewDanglingReference(edgeType, nodeID string) *EngineError {
	return newError(KindDanglingReference, "graph", SeverityMedium,
		fmt.Sprintf("edge %s references unknown node %s", edgeType, nodeID), nil,
		map[string]interface{}{"node_id": nodeID, "edge_type": edgeType})
}

// NewAnalysisFailed reports a chain the external scorer could not assess.
func NewAnalysisFailed(chainID string, attempts int, cause error) *EngineError {
	return newError(KindAnalysisFailed, "analysis", SeverityHigh,
		fmt.Sprintf("chain %s could not be assessed after %d attempt(s)", chainID, attempts), cause,
		map[string]interface{}{"chain_id": chainID, "attempts": attempts})
}

// NewInvalidStateTransition reports an illegal task transition.
func NewInvalidStateTransition(taskID, from, op string) *EngineError {
	return newError(KindInvalidStateTransition, "orchestrator", SeverityLow,
		fmt.Sprintf("cannot %s task %s in state %s", op, taskID, from), nil,
		map[string]interface{}{"task_id": taskID, "state": from, "operation": op})
}

// NewBackpressureDrop reports a finalized chain discarded under load.
func NewBackpressureDrop(chainID, severity string) *EngineError {
	return newError(KindBackpressureDrop, "analysis_queue", SeverityMedium,
		fmt.Sprintf("analysis queue full, dropped chain %s (severity %s)", chainID, severity), nil,
		map[string]interface{}{"chain_id": chainID, "chain_severity": severity})
}

// NewActuatorFailure reports a remediation the actuator could not perform.
func NewActuatorFailure(taskID, action string, cause error) *EngineError {
	return newError(KindActuatorFailure, "actuator", SeverityHigh,
		fmt.Sprintf("action %s failed for task %s", action, taskID), cause,
		map[string]interface{}{"task_id": taskID, "action": action})
}

// ErrorCollector defines how errors are collected and reported
type ErrorCollector interface {
	CollectError(ctx context.Context, err *EngineError) error
	GetErrorStats() ErrorStats
}

type ErrorStats struct {
	TotalErrors      int              `json:"total_errors"`
	ErrorsByKind     map[Kind]int     `json:"errors_by_kind"`
	ErrorsByStage    map[string]int   `json:"errors_by_stage"`
	ErrorsBySeverity map[Severity]int `json:"errors_by_severity"`
	LastError        *EngineError     `json:"last_error,omitempty"`
}

// ErrorHandler logs engine errors and forwards them to a collector.
// It never terminates the process: nothing in the engine may crash it.
type ErrorHandler struct {
	logger    zerolog.Logger
	collector ErrorCollector
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger, collector ErrorCollector) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		collector: collector,
	}
}

// Handle logs err and records it. Errors that are not EngineErrors are
// recorded as KindInternal.
func (eh *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil {
		return
	}
	var ee *EngineError
	if !stderrors.As(err, &ee) {
		ee = newError(KindInternal, "", SeverityHigh, err.Error(), err, nil)
	}

	logEvent := eh.getLogEvent(ee.Severity).
		Str("kind", string(ee.Kind)).
		Str("stage", ee.Stage).
		Str("message", ee.Message)

	if ee.Details != nil {
		logEvent = logEvent.Interface("details", ee.Details)
	}
	if ee.Cause != nil {
		logEvent = logEvent.AnErr("cause", ee.Cause)
	}
	logEvent.Msg("Engine error occurred")

	if eh.collector != nil {
		if cerr := eh.collector.CollectError(ctx, ee); cerr != nil {
			eh.logger.Warn().Err(cerr).Msg("Failed to collect engine error")
		}
	}
}

// getLogEvent returns the appropriate zerolog event for severity
func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	case SeverityInfo:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}

// MemoryCollector keeps error statistics in memory.
type MemoryCollector struct {
	mu    sync.Mutex
	stats ErrorStats
	hook  func(*EngineError)
}

// NewMemoryCollector creates a collector. hook, when non-nil, is called for
// every collected error (used to feed metrics).
func NewMemoryCollector(hook func(*EngineError)) *MemoryCollector {
	return &MemoryCollector{
		stats: ErrorStats{
			ErrorsByKind:     make(map[Kind]int),
			ErrorsByStage:    make(map[string]int),
			ErrorsBySeverity: make(map[Severity]int),
		},
		hook: hook,
	}
}

// CollectError implements ErrorCollector.
func (mc *MemoryCollector) CollectError(_ context.Context, err *EngineError) error {
	mc.mu.Lock()
	mc.stats.TotalErrors++
	mc.stats.ErrorsByKind[err.Kind]++
	mc.stats.ErrorsByStage[err.Stage]++
	mc.stats.ErrorsBySeverity[err.Severity]++
	mc.stats.LastError = err
	mc.mu.Unlock()

	if mc.hook != nil {
		mc.hook(err)
	}
	return nil
}

// GetErrorStats implements ErrorCollector.
func (mc *MemoryCollector) GetErrorStats() ErrorStats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	out := ErrorStats{
		TotalErrors:      mc.stats.TotalErrors,
		ErrorsByKind:     make(map[Kind]int, len(mc.stats.ErrorsByKind)),
		ErrorsByStage:    make(map[string]int, len(mc.stats.ErrorsByStage)),
		ErrorsBySeverity: make(map[Severity]int, len(mc.stats.ErrorsBySeverity)),
		LastError:        mc.stats.LastError,
	}
	for k, v := range mc.stats.ErrorsByKind {
		out.ErrorsByKind[k] = v
	}
	for k, v := range mc.stats.ErrorsByStage {
		out.ErrorsByStage[k] = v
	}
	for k, v := range mc.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}
