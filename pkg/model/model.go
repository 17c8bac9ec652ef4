// Package model holds the vocabulary shared by every stage of the engine.
package model

import "strings"

// Severity of an event or chain.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities from info (0) to critical (4). Unknown values rank as info.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Weight maps the severity onto [0,1].
func (s Severity) Weight() float64 {
	return float64(s.Rank()) / 4.0
}

// ParseSeverity accepts the canonical names case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	_, ok := severityRank[sev]
	return sev, ok
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// NodeType is the kind of actor or resource a graph node represents.
type NodeType string

const (
	NodeProcess NodeType = "process"
	NodeFile    NodeType = "file"
	NodeUser    NodeType = "user"
	NodeSocket  NodeType = "socket"
	NodeHost    NodeType = "host"
)

// EdgeType is the observed relation between two nodes.
type EdgeType string

const (
	EdgeSpawned   EdgeType = "spawned"
	EdgeOpened    EdgeType = "opened"
	EdgeWrote     EdgeType = "wrote"
	EdgeConnected EdgeType = "connected"
	EdgeExecuted  EdgeType = "executed"
	EdgeInjected  EdgeType = "injected"
)

// ActionKind names a remediation the actuator can perform.
type ActionKind string

const (
	ActionNone           ActionKind = "none"
	ActionKillProcess    ActionKind = "kill_process"
	ActionBlockIP        ActionKind = "block_ip"
	ActionQuarantineFile ActionKind = "quarantine_file"
)

// ParseActionKind normalizes a recommended action name. Unknown or empty
// values map to ActionNone.
func ParseActionKind(s string) ActionKind {
	switch ActionKind(strings.ToLower(strings.TrimSpace(s))) {
	case ActionKillProcess:
		return ActionKillProcess
	case ActionBlockIP:
		return ActionBlockIP
	case ActionQuarantineFile:
		return ActionQuarantineFile
	default:
		return ActionNone
	}
}

// TargetType is the node type an action operates on.
func (a ActionKind) TargetType() (NodeType, bool) {
	switch a {
	case ActionKillProcess:
		return NodeProcess, true
	case ActionBlockIP:
		return NodeSocket, true
	case ActionQuarantineFile:
		return NodeFile, true
	default:
		return "", false
	}
}

// Outcome is the observed effect of a completed remediation.
type Outcome string

const (
	OutcomeEffective     Outcome = "effective"
	OutcomeIneffective   Outcome = "ineffective"
	OutcomeFalsePositive Outcome = "falsePositive"
)
