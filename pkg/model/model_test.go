package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.False(t, SeverityLow.AtLeast(SeverityMedium))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
	assert.Equal(t, 1.0, SeverityCritical.Weight())
	assert.Equal(t, 0.0, Severity("bogus").Weight())

	sev, ok := ParseSeverity(" HIGH ")
	assert.True(t, ok)
	assert.Equal(t, SeverityHigh, sev)
	_, ok = ParseSeverity("urgent")
	assert.False(t, ok)
}

func TestActionKind(t *testing.T) {
	assert.Equal(t, ActionBlockIP, ParseActionKind("Block_IP"))
	assert.Equal(t, ActionNone, ParseActionKind("reboot"))

	nt, ok := ActionKillProcess.TargetType()
	assert.True(t, ok)
	assert.Equal(t, NodeProcess, nt)
	_, ok = ActionNone.TargetType()
	assert.False(t, ok)
}
