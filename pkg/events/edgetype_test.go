package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lucid-vigil/vigil/pkg/model"
)

func TestEdgeTypeFor(t *testing.T) {
	proc := NodeRef{Type: model.NodeProcess, NaturalKey: "h/2"}
	file := NodeRef{Type: model.NodeFile, NaturalKey: "h:/etc/passwd"}
	sock := NodeRef{Type: model.NodeSocket, NaturalKey: "tcp:1.2.3.4:80"}

	tests := []struct {
		name    string
		syscall string
		rule    string
		target  NodeRef
		attrs   map[string]string
		want    model.EdgeType
		wantOK  bool
	}{
		{"clone", "clone", "", proc, nil, model.EdgeSpawned, true},
		{"execve child", "execve", "", proc, nil, model.EdgeSpawned, true},
		{"execve binary", "execve", "", file, nil, model.EdgeExecuted, true},
		{"openat read", "openat", "", file, map[string]string{"evt.arg.flags": "O_RDONLY"}, model.EdgeOpened, true},
		{"openat write", "openat", "", file, map[string]string{"evt.arg.flags": "O_WRONLY|O_CREAT"}, model.EdgeWrote, true},
		{"rename", "rename", "", file, nil, model.EdgeWrote, true},
		{"connect", "connect", "", sock, nil, model.EdgeConnected, true},
		{"ptrace", "ptrace", "", proc, nil, model.EdgeInjected, true},
		{"rule keyword", "", "PTRACE attached to process", proc, nil, model.EdgeInjected, true},
		{"rule keyword write", "", "Write below etc", file, nil, model.EdgeWrote, true},
		{"target type fallback", "", "Unexpected activity", sock, nil, model.EdgeConnected, true},
		{"override", "openat", "", file, map[string]string{"edge.type": "executed"}, model.EdgeExecuted, true},
		{"procexit", "procexit", "", proc, nil, "", false},
		{"host target", "", "Clear logs", NodeRef{Type: model.NodeHost, NaturalKey: "h"}, nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Event{Syscall: tt.syscall, RuleID: tt.rule, TargetRef: tt.target, Attributes: tt.attrs}
			got, ok := EdgeTypeFor(ev)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Event{Syscall: "procexit"}))
	assert.False(t, IsTerminal(Event{Syscall: "execve"}))
}
