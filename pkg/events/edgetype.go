package events

import (
	"strings"

	"github.com/lucid-vigil/vigil/pkg/model"
)

var (
	openSyscalls  = setOf("open", "openat", "openat2")
	writeSyscalls = setOf("write", "writev", "pwrite", "pwritev", "creat", "rename", "renameat", "renameat2",
		"unlink", "unlinkat", "chmod", "fchmod", "fchmodat", "mkdir", "mkdirat")
	connectSyscalls = setOf("connect", "accept", "accept4", "sendto", "sendmsg")
	exitSyscalls    = setOf("procexit", "exit", "exit_group")
)

// ruleKeywords is consulted when the syscall alone does not decide the relation.
var ruleKeywords = []struct {
	keyword string
	edge    model.EdgeType
}{
	{"inject", model.EdgeInjected},
	{"ptrace", model.EdgeInjected},
	{"spawn", model.EdgeSpawned},
	{"shell", model.EdgeSpawned},
	{"exec", model.EdgeExecuted},
	{"write", model.EdgeWrote},
	{"modif", model.EdgeWrote},
	{"delet", model.EdgeWrote},
	{"read", model.EdgeOpened},
	{"open", model.EdgeOpened},
	{"connect", model.EdgeConnected},
	{"outbound", model.EdgeConnected},
}

// EdgeTypeFor maps an event onto the graph relation it evidences. The second
// result is false when the event carries no relation; such events are still
// journaled.
func EdgeTypeFor(ev Event) (model.EdgeType, bool) {
	if IsTerminal(ev) {
		return "", false
	}
	if override := model.EdgeType(ev.Attributes["edge.type"]); isEdgeType(override) {
		return override, true
	}

	target := ev.TargetRef.Type
	switch {
	case injectSyscalls[ev.Syscall]:
		return model.EdgeInjected, true
	case spawnSyscalls[ev.Syscall]:
		if target == model.NodeProcess {
			return model.EdgeSpawned, true
		}
		if target == model.NodeFile {
			return model.EdgeExecuted, true
		}
	case connectSyscalls[ev.Syscall]:
		return model.EdgeConnected, true
	case openSyscalls[ev.Syscall]:
		if hasWriteFlag(ev.Attributes["evt.arg.flags"]) {
			return model.EdgeWrote, true
		}
		return model.EdgeOpened, true
	case writeSyscalls[ev.Syscall]:
		return model.EdgeWrote, true
	}

	if target == model.NodeHost || target == "" {
		return "", false
	}
	rule := strings.ToLower(ev.RuleID)
	for _, kw := range ruleKeywords {
		if strings.Contains(rule, kw.keyword) && compatible(kw.edge, target) {
			return kw.edge, true
		}
	}

	switch target {
	case model.NodeSocket:
		return model.EdgeConnected, true
	case model.NodeFile:
		return model.EdgeOpened, true
	case model.NodeProcess:
		return model.EdgeSpawned, true
	}
	return "", false
}

// IsTerminal reports whether the event marks the end of its actor process.
func IsTerminal(ev Event) bool {
	return exitSyscalls[ev.Syscall]
}

func hasWriteFlag(flags string) bool {
	return strings.Contains(flags, "O_WRONLY") || strings.Contains(flags, "O_RDWR") ||
		strings.Contains(flags, "O_CREAT") || strings.Contains(flags, "O_TRUNC")
}

func compatible(edge model.EdgeType, target model.NodeType) bool {
	switch edge {
	case model.EdgeSpawned, model.EdgeInjected:
		return target == model.NodeProcess
	case model.EdgeConnected:
		return target == model.NodeSocket
	case model.EdgeOpened, model.EdgeWrote, model.EdgeExecuted:
		return target == model.NodeFile
	}
	return false
}

func isEdgeType(e model.EdgeType) bool {
	switch e {
	case model.EdgeSpawned, model.EdgeOpened, model.EdgeWrote, model.EdgeConnected, model.EdgeExecuted, model.EdgeInjected:
		return true
	}
	return false
}
