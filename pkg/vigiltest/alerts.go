// Package vigiltest provides alert builders and recording fakes for tests
// that drive the engine end to end.
package vigiltest

import (
	"encoding/json"
	"testing"
	"time"
)

// Host is the hostname every built alert carries.
const Host = "web-1"

// Alert is a runtime-security alert in the sensor's JSON shape.
type Alert struct {
	ID       string
	Time     time.Time
	Rule     string
	Priority string
	Source   string
	Fields   map[string]any
}

// Line encodes the alert as a single JSON line.
func (a Alert) Line(tb testing.TB) string {
	tb.Helper()
	source := a.Source
	if source == "" {
		source = "syscall"
	}
	b, err := json.Marshal(map[string]any{
		"uuid":          a.ID,
		"time":          a.Time.Format(time.RFC3339Nano),
		"rule":          a.Rule,
		"priority":      a.Priority,
		"hostname":      Host,
		"source":        source,
		"output_fields": a.Fields,
	})
	if err != nil {
		tb.Fatalf("encode alert %s: %v", a.ID, err)
	}
	return string(b)
}

// Spawn is nginx (pid 100) executing bash (pid 4242).
func Spawn(id string, at time.Time) Alert {
	return Alert{ID: id, Time: at, Rule: "Shell spawned by web server", Priority: "Warning", Fields: map[string]any{
		"evt.type":   "execve",
		"proc.pid":   4242,
		"proc.name":  "bash",
		"proc.ppid":  100,
		"proc.pname": "nginx",
	}}
}

// Connect is bash (pid 4242) connecting out to 10.0.0.5:4444.
func Connect(id string, at time.Time) Alert {
	return Alert{ID: id, Time: at, Rule: "Outbound connection to C2 port", Priority: "Critical", Fields: map[string]any{
		"evt.type":  "connect",
		"proc.pid":  4242,
		"proc.name": "bash",
		"fd.type":   "ipv4",
		"fd.rip":    "10.0.0.5",
		"fd.rport":  4444,
	}}
}

// Open is a cat process reading path.
func Open(id string, at time.Time, pid int, path string) Alert {
	return Alert{ID: id, Time: at, Rule: "Read log file", Priority: "Notice", Fields: map[string]any{
		"evt.type":  "openat",
		"proc.pid":  pid,
		"proc.name": "cat",
		"fd.name":   path,
	}}
}

// Exit is pid terminating.
func Exit(id string, at time.Time, pid int, name string) Alert {
	return Alert{ID: id, Time: at, Rule: "Process exited", Priority: "Informational", Fields: map[string]any{
		"evt.type":  "procexit",
		"proc.pid":  pid,
		"proc.name": name,
	}}
}
