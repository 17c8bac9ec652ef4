// pkg/events/normalizer.go
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/model"
)

var (
	spawnSyscalls  = setOf("clone", "clone3", "fork", "vfork", "execve", "execveat")
	injectSyscalls = setOf("ptrace", "process_vm_writev")
	netSyscalls    = setOf("connect", "accept", "accept4", "sendto", "sendmsg", "bind", "listen")
	fileSyscalls   = setOf("open", "openat", "openat2", "creat", "write", "writev", "pwrite", "pwritev",
		"rename", "renameat", "renameat2", "unlink", "unlinkat", "chmod", "fchmod", "fchmodat", "mkdir", "mkdirat")
	privSyscalls = setOf("setuid", "setgid", "setresuid", "setresgid")
)

// Normalizer converts raw sensor alerts into canonical Events. Apart from
// the id sequence it holds no state.
type Normalizer struct {
	seq      atomic.Uint64
	validate *validator.Validate
}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{validate: validator.New()}
}

// MapPriority maps Falco priorities and canonical severity names onto the
// five engine severities. Unknown values map to info so no signal is dropped.
func MapPriority(priority string) model.Severity {
	if sev, ok := model.ParseSeverity(priority); ok {
		return sev
	}
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "emergency", "alert":
		return model.SeverityCritical
	case "error":
		return model.SeverityHigh
	case "warning", "warn":
		return model.SeverityMedium
	case "notice":
		return model.SeverityLow
	default:
		return model.SeverityInfo
	}
}

// Normalize validates raw and returns the canonical Event, or a
// MalformedInputError when required fields are absent.
func (n *Normalizer) Normalize(raw RawAlert) (Event, error) {
	if err := n.validate.Struct(raw); err != nil {
		return Event{}, vigilerrors.NewMalformedInput("missing required alert fields", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Time)
	if err != nil {
		return Event{}, vigilerrors.NewMalformedInput("unparsable alert time "+strconv.Quote(raw.Time), err)
	}

	fields := flattenFields(raw.OutputFields)
	host := raw.Hostname
	if host == "" {
		host = fields["hostname"]
	}
	syscall := strings.ToLower(fields["evt.type"])

	actor, target := deriveRefs(host, syscall, raw.Rule, fields)
	if actor.IsZero() {
		return Event{}, vigilerrors.NewMalformedInput("missing actor reference (proc.pid or user.name)", nil)
	}
	if target.IsZero() {
		return Event{}, vigilerrors.NewMalformedInput("missing target reference", nil)
	}

	attrs := make(map[string]string, len(fields)+3)
	for k, v := range fields {
		attrs[k] = sanitizeString(v)
	}
	if raw.Output != "" {
		attrs["output"] = sanitizeString(raw.Output)
	}
	if raw.Source != "" {
		attrs["sensor.source"] = raw.Source
	}
	if len(raw.Tags) > 0 {
		attrs["tags"] = strings.Join(raw.Tags, ",")
	}

	ev := Event{
		ID:         raw.UUID,
		Timestamp:  ts.UTC(),
		RuleID:     sanitizeString(raw.Rule),
		Severity:   MapPriority(raw.Priority),
		Source:     host,
		Syscall:    syscall,
		ActorRef:   actor,
		TargetRef:  target,
		Attributes: attrs,
		DedupKey:   raw.UUID,
	}
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("evt-%d", n.seq.Add(1))
		ev.DedupKey = contentHash(raw.Rule, raw.Time, host, raw.Output)
	}
	return ev, nil
}

func deriveRefs(host, syscall, rule string, f map[string]string) (NodeRef, NodeRef) {
	actor := processRef(host, f["proc.pid"], f["proc.pid.ts"], f["proc.name"], f["proc.exepath"], f["proc.cmdline"])
	if actor.IsZero() && f["user.name"] != "" {
		actor = userRef(host, f["user.name"], f["user.uid"])
	}

	var target NodeRef
	switch {
	case spawnSyscalls[syscall] && f["proc.ppid"] != "":
		// the event is reported from the child: the parent is the actor
		child := actor
		actor = processRef(host, f["proc.ppid"], f["proc.ppid.ts"], f["proc.pname"], f["proc.pexepath"], "")
		target = child
	case spawnSyscalls[syscall]:
		target = fileRef(host, firstOf(f, "proc.exepath", "proc.exe"), "")
	case injectSyscalls[syscall]:
		target = processRef(host, firstOf(f, "evt.arg.pid", "proc.apid"), "", f["evt.arg.name"], "", "")
	case netSyscalls[syscall] || isNetFD(f):
		target = socketRef(f)
	case fileSyscalls[syscall]:
		target = fileRef(host, firstOf(f, "fd.name", "fs.path.name", "evt.arg.name", "evt.arg.path"), f["fd.ino"])
	case privSyscalls[syscall]:
		target = userRef(host, f["evt.arg.name"], firstOf(f, "evt.arg.uid", "user.uid"))
	}

	if target.IsZero() {
		if path := f["fd.name"]; strings.HasPrefix(path, "/") {
			target = fileRef(host, path, f["fd.ino"])
		} else if strings.Contains(strings.ToLower(rule), "privilege") && f["user.name"] != "" {
			target = userRef(host, f["user.name"], f["user.uid"])
		} else if host != "" {
			target = NodeRef{Type: model.NodeHost, NaturalKey: host, Name: host}
		}
	}
	return actor, target
}

func processRef(host, pid, startTS, name, exe, cmdline string) NodeRef {
	if pid == "" || pid == "-1" {
		return NodeRef{}
	}
	key := host + "/" + pid
	if startTS != "" {
		key += "@" + startTS
	}
	attrs := map[string]string{"pid": pid, "host": host}
	if exe != "" {
		attrs["exe"] = exe
	}
	if cmdline != "" {
		attrs["cmdline"] = sanitizeString(cmdline)
	}
	if name == "" {
		name = "pid " + pid
	}
	return NodeRef{Type: model.NodeProcess, NaturalKey: key, Name: name, Attributes: attrs}
}

func fileRef(host, path, inode string) NodeRef {
	if path == "" || path == "<NA>" {
		return NodeRef{}
	}
	key := host + ":" + path
	attrs := map[string]string{"path": path, "host": host}
	if inode != "" {
		key += "#" + inode
		attrs["inode"] = inode
	}
	return NodeRef{Type: model.NodeFile, NaturalKey: key, Name: path, Attributes: attrs}
}

func userRef(host, name, uid string) NodeRef {
	id := name
	if id == "" {
		id = uid
	}
	if id == "" {
		return NodeRef{}
	}
	attrs := map[string]string{"host": host}
	if uid != "" {
		attrs["uid"] = uid
	}
	return NodeRef{Type: model.NodeUser, NaturalKey: host + "/" + id, Name: id, Attributes: attrs}
}

// socketRef keys a connection by its 4-tuple when the sensor reports one,
// otherwise by the remote endpoint.
func socketRef(f map[string]string) NodeRef {
	rip, rport := f["fd.rip"], f["fd.rport"]
	if rip == "" {
		rip, rport = f["fd.sip"], f["fd.sport"]
	}
	cip, cport := f["fd.cip"], f["fd.cport"]
	if rip == "" {
		cip, cport, rip, rport = parseFDName(f["fd.name"])
	}
	if rip == "" {
		return NodeRef{}
	}
	proto := f["fd.l4proto"]
	if proto == "" {
		proto = "tcp"
	}
	remote := net.JoinHostPort(rip, rport)
	key := proto + ":" + remote
	if cip != "" && cport != "" {
		key = proto + ":" + net.JoinHostPort(cip, cport) + "->" + remote
	}
	attrs := map[string]string{"ip": rip, "port": rport, "proto": proto}
	return NodeRef{Type: model.NodeSocket, NaturalKey: key, Name: remote, Attributes: attrs}
}

// parseFDName splits Falco's "cip:cport->sip:sport" connection notation.
func parseFDName(name string) (cip, cport, sip, sport string) {
	local, remote, ok := strings.Cut(name, "->")
	if !ok {
		return "", "", "", ""
	}
	cip, cport, _ = net.SplitHostPort(local)
	sip, sport, err := net.SplitHostPort(remote)
	if err != nil {
		return "", "", "", ""
	}
	return cip, cport, sip, sport
}

func isNetFD(f map[string]string) bool {
	switch f["fd.type"] {
	case "ipv4", "ipv6":
		return true
	}
	return f["fd.rip"] != "" || f["fd.sip"] != ""
}

func flattenFields(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func firstOf(f map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := f[k]; v != "" && v != "<NA>" {
			return v
		}
	}
	return ""
}

func contentHash(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(hash[:])
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

const maxFieldRunes = 1000

// sanitizeString drops control characters, turns line breaks and tabs into
// spaces and bounds the length in runes.
func sanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)

	if utf8.RuneCountInString(s) > maxFieldRunes {
		n := 0
		for i := range s {
			if n == maxFieldRunes {
				s = s[:i] + "..."
				break
			}
			n++
		}
	}

	return strings.TrimSpace(s)
}
