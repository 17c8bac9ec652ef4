// pkg/events/event.go
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucid-vigil/vigil/pkg/model"
)

// RawAlert is a sensor alert as emitted by Falco's JSON output.
type RawAlert struct {
	UUID         string                 `json:"uuid"`
	Time         string                 `json:"time" validate:"required"`
	Rule         string                 `json:"rule" validate:"required"`
	Priority     string                 `json:"priority"`
	Source       string                 `json:"source"`
	Hostname     string                 `json:"hostname"`
	Output       string                 `json:"output"`
	OutputFields map[string]interface{} `json:"output_fields" validate:"required"`
	Tags         []string               `json:"tags"`
}

// DecodeRawAlert parses one JSON alert. Numbers are kept as json.Number so
// large pid/start timestamps survive without float rounding.
func DecodeRawAlert(data []byte) (RawAlert, error) {
	var raw RawAlert
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return RawAlert{}, fmt.Errorf("decode alert: %w", err)
	}
	return raw, nil
}

// NodeRef identifies an actor or resource referenced by an event.
type NodeRef struct {
	Type       model.NodeType    `json:"type"`
	NaturalKey string            `json:"natural_key"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsZero reports whether the reference is unset.
func (r NodeRef) IsZero() bool {
	return r.NaturalKey == ""
}

// Event is the canonical, immutable record produced by the Normalizer.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	RuleID     string            `json:"rule_id"`
	Severity   model.Severity    `json:"severity"`
	Source     string            `json:"source"`
	Syscall    string            `json:"syscall,omitempty"`
	ActorRef   NodeRef           `json:"actor_ref"`
	TargetRef  NodeRef           `json:"target_ref"`
	Attributes map[string]string `json:"attributes"`

	// DedupKey is the sensor-assigned id when present, otherwise a hash of
	// the alert content, so redelivered alerts collapse onto one key.
	DedupKey string `json:"-"`
}
