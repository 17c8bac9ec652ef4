package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventDeduplicator(t *testing.T) {
	d := NewEventDeduplicator(16, time.Minute)

	first := Event{ID: "evt-1", DedupKey: "abc"}
	redelivered := Event{ID: "evt-2", DedupKey: "abc"}
	other := Event{ID: "u-9"}

	assert.False(t, d.IsDuplicate(first))
	assert.True(t, d.IsDuplicate(redelivered))
	assert.False(t, d.IsDuplicate(other))
	assert.True(t, d.IsDuplicate(other))
	assert.Equal(t, 2, d.Len())
}
