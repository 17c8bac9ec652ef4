package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_AppendAndEvict(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	j := NewJournal()

	j.Append(Event{ID: "a", Timestamp: base})
	j.Append(Event{ID: "c", Timestamp: base.Add(2 * time.Minute)})
	j.Append(Event{ID: "b", Timestamp: base.Add(time.Minute)}) // late arrival
	j.Append(Event{ID: "d", Timestamp: base.Add(3 * time.Minute)})
	require.Equal(t, 4, j.Len())

	ev, ok := j.Get("b")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), ev.Timestamp)

	evicted := j.EvictOlderThan(base.Add(2 * time.Minute))
	require.Len(t, evicted, 2)
	assert.Equal(t, "a", evicted[0].ID)
	assert.Equal(t, "b", evicted[1].ID)
	assert.Equal(t, 2, j.Len())

	_, ok = j.Get("a")
	assert.False(t, ok)
	ev, ok = j.Get("d")
	require.True(t, ok)
	assert.Equal(t, "d", ev.ID)

	j.Append(Event{ID: "e", Timestamp: base.Add(150 * time.Second)})
	ev, ok = j.Get("e")
	require.True(t, ok)
	assert.Equal(t, "e", ev.ID)
	ev, ok = j.Get("d")
	require.True(t, ok)
	assert.Equal(t, "d", ev.ID)

	assert.Empty(t, j.EvictOlderThan(base))
}
