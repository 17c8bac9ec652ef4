package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/vigil/pkg/events"
	"github.com/lucid-vigil/vigil/pkg/model"
)

func event(id string, at time.Time) events.Event {
	return events.Event{
		ID:        id,
		Timestamp: at,
		RuleID:    "Terminal shell in container",
		Severity:  model.SeverityHigh,
		Source:    "web-1",
		Syscall:   "execve",
		ActorRef:  events.NodeRef{Type: model.NodeProcess, NaturalKey: "web-1/100", Name: "nginx"},
		TargetRef: events.NodeRef{Type: model.NodeProcess, NaturalKey: "web-1/4242", Name: "sh"},
		Attributes: map[string]string{
			"output": "A shell was spawned in a container with an attached terminal",
		},
	}
}

func TestArchive_AppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.archive")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Append([]events.Event{event("e1", base), event("e2", base.Add(time.Second))}))
	require.NoError(t, a.Append(nil))
	require.NoError(t, a.Close())

	// Reopening appends rather than truncating.
	a, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Append([]events.Event{event("e3", base.Add(2*time.Second))}))
	stats := a.Stats()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Equal(t, uint64(1), stats.Events)
	assert.Positive(t, stats.BytesCompressed)

	got, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e3", got[2].ID)
	assert.Equal(t, event("e2", base.Add(time.Second)), got[1])

	assert.Error(t, a.Append([]events.Event{event("late", base)}))
}

func TestReadAll_TruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.archive")
	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Append([]events.Event{event("e1", time.Unix(0, 0).UTC()), event("e2", time.Unix(1, 0).UTC())}))
	require.NoError(t, a.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	got, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}

func TestReadAll_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.archive")
	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Append([]events.Event{event("e1", time.Unix(0, 0).UTC())}))
	require.NoError(t, a.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[6] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o640))

	_, err = ReadAll(path)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestReadAll_Missing(t *testing.T) {
	got, err := ReadAll(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
