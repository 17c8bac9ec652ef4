package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucid-vigil/vigil/pkg/config"
)

type recordingPublisher struct {
	mu    sync.Mutex
	lines []string
	err   error
	limit int
}

func (r *recordingPublisher) Publish(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.lines = append(r.lines, string(data))
	return nil
}

func (r *recordingPublisher) PublishWait(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.limit > 0 && len(r.lines) >= r.limit {
		r.mu.Unlock()
		return errors.New("intake closed")
	}
	r.mu.Unlock()
	return r.Publish(data)
}

func TestReadLines(t *testing.T) {
	input := "{\"rule\":\"a\"}\n\n   \n{\"rule\":\"b\"}\r\n{\"rule\":\"c\"}"
	pub := &recordingPublisher{}

	n, err := ReadLines(context.Background(), strings.NewReader(input), pub)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{`{"rule":"a"}`, `{"rule":"b"}`, `{"rule":"c"}`}, pub.lines)
}

func TestReadLines_StopsOnPublishError(t *testing.T) {
	pub := &recordingPublisher{limit: 1}
	n, err := ReadLines(context.Background(), strings.NewReader("a\nb\nc\n"), pub)
	assert.ErrorContains(t, err, "intake closed")
	assert.Equal(t, 1, n)
}

func TestReadLines_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := ReadLines(ctx, strings.NewReader("a\n"), &recordingPublisher{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestReadLines_TooLong(t *testing.T) {
	long := strings.Repeat("x", maxLine+1)
	_, err := ReadLines(context.Background(), strings.NewReader(long), &recordingPublisher{})
	assert.Error(t, err)
}

func TestNATSSource_Handle(t *testing.T) {
	pub := &recordingPublisher{}
	src := NewNATSSource(config.IngestConfig{Subject: "falco.alerts", Queue: "vigil"}, pub, zerolog.Nop())

	src.handle(&nats.Msg{Subject: "falco.alerts", Data: []byte(`{"rule":"a"}`)})
	pub.err = errors.New("intake full")
	src.handle(&nats.Msg{Subject: "falco.alerts", Data: []byte(`{"rule":"b"}`)})

	stats := src.Stats()
	assert.Equal(t, int64(2), stats.Received)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.False(t, stats.Connected)
	assert.Equal(t, []string{`{"rule":"a"}`}, pub.lines)

	src.Stop()
}
