// Package ingest feeds raw sensor alerts into the pipeline from NATS or
// from JSON-lines streams.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
)

// Publisher accepts raw alert payloads without blocking. It returns an
// error when the payload was rejected.
type Publisher interface {
	Publish(data []byte) error
}

// BlockingPublisher accepts raw alert payloads, waiting for room.
type BlockingPublisher interface {
	PublishWait(ctx context.Context, data []byte) error
}

// maxLine bounds one JSON alert line.
const maxLine = 1 << 20

// ReadLines publishes every non-blank line of r in order and returns the
// number of lines published.
func ReadLines(ctx context.Context, r io.Reader, pub BlockingPublisher) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	n := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if err := pub.PublishWait(ctx, data); err != nil {
			return n, err
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read alerts: %w", err)
	}
	return n, nil
}
