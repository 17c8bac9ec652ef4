// Package archive keeps events evicted from the retention window in a
// snappy-compressed append-only file.
package archive

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"github.com/lucid-vigil/vigil/pkg/events"
)

// Stats reports archive throughput.
type Stats struct {
	Path              string `json:"path"`
	Events            uint64 `json:"events"`
	BytesUncompressed uint64 `json:"bytes_uncompressed"`
	BytesCompressed   uint64 `json:"bytes_compressed"`
}

// Archive appends events as frames of [len:4][snappy(json):N][crc32:4].
type Archive struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	stats  Stats
}

// Open opens or creates the archive file at path.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return &Archive{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		stats:  Stats{Path: path},
	}, nil
}

// Append writes evts and syncs the file.
func (a *Archive) Append(evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return errors.New("archive is closed")
	}
	for _, ev := range evts {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		compressed := snappy.Encode(nil, data)
		if err := writeFrame(a.writer, compressed); err != nil {
			return fmt.Errorf("failed to write archive frame: %w", err)
		}
		a.stats.Events++
		a.stats.BytesUncompressed += uint64(len(data))
		a.stats.BytesCompressed += uint64(len(compressed))
	}

	if err := a.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	return nil
}

func writeFrame(w *bufio.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, crc32.ChecksumIEEE(data))
}

// Stats returns archive counters for this process.
func (a *Archive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Close flushes and closes the file.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	flushErr := a.writer.Flush()
	closeErr := a.file.Close()
	a.file = nil
	return errors.Join(flushErr, closeErr)
}

// ReadAll decodes every event in the archive at path. A truncated final
// frame, left by a crash mid-write, ends the read without error.
func ReadAll(path string) ([]events.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	out := make([]events.Event, 0)
	for {
		var n uint32
		if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return nil, err
		}
		compressed := make([]byte, n)
		if _, err := io.ReadFull(reader, compressed); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return nil, err
		}
		var sum uint32
		if err := binary.Read(reader, binary.BigEndian, &sum); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return nil, err
		}
		if crc32.ChecksumIEEE(compressed) != sum {
			return nil, fmt.Errorf("checksum mismatch at event %d", len(out))
		}
		data, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress archive frame: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode archived event: %w", err)
		}
		out = append(out, ev)
	}
}
