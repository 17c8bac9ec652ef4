package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrIntakeFull is returned by Publish when the intake buffer is full.
var ErrIntakeFull = errors.New("intake buffer is full")

// ErrIntakeStopped is returned once the intake no longer accepts alerts.
var ErrIntakeStopped = errors.New("intake is stopped")

// Handler processes one raw alert payload.
type Handler func(ctx context.Context, data []byte)

// IntakeMetrics reports intake activity.
type IntakeMetrics struct {
	Published int64 `json:"published"`
	Processed int64 `json:"processed"`
	Rejected  int64 `json:"rejected"`
	Pending   int   `json:"pending"`
}

// Intake is the bounded queue between alert sources and the single
// ingestion worker. Sources never block on it: a full buffer rejects.
type Intake struct {
	buffer      chan []byte
	handler     Handler
	logger      zerolog.Logger
	mu          sync.Mutex
	running     bool
	stopChannel chan struct{}
	wg          sync.WaitGroup

	published atomic.Int64
	processed atomic.Int64
	rejected  atomic.Int64
}

// NewIntake creates an intake that hands payloads to handler.
func NewIntake(logger zerolog.Logger, bufferSize int, handler Handler) *Intake {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	return &Intake{
		buffer:      make(chan []byte, bufferSize),
		handler:     handler,
		logger:      logger.With().Str("component", "intake").Logger(),
		stopChannel: make(chan struct{}),
	}
}

// Publish enqueues a payload without blocking.
func (in *Intake) Publish(data []byte) error {
	select {
	case <-in.stopChannel:
		return ErrIntakeStopped
	default:
	}

	select {
	case in.buffer <- data:
		in.published.Add(1)
		return nil
	default:
		if n := in.rejected.Add(1); n == 1 || n%1000 == 0 {
			in.logger.Error().Int64("rejected_total", n).Msg("Intake buffer full, dropping alert")
		}
		return ErrIntakeFull
	}
}

// PublishWait enqueues a payload, waiting for room. Replay uses it so a
// file is never truncated by backpressure.
func (in *Intake) PublishWait(ctx context.Context, data []byte) error {
	select {
	case in.buffer <- data:
		in.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-in.stopChannel:
		return ErrIntakeStopped
	}
}

// Start begins processing payloads from the buffer
func (in *Intake) Start(ctx context.Context) {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return
	}
	in.running = true
	in.mu.Unlock()

	in.logger.Info().Int("buffer", cap(in.buffer)).Msg("Intake starting...")

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		for {
			select {
			case data := <-in.buffer:
				in.process(ctx, data)
			case <-ctx.Done():
				in.logger.Info().Msg("Intake shutting down due to context cancellation...")
				return
			case <-in.stopChannel:
				in.drain(ctx)
				in.logger.Info().Msg("Intake shutting down...")
				return
			}
		}
	}()
}

func (in *Intake) drain(ctx context.Context) {
	for {
		select {
		case data := <-in.buffer:
			in.process(ctx, data)
		default:
			return
		}
	}
}

func (in *Intake) process(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error().Interface("panic", r).Msg("Recovered panic in ingestion worker")
		}
		in.processed.Add(1)
	}()
	in.handler(ctx, data)
}

// Stop stops accepting payloads, processes what is buffered and waits for
// the worker.
func (in *Intake) Stop() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	in.running = false
	in.mu.Unlock()

	close(in.stopChannel)
	in.wg.Wait()
	in.logger.Info().Msg("Intake stopped")
}

// Idle reports whether every published payload has been processed.
func (in *Intake) Idle() bool {
	return in.processed.Load() >= in.published.Load()
}

// GetMetrics returns current intake metrics
func (in *Intake) GetMetrics() IntakeMetrics {
	return IntakeMetrics{
		Published: in.published.Load(),
		Processed: in.processed.Load(),
		Rejected:  in.rejected.Load(),
		Pending:   len(in.buffer),
	}
}
