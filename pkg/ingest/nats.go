package ingest

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/config"
)

// NATSSource subscribes to the alert subject in a queue group so several
// engine replicas share one feed.
type NATSSource struct {
	cfg    config.IngestConfig
	pub    Publisher
	logger zerolog.Logger

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription

	received atomic.Int64
	rejected atomic.Int64
}

// SourceStats reports subscriber counters.
type SourceStats struct {
	Received  int64 `json:"received"`
	Rejected  int64 `json:"rejected"`
	Connected bool  `json:"connected"`
}

// NewNATSSource creates a source. Call Start to connect.
func NewNATSSource(cfg config.IngestConfig, pub Publisher, logger zerolog.Logger) *NATSSource {
	return &NATSSource{
		cfg:    cfg,
		pub:    pub,
		logger: logger.With().Str("component", "nats_ingest").Logger(),
	}
}

// Start connects and subscribes. Delivery happens on the NATS client's
// goroutine; the handler only hands payloads to the publisher.
func (s *NATSSource) Start() error {
	opts := []nats.Option{
		nats.Name("vigil"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(s.cfg.NatsURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sub, err := nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.handle)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Subject, err)
	}

	s.mu.Lock()
	s.nc, s.sub = nc, sub
	s.mu.Unlock()

	s.logger.Info().Str("subject", s.cfg.Subject).Str("queue", s.cfg.Queue).Msg("Subscribed to sensor alerts")
	return nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	s.received.Add(1)
	if err := s.pub.Publish(msg.Data); err != nil {
		s.rejected.Add(1)
		s.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("Alert rejected by intake")
	}
}

// Stop drains the subscription and closes the connection.
func (s *NATSSource) Stop() {
	s.mu.Lock()
	nc := s.nc
	s.nc, s.sub = nil, nil
	s.mu.Unlock()
	if nc == nil {
		return
	}
	if err := nc.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		nc.Close()
	}
	s.logger.Info().Int64("received", s.received.Load()).Int64("rejected", s.rejected.Load()).
		Msg("NATS ingest stopped")
}

// Stats returns subscriber counters.
func (s *NATSSource) Stats() SourceStats {
	s.mu.Lock()
	connected := s.nc != nil && s.nc.IsConnected()
	s.mu.Unlock()
	return SourceStats{
		Received:  s.received.Load(),
		Rejected:  s.rejected.Load(),
		Connected: connected,
	}
}
