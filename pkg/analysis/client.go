package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/config"
	"github.com/lucid-vigil/vigil/pkg/correlation"
	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// Stats reports analysis throughput.
type Stats struct {
	Queued   int   `json:"queued"`
	Offered  int64 `json:"offered_total"`
	Dropped  int64 `json:"dropped_total"`
	Batches  int64 `json:"batches_total"`
	Calls    int64 `json:"scorer_calls_total"`
	Assessed int64 `json:"assessed_total"`
	Failed   int64 `json:"failed_total"`
}

// Client batches finalized chains, calls the scorer with retries and
// delivers assessments to the handler. It implements correlation.Sink.
type Client struct {
	cfg     config.AnalysisConfig
	scorer  Scorer
	tracker ChainTracker
	nodes   NodeLookup
	queue   *Queue
	logger  zerolog.Logger
	errs    *vigilerrors.ErrorHandler

	handlerMu sync.RWMutex
	handler   Handler

	batches chan []correlation.Chain
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	offered  atomic.Int64
	dropped  atomic.Int64
	batchCnt atomic.Int64
	calls    atomic.Int64
	assessed atomic.Int64
	failed   atomic.Int64
}

// NewClient creates a client. errs may be nil.
func NewClient(cfg config.AnalysisConfig, scorer Scorer, tracker ChainTracker, nodes NodeLookup, logger zerolog.Logger, errs *vigilerrors.ErrorHandler) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "risk_analysis").Logger()
	if errs == nil {
		errs = vigilerrors.NewErrorHandler(logger, nil)
	}
	return &Client{
		cfg:     cfg,
		scorer:  scorer,
		tracker: tracker,
		nodes:   nodes,
		queue:   NewQueue(cfg.QueueSize),
		logger:  logger,
		errs:    errs,
		batches: make(chan []correlation.Chain, cfg.Workers),
		stop:    make(chan struct{}),
	}
}

// SetHandler registers the assessment consumer.
func (c *Client) SetHandler(h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

// Finalized implements correlation.Sink. It never blocks.
func (c *Client) Finalized(chain correlation.Chain) {
	c.offered.Add(1)
	dropped, evicted := c.queue.Offer(chain)
	if !evicted {
		return
	}

	c.dropped.Add(1)
	err := vigilerrors.NewBackpressureDrop(dropped.ID, string(dropped.MaxSeverity))
	c.errs.Handle(context.Background(), err)
	if terr := c.tracker.MarkDropped(dropped.ID, "analysis queue full"); terr != nil {
		c.logger.Warn().Err(terr).Str("chain_id", dropped.ID).Msg("Failed to mark dropped chain")
	}
}

// Start launches the batcher and the worker pool.
func (c *Client) Start(ctx context.Context) {
	c.logger.Info().
		Int("workers", c.cfg.Workers).
		Int("batch_size", c.cfg.BatchSize).
		Dur("batch_window", c.cfg.BatchWindow).
		Msg("Risk analysis client starting...")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.batches)
		c.runBatcher(ctx)
	}()

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			for batch := range c.batches {
				c.process(ctx, worker, batch)
			}
		}(i)
	}
}

// Stop stops batching and waits for in-flight batches.
func (c *Client) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.logger.Info().Msg("Risk analysis client stopped")
}

func (c *Client) runBatcher(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.BatchWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-c.queue.Ready():
			for c.queue.Len() >= c.cfg.BatchSize {
				if !c.dispatch(ctx, c.queue.TakeBatch(c.cfg.BatchSize)) {
					return
				}
			}
		case <-ticker.C:
			if c.queue.Len() > 0 {
				if !c.dispatch(ctx, c.queue.TakeBatch(c.cfg.BatchSize)) {
					return
				}
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, batch []correlation.Chain) bool {
	select {
	case c.batches <- batch:
		return true
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	}
}

func (c *Client) process(ctx context.Context, worker int, batch []correlation.Chain) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Int("worker", worker).Msg("Recovered panic in analysis worker")
		}
	}()
	if _, err := c.Assess(ctx, batch); err != nil {
		c.logger.Debug().Err(err).Int("worker", worker).Msg("Batch assessment failed")
	}
}

// Flush assesses everything still queued, synchronously.
func (c *Client) Flush(ctx context.Context) {
	for c.queue.Len() > 0 {
		if ctx.Err() != nil {
			return
		}
		_, _ = c.Assess(ctx, c.queue.TakeBatch(c.cfg.BatchSize))
	}
}

// Assess scores one batch. Chains that receive a valid result are archived
// and delivered to the handler; all others are marked AnalysisFailed. The
// returned error is non-nil when the scorer call itself failed.
func (c *Client) Assess(ctx context.Context, batch []correlation.Chain) ([]RiskAssessment, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	c.batchCnt.Add(1)

	summaries := make([]ChainSummary, len(batch))
	for i, ch := range batch {
		summaries[i] = Summarize(ch, c.nodes)
	}

	attempts := 0
	results, err := backoff.Retry(ctx, func() ([]ScoreResult, error) {
		attempts++
		c.calls.Add(1)
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		res, err := c.scorer.Assess(callCtx, summaries)
		if err != nil {
			if errors.Is(err, ErrPermanent) {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warn().Err(err).Int("attempt", attempts).Int("batch", len(batch)).Msg("Risk scorer call failed, retrying")
			return nil, err
		}
		return res, nil
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(uint(c.cfg.MaxAttempts)))

	if err != nil {
		for _, ch := range batch {
			c.fail(ctx, ch, attempts, err)
		}
		return nil, vigilerrors.NewAnalysisFailed(batch[0].ID, attempts, err)
	}

	byChain := make(map[string]ScoreResult, len(results))
	for _, r := range results {
		byChain[r.ChainID] = r
	}

	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()

	now := time.Now().UTC()
	assessments := make([]RiskAssessment, 0, len(batch))
	for _, ch := range batch {
		r, ok := byChain[ch.ID]
		if !ok {
			c.fail(ctx, ch, attempts, fmt.Errorf("%w: no result for chain", ErrPermanent))
			continue
		}
		if r.Score < 0 || r.Score > 1 {
			c.fail(ctx, ch, attempts, fmt.Errorf("%w: score %v out of range", ErrPermanent, r.Score))
			continue
		}

		a := RiskAssessment{
			ChainID:               ch.ID,
			Fingerprint:           ch.Fingerprint,
			Score:                 r.Score,
			Rationale:             r.Rationale,
			RecommendedActionKind: model.ParseActionKind(r.RecommendedAction),
			AssessedAt:            now,
		}
		assessments = append(assessments, a)
		c.assessed.Add(1)

		if terr := c.tracker.MarkArchived(ch.ID); terr != nil {
			c.logger.Warn().Err(terr).Str("chain_id", ch.ID).Msg("Failed to archive assessed chain")
		}
		c.logger.Info().
			Str("chain_id", ch.ID).
			Float64("score", a.Score).
			Str("recommended_action", string(a.RecommendedActionKind)).
			Msg("Chain assessed")

		if handler != nil {
			handler.HandleAssessment(ctx, a, ch)
		}
	}
	return assessments, nil
}

func (c *Client) fail(ctx context.Context, ch correlation.Chain, attempts int, cause error) {
	c.failed.Add(1)
	err := vigilerrors.NewAnalysisFailed(ch.ID, attempts, cause)
	c.errs.Handle(ctx, err)
	if terr := c.tracker.MarkAnalysisFailed(ch.ID, cause.Error()); terr != nil {
		c.logger.Warn().Err(terr).Str("chain_id", ch.ID).Msg("Failed to mark chain analysis failure")
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialBackoff > 0 {
		b.InitialInterval = c.cfg.InitialBackoff
	}
	if c.cfg.MaxBackoff > 0 {
		b.MaxInterval = c.cfg.MaxBackoff
	}
	return b
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	return Stats{
		Queued:   c.queue.Len(),
		Offered:  c.offered.Load(),
		Dropped:  c.dropped.Load(),
		Batches:  c.batchCnt.Load(),
		Calls:    c.calls.Load(),
		Assessed: c.assessed.Load(),
		Failed:   c.failed.Load(),
	}
}
