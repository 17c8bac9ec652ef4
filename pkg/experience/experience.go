// Package experience keeps the append-only record of remediation outcomes
// and feeds them back into correlation weights.
package experience

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/model"
)

// Record is one observed remediation outcome. Records are never modified.
type Record struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	ChainID      string           `json:"chain_id"`
	Fingerprint  string           `json:"fingerprint"`
	ActionKind   model.ActionKind `json:"action_kind"`
	TargetNodeID string           `json:"target_node_id"`
	Outcome      model.Outcome    `json:"outcome"`
	Actor        string           `json:"actor,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	RecordedAt   time.Time        `json:"recorded_at"`
}

// Log persists records in append order.
type Log interface {
	Append(ctx context.Context, rec Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// All returns every record, oldest first.
	All(ctx context.Context) ([]Record, error)
	Close() error
}

// WeightAdjuster learns from outcomes. The correlation engine implements it.
type WeightAdjuster interface {
	ApplyExperience(fingerprint string, outcome model.Outcome)
}

// WeightReader exposes learned weights for reporting.
type WeightReader interface {
	Weight(fingerprint string) float64
}

// FingerprintStats aggregates outcomes of one chain shape.
type FingerprintStats struct {
	Effective     int     `json:"effective"`
	Ineffective   int     `json:"ineffective"`
	FalsePositive int     `json:"false_positive"`
	Weight        float64 `json:"weight"`
}

// Stats summarizes recorded experience.
type Stats struct {
	Total         int                         `json:"total"`
	ByOutcome     map[model.Outcome]int       `json:"by_outcome"`
	ByAction      map[model.ActionKind]int    `json:"by_action"`
	ByFingerprint map[string]FingerprintStats `json:"by_fingerprint"`
	Pending       int                         `json:"pending_notifications"`
	Applied       int64                       `json:"applied_total"`
}

// Store appends records to a Log and notifies the WeightAdjuster from a
// background worker.
type Store struct {
	log      Log
	adjuster WeightAdjuster
	logger   zerolog.Logger

	mu            sync.Mutex
	byOutcome     map[model.Outcome]int
	byAction      map[model.ActionKind]int
	byFingerprint map[string]*FingerprintStats
	total         int

	notify  chan Record
	applied atomic.Int64
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewStore creates a store over log. adjuster may be nil.
func NewStore(log Log, adjuster WeightAdjuster, bufferSize int, logger zerolog.Logger) *Store {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Store{
		log:           log,
		adjuster:      adjuster,
		logger:        logger.With().Str("component", "experience_store").Logger(),
		byOutcome:     make(map[model.Outcome]int),
		byAction:      make(map[model.ActionKind]int),
		byFingerprint: make(map[string]*FingerprintStats),
		notify:        make(chan Record, bufferSize),
		stop:          make(chan struct{}),
	}
}

// Load replays the persisted log into the counters and the adjuster. Call
// it once, before Start.
func (s *Store) Load(ctx context.Context) (int, error) {
	records, err := s.log.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("load experience records: %w", err)
	}
	for _, rec := range records {
		s.count(rec)
		s.apply(rec)
	}
	if len(records) > 0 {
		s.logger.Info().Int("records", len(records)).Msg("Experience replayed")
	}
	return len(records), nil
}

// Start launches the notifier. It runs until Stop so that outcomes recorded
// during shutdown still reach the adjuster.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case rec := <-s.notify:
				s.apply(rec)
			case <-s.stop:
				for {
					select {
					case rec := <-s.notify:
						s.apply(rec)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop drains pending notifications and closes the log.
func (s *Store) Stop() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.log.Close()
}

// Record appends rec and schedules the weight update.
func (s *Store) Record(ctx context.Context, rec Record) (Record, error) {
	if rec.Outcome == "" {
		return Record{}, fmt.Errorf("experience record requires an outcome")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	if err := s.log.Append(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("append experience record: %w", err)
	}

	s.count(rec)

	s.logger.Info().
		Str("record_id", rec.ID).
		Str("task_id", rec.TaskID).
		Str("fingerprint", rec.Fingerprint).
		Str("outcome", string(rec.Outcome)).
		Msg("Experience recorded")

	select {
	case s.notify <- rec:
	default:
		s.logger.Warn().Str("record_id", rec.ID).Msg("Experience notifier backlog full, applying inline")
		s.apply(rec)
	}
	return rec, nil
}

func (s *Store) count(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byOutcome[rec.Outcome]++
	s.byAction[rec.ActionKind]++
	fs, ok := s.byFingerprint[rec.Fingerprint]
	if !ok {
		fs = &FingerprintStats{}
		s.byFingerprint[rec.Fingerprint] = fs
	}
	switch rec.Outcome {
	case model.OutcomeEffective:
		fs.Effective++
	case model.OutcomeIneffective:
		fs.Ineffective++
	case model.OutcomeFalsePositive:
		fs.FalsePositive++
	}
}

func (s *Store) apply(rec Record) {
	if s.adjuster == nil || rec.Fingerprint == "" {
		return
	}
	s.adjuster.ApplyExperience(rec.Fingerprint, rec.Outcome)
	s.applied.Add(1)
}

// Recent returns the latest records from the log.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.log.Recent(ctx, limit)
}

// Stats returns aggregated counts and the current weight of every
// fingerprint seen.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Total:         s.total,
		ByOutcome:     make(map[model.Outcome]int, len(s.byOutcome)),
		ByAction:      make(map[model.ActionKind]int, len(s.byAction)),
		ByFingerprint: make(map[string]FingerprintStats, len(s.byFingerprint)),
		Pending:       len(s.notify),
		Applied:       s.applied.Load(),
	}
	for k, v := range s.byOutcome {
		st.ByOutcome[k] = v
	}
	for k, v := range s.byAction {
		st.ByAction[k] = v
	}
	for k, v := range s.byFingerprint {
		st.ByFingerprint[k] = *v
	}
	s.mu.Unlock()

	if wr, ok := s.adjuster.(WeightReader); ok {
		for fp, fs := range st.ByFingerprint {
			fs.Weight = wr.Weight(fp)
			st.ByFingerprint[fp] = fs
		}
	}
	return st
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (m *MemoryLog) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Recent implements Log.
func (m *MemoryLog) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// All implements Log.
func (m *MemoryLog) All(context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...), nil
}

// Close implements Log.
func (m *MemoryLog) Close() error { return nil }
