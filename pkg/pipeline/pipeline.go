// Package pipeline wires the engine together: alerts flow from the intake
// through normalization, the graph and correlation into risk analysis, the
// response orchestrator and the experience store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/actions"
	"github.com/lucid-vigil/vigil/pkg/actions/block_ip"
	"github.com/lucid-vigil/vigil/pkg/actions/kill_process"
	"github.com/lucid-vigil/vigil/pkg/actions/quarantine_file"
	"github.com/lucid-vigil/vigil/pkg/analysis"
	"github.com/lucid-vigil/vigil/pkg/archive"
	"github.com/lucid-vigil/vigil/pkg/config"
	"github.com/lucid-vigil/vigil/pkg/correlation"
	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
	"github.com/lucid-vigil/vigil/pkg/events"
	"github.com/lucid-vigil/vigil/pkg/experience"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/graph/neo4jsink"
	"github.com/lucid-vigil/vigil/pkg/ingest"
	"github.com/lucid-vigil/vigil/pkg/logger"
	"github.com/lucid-vigil/vigil/pkg/metrics"
	"github.com/lucid-vigil/vigil/pkg/orchestrator"
	"github.com/lucid-vigil/vigil/pkg/scheduler"
)

// Ingestion results, also used as metric labels.
const (
	ResultIngested  = "ingested"
	ResultDuplicate = "duplicate"
	ResultMalformed = "malformed"
	ResultDangling  = "dangling"
	ResultUnrelated = "unrelated"
	ResultTerminal  = "terminal"
)

// Options overrides the backends New would otherwise build from config.
// Zero values select the configured defaults.
type Options struct {
	// Scorer defaults to the HTTP scorer when analysis.endpoint is set and
	// to the local scorer otherwise.
	Scorer analysis.Scorer
	// Actuator and Verifier default to the built-in action dispatcher.
	Actuator orchestrator.Actuator
	Verifier orchestrator.Verifier
	// ExperienceLog defaults to Postgres when experience.postgres_url is set.
	ExperienceLog experience.Log
	// GraphWriter defaults to the Neo4j driver when graph.neo4j.uri is set.
	GraphWriter neo4jsink.Writer
	Metrics     *metrics.Registry
	// EventTime drives sweeps and eviction from the event watermark instead
	// of the wall clock. Replays use it.
	EventTime bool
}

// Stats is a point-in-time view of every stage.
type Stats struct {
	Intake       IntakeMetrics          `json:"intake"`
	Results      map[string]int64       `json:"results"`
	Journal      int                    `json:"journal_events"`
	DedupKeys    int                    `json:"dedup_keys"`
	Graph        graph.Stats            `json:"graph"`
	Correlation  correlation.Stats      `json:"correlation"`
	Analysis     analysis.Stats         `json:"analysis"`
	Orchestrator orchestrator.Stats     `json:"orchestrator"`
	Errors       vigilerrors.ErrorStats `json:"errors"`
	Mirror       *neo4jsink.Stats       `json:"mirror,omitempty"`
	Archive      *archive.Stats         `json:"archive,omitempty"`
	Watermark    time.Time              `json:"watermark"`
	Evictions    graph.EvictionStats    `json:"last_eviction"`
	Experience   map[string]int         `json:"experience_by_outcome"`
}

// Pipeline owns every engine component and the ingestion worker.
type Pipeline struct {
	cfg    *config.Config
	opts   Options
	logger zerolog.Logger

	metrics    *metrics.Registry
	collector  *vigilerrors.MemoryCollector
	errs       *vigilerrors.ErrorHandler
	normalizer *events.Normalizer
	dedup      *events.EventDeduplicator
	journal    *events.Journal
	store      *graph.MemoryStore
	mirror     *neo4jsink.Mirror
	engine     *correlation.Engine
	analysis   *analysis.Client
	dispatcher *actions.Dispatcher
	orch       *orchestrator.Orchestrator
	experience *experience.Store
	archive    *archive.Archive
	scheduler  *scheduler.Scheduler
	intake     *Intake

	results   sync.Map // result -> *atomic.Int64
	evictMu   sync.Mutex
	lastEvict graph.EvictionStats

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New builds the pipeline from cfg. Backends that need a connection
// (Postgres, Neo4j) are dialed here; the returned pipeline is not started.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (*Pipeline, error) {
	p := &Pipeline{
		cfg:        cfg,
		opts:       opts,
		logger:     log.With().Str("component", "pipeline").Logger(),
		metrics:    opts.Metrics,
		normalizer: events.NewNormalizer(),
		dedup:      events.NewEventDeduplicator(cfg.Ingest.DedupCapacity, cfg.Retention.Window),
		journal:    events.NewJournal(),
	}
	if p.metrics == nil {
		p.metrics = metrics.NewRegistry()
	}
	p.collector = vigilerrors.NewMemoryCollector(p.metrics.ObserveError)
	p.errs = vigilerrors.NewErrorHandler(log, p.collector)

	var sink graph.Sink
	writer := opts.GraphWriter
	if writer == nil && cfg.Graph.Neo4j.URI != "" {
		dw, err := neo4jsink.NewDriverWriter(ctx, cfg.Graph.Neo4j)
		if err != nil {
			return nil, err
		}
		writer = dw
	}
	if writer != nil {
		p.mirror = neo4jsink.New(writer, cfg.Graph.Neo4j.BufferSize, log)
		sink = p.mirror
	}
	p.store = graph.NewMemoryStore(log, sink)

	engine, err := correlation.NewEngine(cfg.Correlation, p.store, log)
	if err != nil {
		return nil, p.abort(fmt.Errorf("failed to create correlation engine: %w", err))
	}
	p.engine = engine

	scorer := opts.Scorer
	if scorer == nil {
		if cfg.Analysis.Endpoint != "" {
			scorer = analysis.NewHTTPScorer(cfg.Analysis.Endpoint, cfg.Analysis.APIKey, cfg.Analysis.Timeout)
		} else {
			p.logger.Warn().Msg("No analysis endpoint configured, chains are scored locally")
			scorer = analysis.NewLocalScorer()
		}
	}
	p.analysis = analysis.NewClient(cfg.Analysis, timedScorer{next: scorer, metrics: p.metrics}, p.engine, p.store, log, p.errs)
	p.engine.SetSink(p.analysis)

	p.dispatcher = actions.NewDispatcher(cfg.Actions.Enabled, log,
		kill_process.New(log),
		block_ip.New(nil, log),
		quarantine_file.New(cfg.Actions.QuarantineDir, log),
	)
	actuator, verifier := opts.Actuator, opts.Verifier
	if actuator == nil {
		actuator = p.dispatcher
	}
	if verifier == nil {
		verifier = p.dispatcher
	}

	expLog := opts.ExperienceLog
	if expLog == nil {
		if cfg.Experience.PostgresURL != "" {
			pg, err := experience.NewPostgresLog(ctx, cfg.Experience.PostgresURL)
			if err != nil {
				return nil, p.abort(err)
			}
			expLog = pg
		} else {
			expLog = experience.NewMemoryLog()
		}
	}
	p.experience = experience.NewStore(expLog, p.engine, cfg.Experience.NotifyBuffer, log)
	if _, err := p.experience.Load(ctx); err != nil {
		_ = expLog.Close()
		return nil, p.abort(err)
	}

	p.orch = orchestrator.New(cfg.Response, p.store, countingActuator{next: actuator, metrics: p.metrics},
		verifier, p.experience, log, p.errs)
	p.analysis.SetHandler(p.orch)

	if cfg.Retention.ArchivePath != "" {
		a, err := archive.Open(cfg.Retention.ArchivePath)
		if err != nil {
			_ = expLog.Close()
			return nil, p.abort(err)
		}
		p.archive = a
	}

	p.intake = NewIntake(log, cfg.Ingest.QueueSize, p.handle)

	p.scheduler = scheduler.NewScheduler(cfg, log)
	p.scheduler.RegisterJob(scheduler.JobFunc{JobName: "correlation_sweep", Fn: func(context.Context) { p.Sweep() }})
	p.scheduler.RegisterJob(scheduler.JobFunc{JobName: "retention_eviction", Fn: func(context.Context) { p.Evict() }})
	p.scheduler.RegisterJob(scheduler.JobFunc{JobName: "metrics_refresh", Fn: func(context.Context) { p.RefreshMetrics() }})
	p.scheduler.RegisterJob(scheduler.JobFunc{JobName: "history_prune", Fn: func(context.Context) { p.Prune() }})

	return p, nil
}

// abort releases what New already opened.
func (p *Pipeline) abort(err error) error {
	if p.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.mirror.Stop(ctx)
	}
	return err
}

// Start launches the background workers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.experience.Start()
	if p.mirror != nil {
		p.mirror.Start(ctx)
	}
	p.analysis.Start(ctx)
	p.intake.Start(ctx)
	p.scheduler.Start(ctx)

	p.logger.Info().
		Bool("event_time", p.opts.EventTime).
		Bool("actions_enabled", p.dispatcher.IsEnabled()).
		Bool("neo4j_mirror", p.mirror != nil).
		Bool("archive", p.archive != nil).
		Msg("Pipeline started")
}

// Stop drains ingestion, scores what is still queued, stops execution and
// closes every backend. ctx bounds the final flushes. The experience
// notifier and the graph mirror outlive the run context and are drained
// after execution stops.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	p.stopOnce.Do(func() {
		p.intake.Stop()
		p.analysis.Flush(ctx)
		if p.cancel != nil {
			p.cancel()
		}
		p.scheduler.Wait()
		p.analysis.Stop()
		p.orch.Stop()

		if err := p.experience.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("experience store: %w", err))
		}
		if p.mirror != nil {
			if err := p.mirror.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("graph mirror: %w", err))
			}
		}
		if p.archive != nil {
			if err := p.archive.Close(); err != nil {
				errs = append(errs, fmt.Errorf("archive: %w", err))
			}
		}
		p.logger.Info().Msg("Pipeline stopped")
	})
	return errors.Join(errs...)
}

// Publish implements ingest.Publisher. It never blocks.
func (p *Pipeline) Publish(data []byte) error {
	return p.intake.Publish(data)
}

// PublishWait implements ingest.BlockingPublisher.
func (p *Pipeline) PublishWait(ctx context.Context, data []byte) error {
	return p.intake.PublishWait(ctx, data)
}

// Replay feeds JSON lines from r through the pipeline, waits for ingestion
// to settle, closes every chain still open at the end of the stream and
// scores whatever is queued. It returns the number of lines published.
func (p *Pipeline) Replay(ctx context.Context, r io.Reader) (int, error) {
	n, err := ingest.ReadLines(ctx, r, p)
	if err != nil {
		return n, err
	}
	if err := p.WaitIdle(ctx); err != nil {
		return n, err
	}

	if wm := p.engine.Watermark(); !wm.IsZero() {
		closed := p.engine.Sweep(wm.Add(p.cfg.Correlation.Window))
		p.logger.Info().Int("chains", closed).Time("watermark", wm).Msg("Closed chains at end of replay")
	}
	p.analysis.Flush(ctx)
	return n, ctx.Err()
}

// WaitIdle blocks until every published alert has been processed.
func (p *Pipeline) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !p.intake.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// handle is the ingestion worker. Each alert is processed in isolation:
// failures are reported and the worker moves on.
func (p *Pipeline) handle(ctx context.Context, data []byte) {
	raw, err := events.DecodeRawAlert(data)
	if err != nil {
		p.fail(ctx, ResultMalformed, vigilerrors.NewMalformedInput("undecodable alert", err))
		return
	}
	ev, err := p.normalizer.Normalize(raw)
	if err != nil {
		p.fail(ctx, ResultMalformed, err)
		return
	}

	if _, seen := p.journal.Get(ev.ID); seen || p.dedup.IsDuplicate(ev) {
		p.logger.Debug().Str("event_id", ev.ID).Msg("Duplicate alert ignored")
		p.count(ResultDuplicate)
		return
	}
	p.journal.Append(ev)

	actor, err := p.store.UpsertNode(nodeFor(ev.ActorRef, ev.Timestamp))
	if err != nil {
		p.fail(ctx, ResultMalformed, vigilerrors.NewMalformedInput("invalid actor reference", err))
		return
	}

	if events.IsTerminal(ev) {
		closed := p.engine.ObserveTerminal(actor, ev.Timestamp)
		p.logger.Debug().Str("node_id", string(actor)).Int("chains", closed).Msg("Terminal event observed")
		p.count(ResultTerminal)
		return
	}

	target, err := p.store.UpsertNode(nodeFor(ev.TargetRef, ev.Timestamp))
	if err != nil {
		p.fail(ctx, ResultMalformed, vigilerrors.NewMalformedInput("invalid target reference", err))
		return
	}

	edgeType, ok := events.EdgeTypeFor(ev)
	if !ok {
		p.count(ResultUnrelated)
		return
	}

	edge := graph.Edge{
		Type:          edgeType,
		Source:        actor,
		Target:        target,
		Timestamp:     ev.Timestamp,
		OriginEventID: ev.ID,
		Severity:      ev.Severity,
		RuleID:        ev.RuleID,
	}
	edge.ID, err = p.store.AddEdge(edge)
	if err != nil {
		p.fail(ctx, ResultDangling, err)
		return
	}

	p.engine.OnEdge(edge)
	p.count(ResultIngested)
}

func nodeFor(ref events.NodeRef, at time.Time) graph.Node {
	return graph.Node{
		Type:       ref.Type,
		NaturalKey: ref.NaturalKey,
		Name:       ref.Name,
		Attributes: ref.Attributes,
		FirstSeen:  at,
		LastSeen:   at,
	}
}

func (p *Pipeline) fail(ctx context.Context, result string, err error) {
	p.count(result)
	p.errs.Handle(ctx, err)
}

func (p *Pipeline) count(result string) {
	v, _ := p.results.LoadOrStore(result, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	p.metrics.RecordEvent(result)
}

// now is the stream clock.
func (p *Pipeline) now() time.Time {
	if p.opts.EventTime {
		return p.engine.Watermark()
	}
	return time.Now().UTC()
}

// Sweep finalizes chains whose correlation window elapsed.
func (p *Pipeline) Sweep() int {
	now := p.now()
	if now.IsZero() {
		return 0
	}
	return p.engine.Sweep(now)
}

// Evict drops events, edges and nodes older than the retention window.
// Nodes referenced by open chains or non-terminal tasks are kept. Evicted
// events go to the archive when one is configured.
func (p *Pipeline) Evict() graph.EvictionStats {
	now := p.now()
	if now.IsZero() {
		return graph.EvictionStats{}
	}
	cutoff := now.Add(-p.cfg.Retention.Window)

	// Snapshot pins before taking the store's write lock.
	pinned := p.engine.PinnedNodes()
	for _, id := range p.orch.PinnedTargets() {
		pinned[id] = struct{}{}
	}

	p.evictMu.Lock()
	defer p.evictMu.Unlock()

	stats := p.store.EvictOlderThan(cutoff, func(id graph.NodeID) bool {
		_, ok := pinned[id]
		return ok
	})
	evicted := p.journal.EvictOlderThan(cutoff)
	if p.archive != nil && len(evicted) > 0 {
		if err := p.archive.Append(evicted); err != nil {
			p.logger.Error().Err(err).Int("events", len(evicted)).Msg("Failed to archive evicted events")
		}
	}
	p.lastEvict = stats

	p.logger.Info().
		Time("cutoff", cutoff).
		Int("events", len(evicted)).
		Int("edges", stats.EdgesEvicted).
		Int("nodes", stats.NodesEvicted).
		Int("pinned", stats.NodesPinned).
		Msg("Retention eviction completed")
	return stats
}

// Prune forgets finished tasks and failed chains older than their
// configured retention. A zero retention keeps them forever.
func (p *Pipeline) Prune() (tasks, chains int) {
	now := time.Now().UTC()
	if r := p.orch.Retention(); r > 0 {
		tasks = p.orch.Prune(now.Add(-r))
	}
	if r := p.engine.FailedRetention(); r > 0 {
		chains = p.engine.PruneFailed(now.Add(-r))
	}
	if tasks > 0 || chains > 0 {
		p.logger.Info().Int("tasks", tasks).Int("failed_chains", chains).Msg("History pruned")
	}
	return tasks, chains
}

// UpdateSettings applies a reloaded configuration to the running
// components. Queue sizes, worker counts and backends need a restart.
func (p *Pipeline) UpdateSettings(cfg *config.Config) {
	zerolog.SetGlobalLevel(logger.ParseLevel(cfg.LogLevel))
	if err := p.engine.UpdateSettings(cfg.Correlation); err != nil {
		p.logger.Error().Err(err).Msg("Rejected correlation settings")
	}
	p.orch.UpdateSettings(cfg.Response)
	p.dispatcher.SetEnabled(cfg.Actions.Enabled)
	p.logger.Info().Msg("Configuration reloaded")
}

// RefreshMetrics copies component state into the metrics registry.
func (p *Pipeline) RefreshMetrics() {
	st := p.Stats()

	snap := metrics.Snapshot{
		IntakePending:     st.Intake.Pending,
		JournalEvents:     st.Journal,
		DedupKeys:         st.DedupKeys,
		GraphNodesByType:  make(map[string]int, len(st.Graph.NodesByType)),
		GraphEdges:        st.Graph.Edges,
		ChainsByState:     map[string]int{"open": st.Correlation.Open, "awaiting_analysis": st.Correlation.AwaitingAnalysis, "analysis_failed": st.Correlation.Failed},
		AnalysisQueued:    st.Analysis.Queued,
		TasksByState:      make(map[string]int, len(st.Orchestrator.ByState)),
		ExperienceOutcome: st.Experience,
	}
	for t, n := range st.Graph.NodesByType {
		snap.GraphNodesByType[string(t)] = n
	}
	for s, n := range st.Orchestrator.ByState {
		snap.TasksByState[string(s)] = n
	}
	if st.Mirror != nil {
		snap.MirrorPending = st.Mirror.Pending
	}
	if st.Archive != nil {
		snap.ArchivedEvents = int64(st.Archive.Events)
	}
	p.metrics.Update(snap)
	p.metrics.UpdateSystemMetrics()
}

// Stats returns a snapshot of every stage.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Intake:       p.intake.GetMetrics(),
		Results:      make(map[string]int64),
		Journal:      p.journal.Len(),
		DedupKeys:    p.dedup.Len(),
		Graph:        p.store.Stats(),
		Correlation:  p.engine.Stats(),
		Analysis:     p.analysis.Stats(),
		Orchestrator: p.orch.Stats(),
		Errors:       p.collector.GetErrorStats(),
		Watermark:    p.engine.Watermark(),
		Experience:   make(map[string]int),
	}
	p.results.Range(func(k, v any) bool {
		st.Results[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	for o, n := range p.experience.Stats().ByOutcome {
		st.Experience[string(o)] = n
	}
	if p.mirror != nil {
		ms := p.mirror.Stats()
		st.Mirror = &ms
	}
	if p.archive != nil {
		as := p.archive.Stats()
		st.Archive = &as
	}
	p.evictMu.Lock()
	st.Evictions = p.lastEvict
	p.evictMu.Unlock()
	return st
}

// Engine returns the correlation engine.
func (p *Pipeline) Engine() *correlation.Engine { return p.engine }

// Orchestrator returns the response orchestrator.
func (p *Pipeline) Orchestrator() *orchestrator.Orchestrator { return p.orch }

// Experience returns the experience store.
func (p *Pipeline) Experience() *experience.Store { return p.experience }

// Graph returns the graph store.
func (p *Pipeline) Graph() graph.Store { return p.store }

// Metrics returns the metrics registry.
func (p *Pipeline) Metrics() *metrics.Registry { return p.metrics }
