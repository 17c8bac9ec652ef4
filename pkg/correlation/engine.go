package correlation

import (
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/vigil/pkg/config"
	"github.com/lucid-vigil/vigil/pkg/graph"
	"github.com/lucid-vigil/vigil/pkg/model"
)

// Sink receives chains that passed local filtering. Finalized is called
// without engine locks held and must not block.
type Sink interface {
	Finalized(c Chain)
}

// Stats reports correlation activity.
type Stats struct {
	Open             int   `json:"open"`
	AwaitingAnalysis int   `json:"awaiting_analysis"`
	Failed           int   `json:"analysis_failed"`
	Started          int64 `json:"started_total"`
	Extended         int64 `json:"extended_total"`
	Copied           int64 `json:"copied_total"`
	Finalized        int64 `json:"finalized_total"`
	Suppressed       int64 `json:"suppressed_total"`
	Archived         int64 `json:"archived_total"`
	Dropped          int64 `json:"dropped_total"`
	AnalysisFailed   int64 `json:"analysis_failed_total"`
	Fingerprints     int   `json:"weighted_fingerprints"`
}

// Engine maintains behavior chains over the graph. All chain state lives
// behind mu; graph lookups go through the injected store.
type Engine struct {
	mu     sync.Mutex
	store  graph.Store
	sink   Sink
	logger zerolog.Logger

	cfg        config.CorrelationConfig
	floor      model.Severity
	triggerSev model.Severity
	shells     map[string]bool
	services   map[string]bool
	rules      []SuppressionRule
	indicators []Indicator

	open      map[string]*Chain
	finalized map[string]*Chain
	failed    map[string]*Chain
	history   *lru.Cache[string, Chain]
	weights   map[string]float64
	watermark time.Time
	clock     func() time.Time

	stats Stats
}

// NewEngine creates an engine over store.
func NewEngine(cfg config.CorrelationConfig, store graph.Store, logger zerolog.Logger) (*Engine, error) {
	size := cfg.HistorySize
	if size <= 0 {
		size = 10000
	}
	history, err := lru.New[string, Chain](size)
	if err != nil {
		return nil, fmt.Errorf("create chain history: %w", err)
	}

	e := &Engine{
		store:     store,
		logger:    logger.With().Str("component", "correlation_engine").Logger(),
		open:      make(map[string]*Chain),
		finalized: make(map[string]*Chain),
		failed:    make(map[string]*Chain),
		history:   history,
		weights:   make(map[string]float64),
		clock:     func() time.Time { return time.Now().UTC() },
	}
	if err := e.applySettings(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// SetSink registers the consumer of finalized chains.
func (e *Engine) SetSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

// UpdateSettings swaps in new tunables. Open chains keep their edges; the
// new window and filters apply from the next edge or sweep.
func (e *Engine) UpdateSettings(cfg config.CorrelationConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applySettings(cfg)
}

func (e *Engine) applySettings(cfg config.CorrelationConfig) error {
	floor, ok := model.ParseSeverity(cfg.SeverityFloor)
	if !ok {
		floor = model.SeverityInfo
	}
	trig, ok := model.ParseSeverity(cfg.TriggerSeverity)
	if !ok {
		trig = model.SeverityCritical
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}

	rules := make([]SuppressionRule, 0, len(cfg.Suppress))
	for i, pattern := range cfg.Suppress {
		r := SuppressionRule{ID: fmt.Sprintf("config-%d", i), Name: "configured suppression", Pattern: pattern}
		if err := r.compile(); err != nil {
			return err
		}
		rules = append(rules, r)
	}
	indicators := defaultIndicators(cfg.SuspiciousPorts, cfg.StagingPaths, cfg.SensitivePaths)
	if cfg.RulesFile != "" {
		rs, err := LoadRuleSet(cfg.RulesFile)
		if err != nil {
			return err
		}
		rules = append(rules, rs.Suppress...)
		indicators = append(indicators, rs.Indicators...)
	}

	e.cfg = cfg
	e.floor = floor
	e.triggerSev = trig
	e.shells = setOf(cfg.ShellNames)
	e.services = setOf(cfg.NetworkServices)
	e.rules = rules
	e.indicators = indicators

	e.logger.Info().
		Dur("window", cfg.Window).
		Str("severity_floor", string(floor)).
		Str("trigger_severity", string(trig)).
		Int("suppression_rules", len(rules)).
		Int("indicators", len(indicators)).
		Msg("Correlation settings applied")
	return nil
}

// OnEdge attaches a newly appended edge to open chains or starts a new chain
// when the edge is a trigger. It returns the ids of the affected chains.
func (e *Engine) OnEdge(edge graph.Edge) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if edge.Timestamp.After(e.watermark) {
		e.watermark = edge.Timestamp
	}

	var candidates []*Chain
	for _, c := range e.open {
		if c.Terminal != edge.Source || c.EndTime.After(edge.Timestamp) {
			continue
		}
		if edge.Timestamp.After(c.LastUpdated.Add(e.cfg.Window)) {
			continue
		}
		candidates = append(candidates, c)
	}

	frontier := frontierOf(edge)
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].LastUpdated.Equal(candidates[j].LastUpdated) {
				return candidates[i].LastUpdated.After(candidates[j].LastUpdated)
			}
			return candidates[i].ID < candidates[j].ID
		})

		affected := []string{candidates[0].ID}
		candidates[0].append(edge, frontier)
		e.stats.Extended++
		if edge.Severity.AtLeast(model.SeverityHigh) && len(candidates) > 1 {
			candidates[1].append(edge, frontier)
			affected = append(affected, candidates[1].ID)
			e.stats.Copied++
		}
		return affected
	}

	trigger, ok := e.triggerFor(edge)
	if !ok {
		return nil
	}

	c := &Chain{
		ID:          uuid.NewString(),
		State:       StateOpen,
		StartTime:   edge.Timestamp,
		EndTime:     edge.Timestamp,
		LastUpdated: edge.Timestamp,
		MaxSeverity: model.SeverityInfo,
		Trigger:     trigger,
		Weight:      1.0,
	}
	c.append(edge, frontier)
	e.open[c.ID] = c
	e.stats.Started++

	e.logger.Debug().
		Str("chain_id", c.ID).
		Str("trigger", string(trigger)).
		Str("edge_type", string(edge.Type)).
		Str("source", string(edge.Source)).
		Msg("Behavior chain started")
	return []string{c.ID}
}

// frontierOf is the node a chain continues from after edge: the target when
// it is a process, otherwise the acting source.
func frontierOf(edge graph.Edge) graph.NodeID {
	if edge.Target.Type() == model.NodeProcess {
		return edge.Target
	}
	return edge.Source
}

func (e *Engine) triggerFor(edge graph.Edge) (Trigger, bool) {
	src, _ := e.store.GetNode(edge.Source)
	dst, _ := e.store.GetNode(edge.Target)

	switch edge.Type {
	case model.EdgeInjected:
		return TriggerInjection, true
	case model.EdgeSpawned:
		if e.services[baseName(src.Name)] || e.hasRecentConnection(edge) {
			return TriggerNetworkSpawn, true
		}
		if hasPrefix(dst.Attributes["exe"], e.cfg.StagingPaths) {
			return TriggerStagedExec, true
		}
		if e.shells[baseName(src.Name)] {
			return TriggerShellSpawn, true
		}
	case model.EdgeOpened, model.EdgeWrote:
		if hasPrefix(dst.Attributes["path"], e.cfg.SensitivePaths) {
			return TriggerSensitivePath, true
		}
	case model.EdgeExecuted:
		if hasPrefix(dst.Attributes["path"], e.cfg.StagingPaths) {
			return TriggerStagedExec, true
		}
	}

	if edge.Severity.AtLeast(e.triggerSev) {
		return TriggerSeverity, true
	}
	return "", false
}

func (e *Engine) hasRecentConnection(edge graph.Edge) bool {
	since := edge.Timestamp.Add(-e.cfg.Window)
	for n := range e.store.Neighbors(edge.Source, graph.Outbound, []model.EdgeType{model.EdgeConnected}, since) {
		if !n.Timestamp.After(edge.Timestamp) {
			return true
		}
	}
	return false
}

// ObserveTerminal finalizes open chains whose terminal node ended, such as a
// process exit.
func (e *Engine) ObserveTerminal(node graph.NodeID, at time.Time) int {
	e.mu.Lock()
	var emit []Chain
	for _, c := range e.open {
		if c.Terminal == node {
			if out, ok := e.finalizeLocked(c, "terminal action observed", at); ok {
				emit = append(emit, out)
			}
		}
	}
	sink := e.sink
	e.mu.Unlock()

	e.emit(sink, emit)
	return len(emit)
}

// Sweep finalizes every open chain whose window elapsed by now and returns
// the number handed to the sink.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	var emit []Chain
	for _, c := range e.open {
		if now.Before(c.LastUpdated.Add(e.cfg.Window)) {
			continue
		}
		if out, ok := e.finalizeLocked(c, "correlation window elapsed", now); ok {
			emit = append(emit, out)
		}
	}
	sink := e.sink
	e.mu.Unlock()

	e.emit(sink, emit)
	return len(emit)
}

func (e *Engine) emit(sink Sink, chains []Chain) {
	if sink == nil {
		return
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].StartTime.Before(chains[j].StartTime) })
	for _, c := range chains {
		sink.Finalized(c)
	}
}

// finalizeLocked scores c, applies local filtering and moves it out of the
// open set. It returns the chain to emit when it survived filtering.
func (e *Engine) finalizeLocked(c *Chain, reason string, at time.Time) (Chain, bool) {
	delete(e.open, c.ID)
	c.ClosedAt = at
	c.Reason = reason

	nodes := make([]graph.Node, 0, len(c.Nodes))
	for _, id := range c.Nodes {
		if n, ok := e.store.GetNode(id); ok {
			nodes = append(nodes, n)
		}
	}

	c.Indicators = c.Indicators[:0]
	indicatorScore := 0.0
	for _, ind := range e.indicators {
		for _, n := range nodes {
			if ind.Matches(n) {
				c.Indicators = append(c.Indicators, ind.ID)
				indicatorScore += levelScore(ind.Level) * ind.Confidence
				break
			}
		}
	}

	c.Weight = e.weightLocked(c.Fingerprint)
	c.LocalScore = LocalScore(c.MaxSeverity, math.Min(indicatorScore, 1), len(c.Edges), c.Duration(), highSignal[c.Trigger]) * c.Weight

	if why, suppressed := e.suppressedLocked(c, nodes); suppressed {
		c.State = StateSuppressed
		c.Reason = why
		e.stats.Suppressed++
		e.history.Add(c.ID, c.clone())
		e.logger.Debug().Str("chain_id", c.ID).Str("reason", why).Msg("Behavior chain suppressed")
		return Chain{}, false
	}

	c.State = StateFinalized
	e.finalized[c.ID] = c
	e.stats.Finalized++
	e.logger.Info().
		Str("chain_id", c.ID).
		Int("edges", len(c.Edges)).
		Str("severity", string(c.MaxSeverity)).
		Float64("local_score", c.LocalScore).
		Str("fingerprint", c.Fingerprint).
		Str("reason", reason).
		Msg("Behavior chain finalized")
	return c.clone(), true
}

func (e *Engine) suppressedLocked(c *Chain, nodes []graph.Node) (string, bool) {
	for i := range e.rules {
		for _, n := range nodes {
			if e.rules[i].Matches(n) {
				return fmt.Sprintf("suppression rule %s matched %s", e.rules[i].ID, n.ID), true
			}
		}
	}
	if !c.MaxSeverity.AtLeast(e.floor) {
		return fmt.Sprintf("severity %s below floor %s", c.MaxSeverity, e.floor), true
	}
	if c.LocalScore < e.cfg.MinLocalScore {
		return fmt.Sprintf("local score %.3f below minimum %.3f", c.LocalScore, e.cfg.MinLocalScore), true
	}
	return "", false
}

// LocalScore is the deterministic pre-analysis score of a chain before the
// experience weight is applied.
func LocalScore(maxSeverity model.Severity, indicatorScore float64, length int, duration time.Duration, highSignal bool) float64 {
	score := 0.1 +
		0.4*maxSeverity.Weight() +
		0.2*indicatorScore +
		0.1*math.Min(float64(length)/10.0, 1.0) +
		0.1*math.Min(duration.Hours(), 1.0)
	if highSignal {
		score += 0.1
	}
	return clamp(score, 0, 1)
}

// MarkArchived records that analysis consumed the chain.
func (e *Engine) MarkArchived(id string) error {
	return e.retire(id, StateArchived, "", &e.stats.Archived)
}

// MarkAnalysisFailed retains the chain for manual review.
func (e *Engine) MarkAnalysisFailed(id, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.finalized[id]
	if !ok {
		return fmt.Errorf("chain %s is not awaiting analysis", id)
	}
	delete(e.finalized, id)
	c.State = StateAnalysisFailed
	c.Reason = reason
	c.FailedAt = e.clock()
	e.failed[id] = c
	e.stats.AnalysisFailed++
	e.history.Add(id, c.clone())
	return nil
}

// ErrChainNotFailed is returned when dismissing a chain that is not held for
// manual review.
var ErrChainNotFailed = errors.New("chain is not awaiting review")

// DismissFailed closes review of a chain whose analysis failed. The chain is
// archived and stays visible through Chain until it leaves the history.
func (e *Engine) DismissFailed(id, actor string) (Chain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.failed[id]
	if !ok {
		return Chain{}, ErrChainNotFailed
	}
	delete(e.failed, id)
	c.State = StateArchived
	c.Reason = "dismissed by " + actor
	e.stats.Archived++
	out := c.clone()
	e.history.Add(id, out)
	e.logger.Info().Str("chain_id", id).Str("actor", actor).Msg("Failed chain dismissed")
	return out, nil
}

// PruneFailed drops chains that failed analysis before cutoff and returns
// how many were dropped. They remain in the bounded history.
func (e *Engine) PruneFailed(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id, c := range e.failed {
		if c.FailedAt.Before(cutoff) {
			delete(e.failed, id)
			n++
		}
	}
	if n > 0 {
		e.logger.Info().Int("pruned", n).Time("cutoff", cutoff).Msg("Pruned failed chains")
	}
	return n
}

// FailedRetention returns how long failed chains are held for review.
func (e *Engine) FailedRetention() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.FailedRetention
}

// MarkDropped records a chain discarded under backpressure.
func (e *Engine) MarkDropped(id, reason string) error {
	return e.retire(id, StateDropped, reason, &e.stats.Dropped)
}

func (e *Engine) retire(id string, state ChainState, reason string, counter *int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.finalized[id]
	if !ok {
		return fmt.Errorf("chain %s is not awaiting analysis", id)
	}
	delete(e.finalized, id)
	c.State = state
	if reason != "" {
		c.Reason = reason
	}
	*counter++
	e.history.Add(id, c.clone())
	return nil
}

// ApplyExperience adjusts the weight of a chain fingerprint from an observed
// remediation outcome.
func (e *Engine) ApplyExperience(fingerprint string, outcome model.Outcome) {
	if fingerprint == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.weightLocked(fingerprint)
	after := before
	switch outcome {
	case model.OutcomeFalsePositive:
		after = before * (1 - e.cfg.ExperienceDecay)
	case model.OutcomeEffective:
		after = before + (1-before)*e.cfg.ExperienceReinforce
	}
	after = clamp(after, e.cfg.MinWeight, 1)
	e.weights[fingerprint] = after

	e.logger.Info().
		Str("fingerprint", fingerprint).
		Str("outcome", string(outcome)).
		Float64("weight_before", before).
		Float64("weight_after", after).
		Msg("Experience weight updated")
}

// Weight returns the experience weight of a fingerprint (1.0 when unseen).
func (e *Engine) Weight(fingerprint string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weightLocked(fingerprint)
}

// Weights returns a copy of all learned weights.
func (e *Engine) Weights() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

func (e *Engine) weightLocked(fingerprint string) float64 {
	if w, ok := e.weights[fingerprint]; ok {
		return w
	}
	return 1.0
}

// Chain looks a chain up in any state still known to the engine.
func (e *Engine) Chain(id string) (Chain, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, set := range []map[string]*Chain{e.open, e.finalized, e.failed} {
		if c, ok := set[id]; ok {
			return c.clone(), true
		}
	}
	return e.history.Get(id)
}

// OpenChains returns the open chains, oldest first.
func (e *Engine) OpenChains() []Chain {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedClones(e.open)
}

// FailedChains returns the chains retained after failed analysis.
func (e *Engine) FailedChains() []Chain {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedClones(e.failed)
}

// PinnedNodes returns the nodes referenced by chains that are open or
// awaiting analysis. Graph eviction must keep them.
func (e *Engine) PinnedNodes() map[graph.NodeID]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	pinned := make(map[graph.NodeID]struct{})
	for _, set := range []map[string]*Chain{e.open, e.finalized} {
		for _, c := range set {
			for _, id := range c.Nodes {
				pinned[id] = struct{}{}
			}
		}
	}
	return pinned
}

// Watermark is the latest edge timestamp seen.
func (e *Engine) Watermark() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watermark
}

// AddRule adds a suppression rule.
func (e *Engine) AddRule(rule SuppressionRule) error {
	if err := rule.compile(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = append(e.rules, rule)
	e.logger.Info().
		Str("rule_id", rule.ID).
		Str("pattern", rule.Pattern).
		Msg("Suppression rule added")
	return nil
}

// RemoveRule removes a suppression rule by ID
func (e *Engine) RemoveRule(ruleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, rule := range e.rules {
		if rule.ID == ruleID {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.logger.Info().
				Str("rule_id", ruleID).
				Msg("Suppression rule removed")
			return true
		}
	}
	return false
}

// GetRules returns all suppression rules
func (e *Engine) GetRules() []SuppressionRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := make([]SuppressionRule, len(e.rules))
	copy(rules, e.rules)
	return rules
}

// Stats returns correlation statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stats
	st.Open = len(e.open)
	st.AwaitingAnalysis = len(e.finalized)
	st.Failed = len(e.failed)
	st.Fingerprints = len(e.weights)
	return st
}

func sortedClones(set map[string]*Chain) []Chain {
	out := make([]Chain, 0, len(set))
	for _, c := range set {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func setOf(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}

func baseName(name string) string {
	if name == "" {
		return ""
	}
	return path.Base(name)
}

func hasPrefix(s string, prefixes []string) bool {
	if s == "" {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
