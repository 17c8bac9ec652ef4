package metrics

import (
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"

	vigilerrors "github.com/lucid-vigil/vigil/pkg/errors"
)

// Snapshot carries point-in-time component state into the gauges.
type Snapshot struct {
	IntakePending     int
	JournalEvents     int
	DedupKeys         int
	ArchivedEvents    int64
	GraphNodesByType  map[string]int
	GraphEdges        int
	MirrorPending     int
	ChainsByState     map[string]int
	AnalysisQueued    int
	TasksByState      map[string]int
	ExperienceOutcome map[string]int
}

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordEvent counts one alert by ingestion result.
func (r *Registry) RecordEvent(result string) {
	r.EventsTotal.WithLabelValues(result).Inc()
}

// ObserveError counts an engine error. It matches the MemoryCollector hook.
func (r *Registry) ObserveError(err *vigilerrors.EngineError) {
	if err == nil {
		return
	}
	r.ErrorsTotal.WithLabelValues(string(err.Kind), err.Stage).Inc()
}

// RecordAction counts one actuator invocation.
func (r *Registry) RecordAction(action, result string) {
	r.ActionsTotal.WithLabelValues(action, result).Inc()
}

// ObserveAnalysisBatch records the time spent scoring one batch.
func (r *Registry) ObserveAnalysisBatch(d time.Duration) {
	r.AnalysisLatency.Observe(d.Seconds())
}

// Update sets the state gauges from s.
func (r *Registry) Update(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.IntakePending.Set(float64(s.IntakePending))
	r.JournalEvents.Set(float64(s.JournalEvents))
	r.DedupKeysCached.Set(float64(s.DedupKeys))
	r.ArchivedEvents.Set(float64(s.ArchivedEvents))
	r.GraphEdges.Set(float64(s.GraphEdges))
	r.GraphMirrorQueued.Set(float64(s.MirrorPending))
	r.AnalysisQueueDepth.Set(float64(s.AnalysisQueued))

	setAll(r.GraphNodes, s.GraphNodesByType)
	setAll(r.Chains, s.ChainsByState)
	setAll(r.Tasks, s.TasksByState)
	setAll(r.ExperienceTotal, s.ExperienceOutcome)
}

// UpdateSystemMetrics refreshes uptime, runtime and process gauges.
func (r *Registry) UpdateSystemMetrics() {
	r.UptimeSeconds.Set(time.Since(r.started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.MemoryAllocBytes.Set(float64(ms.Alloc))

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		r.ProcessRSSBytes.Set(float64(mem.RSS))
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		r.ProcessCPU.Set(cpu)
	}
}

// setAll replaces every series of vec with values. Labels missing from
// values are removed.
func setAll(vec *prometheus.GaugeVec, values map[string]int) {
	vec.Reset()
	for label, v := range values {
		vec.WithLabelValues(label).Set(float64(v))
	}
}
