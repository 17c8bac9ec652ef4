// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the application
type Registry struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Ingestion Metrics
	EventsTotal     *prometheus.CounterVec
	IntakePending   prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec
	ArchivedEvents  prometheus.Gauge
	JournalEvents   prometheus.Gauge
	DedupKeysCached prometheus.Gauge

	// Graph Metrics
	GraphNodes        *prometheus.GaugeVec
	GraphEdges        prometheus.Gauge
	GraphMirrorQueued prometheus.Gauge

	// Correlation and Analysis Metrics
	Chains             *prometheus.GaugeVec
	AnalysisQueueDepth prometheus.Gauge
	AnalysisLatency    prometheus.Histogram

	// Response Metrics
	Tasks           *prometheus.GaugeVec
	ActionsTotal    *prometheus.CounterVec
	ExperienceTotal *prometheus.GaugeVec

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	ProcessRSSBytes  prometheus.Gauge
	ProcessCPU       prometheus.Gauge

	registry *prometheus.Registry
	started  time.Time
	mu       sync.Mutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	r.initHTTPMetrics()
	r.initIngestMetrics()
	r.initGraphMetrics()
	r.initResponseMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
