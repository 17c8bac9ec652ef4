package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSystemMetrics() {
	r.UptimeSeconds = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_uptime_seconds",
			Help: "Time since the engine started in seconds",
		},
	)

	r.GoRoutines = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_goroutines",
			Help: "Number of goroutines",
		},
	)

	r.MemoryAllocBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	r.ProcessRSSBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_process_rss_bytes",
			Help: "Resident set size of the engine process",
		},
	)

	r.ProcessCPU = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_process_cpu_percent",
			Help: "CPU usage of the engine process",
		},
	)
}
