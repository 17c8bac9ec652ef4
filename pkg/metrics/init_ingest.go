package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initIngestMetrics() {
	r.EventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_total",
			Help: "Alerts processed by the ingestion worker, by result",
		},
		[]string{"result"},
	)

	r.IntakePending = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_intake_pending",
			Help: "Alerts waiting in the intake queue",
		},
	)

	r.ErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_errors_total",
			Help: "Engine errors by kind and stage",
		},
		[]string{"kind", "stage"},
	)

	r.ArchivedEvents = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_archived_events",
			Help: "Evicted events written to the archive",
		},
	)

	r.JournalEvents = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_journal_events",
			Help: "Events held in the in-memory journal",
		},
	)

	r.DedupKeysCached = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_dedup_keys",
			Help: "Event keys held by the deduplicator",
		},
	)
}

func (r *Registry) initGraphMetrics() {
	r.GraphNodes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_graph_nodes",
			Help: "Graph nodes by type",
		},
		[]string{"type"},
	)

	r.GraphEdges = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_graph_edges",
			Help: "Graph edges held in memory",
		},
	)

	r.GraphMirrorQueued = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_graph_mirror_pending",
			Help: "Graph writes waiting for the external mirror",
		},
	)
}
