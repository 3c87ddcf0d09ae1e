package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxmart_events_ingested_total",
		Help: "Total number of change events appended to the store, labelled by entity type and kind (insert or update).",
	}, []string{"entity_type", "kind"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxmart_events_dropped_total",
		Help: "Total number of events rejected due to a full ingest queue.",
	})

	AppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxmart_append_failures_total",
		Help: "Total number of store append failures.",
	})

	RefreshRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxmart_view_refresh_runs_total",
		Help: "Total number of view refresh attempts, labelled by view and outcome.",
	}, []string{"view", "status"})

	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taxmart_view_refresh_duration_seconds",
		Help:    "View refresh latency in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"view"})

	ViewRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taxmart_view_rows",
		Help: "Number of resolved entity rows in the latest published snapshot, per view.",
	}, []string{"view"})

	AggregateRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxmart_aggregate_runs_total",
		Help: "Total number of output computations, labelled by output and outcome.",
	}, []string{"output", "status"})

	OutputRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taxmart_output_rows",
		Help: "Number of rows in the latest computed result, per output.",
	}, []string{"output"})

	CycleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxmart_refresh_cycles_total",
		Help: "Total number of refresh cycles, labelled by mode and outcome.",
	}, []string{"mode", "status"})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taxmart_ingest_queue_utilization_ratio",
		Help: "Current ingest queue utilization (0-1).",
	})
)
