package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the central Prometheus registry for the gateway: ingestion
// throughput, signal generation, dispatcher queue depth, and the two
// downstream stores' health. Every field is registered once at startup via
// NewMetrics and is safe for concurrent use from any request goroutine. Each
// Metrics carries its own *prometheus.Registry rather than registering
// against the global default one, so NewMetrics can be called more than
// once (e.g. once per test) without a duplicate-collector panic.
type Metrics struct {
	registry *prometheus.Registry

	// EventsIngested counts accepted events by tenant and event_type.
	EventsIngested *prometheus.CounterVec

	// EventsQuarantined counts events the OLAP store rejected per-row.
	EventsQuarantined *prometheus.CounterVec

	// IngestBatchDuration measures end-to-end IngestBatch latency.
	IngestBatchDuration *prometheus.HistogramVec

	// IngestBatchSize tracks how many events arrive per batch.
	IngestBatchSize prometheus.Histogram

	// SignalsGenerated counts Layer-2 signals by rule name and severity.
	SignalsGenerated *prometheus.CounterVec

	// AnalysisJobsEnqueued counts dispatcher enqueues by priority.
	AnalysisJobsEnqueued *prometheus.CounterVec

	// AnalysisJobsDeadLettered counts jobs that exhausted their retry budget.
	AnalysisJobsDeadLettered *prometheus.CounterVec

	// AnalysisQueueDepth is a point-in-time gauge of the dispatcher queue.
	AnalysisQueueDepth prometheus.Gauge

	// OLTPUpsertDuration measures trace-summary upsert latency, including CAS retries.
	OLTPUpsertDuration prometheus.Histogram

	// OLTPUpsertRetries counts CAS-conflict retries on trace-summary upserts.
	OLTPUpsertRetries prometheus.Counter

	// HTTPRequestDuration measures handler latency by route and status.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a fresh registry and registers every metric against it.
// Call once at process startup; tests may call it as many times as needed,
// each producing an independent, isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	fac := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsIngested: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceharbor_events_ingested_total",
				Help: "Total canonical events accepted by tenant and event_type.",
			},
			[]string{"tenant_id", "event_type"},
		),
		EventsQuarantined: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceharbor_events_quarantined_total",
				Help: "Total events rejected by the OLAP store with a per-row diagnostic.",
			},
			[]string{"tenant_id"},
		),
		IngestBatchDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traceharbor_ingest_batch_duration_seconds",
				Help:    "End-to-end IngestBatch processing latency.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"outcome"},
		),
		IngestBatchSize: fac.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "traceharbor_ingest_batch_size",
				Help:    "Number of events per ingested batch.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		SignalsGenerated: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceharbor_signals_generated_total",
				Help: "Total Layer-2 signals generated by rule name and severity.",
			},
			[]string{"signal_name", "severity"},
		),
		AnalysisJobsEnqueued: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceharbor_analysis_jobs_enqueued_total",
				Help: "Total analysis jobs enqueued by priority.",
			},
			[]string{"priority"},
		),
		AnalysisJobsDeadLettered: fac.NewCounterVec(
			prometheus.CounterOpts{
				Name: "traceharbor_analysis_jobs_dead_lettered_total",
				Help: "Total analysis jobs dead-lettered after exhausting retries.",
			},
			[]string{"layer"},
		),
		AnalysisQueueDepth: fac.NewGauge(
			prometheus.GaugeOpts{
				Name: "traceharbor_analysis_queue_depth",
				Help: "Current depth of the analysis dispatch queue.",
			},
		),
		OLTPUpsertDuration: fac.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "traceharbor_oltp_upsert_duration_seconds",
				Help:    "Trace-summary upsert latency, including CAS retries.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		OLTPUpsertRetries: fac.NewCounter(
			prometheus.CounterOpts{
				Name: "traceharbor_oltp_upsert_retries_total",
				Help: "Total optimistic-concurrency retries on trace-summary upserts.",
			},
		),
		HTTPRequestDuration: fac.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "traceharbor_http_request_duration_seconds",
				Help:    "HTTP handler latency by route and status code.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"route", "method", "status_code"},
		),
	}
}

// Handler serves /metrics in the standard Prometheus exposition format for
// this Metrics' own registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
