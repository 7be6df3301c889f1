// Package metrics defines the Prometheus collectors for the annotation
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	DocumentsTotal      *prometheus.CounterVec
	ProcessDuration     prometheus.Histogram
	NLPRequestsTotal    *prometheus.CounterVec
	NLPRequestDuration  *prometheus.HistogramVec
	BulkOperationsTotal prometheus.Counter
	BulkFailuresTotal   prometheus.Counter
	WindowsTotal        *prometheus.CounterVec
	WindowDuration      prometheus.Histogram
	WorkersBusy         prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the process-wide default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DocumentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annotator_documents_total",
				Help: "Documents handled by outcome (annotated, skipped_no_text, skipped_processed, skipped_no_entities, failed).",
			},
			[]string{"outcome"},
		),
		ProcessDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "annotator_document_duration_seconds",
				Help:    "Time spent processing a single document.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		NLPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annotator_nlp_requests_total",
				Help: "Annotation service requests by endpoint and status class.",
			},
			[]string{"endpoint", "status"},
		),
		NLPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "annotator_nlp_request_duration_seconds",
				Help:    "Annotation service request latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),
		BulkOperationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "annotator_bulk_operations_total",
				Help: "Write operations submitted to the sink.",
			},
		),
		BulkFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "annotator_bulk_failures_total",
				Help: "Write operations the sink rejected.",
			},
		),
		WindowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annotator_windows_total",
				Help: "Date windows processed by status.",
			},
			[]string{"status"},
		),
		WindowDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "annotator_window_duration_seconds",
				Help:    "Wall time per date window.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
		),
		WorkersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "annotator_workers_busy",
				Help: "Workers currently processing a document.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "annotator_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.DocumentsTotal,
		m.ProcessDuration,
		m.NLPRequestsTotal,
		m.NLPRequestDuration,
		m.BulkOperationsTotal,
		m.BulkFailuresTotal,
		m.WindowsTotal,
		m.WindowDuration,
		m.WorkersBusy,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
