// Package metrics holds the Prometheus instruments for the pipeline.
//
// All methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the pipeline.
type Metrics struct {
	// Ingestion
	EventsAccepted *prometheus.CounterVec

	// Bus
	Published       prometheus.Counter
	Delivered       *prometheus.CounterVec
	DeliveryFailed  *prometheus.CounterVec
	DeadLettered    *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec

	// Workers
	Malformed          *prometheus.CounterVec
	RecordsWritten     prometheus.Counter
	PointsUpserted     prometheus.Counter
	EmbeddingFallbacks *prometheus.CounterVec

	// Recommendations
	RecommendRequests *prometheus.CounterVec
	RecommendLatency  prometheus.Histogram
}

// New registers the pipeline metrics with reg. A nil registerer uses a
// private registry so repeated construction in tests never panics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_ingest_events_total",
			Help: "Submissions handled by the ingestion gateway by outcome",
		}, []string{"outcome"}), // accepted, rejected, failed

		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "fanout_bus_published_total",
			Help: "Messages published to the fan-out bus",
		}),

		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_bus_delivered_total",
			Help: "Deliveries acknowledged by a subscriber",
		}, []string{"subscriber"}),

		DeliveryFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_bus_delivery_failures_total",
			Help: "Deliveries reported failed and scheduled for redrive",
		}, []string{"subscriber"}),

		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_bus_dead_lettered_total",
			Help: "Deliveries moved to the dead-letter store",
		}, []string{"subscriber"}),

		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fanout_bus_handler_duration_seconds",
			Help:    "Batch handler latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"subscriber"}),

		Malformed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_worker_malformed_total",
			Help: "Deliveries dropped because the payload could not be parsed",
		}, []string{"subscriber"}),

		RecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "fanout_records_written_total",
			Help: "Records upserted into the record store",
		}),

		PointsUpserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fanout_points_upserted_total",
			Help: "Points upserted into the vector index",
		}),

		EmbeddingFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_embedding_fallbacks_total",
			Help: "Embeddings produced by the deterministic fallback by reason",
		}, []string{"reason"}), // error, dimension

		RecommendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_recommend_requests_total",
			Help: "Recommendation requests by outcome",
		}, []string{"outcome"}),

		RecommendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fanout_recommend_duration_seconds",
			Help:    "Recommendation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IngestOutcome(outcome string) {
	if m == nil {
		return
	}
	m.EventsAccepted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MessagePublished() {
	if m == nil {
		return
	}
	m.Published.Inc()
}

// BatchHandled records one handler invocation for subscriber.
func (m *Metrics) BatchHandled(subscriber string, took time.Duration, delivered, failed int) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(subscriber).Observe(took.Seconds())
	m.Delivered.WithLabelValues(subscriber).Add(float64(delivered))
	m.DeliveryFailed.WithLabelValues(subscriber).Add(float64(failed))
}

func (m *Metrics) DeadLetter(subscriber string) {
	if m == nil {
		return
	}
	m.DeadLettered.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) MalformedDropped(subscriber string) {
	if m == nil {
		return
	}
	m.Malformed.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) RecordWritten() {
	if m == nil {
		return
	}
	m.RecordsWritten.Inc()
}

func (m *Metrics) PointsWritten(n int) {
	if m == nil {
		return
	}
	m.PointsUpserted.Add(float64(n))
}

func (m *Metrics) EmbeddingFallback(reason string) {
	if m == nil {
		return
	}
	m.EmbeddingFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) Recommendation(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.RecommendRequests.WithLabelValues(outcome).Inc()
	m.RecommendLatency.Observe(took.Seconds())
}
