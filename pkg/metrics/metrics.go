package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingest metrics
	EventsAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebeam_events_accepted_total",
			Help: "Total number of events accepted by the ingestion endpoint, by source channel",
		},
		[]string{"channel"},
	)

	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebeam_events_rejected_total",
			Help: "Total number of events rejected by the ingestion endpoint, by reason",
		},
		[]string{"reason"},
	)

	EventsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsebeam_events_duplicate_total",
			Help: "Total number of events accepted without a new write as duplicates of an already-stored (tenant-id, clientId)",
		},
	)

	IngestRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsebeam_ingest_request_duration_seconds",
			Help:    "Ingest request duration in seconds, by channel",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// Rate limiter metrics
	TenantsThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebeam_tenants_throttled_total",
			Help: "Total number of requests rejected as throttled, by bucket class",
		},
		[]string{"bucket"},
	)

	RateLimitBucketsResident = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsebeam_ratelimit_buckets_resident",
			Help: "Number of per-tenant rate-limit buckets currently resident in memory",
		},
	)

	// Attribution metrics
	AttributionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsebeam_attribution_duration_seconds",
			Help:    "Time taken to resolve identity and update lastActivity/usage tallies",
			Buckets: prometheus.DefBuckets,
		},
	)

	UnresolvedIdentitiesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsebeam_unresolved_identities_total",
			Help: "Total number of events whose endpoint principal could not be resolved to a User",
		},
	)

	// Tenant store metrics
	TenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsebeam_tenants_total",
			Help: "Total number of non-deleted tenants",
		},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsebeam_users_total",
			Help: "Total number of users across all tenants",
		},
	)

	// Agent-side metrics (exported by the agent's own /metrics, same registry shape)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsebeam_agent_queue_depth",
			Help: "Current number of pending events in the durable queue",
		},
	)

	QueueDeadLetterTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsebeam_agent_queue_dead_letter_total",
			Help: "Current number of events in the dead-letter region",
		},
	)

	DedupSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsebeam_agent_dedup_suppressed_total",
			Help: "Total number of candidate events suppressed by the deduplicator",
		},
	)

	TransportState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsebeam_agent_transport_state",
			Help: "Current transport state: 0=disconnected 1=connecting 2=streaming 3=http_only",
		},
	)

	ShipperBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsebeam_agent_shipper_batches_total",
			Help: "Total number of batches shipped, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsAcceptedTotal,
		EventsRejectedTotal,
		EventsDuplicateTotal,
		IngestRequestDuration,
		TenantsThrottledTotal,
		RateLimitBucketsResident,
		AttributionDuration,
		UnresolvedIdentitiesTotal,
		TenantsTotal,
		UsersTotal,
		QueueDepth,
		QueueDeadLetterTotal,
		DedupSuppressedTotal,
		TransportState,
		ShipperBatchesTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
