package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion outcomes
const (
	OutcomeStored     = "stored"
	OutcomeDuplicate  = "duplicate"
	OutcomeParseError = "parse_error"
	OutcomeMissingID  = "missing_id"
	OutcomeStoreError = "store_error"
)

var (
	// MessagesIngested counts messages seen by the ingestion path
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_messages_ingested_total",
			Help: "Messages handled by the ingestion path, by outcome",
		},
		[]string{"outcome"},
	)

	// Reconnects counts scheduled reconnect attempts
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mail_reconnects_total",
			Help: "Reconnect attempts scheduled after a connection failure",
		},
	)

	// Sessions tracks account workers by connection state
	Sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mail_sessions",
			Help: "Account workers by connection state",
		},
		[]string{"state"},
	)

	// EnrichmentFailures counts failed enrichment steps
	EnrichmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_enrichment_failures_total",
			Help: "Failed enrichment steps",
		},
		[]string{"step"},
	)

	// EnrichmentDuration observes enrichment step latency in seconds
	EnrichmentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_enrichment_duration_seconds",
			Help:    "Enrichment step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"step"},
	)

	// MessagesCategorized counts assigned categories
	MessagesCategorized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_messages_categorized_total",
			Help: "Messages categorized, by category",
		},
		[]string{"category"},
	)
)

// RecordIngest increments the ingestion counter for outcome
func RecordIngest(outcome string) {
	MessagesIngested.WithLabelValues(outcome).Inc()
}

// RecordEnrichmentFailure increments the failure counter for step
func RecordEnrichmentFailure(step string) {
	EnrichmentFailures.WithLabelValues(step).Inc()
}
