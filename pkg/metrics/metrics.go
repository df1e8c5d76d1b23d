package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_dispatches_total",
			Help: "Total number of dispatches by agent kind and terminal status",
		},
		[]string{"agent", "status"},
	)

	DispatchesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_dispatches_in_flight",
			Help: "Number of dispatches currently PENDING or RUNNING",
		},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_dispatch_duration_seconds",
			Help:    "Wall-clock duration of completed dispatches in seconds",
			Buckets: []float64{30, 60, 120, 300, 600, 1800, 3600, 14400, 86400},
		},
		[]string{"agent"},
	)

	QuotaRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_quota_rejected_total",
			Help: "Total number of dispatch requests rejected by tenant quota",
		},
	)

	// Warm pool metrics
	WarmSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_warm_slots",
			Help: "Warm pool slots by agent kind and state",
		},
		[]string{"agent", "state"},
	)

	PoolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_pool_exhausted_total",
			Help: "Checkout attempts that found the pool at capacity",
		},
		[]string{"agent"},
	)

	// Reconciler metrics
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_events_processed_total",
			Help: "Task-terminated events processed by outcome",
		},
		[]string{"outcome"},
	)

	ConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_conflict_retries_total",
			Help: "Version-guard conflicts retried by the reconciler",
		},
	)

	// StatusMapFallthroughTotal counts events whose stopped_reason matched no
	// mapping rule and fell through to the FAILED default. A rising rate
	// signals upstream wording drift in the reason text.
	StatusMapFallthroughTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_status_map_fallthrough_total",
			Help: "Terminal-status mappings that fell through to the FAILED default",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_api_requests_total",
			Help: "Total number of API requests by route and status code",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Artifact metrics
	ArtifactUploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_artifact_upload_bytes_total",
			Help: "Total bytes uploaded to the artifact store",
		},
	)

	ArtifactsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outpost_artifacts_swept_total",
			Help: "Objects deleted by the artifact retention sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchesInFlight)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(QuotaRejectedTotal)
	prometheus.MustRegister(WarmSlots)
	prometheus.MustRegister(PoolExhaustedTotal)
	prometheus.MustRegister(EventsProcessedTotal)
	prometheus.MustRegister(ConflictRetriesTotal)
	prometheus.MustRegister(StatusMapFallthroughTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ArtifactUploadBytes)
	prometheus.MustRegister(ArtifactsSweptTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
