package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simpleweb_workers_total",
			Help: "Number of registered workers by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simpleweb_jobs_total",
			Help: "Number of jobs by state",
		},
		[]string{"state"},
	)

	ContentRevisionAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "simpleweb_content_revision_age_seconds",
			Help: "Seconds since the content revision last changed",
		},
	)

	// Dispatcher metrics
	JobsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simpleweb_jobs_dispatched_total",
			Help: "Total jobs assigned to workers",
		},
	)

	JobsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simpleweb_jobs_requeued_total",
			Help: "Total jobs returned to the queue after worker loss",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simpleweb_dispatch_latency_seconds",
			Help:    "Time from submission to assignment in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)

	// Completion metrics
	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simpleweb_jobs_completed_total",
			Help: "Total finished jobs by outcome",
		},
		[]string{"outcome"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simpleweb_job_duration_seconds",
			Help:    "Playbook run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simpleweb_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simpleweb_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	AuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simpleweb_auth_failures_total",
			Help: "Total failed login attempts",
		},
	)

	// WebSocket metrics
	WebsocketClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simpleweb_websocket_clients",
			Help: "Connected WebSocket clients by room",
		},
		[]string{"room"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ContentRevisionAge)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsRequeued)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(AuthFailures)
	prometheus.MustRegister(WebsocketClients)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
