package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "printd_jobs_total",
			Help: "Number of jobs by state",
		},
		[]string{"state"},
	)

	QueuedJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "printd_queued_jobs",
			Help: "Number of active jobs per destination",
		},
		[]string{"printer"},
	)

	// Destination metrics
	PrintersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "printd_printers_total",
			Help: "Number of destinations by state",
		},
		[]string{"state"},
	)

	SubscriptionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "printd_subscriptions_total",
			Help: "Number of live event subscriptions",
		},
	)

	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printd_requests_total",
			Help: "Total number of IPP requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printd_request_duration_seconds",
			Help:    "IPP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Event metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printd_events_total",
			Help: "Total number of captured events by kind",
		},
		[]string{"kind"},
	)

	NotificationsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "printd_notifications_failed_total",
			Help: "Total number of failed push notification deliveries",
		},
	)

	// Scheduler metrics
	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "printd_jobs_scheduled_total",
			Help: "Total number of jobs handed to the print engine",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "printd_jobs_failed_total",
			Help: "Total number of jobs that failed printing",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "printd_scheduling_latency_seconds",
			Help:    "Time from job submission to processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(QueuedJobs)
	prometheus.MustRegister(PrintersTotal)
	prometheus.MustRegister(SubscriptionsTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(NotificationsFailed)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(SchedulingLatency)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
