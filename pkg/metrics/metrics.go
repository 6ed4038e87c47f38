package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccagency_nodes_total",
			Help: "Total number of container hosts by state",
		},
		[]string{"state"},
	)

	NodeRAMCommitted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccagency_node_ram_committed_mib",
			Help: "RAM committed to scheduled and processing batches per node",
		},
		[]string{"node"},
	)

	BatchesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ccagency_batches_total",
			Help: "Total number of batches by state",
		},
		[]string{"state"},
	)

	// Broker metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccagency_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	ExperimentsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ccagency_experiments_accepted_total",
			Help: "Total number of accepted RED submissions",
		},
	)

	// Scheduler metrics
	SchedulePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ccagency_schedule_passes_total",
			Help: "Total number of completed schedule passes",
		},
	)

	ScheduleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ccagency_schedule_pass_duration_seconds",
			Help:    "Duration of one schedule pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchesLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ccagency_batches_launched_total",
			Help: "Total number of batches launched on container hosts",
		},
	)

	BatchesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccagency_batches_failed_total",
			Help: "Total number of failed batches by reason",
		},
		[]string{"reason"},
	)

	BatchesRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ccagency_batches_retried_total",
			Help: "Total number of failed batches rewritten for retry",
		},
	)

	// Notifier metrics
	WebhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ccagency_webhook_attempts_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeRAMCommitted)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(ExperimentsAccepted)
	prometheus.MustRegister(SchedulePasses)
	prometheus.MustRegister(ScheduleLatency)
	prometheus.MustRegister(BatchesLaunched)
	prometheus.MustRegister(BatchesFailed)
	prometheus.MustRegister(BatchesRetried)
	prometheus.MustRegister(WebhookAttempts)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
