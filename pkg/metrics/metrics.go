package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Control-plane inventory
	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_services_total",
			Help: "Total number of declared services",
		},
	)

	AttemptsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_deployment_attempts_active",
			Help: "Active deployment attempts by state",
		},
		[]string{"state"},
	)

	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_builds_total",
			Help: "Builds by status",
		},
		[]string{"status"},
	)

	WebhookBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_webhook_deliveries_due",
			Help: "Webhook deliveries currently due for an attempt",
		},
	)

	// Event-driven counters, fed by the bus subscriber in Observe.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_events_total",
			Help: "Events published by type",
		},
		[]string{"type"},
	)

	DeploymentsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_deployments_finished_total",
			Help: "Finished deployment attempts by outcome",
		},
		[]string{"outcome"},
	)

	BudgetThresholds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_budget_thresholds_total",
			Help: "Budget threshold notifications by severity",
		},
		[]string{"severity"},
	)

	WebhooksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_webhooks_deadlettered_total",
			Help: "Webhook deliveries that exhausted their retry budget",
		},
	)

	// Loop instrumentation
	ReconcilePasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_reconcile_passes_total",
			Help: "Completed reconcile passes over all services",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_reconcile_pass_duration_seconds",
			Help:    "Duration of one reconcile pass over all services",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cluster metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_raft_is_leader",
			Help: "Whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)
)

func init() {
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(AttemptsActive)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(WebhookBacklog)
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(DeploymentsFinished)
	prometheus.MustRegister(BudgetThresholds)
	prometheus.MustRegister(WebhooksDeadLettered)
	prometheus.MustRegister(ReconcilePasses)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(RaftLeader)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
