package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const MetricPrefix = "marathon_"

var (
	CommandsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricPrefix + "scheduler_commands_total",
			Help: "Number of scheduler commands processed",
		},
		[]string{"command"},
	)
	CommandsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricPrefix + "scheduler_commands_failed_total",
			Help: "Number of scheduler commands that failed",
		},
		[]string{"command"},
	)
	KillsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricPrefix + "kills_total",
			Help: "Number of instance kills issued, by reason",
		},
		[]string{"reason"},
	)
	RunningDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricPrefix + "running_deployments",
			Help: "Number of deployments currently executing",
		},
	)
	LockedApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricPrefix + "locked_apps",
			Help: "Number of apps currently locked by commands",
		},
	)
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    MetricPrefix + "reconciliation_duration_seconds",
			Help:    "Duration of broker task reconciliations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommandsProcessed,
		CommandsFailed,
		KillsIssued,
		RunningDeployments,
		LockedApps,
		ReconciliationDuration,
	)
}
