package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{
	0.001, // 1ms
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

var (
	// CampaignTransitions counts committed campaign status changes
	CampaignTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_campaign_transitions_total",
			Help: "Number of campaign status transitions",
		},
		[]string{"from", "to"},
	)

	// PledgeOperationDuration tracks the latency of pledge writes
	PledgeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupbuy_pledge_operation_duration_seconds",
			Help:    "Duration of pledge operations in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"op", "status"}, // status: success or failure
	)

	// PaymentAttempts counts collection attempts by outcome
	PaymentAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_payment_attempts_total",
			Help: "Number of payment collection attempts",
		},
		[]string{"outcome"}, // succeeded, failed, final
	)

	// JobRunDuration tracks how long one scheduler job run takes
	JobRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupbuy_job_run_duration_seconds",
			Help:    "Duration of scheduler job runs in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"job"},
	)

	// JobItemFailures counts entities a job run could not process
	JobItemFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_job_item_failures_total",
			Help: "Number of per-entity failures inside scheduler job runs",
		},
		[]string{"job"},
	)

	// NotificationFailures counts notifications that could not be dispatched
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupbuy_notification_failures_total",
			Help: "Number of failed notification dispatches",
		},
		[]string{"kind"},
	)
)

// RecordTransition records a campaign status change
func RecordTransition(from, to string) {
	CampaignTransitions.WithLabelValues(from, to).Inc()
}

// RecordPledgeOperation records the duration of a pledge operation
func RecordPledgeOperation(op, status string, duration float64) {
	PledgeOperationDuration.WithLabelValues(op, status).Observe(duration)
}

// RecordPaymentAttempt records the outcome of a collection attempt
func RecordPaymentAttempt(outcome string) {
	PaymentAttempts.WithLabelValues(outcome).Inc()
}

// RecordJobRun records one job run and its failed items
func RecordJobRun(job string, duration float64, failed int) {
	JobRunDuration.WithLabelValues(job).Observe(duration)
	if failed > 0 {
		JobItemFailures.WithLabelValues(job).Add(float64(failed))
	}
}

// RecordNotificationFailure records a failed dispatch
func RecordNotificationFailure(kind string) {
	NotificationFailures.WithLabelValues(kind).Inc()
}
