package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "jobs_processed_total",
			Help:      "Total jobs processed by the queue processor.",
		},
		[]string{"job_type", "status"}, // status: completed, retried, failed
	)

	jobProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "job_processing_duration_seconds",
			Help:      "Duration of job processing including render and dispatch.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	sendsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "sends_total",
			Help:      "Send attempts by outcome.",
		},
		[]string{"outcome"}, // sent, hard_bounce, soft_bounce, transport_error
	)

	rateLimitDeferredCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "rate_limit_deferred_total",
			Help:      "Jobs left pending because the send budget was exhausted.",
		},
	)

	campaignsPromotedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "campaigns_promoted_total",
			Help:      "Scheduled campaigns promoted to sending by the scheduler.",
		},
	)

	campaignsCompletedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "campaigns_completed_total",
			Help:      "Campaigns whose ledger reached a fully terminal state.",
		},
	)
)
