package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smart_ticket_relay"

// Metrics holds all Prometheus metrics
type Metrics struct {
	EmailsFetched       prometheus.Counter
	DuplicatesSkipped   prometheus.Counter
	AutoRepliesSkipped  prometheus.Counter
	Resolutions         *prometheus.CounterVec
	UnresolvedQueued    prometheus.Counter
	UnresolvedGaveUp    prometheus.Counter
	TicketsEscalated    prometheus.Counter
	OracleFailures      prometheus.Counter
	DraftsCreated       *prometheus.CounterVec
	DispatchSuccesses   *prometheus.CounterVec
	DispatchFailures    *prometheus.CounterVec
	RetriesExhausted    prometheus.Counter
	ProcessingTime      prometheus.Histogram
	PendingAwaitReview  prometheus.Gauge
	SchedulerRunsFailed *prometheus.CounterVec
}

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		EmailsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_fetched_total",
			Help:      "Total number of emails returned by the inbound transport",
		}),
		DuplicatesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_skipped_total",
			Help:      "Total number of emails skipped because they were already processed",
		}),
		AutoRepliesSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_replies_skipped_total",
			Help:      "Total number of auto-replies recorded without processing",
		}),
		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Ticket resolutions by source",
		}, []string{"source"}),
		UnresolvedQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolved_queued_total",
			Help:      "Total number of emails put on the unresolved retry queue",
		}),
		UnresolvedGaveUp: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unresolved_gave_up_total",
			Help:      "Total number of unresolved emails that reached the attempt ceiling",
		}),
		TicketsEscalated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_escalated_total",
			Help:      "Total number of tickets escalated for human attention",
		}),
		OracleFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_failures_total",
			Help:      "Total number of decision oracle failures",
		}),
		DraftsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drafts_created_total",
			Help:      "Pending messages created by class",
		}, []string{"class"}),
		DispatchSuccesses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_successes_total",
			Help:      "Successful message dispatches by class",
		}, []string{"class"}),
		DispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Failed message dispatches by failure kind",
		}, []string{"kind"}),
		RetriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_exhausted_total",
			Help:      "Total number of messages escalated after exhausting dispatch retries",
		}),
		ProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "email_processing_duration_seconds",
			Help:      "Time spent processing a single inbound email",
			Buckets:   prometheus.DefBuckets,
		}),
		PendingAwaitReview: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Number of messages awaiting operator review",
		}),
		SchedulerRunsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_failed_total",
			Help:      "Scheduled task runs that returned an error",
		}, []string{"task"}),
	}
}
