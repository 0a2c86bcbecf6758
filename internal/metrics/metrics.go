package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is shared by the custom collectors and the echo HTTP middleware
const Namespace = "reauthxy"

var (
	// ReauthAttemptsCounter counts authenticator invocations (one per single-flight attempt)
	ReauthAttemptsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reauth_attempts_total",
		Help:      "Total number of re-authentication attempts started",
	})

	// ReauthFailuresCounter counts attempts whose authenticator returned an error
	ReauthFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reauth_failures_total",
		Help:      "Total number of re-authentication attempts that failed",
	})

	// RequestsEnqueuedCounter counts requests handed to the resender
	RequestsEnqueuedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "resend_requests_enqueued_total",
		Help:      "Total number of requests enqueued for resend after re-authentication",
	})

	// PendingRequestsGauge tracks enqueued requests whose outcome is not settled yet
	PendingRequestsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "resend_requests_pending",
		Help:      "Current number of enqueued requests waiting for their outcome",
	})

	// ResendOutcomesCounter counts settled outcomes by result ("resolved", "transport_error", "auth_error", "dispatch_error")
	ResendOutcomesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "resend_outcomes_total",
		Help:      "Total number of settled resend outcomes by result",
	}, []string{"outcome"})

	// QueueDepthGauge tracks the current depth of the dispatch queue
	QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Current number of resend tasks waiting in the dispatch queue",
	})

	// TasksProcessedCounter tracks the total number of dispatched tasks that ran to completion
	TasksProcessedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "dispatch_tasks_processed_total",
		Help:      "Total number of resend tasks executed by the dispatcher",
	})

	// TasksFailedCounter tracks tasks that panicked or were rejected by the dispatcher
	TasksFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "dispatch_tasks_failed_total",
		Help:      "Total number of resend tasks that were rejected or panicked",
	})

	// ActiveWorkersGauge tracks the number of workers currently running a task
	ActiveWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "dispatch_active_workers",
		Help:      "Current number of workers actively running resend tasks",
	})
)

// Outcome label values for ResendOutcomesCounter
const (
	OutcomeResolved       = "resolved"
	OutcomeTransportError = "transport_error"
	OutcomeAuthError      = "auth_error"
	OutcomeDispatchError  = "dispatch_error"
)
