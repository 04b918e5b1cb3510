package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stepflow"

// Queue metrics
var (
	QueuePublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_published_total",
		Help:      "Work messages accepted by the broker",
	})

	QueueDuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_duplicates_dropped_total",
		Help:      "Publishes suppressed by the broker dedup window",
	})

	QueueRedeliveries = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_delivery_attempts",
		Help:      "Delivery count observed per fetched message",
		Buckets:   []float64{1, 2, 3, 5, 8, 10},
	})

	QueueDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_dead_letters_total",
		Help:      "Messages that exhausted their delivery cap",
	})
)

// Scheduler metrics
var (
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_ticks_total",
		Help:      "Completed scheduler poll ticks",
	})

	SchedulerDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_dispatched_total",
		Help:      "Executions dispatched to the queue by outcome",
	}, []string{"outcome"}) // published, duplicate, lock_contended, error

	SchedulerLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_dispatch_lag_seconds",
		Help:      "Delay between a job's due time and its dispatch",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	SchedulerReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_reconcile_runs_total",
		Help:      "Watchdog reconcile passes on the elected leader",
	})

	SchedulerOrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_orphans_reaped_total",
		Help:      "Running executions failed because their worker left the fleet",
	})
)

// Worker metrics
var (
	WorkerActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_active_executions",
		Help:      "Executions currently being processed by this worker",
	})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Finished executions by terminal status",
	}, []string{"status"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall time from claim to terminal status",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Finished steps by type and status",
	}, []string{"type", "status"})

	StepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "step_retries_total",
		Help:      "Step attempt retries by step type",
	}, []string{"type"})
)

// Circuit breaker metrics
var (
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_transitions_total",
		Help:      "Breaker state transitions by target and new state",
	}, []string{"target", "state"})

	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_rejections_total",
		Help:      "Calls rejected while the breaker was open",
	}, []string{"target"})
)

// API metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by method, path and status code",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by method and path",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)
