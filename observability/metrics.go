package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandlerLatency tracks end-to-end handler execution time per event.
	HandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cb_handler_duration_seconds",
		Help:    "Handler execution time by event name",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"event"})

	// HandlerOutcomes counts terminal handler results.
	HandlerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_handler_outcomes_total",
		Help: "Handler invocations by event and outcome",
	}, []string{"event", "outcome"}) // success, failure

	// CircuitTransitions counts breaker events per handler.
	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_circuit_events_total",
		Help: "Circuit breaker events by event name",
	}, []string{"event", "kind"}) // opened, fallback, probe, closed

	// CircuitState exposes the breaker state per event.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cb_circuit_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"event"})

	// RateLimited counts admissions and rejections of the per-event window.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_ratelimit_total",
		Help: "Rate limiter decisions by event name",
	}, []string{"event", "decision"}) // allowed, rejected

	// Timeouts counts handler bodies cancelled by the runtime deadline.
	Timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_handler_timeouts_total",
		Help: "Handler invocations cancelled by timeout",
	}, []string{"event"})

	// CacheHits counts response-cache hits per event.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_response_cache_hits_total",
		Help: "Response cache hits by event name",
	}, []string{"event"})

	// StoreLatency tracks Redis script and command round-trips.
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cb_store_roundtrip_seconds",
		Help:    "Store operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
	})

	// EventsPublished counts bus publishes by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_events_published_total",
		Help: "Events published to the bus by type",
	}, []string{"type"})

	// DuplicateEvents counts events rejected by the exactly-once gate.
	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_duplicate_events_total",
		Help: "Events rejected by the exactly-once consumption gate",
	})

	// PoolRejections counts work handed to a saturated dispatch pool.
	PoolRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_pool_rejections_total",
		Help: "Subscriber dispatches rejected by the bounded worker pool",
	})

	// PendingTasks mirrors the depth of the global pending queue.
	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cb_pending_tasks",
		Help: "Current depth of the global pending task queue",
	})

	// ActiveInstancesGauge tracks instances with a live heartbeat.
	ActiveInstancesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cb_active_instances",
		Help: "Instances currently considered alive",
	})

	// LeaderStatus is 1 while this instance holds the leader lease.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cb_leader_status",
		Help: "Leader lease status (1 = leader, 0 = follower)",
	})

	// PartitionDetected is 1 while the gossip view infers a partition.
	PartitionDetected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cb_partition_detected",
		Help: "Gossip-inferred partition flag (advisory)",
	})

	// SchedulerJobRuns counts periodic job executions by job and outcome.
	SchedulerJobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_scheduler_job_runs_total",
		Help: "Scheduler job executions by job name and outcome",
	}, []string{"job", "outcome"})

	// PersistFailures counts swallowed relational-mirror errors.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_persist_failures_total",
		Help: "Relational mirror write failures (logged, never surfaced)",
	})

	// GatewayRateLimited counts connections shed by the local token bucket.
	GatewayRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_gateway_rate_limited_total",
		Help: "Gateway requests rejected by local admission control",
	}, []string{"endpoint"})
)
