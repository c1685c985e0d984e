package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts completed job attempts by result.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_jobs_processed_total",
		Help: "Total number of parsing jobs processed, by result",
	}, []string{"result"})

	// JobDuration tracks end-to-end job execution time.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "steamwatch_job_duration_seconds",
		Help:    "Duration of one parsing job from lock acquire to ack",
		Buckets: prometheus.DefBuckets,
	})

	// LockContention counts jobs skipped because another worker held the lock.
	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steamwatch_lock_contention_total",
		Help: "Jobs skipped because the task-running lock was already held",
	})

	// StuckLocksCleared counts stale locks deleted by stuck detection.
	StuckLocksCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_stuck_locks_cleared_total",
		Help: "Stale task-running locks cleared, by component",
	}, []string{"component"})

	// QueuePublishes counts broker publishes by queue.
	QueuePublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_queue_publishes_total",
		Help: "Messages published to the broker, by queue",
	}, []string{"queue"})

	// SchedulerLoops tracks live per-task control loops.
	SchedulerLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "steamwatch_scheduler_loops",
		Help: "Number of per-task scheduler control loops currently running",
	})

	// ProxyPoolSize tracks proxy counts by state.
	ProxyPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "steamwatch_proxy_pool_size",
		Help: "Proxy pool size by state (only active is reported)",
	}, []string{"state"})

	// ProxyLeases counts lease attempts by outcome.
	ProxyLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_proxy_leases_total",
		Help: "Proxy lease attempts, by outcome (granted, empty)",
	}, []string{"outcome"})

	// ProxyReports counts usage reports by outcome.
	ProxyReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steamwatch_proxy_reports_total",
		Help: "Proxy usage reports, by outcome",
	}, []string{"outcome"})

	// ItemsFound counts newly persisted found items.
	ItemsFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steamwatch_items_found_total",
		Help: "New found-item rows persisted",
	})

	// NotificationsPublished counts events published on the found_items channel.
	NotificationsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "steamwatch_notifications_published_total",
		Help: "Found-item events published on the notification channel",
	})
)
