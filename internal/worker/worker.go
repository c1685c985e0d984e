// Package worker consumes parsing jobs from the broker and executes them
// end-to-end: per-task lock, heartbeat, fetch through a leased proxy, result
// processing, and re-enqueue with the task's interval.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/tyrannozavr/steamwatch/internal/broker"
	"github.com/tyrannozavr/steamwatch/internal/fetcher"
	"github.com/tyrannozavr/steamwatch/internal/observability"
	"github.com/tyrannozavr/steamwatch/internal/proxy"
	"github.com/tyrannozavr/steamwatch/internal/results"
	"github.com/tyrannozavr/steamwatch/internal/scheduler"
	"github.com/tyrannozavr/steamwatch/internal/store"
)

// Locker is the lock surface of the coordination store.
type Locker interface {
	AcquireTaskLock(ctx context.Context, taskID int64, ttl time.Duration) (bool, error)
	TaskLockAge(ctx context.Context, taskID int64, fullTTL time.Duration) (time.Duration, bool, error)
	ReleaseTaskLock(ctx context.Context, taskID int64) error
	LockRefresher
}

// Queue is the broker surface workers use.
type Queue interface {
	PublishTaskDelayed(ctx context.Context, t *broker.ParsingTask, delay time.Duration) error
	RetryOrDead(ctx context.Context, d *amqp.Delivery) error
}

// TaskGetter reads task rows outside a job session (the pre-lock existence
// check).
type TaskGetter interface {
	GetTask(ctx context.Context, id int64) (*store.MonitoringTask, error)
}

// Session is one job's exclusive database session.
type Session interface {
	GetTask(ctx context.Context, id int64) (*store.MonitoringTask, error)
	FinishCheck(ctx context.Context, id int64, last, next time.Time) error
	Release()
	results.TxOpener
}

// SessionFactory opens per-job sessions.
type SessionFactory func(ctx context.Context) (Session, error)

// ProxyPool is the lease/report surface of the proxy pool.
type ProxyPool interface {
	Lease(ctx context.Context) (*store.Proxy, error)
	Report(ctx context.Context, p *store.Proxy, outcome proxy.Outcome) error
}

// ResultSink consumes a job's listings.
type ResultSink interface {
	ProcessAndNotify(ctx context.Context, db results.TxOpener, task *store.MonitoringTask, listings []fetcher.Listing) (int, error)
}

// Config tunes the worker.
type Config struct {
	MaxConcurrent     int64         // in-flight jobs per process
	LockTTL           time.Duration // task-running lock TTL
	StuckTimeout      time.Duration // lock age treated as a dead holder
	HeartbeatInterval time.Duration
	FetchAttempts     int           // proxies tried within one job
	MinRequeueDelay   time.Duration // floor on the re-enqueue delay
	ShutdownGrace     time.Duration // bounded wait for in-flight jobs
	ConsumerTag       string
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     10,
		LockTTL:           time.Hour,
		StuckTimeout:      10 * time.Minute,
		HeartbeatInterval: 5 * time.Minute,
		FetchAttempts:     3,
		MinRequeueDelay:   10 * time.Second,
		ShutdownGrace:     30 * time.Second,
	}
}

// Worker hosts the bounded pool of concurrent jobs.
type Worker struct {
	queue    Queue
	locks    Locker
	tasks    TaskGetter
	sessions SessionFactory
	proxies  ProxyPool
	fetch    fetcher.ItemFetcher
	sink     ResultSink
	cfg      Config

	sem *semaphore.Weighted
}

// New creates a Worker.
func New(queue Queue, locks Locker, tasks TaskGetter, sessions SessionFactory,
	proxies ProxyPool, fetch fetcher.ItemFetcher, sink ResultSink, cfg Config) *Worker {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Worker{
		queue:    queue,
		locks:    locks,
		tasks:    tasks,
		sessions: sessions,
		proxies:  proxies,
		fetch:    fetch,
		sink:     sink,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Run drains deliveries until the channel closes (broker shutdown or context
// cancellation), then waits out in-flight jobs up to the shutdown grace.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	log.Printf("Worker: consuming with up to %d concurrent jobs", w.cfg.MaxConcurrent)
	for d := range deliveries {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			// Shutting down; put the message back for a peer.
			_ = d.Nack(false, true)
			break
		}
		go func(d amqp.Delivery) {
			defer w.sem.Release(1)
			w.Handle(ctx, &d)
		}(d)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownGrace)
	defer cancel()
	if err := w.sem.Acquire(drainCtx, w.cfg.MaxConcurrent); err != nil {
		log.Printf("Worker: shutdown grace expired with jobs still in flight")
		return
	}
	log.Println("Worker: all jobs drained")
}

// Handle executes one delivery end-to-end. It always settles the message:
// ack after a real attempt (retries are driven by the re-enqueue), and
// retry-with-backoff via the broker when the job could not be attempted.
func (w *Worker) Handle(ctx context.Context, d *amqp.Delivery) {
	start := time.Now()

	task, err := broker.DecodeParsingTask(d.Body)
	if err != nil || task.Type != broker.TypeParsingTask {
		if err != nil {
			log.Printf("Worker: dropping undecodable message: %v", err)
		}
		_ = d.Ack(false)
		observability.JobsProcessed.WithLabelValues("dropped").Inc()
		return
	}

	result := w.runJob(ctx, task, d)
	_ = d.Ack(false)
	observability.JobsProcessed.WithLabelValues(result).Inc()
	observability.JobDuration.Observe(time.Since(start).Seconds())
}

// runJob returns a result label for metrics. The broker message is settled
// by the caller; runJob decides whether a bounded broker-side retry is
// scheduled via RetryOrDead.
func (w *Worker) runJob(ctx context.Context, task *broker.ParsingTask, d *amqp.Delivery) string {
	taskID := task.TaskID

	acquired, err := w.locks.AcquireTaskLock(ctx, taskID, w.cfg.LockTTL)
	if err != nil {
		w.scheduleRetry(ctx, d, "lock acquire", err)
		return "retry"
	}

	if !acquired {
		outcome := w.handleLockContention(ctx, taskID, d)
		if outcome != "" {
			return outcome
		}
		// Stuck lock cleared; one more attempt.
		acquired, err = w.locks.AcquireTaskLock(ctx, taskID, w.cfg.LockTTL)
		if err != nil || !acquired {
			observability.LockContention.Inc()
			return "contended"
		}
	}

	// Lock held from here; release exactly once on the way out.
	defer w.releaseLock(taskID)

	hb := StartHeartbeat(ctx, w.locks, taskID, w.cfg.HeartbeatInterval, w.cfg.LockTTL)
	defer hb.Stop()

	sess, err := w.sessions(ctx)
	if err != nil {
		w.scheduleRetry(ctx, d, "session open", err)
		return "retry"
	}
	defer sess.Release()

	row, err := sess.GetTask(ctx, taskID)
	if err != nil {
		w.scheduleRetry(ctx, d, "task reload", err)
		return "retry"
	}
	if row == nil || !row.IsActive {
		log.Printf("Worker: task %d missing or inactive, dropping job", taskID)
		return "gone"
	}
	// The row's filters are authoritative over the message snapshot.
	row.Filters.ItemName = row.ItemName

	listings := w.fetchListings(ctx, row)

	now := time.Now().UTC()
	next := now.Add(row.Interval())
	if err := sess.FinishCheck(ctx, taskID, now, next); err != nil {
		w.scheduleRetry(ctx, d, "finish check", err)
		return "retry"
	}

	if len(listings) > 0 {
		if _, err := w.sink.ProcessAndNotify(ctx, sess, row, listings); err != nil {
			w.scheduleRetry(ctx, d, "result processing", err)
			return "retry"
		}
	}

	// The job loops itself; the scheduler only has to intervene when this
	// chain breaks.
	delay := row.Interval()
	if delay < w.cfg.MinRequeueDelay {
		delay = w.cfg.MinRequeueDelay
	}
	if err := w.queue.PublishTaskDelayed(ctx, scheduler.TaskMessage(row), delay); err != nil {
		log.Printf("Worker: re-enqueue of task %d failed: %v (scheduler will recover)", taskID, err)
	}

	return "ok"
}

// handleLockContention resolves a refused SETNX. Returns "" when a stuck
// lock was cleared and the caller should re-attempt, otherwise the final
// result label.
func (w *Worker) handleLockContention(ctx context.Context, taskID int64, d *amqp.Delivery) string {
	row, err := w.tasks.GetTask(ctx, taskID)
	if err != nil {
		w.scheduleRetry(ctx, d, "contention task check", err)
		return "retry"
	}
	if row == nil {
		// Orphaned lock for a deleted task.
		log.Printf("Worker: clearing lock for deleted task %d", taskID)
		if err := w.locks.ReleaseTaskLock(ctx, taskID); err != nil {
			log.Printf("Worker: failed to clear orphaned lock for task %d: %v", taskID, err)
		}
		return "gone"
	}

	age, held, err := w.locks.TaskLockAge(ctx, taskID, w.cfg.LockTTL)
	if err != nil {
		w.scheduleRetry(ctx, d, "lock inspect", err)
		return "retry"
	}
	if held && age > w.cfg.StuckTimeout {
		log.Printf("Worker: task %d lock stuck for %s, clearing and retaking", taskID, age)
		if err := w.locks.ReleaseTaskLock(ctx, taskID); err != nil {
			w.scheduleRetry(ctx, d, "stuck lock clear", err)
			return "retry"
		}
		observability.StuckLocksCleared.WithLabelValues("worker").Inc()
		return ""
	}

	// An alive peer is on it.
	observability.LockContention.Inc()
	return "contended"
}

// fetchListings tries up to FetchAttempts proxies. Rate limits and payload
// errors end the attempt with zero matches; transient and hard failures move
// on to the next proxy.
func (w *Worker) fetchListings(ctx context.Context, row *store.MonitoringTask) []fetcher.Listing {
	for attempt := 1; attempt <= w.cfg.FetchAttempts; attempt++ {
		leased, err := w.proxies.Lease(ctx)
		if err != nil {
			log.Printf("Worker: proxy lease for task %d failed: %v", row.ID, err)
			return nil
		}
		proxyURL := ""
		if leased != nil {
			proxyURL = leased.URL
		} else {
			log.Printf("Worker: no proxy available for task %d, skipping this cycle", row.ID)
			return nil
		}

		listings, fetchErr := w.fetch.Fetch(ctx, row.Filters, proxyURL)
		outcome := proxy.OutcomeFromError(fetchErr)

		// A broken payload is the upstream's fault, not the proxy's.
		if errors.Is(fetchErr, fetcher.ErrBadPayload) {
			outcome = proxy.OutcomeOK
		}
		if err := w.proxies.Report(ctx, leased, outcome); err != nil {
			log.Printf("Worker: proxy report for %d failed: %v", leased.ID, err)
		}

		switch {
		case fetchErr == nil:
			return listings
		case errors.Is(fetchErr, fetcher.ErrBadPayload):
			log.Printf("Worker: task %d got unparseable payload: %v", row.ID, fetchErr)
			return nil
		case outcome == proxy.OutcomeRateLimited:
			log.Printf("Worker: task %d rate limited through proxy %d", row.ID, leased.ID)
			return nil
		default:
			log.Printf("Worker: task %d fetch attempt %d/%d failed: %v", row.ID, attempt, w.cfg.FetchAttempts, fetchErr)
		}
	}
	return nil
}

// scheduleRetry republishes the delivery with backoff (bounded by the
// broker's retry cap) for jobs that could not be attempted.
func (w *Worker) scheduleRetry(ctx context.Context, d *amqp.Delivery, stage string, cause error) {
	log.Printf("Worker: %s failed: %v, scheduling broker retry", stage, cause)
	if err := w.queue.RetryOrDead(ctx, d); err != nil {
		log.Printf("Worker: retry publish failed: %v, message will redeliver on consumer timeout", err)
	}
}

// releaseLock deletes the task-running lock with one retry, using a fresh
// context so cancellation cannot leak the lock.
func (w *Worker) releaseLock(taskID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.locks.ReleaseTaskLock(ctx, taskID); err != nil {
		log.Printf("Worker: lock release for task %d failed: %v, retrying", taskID, err)
		if err := w.locks.ReleaseTaskLock(ctx, taskID); err != nil {
			log.Printf("Worker: lock release retry for task %d failed: %v (TTL will clear it)", taskID, err)
		}
	}
}
