// Package scheduler runs one control loop per active monitoring task. Each
// loop enqueues a parsing job roughly every check_interval, never while a
// previous job still holds the task-running lock, and clears locks left
// behind by crashed workers.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tyrannozavr/steamwatch/internal/broker"
	"github.com/tyrannozavr/steamwatch/internal/observability"
	"github.com/tyrannozavr/steamwatch/internal/store"
)

// TaskStore is the durable-store subset the scheduler needs.
type TaskStore interface {
	GetTask(ctx context.Context, id int64) (*store.MonitoringTask, error)
	ListTasks(ctx context.Context, activeOnly bool) ([]*store.MonitoringTask, error)
	AdvanceNextCheck(ctx context.Context, id int64, next time.Time) error
}

// LockStore is the coordination subset: inspect and clear task-running locks.
type LockStore interface {
	TaskLockAge(ctx context.Context, taskID int64, fullTTL time.Duration) (time.Duration, bool, error)
	ReleaseTaskLock(ctx context.Context, taskID int64) error
}

// Enqueuer publishes jobs to the broker.
type Enqueuer interface {
	PublishTask(ctx context.Context, t *broker.ParsingTask) error
}

// Config tunes loop cadence and recovery.
type Config struct {
	LockTTL          time.Duration // full task-running lock TTL
	StuckTimeout     time.Duration // lock age after which the holder is presumed dead
	DiscoverInterval time.Duration // how often new tasks are picked up
	ReloadInterval   time.Duration // how often a loop re-reads its task row
	MaxSleep         time.Duration // longest uninterrupted sleep inside a loop
	RecoveryBase     time.Duration // first restart backoff after a loop error
	RecoveryMax      time.Duration // restart backoff cap
	RecoveryAttempts int           // restarts before giving up on a task
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		LockTTL:          time.Hour,
		StuckTimeout:     10 * time.Minute,
		DiscoverInterval: 30 * time.Second,
		ReloadInterval:   time.Minute,
		MaxSleep:         time.Minute,
		RecoveryBase:     5 * time.Second,
		RecoveryMax:      10 * time.Minute,
		RecoveryAttempts: 10,
	}
}

// Scheduler owns the per-task loop registry.
type Scheduler struct {
	tasks TaskStore
	locks LockStore
	queue Enqueuer
	cfg   Config

	mu    sync.Mutex
	loops map[int64]context.CancelFunc
	wg    sync.WaitGroup
}

// New creates a Scheduler.
func New(tasks TaskStore, locks LockStore, queue Enqueuer, cfg Config) *Scheduler {
	return &Scheduler{
		tasks: tasks,
		locks: locks,
		queue: queue,
		cfg:   cfg,
		loops: make(map[int64]context.CancelFunc),
	}
}

// Run discovers active tasks and keeps one control loop per task until the
// context is cancelled. Loops for deleted or deactivated tasks terminate on
// their next row reload; restart after a scheduler crash needs nothing but
// the database.
func (s *Scheduler) Run(ctx context.Context) {
	log.Println("Scheduler: starting task discovery")
	s.discover(ctx)

	ticker := time.NewTicker(s.cfg.DiscoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Scheduler: stopping, waiting for control loops")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.discover(ctx)
		}
	}
}

// ActiveLoops reports how many control loops are currently registered.
func (s *Scheduler) ActiveLoops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

func (s *Scheduler) discover(ctx context.Context) {
	tasks, err := s.tasks.ListTasks(ctx, true)
	if err != nil {
		log.Printf("Scheduler: task discovery failed: %v", err)
		return
	}
	for _, t := range tasks {
		s.ensureLoop(ctx, t)
	}
}

func (s *Scheduler) ensureLoop(ctx context.Context, t *store.MonitoringTask) {
	s.mu.Lock()
	if _, running := s.loops[t.ID]; running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loops[t.ID] = cancel
	s.mu.Unlock()

	observability.SchedulerLoops.Inc()
	s.wg.Add(1)
	go func(t *store.MonitoringTask) {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.loops, t.ID)
			s.mu.Unlock()
			cancel()
			observability.SchedulerLoops.Dec()
		}()
		s.runWithRecovery(loopCtx, t)
	}(t)
}

// runWithRecovery restarts a failed loop with exponential backoff. A loop
// that returns nil terminated cleanly (task deleted or deactivated).
func (s *Scheduler) runWithRecovery(ctx context.Context, t *store.MonitoringTask) {
	backoff := s.cfg.RecoveryBase
	for attempt := 0; ; attempt++ {
		err := s.runLoop(ctx, t)
		if err == nil || ctx.Err() != nil {
			return
		}
		if attempt+1 >= s.cfg.RecoveryAttempts {
			log.Printf("Scheduler: task %d loop failed %d times, giving up: %v", t.ID, attempt+1, err)
			return
		}
		log.Printf("Scheduler: task %d loop failed (attempt %d): %v, restarting in %s", t.ID, attempt+1, err, backoff)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > s.cfg.RecoveryMax {
			backoff = s.cfg.RecoveryMax
		}

		// The task may have been deleted or deactivated while we backed off.
		fresh, gerr := s.tasks.GetTask(ctx, t.ID)
		if gerr == nil {
			if fresh == nil || !fresh.IsActive {
				return
			}
			t = fresh
		}
	}
}

// runLoop is one task's control loop. Returning nil means the loop is done
// for good; an error triggers recovery with backoff.
func (s *Scheduler) runLoop(ctx context.Context, t *store.MonitoringTask) error {
	lastReload := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(lastReload) >= s.cfg.ReloadInterval {
			fresh, err := s.tasks.GetTask(ctx, t.ID)
			if err != nil {
				return err
			}
			if fresh == nil {
				log.Printf("Scheduler: task %d deleted, stopping loop", t.ID)
				return nil
			}
			if !fresh.IsActive {
				log.Printf("Scheduler: task %d deactivated, stopping loop", t.ID)
				return nil
			}
			t = fresh
			lastReload = time.Now()
		}

		now := time.Now()
		if t.NextCheck != nil && now.Before(*t.NextCheck) {
			wait := t.NextCheck.Sub(now)
			if wait > s.cfg.MaxSleep {
				wait = s.cfg.MaxSleep
			}
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}

		age, held, err := s.locks.TaskLockAge(ctx, t.ID, s.cfg.LockTTL)
		if err != nil {
			return err
		}
		if held {
			if age > s.cfg.StuckTimeout {
				log.Printf("Scheduler: task %d lock held for %s (> %s), clearing stuck lock", t.ID, age, s.cfg.StuckTimeout)
				if err := s.locks.ReleaseTaskLock(ctx, t.ID); err != nil {
					return err
				}
				observability.StuckLocksCleared.WithLabelValues("scheduler").Inc()
			} else {
				// A worker is on it; push our horizon out one interval.
				next := now.Add(t.Interval())
				if err := s.tasks.AdvanceNextCheck(ctx, t.ID, next); err != nil {
					return err
				}
				t.NextCheck = &next
				if !sleepCtx(ctx, t.Interval()) {
					return nil
				}
				continue
			}
		}

		// next_check is advanced by the worker after the job completes, not
		// here; enqueueing again before then is prevented by the lock check.
		if err := s.queue.PublishTask(ctx, TaskMessage(t)); err != nil {
			return err
		}

		if !sleepCtx(ctx, t.Interval()) {
			return nil
		}
	}
}

// TaskMessage builds the queue message for a task.
func TaskMessage(t *store.MonitoringTask) *broker.ParsingTask {
	return &broker.ParsingTask{
		Type:     broker.TypeParsingTask,
		TaskID:   t.ID,
		ItemName: t.ItemName,
		AppID:    t.AppID,
		Currency: t.Currency,
		Filters:  t.Filters,
	}
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
