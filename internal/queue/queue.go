// Package queue drains the durable jobs table with a worker pool. Delivery is
// at-least-once: a worker crash surfaces as an expired visibility lock and the
// job is claimed again. Handlers are idempotent by construction (the execution
// fence lives in storage, not here).
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"copytrader/internal/storage"
)

// Job names
const (
	JobExecuteSignal    = "execute_signal"
	JobSupervise        = "supervise_positions"
	JobBalanceSnapshots = "record_balance_snapshots"
)

// HandlerFunc processes one claimed job
type HandlerFunc func(ctx context.Context, job *storage.Job) error

type periodicJob struct {
	name     string
	interval time.Duration
}

// Queue is the worker pool over the durable jobs table
type Queue struct {
	db          *storage.DB
	workers     int
	poll        time.Duration
	visibility  time.Duration
	maxAttempts int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	periodic []periodicJob
}

// Options configures the queue
type Options struct {
	Workers     int
	Poll        time.Duration
	Visibility  time.Duration
	MaxAttempts int
}

// New creates a queue over the given database
func New(db *storage.DB, opts Options) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 4
	}
	if opts.Poll <= 0 {
		opts.Poll = 250 * time.Millisecond
	}
	if opts.Visibility <= 0 {
		opts.Visibility = time.Minute
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	return &Queue{
		db:          db,
		workers:     opts.Workers,
		poll:        opts.Poll,
		visibility:  opts.Visibility,
		maxAttempts: opts.MaxAttempts,
		handlers:    make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job name
func (q *Queue) Register(name string, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = fn
}

// RegisterPeriodic binds a handler and schedules it on an interval. The
// (name, "periodic") job key gives single-instance mutual exclusion: a new
// run is only enqueued once the previous one has finished.
func (q *Queue) RegisterPeriodic(name string, interval time.Duration, fn HandlerFunc) {
	q.Register(name, fn)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.periodic = append(q.periodic, periodicJob{name: name, interval: interval})
}

// Enqueue adds a job keyed for idempotent re-enqueue. Reports whether a new
// job was actually created.
func (q *Queue) Enqueue(name, key, args string) (bool, error) {
	return q.db.EnqueueJob(name, key, args, storage.Now())
}

// Run starts the scheduler and worker pool and blocks until ctx is canceled
// and all in-flight jobs have completed.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.schedulerLoop(ctx)
	}()

	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.workerLoop(ctx, n)
		}(i)
	}

	wg.Wait()
	log.Info().Msg("job queue drained")
}

func (q *Queue) schedulerLoop(ctx context.Context) {
	// Seed every periodic job immediately, then re-arm on its interval.
	q.mu.RLock()
	jobs := append([]periodicJob(nil), q.periodic...)
	q.mu.RUnlock()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := make(map[string]time.Time)
	for {
		for _, pj := range jobs {
			if time.Since(last[pj.name]) < pj.interval && !last[pj.name].IsZero() {
				continue
			}
			created, err := q.Enqueue(pj.name, "periodic", "")
			if err != nil {
				log.Error().Err(err).Str("job", pj.name).Msg("failed to enqueue periodic job")
				continue
			}
			if created {
				last[pj.name] = time.Now()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) workerLoop(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.db.ClaimNextJob(storage.Now(), storage.Now()+int64(q.visibility.Seconds()))
		if err != nil {
			log.Error().Err(err).Int("worker", n).Msg("job claim failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.poll):
			}
			continue
		}

		q.runJob(ctx, job)
	}
}

func (q *Queue) runJob(ctx context.Context, job *storage.Job) {
	q.mu.RLock()
	handler := q.handlers[job.Name]
	q.mu.RUnlock()

	if handler == nil {
		log.Error().Str("job", job.Name).Msg("no handler registered")
		_ = q.db.FailJob(job.ID, "no handler registered")
		return
	}

	// In-flight work gets a bounded drain window after shutdown begins.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.visibility)
	defer cancel()

	start := time.Now()
	err := handler(runCtx, job)
	if err == nil {
		if job.Key == "periodic" {
			// Free the (name, key) slot so the scheduler can re-arm.
			_ = q.db.DeleteJob(job.ID)
		} else {
			_ = q.db.CompleteJob(job.ID)
		}
		log.Debug().Str("job", job.Name).Str("key", job.Key).
			Dur("elapsed", time.Since(start)).Msg("job completed")
		return
	}

	if job.Attempts >= q.maxAttempts {
		log.Error().Err(err).Str("job", job.Name).Str("key", job.Key).
			Int("attempts", job.Attempts).Msg("job failed permanently")
		_ = q.db.FailJob(job.ID, err.Error())
		_ = q.db.AppendAudit(&storage.AuditEvent{
			Kind:     storage.AuditJobFailed,
			Detail:   fmt.Sprintf("%s/%s: %v", job.Name, job.Key, err),
			Severity: "error",
		})
		return
	}

	delay := backoffDelay(job.Attempts)
	log.Warn().Err(err).Str("job", job.Name).Str("key", job.Key).
		Int("attempt", job.Attempts).Dur("retry_in", delay).Msg("job failed, retrying")
	_ = q.db.RetryJob(job.ID, storage.Now()+int64(delay.Seconds()), err.Error())
}

// backoffDelay is exponential with a 5 minute cap: 2s, 4s, 8s, ...
func backoffDelay(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
