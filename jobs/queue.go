package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/metrics"
)

// ErrQueueFull is returned by Submit when the buffer has no room.
var ErrQueueFull = errors.New("queue full")

// Task is the work carried by a job.
type Task func(context.Context) error

// Runner accepts follow-up work that must not block the caller.
type Runner interface {
	Submit(name string, task Task) error
}

// Job is one queued task.
type Job struct {
	ID       string
	Name     string
	Task     Task
	Attempt  int
	Enqueued time.Time
}

// QueueConfig configures the worker pool.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Queue is an in-memory job dispatcher backed by goroutines. Failed tasks are
// requeued after RetryDelay until MaxRetries is exhausted, then dropped with
// an error log.
type Queue struct {
	name string

	workers    int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics

	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	pending sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewQueue builds a queue. Call Start before Submit.
func NewQueue(name string, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 16
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:       name,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		jobs:       make(chan Job, cfg.BufferSize),
	}
}

// Start begins worker consumption. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started = true
	q.logger.Info("queue started", zap.String("queue", q.name), zap.Int("workers", q.workers))
}

// Stop cancels workers and waits for them to exit. Jobs still buffered are
// dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.started = false
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info("queue stopped", zap.String("queue", q.name))
}

// Drain blocks until every submitted job has finished, including retries,
// or ctx is done.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a task without blocking. A full buffer returns
// ErrQueueFull.
func (q *Queue) Submit(name string, task Task) error {
	q.pending.Add(1)
	err := q.enqueue(Job{
		ID:       generic.NewID("job"),
		Name:     name,
		Task:     task,
		Enqueued: time.Now().UTC(),
	})
	if err != nil {
		q.pending.Done()
	}
	return err
}

func (q *Queue) enqueue(job Job) error {
	q.mu.Lock()
	ctx := q.ctx
	started := q.started
	q.mu.Unlock()

	if !started {
		return fmt.Errorf("queue %s not started", q.name)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("queue %s stopped: %w", q.name, ctx.Err())
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueFull)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.run(job)
		}
	}
}

func (q *Queue) run(job Job) {
	err := safeCall(q.ctx, job.Task)
	if err == nil {
		q.pending.Done()
		return
	}
	q.handleFailure(job, err)
}

func (q *Queue) handleFailure(job Job, err error) {
	job.Attempt++
	if job.Attempt > q.maxRetries {
		q.logger.Error("job exceeded retries",
			zap.String("queue", q.name),
			zap.String("job_id", job.ID),
			zap.String("job", job.Name),
			zap.Error(err),
		)
		q.metrics.JobFailed(job.Name)
		q.pending.Done()
		return
	}
	q.logger.Warn("job failed, retrying",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.String("job", job.Name),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)

	go func(j Job) {
		timer := time.NewTimer(q.retryDelay)
		defer timer.Stop()
		select {
		case <-q.ctx.Done():
			q.pending.Done()
			return
		case <-timer.C:
			if err := q.enqueue(j); err != nil {
				q.logger.Error("failed to requeue job", zap.String("queue", q.name), zap.String("job_id", j.ID), zap.Error(err))
				q.pending.Done()
			}
		}
	}(job)
}

// safeCall turns a panicking task into an error so one bad job cannot take
// a worker down.
func safeCall(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return task(ctx)
}

// =============================================================================
// INLINE
// =============================================================================

// Inline runs tasks synchronously on Submit and records failures. Used by
// tests and single-shot tools.
type Inline struct {
	Logger *zap.Logger

	mu     sync.Mutex
	ran    []string
	failed []string
}

// Submit runs task immediately. A task error is logged, not returned, to
// match the fire-and-forget contract of Queue.
func (r *Inline) Submit(name string, task Task) error {
	err := safeCall(context.Background(), task)

	r.mu.Lock()
	r.ran = append(r.ran, name)
	if err != nil {
		r.failed = append(r.failed, name)
	}
	r.mu.Unlock()

	if err != nil && r.Logger != nil {
		r.Logger.Warn("inline job failed", zap.String("job", name), zap.Error(err))
	}
	return nil
}

// Ran lists the names of every task run so far.
func (r *Inline) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

// Failed lists the names of tasks that returned an error.
func (r *Inline) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}
