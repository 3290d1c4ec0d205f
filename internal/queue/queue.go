package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job encapsulates a unit of work processed by the worker pool.
type Job struct {
	ID      string
	Source  string
	Timeout time.Duration // overrides the queue default when > 0
	Work    func(context.Context) error
	// OnFinish runs after Work with its error and wall time.
	OnFinish func(error, time.Duration)
}

// Stats exposes current queue metrics.
type Stats struct {
	Length      int
	Capacity    int
	WorkerCount int
	Processed   uint64
	Failed      uint64
	Dropped     uint64
}

// Queue represents a bounded job queue with a fixed worker pool.
type Queue struct {
	jobs        chan Job
	workerCount int
	timeout     time.Duration
	log         zerolog.Logger
	started     bool
	stopped     bool
	mu          sync.RWMutex
	wg          sync.WaitGroup
	processed   uint64
	failed      uint64
	dropped     uint64
}

// New creates a new Queue with the provided capacity, worker count, and per-job timeout.
func New(capacity, workerCount int, timeout time.Duration, log zerolog.Logger) *Queue {
	return &Queue{
		jobs:        make(chan Job, capacity),
		workerCount: workerCount,
		timeout:     timeout,
		log:         log,
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue attempts to queue a job without blocking. Returns false if the
// queue is full, not started, or already stopped.
func (q *Queue) Enqueue(j Job) bool {
	// the read lock is held across the send so Stop cannot close the
	// channel underneath it
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.stopped {
		q.log.Warn().Str("job", j.ID).Str("source", j.Source).Msg("enqueue on idle queue")
		return false
	}
	select {
	case q.jobs <- j:
		return true
	default:
		atomic.AddUint64(&q.dropped, 1)
		q.log.Warn().Str("job", j.ID).Str("source", j.Source).Msg("job queue full, dropping job")
		return false
	}
}

// Stop stops accepting new jobs and waits for workers to drain until context is done.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Stats returns current queue metrics.
func (q *Queue) Stats() Stats {
	return Stats{
		Length:      len(q.jobs),
		Capacity:    cap(q.jobs),
		WorkerCount: q.workerCount,
		Processed:   atomic.LoadUint64(&q.processed),
		Failed:      atomic.LoadUint64(&q.failed),
		Dropped:     atomic.LoadUint64(&q.dropped),
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.handleJob(ctx, j)
		}
	}
}

func (q *Queue) handleJob(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&q.failed, 1)
			q.log.Error().Str("job", j.ID).Interface("panic", r).Msg("job panic recovered")
		}
	}()

	timeout := q.timeout
	if j.Timeout > 0 {
		timeout = j.Timeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	err := j.Work(jobCtx)
	cancel()
	elapsed := time.Since(start)
	if j.OnFinish != nil {
		j.OnFinish(err, elapsed)
	}
	atomic.AddUint64(&q.processed, 1)
	evt := q.log.Debug()
	if err != nil {
		atomic.AddUint64(&q.failed, 1)
		evt = q.log.Warn().Err(err)
	}
	evt.Str("job_source", j.Source).Str("job", j.ID).Int64("duration_ms", elapsed.Milliseconds()).Msg("job finished")
}

// Healthy returns true if the queue has been started and not stopped.
func (q *Queue) Healthy() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.started && !q.stopped
}
