package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Arkeep/relayflow/internal/metrics"
)

// asyncQueue is a bounded channel drained by a fixed worker pool. Jobs are
// executed with a background context: the enqueueing request's context may
// be gone long before a worker picks the job up.
type asyncQueue struct {
	ch      chan *AsyncJob
	handle  func(ctx context.Context, req *Request) *Result
	metrics *metrics.Collector
	logger  *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*AsyncJob

	closeMu   sync.RWMutex
	closeOnce sync.Once
	closed    bool
	wg        sync.WaitGroup
}

func newAsyncQueue(workers, size int, handle func(ctx context.Context, req *Request) *Result, collector *metrics.Collector, logger *zap.Logger) *asyncQueue {
	q := &asyncQueue{
		ch:      make(chan *AsyncJob, size),
		handle:  handle,
		metrics: collector,
		logger:  logger.With(zap.String("component", "async_queue")),
		jobs:    make(map[string]*AsyncJob),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker(i)
	}
	return q
}

func (q *asyncQueue) worker(id int) {
	defer q.wg.Done()
	for job := range q.ch {
		q.setDepth()
		if !job.markProcessing(time.Now()) {
			// Cancelled while queued; drop without executing.
			continue
		}
		if q.metrics != nil {
			q.metrics.RecordAsyncJob(string(JobProcessing))
		}
		res := q.handle(context.Background(), job.Request)
		status := JobCompleted
		if !res.Succeeded() {
			status = JobFailed
		}
		job.finish(status, res, time.Now())
		if q.metrics != nil {
			q.metrics.RecordAsyncJob(string(status))
		}
		q.logger.Debug("async job finished",
			zap.Int("worker", id),
			zap.String("job_id", job.ID),
			zap.String("status", string(status)))
	}
}

// enqueue admits the job without blocking. A full queue is reported to the
// caller instead of applying backpressure.
func (q *asyncQueue) enqueue(job *AsyncJob) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	select {
	case q.ch <- job:
		q.setDepth()
		if q.metrics != nil {
			q.metrics.RecordAsyncJob(string(JobQueued))
		}
		return nil
	default:
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return ErrQueueFull
	}
}

func (q *asyncQueue) get(jobID string) (*AsyncJob, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	return job, ok
}

func (q *asyncQueue) stats() map[JobStatus]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[JobStatus]int, 5)
	for _, job := range q.jobs {
		out[job.Status()]++
	}
	return out
}

func (q *asyncQueue) setDepth() {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(len(q.ch))
	}
}

// close stops intake, drains in-flight work and waits for the workers.
func (q *asyncQueue) close() {
	q.closeOnce.Do(func() {
		q.closeMu.Lock()
		q.closed = true
		close(q.ch)
		q.closeMu.Unlock()
		q.wg.Wait()
	})
}

// QueueAsync enqueues the request for background execution and returns the
// job id immediately. The enqueue itself never blocks: a full queue returns
// ErrQueueFull. The handoff runs through Handle on a worker goroutine.
func (o *Orchestrator) QueueAsync(ctx context.Context, req *Request) (string, error) {
	if o.queue == nil {
		return "", ErrAsyncDisabled
	}
	if req == nil {
		return "", ErrNilRequest
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job := &AsyncJob{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now(),
		status:     JobQueued,
	}
	if err := o.queue.enqueue(job); err != nil {
		return "", fmt.Errorf("enqueue handoff: %w", err)
	}
	o.logger.Debug("queued async handoff",
		zap.String("job_id", job.ID),
		zap.String("conversation_id", req.ConversationID),
		zap.String("target_agent", req.TargetAgentID))
	return job.ID, nil
}

// AsyncStatus returns the job for polling its status and result.
func (o *Orchestrator) AsyncStatus(jobID string) (*AsyncJob, error) {
	if o.queue == nil {
		return nil, ErrAsyncDisabled
	}
	job, ok := o.queue.get(jobID)
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
	}
	return job, nil
}

// AsyncStats returns the number of known jobs per lifecycle state.
func (o *Orchestrator) AsyncStats() (map[JobStatus]int, error) {
	if o.queue == nil {
		return nil, ErrAsyncDisabled
	}
	return o.queue.stats(), nil
}

// CancelAsync cancels a job that has not started. It reports true only for
// the Queued -> Cancelled transition; jobs already processing or finished
// are left alone.
func (o *Orchestrator) CancelAsync(jobID string) (bool, error) {
	if o.queue == nil {
		return false, ErrAsyncDisabled
	}
	job, ok := o.queue.get(jobID)
	if !ok {
		return false, fmt.Errorf("job %q: %w", jobID, ErrJobNotFound)
	}
	if !job.cancel(time.Now()) {
		return false, nil
	}
	if o.metrics != nil {
		o.metrics.RecordAsyncJob(string(JobCancelled))
	}
	return true, nil
}
