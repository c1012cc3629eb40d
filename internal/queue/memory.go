package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/stevedore/internal/core/domain"
)

// =============================================================================
// Volatile Backend
// =============================================================================

// MemoryQueue is the in-process queue backend. Jobs do not survive a process
// restart but all call and event semantics match the durable backend.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[string]*memJob
	seq         uint64
	processors  map[string]ProcessorFunc
	subscribers []func(Event)
	wake        chan struct{}
	logger      *slog.Logger
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memJob struct {
	domain.JobRecord
	seq   uint64
	runAt time.Time
}

// NewMemoryQueue creates a volatile queue backend.
func NewMemoryQueue(logger *slog.Logger) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		jobs:       make(map[string]*memJob),
		processors: make(map[string]ProcessorFunc),
		wake:       make(chan struct{}, 1),
		logger:     logger.With("component", "queue", "backend", "memory"),
	}
}

func (q *MemoryQueue) RegisterProcessor(jobType string, fn ProcessorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[jobType] = fn
}

func (q *MemoryQueue) Subscribe(fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscribers = append(q.subscribers, fn)
}

func (q *MemoryQueue) Start() {
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()
	q.wg.Add(1)
	go q.run()
	q.logger.Info("queue started")
}

func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// =============================================================================
// Enqueue and Introspection
// =============================================================================

func (q *MemoryQueue) Enqueue(_ context.Context, jobType string, payload []byte, opts Options) (*domain.JobRecord, error) {
	opts = opts.normalize()
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if payload == nil {
		payload = []byte{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, ErrStopped
	}

	// Idempotent enqueue: a waiting or active job under this id wins.
	if existing, ok := q.jobs[opts.ID]; ok && !existing.Status.Terminal() {
		rec := existing.JobRecord
		return &rec, nil
	}

	now := time.Now().UTC()
	q.seq++
	job := &memJob{
		JobRecord: domain.JobRecord{
			ID:          opts.ID,
			Type:        jobType,
			Payload:     payload,
			MaxAttempts: opts.MaxAttempts,
			Backoff:     opts.Backoff,
			Status:      domain.JobWaiting,
			Priority:    opts.Priority,
			EnqueuedAt:  now,
			UpdatedAt:   now,
		},
		seq:   q.seq,
		runAt: now,
	}
	q.jobs[opts.ID] = job
	q.signal()

	rec := job.JobRecord
	return &rec, nil
}

func (q *MemoryQueue) GetJob(_ context.Context, id string) (*domain.JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	rec := job.JobRecord
	return &rec, nil
}

func (q *MemoryQueue) ListByStatus(_ context.Context, status domain.JobStatus) ([]domain.JobRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.JobRecord
	for _, job := range q.jobs {
		if job.Status == status {
			out = append(out, job.JobRecord)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (q *MemoryQueue) Counts(_ context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, job := range q.jobs {
		switch job.Status {
		case domain.JobWaiting:
			c.Waiting++
		case domain.JobActive:
			c.Active++
		case domain.JobCompleted:
			c.Completed++
		case domain.JobFailed:
			c.Failed++
		}
	}
	return c, nil
}

// =============================================================================
// Dispatch Loop
// =============================================================================

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) run() {
	defer q.wg.Done()

	for {
		job, wait := q.claimNext()
		if job != nil {
			q.wg.Add(1)
			go q.process(job)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claimNext picks the due waiting job with the highest priority, FIFO within
// a priority, and marks it active. Returns the wait until the next job is
// due when nothing is claimable.
func (q *MemoryQueue) claimNext() (*memJob, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	wait := time.Minute

	var best *memJob
	for _, job := range q.jobs {
		if job.Status != domain.JobWaiting {
			continue
		}
		if job.runAt.After(now) {
			if d := job.runAt.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if best == nil ||
			job.Priority.Weight() > best.Priority.Weight() ||
			(job.Priority.Weight() == best.Priority.Weight() && job.seq < best.seq) {
			best = job
		}
	}
	if best == nil {
		return nil, wait
	}

	best.Status = domain.JobActive
	best.Attempt++
	best.UpdatedAt = now
	return best, 0
}

func (q *MemoryQueue) process(job *memJob) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("processor panicked", "job_id", job.ID, "panic", r)
			q.settle(job, fmt.Errorf("processor panic: %v", r), true)
		}
	}()

	q.mu.Lock()
	fn := q.processors[job.Type]
	q.mu.Unlock()
	if fn == nil {
		q.settle(job, fmt.Errorf("%w: %s", ErrNoProcessor, job.Type), false)
		return
	}

	rec := job.JobRecord
	err := fn(q.ctx, &rec, func(p int) { q.setProgress(job, p) })
	q.settle(job, err, false)
}

func (q *MemoryQueue) setProgress(job *memJob, p int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p > job.Progress && p <= 100 {
		job.Progress = p
	}
}

// settle records an attempt's outcome: completion, a scheduled retry, or a
// terminal failure once attempts are exhausted.
func (q *MemoryQueue) settle(job *memJob, err error, stalled bool) {
	q.mu.Lock()
	now := time.Now().UTC()
	job.UpdatedAt = now

	var ev *Event
	switch {
	case err == nil:
		job.Status = domain.JobCompleted
		job.Progress = 100
		job.LastError = ""
		ev = &Event{Kind: EventCompleted, Job: job.JobRecord}
		q.pruneLocked()

	case domain.IsValidation(err) || job.Attempt >= job.MaxAttempts:
		job.Status = domain.JobFailed
		job.LastError = err.Error()
		ev = &Event{Kind: EventFailed, Job: job.JobRecord, Err: err.Error()}
		q.pruneLocked()

	default:
		job.Status = domain.JobWaiting
		job.LastError = err.Error()
		job.runAt = retryAt(&job.JobRecord)
		if stalled {
			ev = &Event{Kind: EventStalled, Job: job.JobRecord, Err: err.Error()}
		}
		q.signal()
	}

	subs := append([]func(Event){}, q.subscribers...)
	q.mu.Unlock()

	if ev != nil {
		for _, fn := range subs {
			fn(*ev)
		}
	}
	if err != nil {
		q.logger.Warn("job attempt failed",
			"job_id", job.ID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", err)
	}
}

// pruneLocked drops the oldest terminal records beyond the retention bound.
func (q *MemoryQueue) pruneLocked() {
	for _, status := range []domain.JobStatus{domain.JobCompleted, domain.JobFailed} {
		var terminal []*memJob
		for _, job := range q.jobs {
			if job.Status == status {
				terminal = append(terminal, job)
			}
		}
		if len(terminal) <= terminalRetention {
			continue
		}
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt)
		})
		for _, job := range terminal[:len(terminal)-terminalRetention] {
			delete(q.jobs, job.ID)
		}
	}
}
