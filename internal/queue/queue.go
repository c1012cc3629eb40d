// Package queue implements the task queue that hands deployment jobs to the
// pipeline driver. Two backends exist behind one interface: a volatile
// in-process queue and a durable SQLite-backed queue that survives process
// restart. Their call and event semantics are identical within a process
// lifetime; selection is deployment-time configuration.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/harborline/stevedore/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when no job exists under the given id.
	ErrNotFound = errors.New("job not found")

	// ErrNoProcessor is returned when a job type has no registered handler.
	ErrNoProcessor = errors.New("no processor registered for job type")

	// ErrStopped is returned when enqueueing into a stopped queue.
	ErrStopped = errors.New("queue is stopped")
)

// =============================================================================
// Options
// =============================================================================

// DefaultMaxAttempts bounds handler retries per job.
const DefaultMaxAttempts = 3

// terminalRetention bounds how many completed/failed records each backend
// keeps per status before pruning the oldest.
const terminalRetention = 50

// Options configures one enqueue call.
type Options struct {
	// ID identifies the job; enqueue is idempotent per id while the job is
	// waiting or active.
	ID string

	Priority    domain.Priority
	MaxAttempts int
	Backoff     domain.Backoff
}

func (o Options) normalize() Options {
	if !o.Priority.Valid() {
		o.Priority = domain.PriorityNormal
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff = domain.DefaultBackoff()
	}
	return o
}

// =============================================================================
// Events
// =============================================================================

// EventKind names a queue lifecycle event.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
)

// Event is emitted to subscribers when a job reaches a notable state.
type Event struct {
	Kind EventKind
	Job  domain.JobRecord
	Err  string // set on failed and stalled
}

// =============================================================================
// Processor
// =============================================================================

// ProcessorFunc handles one job attempt. The progress callback reports a
// coarse percentage into the job record; values must be non-decreasing.
// Returning an error schedules a retry until MaxAttempts is exhausted,
// unless the error is a domain ValidationError, which fails immediately.
type ProcessorFunc func(ctx context.Context, job *domain.JobRecord, progress func(int)) error

// =============================================================================
// Queue Interface
// =============================================================================

// Counts is the queue introspection snapshot.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue accepts named jobs and guarantees each job id at most one active
// handler invocation at a time.
type Queue interface {
	// Enqueue adds a job. If a job with the same id is already waiting or
	// active, the existing record is returned and no new job is created.
	Enqueue(ctx context.Context, jobType string, payload []byte, opts Options) (*domain.JobRecord, error)

	// GetJob returns the record for id, or ErrNotFound.
	GetJob(ctx context.Context, id string) (*domain.JobRecord, error)

	// ListByStatus returns all records currently in the given status.
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.JobRecord, error)

	// Counts returns the waiting/active/completed/failed totals.
	Counts(ctx context.Context) (Counts, error)

	// RegisterProcessor binds a handler to a job type. Must be called before
	// Start.
	RegisterProcessor(jobType string, fn ProcessorFunc)

	// Subscribe registers an observer for completed/failed/stalled events.
	Subscribe(fn func(Event))

	// Start launches dispatching; Stop drains in-flight handlers.
	Start()
	Stop()
}

// retryAt computes when a failed attempt should run again.
func retryAt(job *domain.JobRecord) time.Time {
	return time.Now().UTC().Add(job.Backoff.NextDelay(job.Attempt))
}
