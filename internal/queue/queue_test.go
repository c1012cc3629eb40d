package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/stevedore/internal/core/domain"
)

// The two backends must be behaviorally indistinguishable from the driver's
// perspective, so the behavior suite runs against both.

func backends(t *testing.T) map[string]Queue {
	t.Helper()

	sq, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	return map[string]Queue{
		"memory": NewMemoryQueue(nil),
		"sqlite": sq,
	}
}

func collectEvents(q Queue) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	q.Subscribe(func(ev Event) { ch <- ev })
	return ch, func() {}
}

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// =============================================================================
// Behavior Suite
// =============================================================================

func TestProcessJobToCompletion(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			events, _ := collectEvents(q)

			var got []byte
			q.RegisterProcessor("greet", func(_ context.Context, job *domain.JobRecord, progress func(int)) error {
				got = job.Payload
				progress(50)
				return nil
			})
			q.Start()
			defer q.Stop()

			_, err := q.Enqueue(context.Background(), "greet", []byte("hello"), Options{ID: "job-1"})
			require.NoError(t, err)

			ev := waitEvent(t, events, EventCompleted)
			assert.Equal(t, "job-1", ev.Job.ID)
			assert.Equal(t, []byte("hello"), got)
			assert.Equal(t, 100, ev.Job.Progress)

			rec, err := q.GetJob(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, domain.JobCompleted, rec.Status)

			counts, err := q.Counts(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, counts.Completed)
		})
	}
}

func TestIdempotentEnqueueWhileActive(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			events, _ := collectEvents(q)

			started := make(chan struct{})
			release := make(chan struct{})
			var runs int
			var mu sync.Mutex

			q.RegisterProcessor("slow", func(context.Context, *domain.JobRecord, func(int)) error {
				mu.Lock()
				runs++
				mu.Unlock()
				close(started)
				<-release
				return nil
			})
			q.Start()
			defer q.Stop()

			_, err := q.Enqueue(context.Background(), "slow", nil, Options{ID: "dup"})
			require.NoError(t, err)
			<-started

			// Second enqueue under the same id must not create a second
			// concurrent execution.
			rec, err := q.Enqueue(context.Background(), "slow", nil, Options{ID: "dup"})
			require.NoError(t, err)
			assert.Equal(t, domain.JobActive, rec.Status)

			close(release)
			waitEvent(t, events, EventCompleted)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, runs)
		})
	}
}

func TestRetryThenFail(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			events, _ := collectEvents(q)

			var attempts int
			var mu sync.Mutex
			q.RegisterProcessor("flaky", func(context.Context, *domain.JobRecord, func(int)) error {
				mu.Lock()
				attempts++
				mu.Unlock()
				return errors.New("adapter unavailable")
			})
			q.Start()
			defer q.Stop()

			_, err := q.Enqueue(context.Background(), "flaky", nil, Options{
				ID:          "flaky-1",
				MaxAttempts: 3,
				Backoff:     domain.Backoff{Kind: domain.BackoffFixed, Delay: 10 * time.Millisecond},
			})
			require.NoError(t, err)

			ev := waitEvent(t, events, EventFailed)
			assert.Equal(t, "flaky-1", ev.Job.ID)
			assert.Contains(t, ev.Err, "adapter unavailable")

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 3, attempts)
		})
	}
}

func TestValidationErrorIsNeverRetried(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			events, _ := collectEvents(q)

			var attempts int
			var mu sync.Mutex
			q.RegisterProcessor("bad", func(context.Context, *domain.JobRecord, func(int)) error {
				mu.Lock()
				attempts++
				mu.Unlock()
				return &domain.ValidationError{Field: "projects", Message: "must not be empty"}
			})
			q.Start()
			defer q.Stop()

			_, err := q.Enqueue(context.Background(), "bad", nil, Options{
				ID:          "bad-1",
				MaxAttempts: 5,
				Backoff:     domain.Backoff{Kind: domain.BackoffFixed, Delay: 10 * time.Millisecond},
			})
			require.NoError(t, err)

			waitEvent(t, events, EventFailed)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	// Claimed handlers run in concurrent goroutines, so execution order says
	// nothing about dequeue order. The claim sequence itself is the contract:
	// priority descending, FIFO within a priority.
	enqueueAll := func(t *testing.T, q Queue) {
		t.Helper()
		ctx := context.Background()
		for _, j := range []struct {
			id       string
			priority domain.Priority
		}{
			{"low-1", domain.PriorityLow},
			{"normal-1", domain.PriorityNormal},
			{"high-1", domain.PriorityHigh},
			{"high-2", domain.PriorityHigh},
		} {
			_, err := q.Enqueue(ctx, "p", nil, Options{ID: j.id, Priority: j.priority})
			require.NoError(t, err)
		}
	}
	want := []string{"high-1", "high-2", "normal-1", "low-1"}

	t.Run("memory", func(t *testing.T) {
		q := NewMemoryQueue(nil)
		enqueueAll(t, q)

		var order []string
		for {
			job, _ := q.claimNext()
			if job == nil {
				break
			}
			order = append(order, job.ID)
		}
		assert.Equal(t, want, order)
	})

	t.Run("sqlite", func(t *testing.T) {
		q, err := NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { q.Close() })
		enqueueAll(t, q)

		var order []string
		for {
			job, ok := q.claimNext()
			if !ok {
				break
			}
			order = append(order, job.ID)
		}
		assert.Equal(t, want, order)
	})
}

func TestEnqueueNilPayload(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := q.Enqueue(context.Background(), "noop", nil, Options{ID: "empty-1"})
			require.NoError(t, err)
			assert.Empty(t, rec.Payload)

			got, err := q.GetJob(context.Background(), "empty-1")
			require.NoError(t, err)
			assert.Empty(t, got.Payload)
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := q.GetJob(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestListByStatus(t *testing.T) {
	for name, q := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := q.Enqueue(ctx, "noop", nil, Options{ID: "w-1"})
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, "noop", nil, Options{ID: "w-2"})
			require.NoError(t, err)

			waiting, err := q.ListByStatus(ctx, domain.JobWaiting)
			require.NoError(t, err)
			require.Len(t, waiting, 2)
			assert.Equal(t, "w-1", waiting[0].ID)

			active, err := q.ListByStatus(ctx, domain.JobActive)
			require.NoError(t, err)
			assert.Empty(t, active)
		})
	}
}
