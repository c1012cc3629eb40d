package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harborline/stevedore/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultPollInterval is the dispatcher's fallback wakeup when no enqueue
// signal arrives, covering retry run_at deadlines.
const defaultPollInterval = 500 * time.Millisecond

// =============================================================================
// Durable Backend
// =============================================================================

// SQLiteQueue is the durable queue backend. Waiting jobs survive a process
// restart; jobs that were active when the process died are re-dispatched on
// Start with a stalled event.
type SQLiteQueue struct {
	db     *sqlx.DB
	logger *slog.Logger
	poll   time.Duration

	mu          sync.Mutex
	processors  map[string]ProcessorFunc
	subscribers []func(Event)
	stopped     bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSQLiteQueue opens (or creates) the queue database and runs migrations.
func NewSQLiteQueue(dsn string, logger *slog.Logger) (*SQLiteQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sqlx.Open("sqlite3", dsn+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue migrations: %w", err)
	}

	return &SQLiteQueue{
		db:         db,
		logger:     logger.With("component", "queue", "backend", "sqlite"),
		poll:       defaultPollInterval,
		processors: make(map[string]ProcessorFunc),
		wake:       make(chan struct{}, 1),
	}, nil
}

func runMigrations(db *sqlx.DB) error {
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{NoTxWrap: true})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) RegisterProcessor(jobType string, fn ProcessorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[jobType] = fn
}

func (q *SQLiteQueue) Subscribe(fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscribers = append(q.subscribers, fn)
}

// Start recovers jobs orphaned by a previous process, then launches the
// dispatch loop.
func (q *SQLiteQueue) Start() {
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()

	q.recoverStalled()

	q.wg.Add(1)
	go q.run()
	q.logger.Info("queue started")
}

func (q *SQLiteQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.logger.Info("queue stopped")
}

// recoverStalled re-queues rows left active by a dead process and notifies
// subscribers.
func (q *SQLiteQueue) recoverStalled() {
	rows, err := q.listByStatus(context.Background(), domain.JobActive)
	if err != nil {
		q.logger.Error("stalled job scan failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, rec := range rows {
		_, err := q.db.Exec(
			`UPDATE jobs SET status = ?, run_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			domain.JobWaiting, formatTime(now), formatTime(now), rec.ID, domain.JobActive)
		if err != nil {
			q.logger.Error("stalled job recovery failed", "job_id", rec.ID, "error", err)
			continue
		}
		rec.Status = domain.JobWaiting
		q.emit(Event{Kind: EventStalled, Job: rec, Err: "job was active when the process exited"})
		q.logger.Warn("recovered stalled job", "job_id", rec.ID, "attempt", rec.Attempt)
	}
}

// =============================================================================
// Enqueue and Introspection
// =============================================================================

func (q *SQLiteQueue) Enqueue(ctx context.Context, jobType string, payload []byte, opts Options) (*domain.JobRecord, error) {
	opts = opts.normalize()
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	// Idempotent enqueue: keep a live row, replace a terminal one.
	existing, err := q.GetJob(ctx, opts.ID)
	if err == nil && !existing.Status.Terminal() {
		return existing, nil
	}

	if payload == nil {
		payload = []byte{}
	}

	inserted, err := q.upsertWaiting(ctx, jobType, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", opts.ID, err)
	}
	if !inserted {
		// Lost the race to a concurrent enqueue; the live row wins.
		return q.GetJob(ctx, opts.ID)
	}

	q.signal()
	return q.GetJob(ctx, opts.ID)
}

// upsertWaiting writes a fresh waiting row. The conflict update only
// overwrites terminal rows, so a row that went live again between the
// caller's read and this write is never reset to waiting; inserted reports
// whether the write took effect.
func (q *SQLiteQueue) upsertWaiting(ctx context.Context, jobType string, payload []byte, opts Options) (bool, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, attempt, max_attempts, backoff_kind, backoff_delay_ms,
		                  status, priority, priority_weight, progress, last_error, run_at, enqueued_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, payload = excluded.payload, attempt = 0,
			max_attempts = excluded.max_attempts, backoff_kind = excluded.backoff_kind,
			backoff_delay_ms = excluded.backoff_delay_ms, status = excluded.status,
			priority = excluded.priority, priority_weight = excluded.priority_weight,
			progress = 0, last_error = '', run_at = excluded.run_at,
			enqueued_at = excluded.enqueued_at, updated_at = excluded.updated_at
		WHERE jobs.status IN (?, ?)`,
		opts.ID, jobType, payload, opts.MaxAttempts, opts.Backoff.Kind, opts.Backoff.Delay.Milliseconds(),
		domain.JobWaiting, opts.Priority, opts.Priority.Weight(),
		formatTime(now), formatTime(now), formatTime(now),
		domain.JobCompleted, domain.JobFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *SQLiteQueue) GetJob(ctx context.Context, id string) (*domain.JobRecord, error) {
	var row jobRow
	err := q.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	rec := row.record()
	return &rec, nil
}

func (q *SQLiteQueue) ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.JobRecord, error) {
	return q.listByStatus(ctx, status)
}

func (q *SQLiteQueue) listByStatus(ctx context.Context, status domain.JobStatus) ([]domain.JobRecord, error) {
	var rows []jobRow
	err := q.db.SelectContext(ctx, &rows,
		`SELECT * FROM jobs WHERE status = ? ORDER BY rowid ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	out := make([]domain.JobRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

func (q *SQLiteQueue) Counts(ctx context.Context) (Counts, error) {
	rows, err := q.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch domain.JobStatus(status) {
		case domain.JobWaiting:
			c.Waiting = n
		case domain.JobActive:
			c.Active = n
		case domain.JobCompleted:
			c.Completed = n
		case domain.JobFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// =============================================================================
// Dispatch Loop
// =============================================================================

func (q *SQLiteQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *SQLiteQueue) run() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		for {
			job, ok := q.claimNext()
			if !ok {
				break
			}
			q.wg.Add(1)
			go q.process(job)
		}

		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claimNext marks the next due waiting job active. The single dispatcher
// goroutine is the only claimer, so a SELECT followed by a guarded UPDATE is
// race-free.
func (q *SQLiteQueue) claimNext() (*domain.JobRecord, bool) {
	now := time.Now().UTC()

	var row jobRow
	err := q.db.Get(&row, `
		SELECT * FROM jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY priority_weight DESC, rowid ASC
		LIMIT 1`, domain.JobWaiting, formatTime(now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		q.logger.Error("claim scan failed", "error", err)
		return nil, false
	}

	res, err := q.db.Exec(
		`UPDATE jobs SET status = ?, attempt = attempt + 1, updated_at = ? WHERE id = ? AND status = ?`,
		domain.JobActive, formatTime(now), row.ID, domain.JobWaiting)
	if err != nil {
		q.logger.Error("claim failed", "job_id", row.ID, "error", err)
		return nil, false
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false
	}

	rec := row.record()
	rec.Status = domain.JobActive
	rec.Attempt++
	return &rec, true
}

func (q *SQLiteQueue) process(job *domain.JobRecord) {
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

	err := fn(q.ctx, job, func(p int) { q.setProgress(job.ID, p) })
	q.settle(job, err, false)
}

func (q *SQLiteQueue) setProgress(id string, p int) {
	if p < 0 || p > 100 {
		return
	}
	_, err := q.db.Exec(
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND progress < ?`,
		p, formatTime(time.Now().UTC()), id, p)
	if err != nil {
		q.logger.Warn("progress update failed", "job_id", id, "error", err)
	}
}

func (q *SQLiteQueue) settle(job *domain.JobRecord, err error, stalled bool) {
	now := time.Now().UTC()

	switch {
	case err == nil:
		job.Status = domain.JobCompleted
		job.Progress = 100
		job.LastError = ""
		_, dberr := q.db.Exec(
			`UPDATE jobs SET status = ?, progress = 100, last_error = '', updated_at = ? WHERE id = ?`,
			domain.JobCompleted, formatTime(now), job.ID)
		if dberr != nil {
			q.logger.Error("job completion write failed", "job_id", job.ID, "error", dberr)
		}
		q.prune()
		q.emit(Event{Kind: EventCompleted, Job: *job})

	case domain.IsValidation(err) || job.Attempt >= job.MaxAttempts:
		job.Status = domain.JobFailed
		job.LastError = err.Error()
		_, dberr := q.db.Exec(
			`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			domain.JobFailed, err.Error(), formatTime(now), job.ID)
		if dberr != nil {
			q.logger.Error("job failure write failed", "job_id", job.ID, "error", dberr)
		}
		q.prune()
		q.emit(Event{Kind: EventFailed, Job: *job, Err: err.Error()})

	default:
		job.Status = domain.JobWaiting
		job.LastError = err.Error()
		_, dberr := q.db.Exec(
			`UPDATE jobs SET status = ?, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
			domain.JobWaiting, err.Error(), formatTime(retryAt(job)), formatTime(now), job.ID)
		if dberr != nil {
			q.logger.Error("job retry write failed", "job_id", job.ID, "error", dberr)
		}
		if stalled {
			q.emit(Event{Kind: EventStalled, Job: *job, Err: err.Error()})
		}
		q.signal()
	}

	if err != nil {
		q.logger.Warn("job attempt failed",
			"job_id", job.ID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", err)
	}
}

func (q *SQLiteQueue) emit(ev Event) {
	q.mu.Lock()
	subs := append([]func(Event){}, q.subscribers...)
	q.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// prune drops the oldest terminal rows beyond the retention bound.
func (q *SQLiteQueue) prune() {
	for _, status := range []domain.JobStatus{domain.JobCompleted, domain.JobFailed} {
		_, err := q.db.Exec(`
			DELETE FROM jobs WHERE status = ? AND id NOT IN (
				SELECT id FROM jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?
			)`, status, status, terminalRetention)
		if err != nil {
			q.logger.Warn("terminal job pruning failed", "status", status, "error", err)
		}
	}
}

// =============================================================================
// Row Mapping
// =============================================================================

type jobRow struct {
	ID             string `db:"id"`
	Type           string `db:"type"`
	Payload        []byte `db:"payload"`
	Attempt        int    `db:"attempt"`
	MaxAttempts    int    `db:"max_attempts"`
	BackoffKind    string `db:"backoff_kind"`
	BackoffDelayMS int64  `db:"backoff_delay_ms"`
	Status         string `db:"status"`
	Priority       string `db:"priority"`
	PriorityWeight int    `db:"priority_weight"`
	Progress       int    `db:"progress"`
	LastError      string `db:"last_error"`
	RunAt          string `db:"run_at"`
	EnqueuedAt     string `db:"enqueued_at"`
	UpdatedAt      string `db:"updated_at"`
}

func (r jobRow) record() domain.JobRecord {
	return domain.JobRecord{
		ID:          r.ID,
		Type:        r.Type,
		Payload:     r.Payload,
		Attempt:     r.Attempt,
		MaxAttempts: r.MaxAttempts,
		Backoff: domain.Backoff{
			Kind:  domain.BackoffKind(r.BackoffKind),
			Delay: time.Duration(r.BackoffDelayMS) * time.Millisecond,
		},
		Status:     domain.JobStatus(r.Status),
		Priority:   domain.Priority(r.Priority),
		Progress:   r.Progress,
		LastError:  r.LastError,
		EnqueuedAt: parseTime(r.EnqueuedAt),
		UpdatedAt:  parseTime(r.UpdatedAt),
	}
}

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings in SQL (RFC3339Nano trims trailing zeros and does not).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
