package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/harborline/stevedore/internal/core/domain"
)

// =============================================================================
// Reporter
// =============================================================================

// Reporter translates pipeline transitions into persisted status records and
// log entries. Store write failures are logged and swallowed: the status
// record is best-known observability, and losing a write must never fail a
// deployment that is otherwise succeeding.
type Reporter struct {
	store  Store
	logger *slog.Logger
}

// NewReporter wires a reporter over a store.
func NewReporter(store Store, logger *slog.Logger) *Reporter {
	return &Reporter{
		store:  store,
		logger: logger.With("component", "status-reporter"),
	}
}

// Begin flips a deployment's status to in progress with every project at
// pending. The pending record written at enqueue time is carried forward
// where it exists; its StartedAt survives, per-project state is rebuilt since
// a retry re-runs the pipeline from the first stage.
func (r *Reporter) Begin(ctx context.Context, d *domain.Deployment) *domain.DeploymentStatus {
	st := domain.NewDeploymentStatus(d)
	if prev, err := r.store.GetStatus(ctx, d.ID); err == nil {
		st.StartedAt = prev.StartedAt
	}
	st.Overall = domain.OverallInProgress
	r.persist(ctx, st)
	r.log(ctx, st.DeploymentID, LogEntry{
		Level:   "info",
		Message: "deployment started",
	})
	return st
}

// Advance moves one project to the next stage and persists the whole record.
// A transition rejection means a driver bug and is returned to the caller.
func (r *Reporter) Advance(ctx context.Context, st *domain.DeploymentStatus, project string, to domain.Stage, progress int, message string) error {
	p, err := st.Project(project)
	if err != nil {
		return err
	}
	if err := p.Advance(to, message); err != nil {
		return err
	}
	if progress > p.Progress {
		p.Progress = progress
	}
	r.persist(ctx, st)
	r.log(ctx, st.DeploymentID, LogEntry{
		Level:   "info",
		Project: project,
		Stage:   to,
		Message: message,
	})
	return nil
}

// Progress updates a project's progress without changing its stage. Progress
// only moves forward.
func (r *Reporter) Progress(ctx context.Context, st *domain.DeploymentStatus, project string, progress int, message string) {
	p, err := st.Project(project)
	if err != nil {
		r.logger.Warn("progress for unknown project", "deployment_id", st.DeploymentID, "project", project)
		return
	}
	if progress > p.Progress {
		p.Progress = progress
	}
	if message != "" {
		p.Message = message
	}
	r.persist(ctx, st)
}

// FailProject marks one project failed with an error detail. Failing an
// already-terminal project is rejected.
func (r *Reporter) FailProject(ctx context.Context, st *domain.DeploymentStatus, project, message, detail string) error {
	p, err := st.Project(project)
	if err != nil {
		return err
	}
	if err := p.Fail(message, detail); err != nil {
		return err
	}
	r.persist(ctx, st)
	r.log(ctx, st.DeploymentID, LogEntry{
		Level:   "error",
		Project: project,
		Stage:   domain.StageFailed,
		Message: message + ": " + detail,
	})
	return nil
}

// Finish stamps the terminal aggregate outcome and persists it.
func (r *Reporter) Finish(ctx context.Context, st *domain.DeploymentStatus, overall domain.OverallStatus, message string) {
	st.Finish(overall, message)
	level := "info"
	if overall == domain.OverallFailed {
		level = "error"
	}
	r.persist(ctx, st)
	r.log(ctx, st.DeploymentID, LogEntry{
		Level:   level,
		Message: message,
	})
	r.logger.Info("deployment finished",
		"deployment_id", st.DeploymentID,
		"overall", string(overall))
}

func (r *Reporter) persist(ctx context.Context, st *domain.DeploymentStatus) {
	if err := r.store.PutStatus(ctx, st); err != nil {
		r.logger.Warn("failed to persist deployment status",
			"deployment_id", st.DeploymentID, "error", err)
	}
}

func (r *Reporter) log(ctx context.Context, deploymentID string, entry LogEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	if err := r.store.AppendLog(ctx, deploymentID, entry); err != nil {
		r.logger.Warn("failed to append deployment log",
			"deployment_id", deploymentID, "error", err)
	}
}
