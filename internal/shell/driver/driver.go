// Package driver executes deployment jobs: it advances each project of a
// deployment through the fixed pipeline stages, fanning per-project work out
// and back in at every stage boundary.
// This is part of the Imperative Shell - orchestrates all external adapters.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/harborline/stevedore/internal/core/domain"
	"github.com/harborline/stevedore/internal/core/pipeline"
	"github.com/harborline/stevedore/internal/queue"
	"github.com/harborline/stevedore/internal/shell/build"
	"github.com/harborline/stevedore/internal/shell/notify"
	"github.com/harborline/stevedore/internal/shell/proxyctl"
	"github.com/harborline/stevedore/internal/shell/resolver"
	"github.com/harborline/stevedore/internal/shell/safeguard"
	"github.com/harborline/stevedore/internal/shell/source"
	"github.com/harborline/stevedore/internal/shell/transfer"
	"github.com/harborline/stevedore/internal/status"
)

// =============================================================================
// Driver
// =============================================================================

// Config carries the driver's tunables.
type Config struct {
	// BuildConcurrency bounds simultaneous build invocations per deployment.
	BuildConcurrency int

	// ProxyHost is the server name the generated proxy config answers on.
	ProxyHost string
}

// Driver is the pipeline state machine. One Process call handles one job
// attempt; distinct deployments run concurrently in the queue's goroutines
// and share nothing but the safeguard's per-target locks.
type Driver struct {
	reporter  *status.Reporter
	guard     *safeguard.Guard
	source    source.Acquirer
	builder   build.Builder
	resolver  resolver.Resolver
	transport transfer.Transport
	proxy     proxyctl.Controller
	notifier  notify.Notifier
	cfg       Config
	logger    *slog.Logger
}

// New wires a driver over its adapters.
func New(
	reporter *status.Reporter,
	guard *safeguard.Guard,
	src source.Acquirer,
	builder build.Builder,
	res resolver.Resolver,
	transport transfer.Transport,
	proxy proxyctl.Controller,
	notifier notify.Notifier,
	cfg Config,
	logger *slog.Logger,
) *Driver {
	if cfg.BuildConcurrency <= 0 {
		cfg.BuildConcurrency = pipeline.DefaultBuildConcurrency
	}
	return &Driver{
		reporter:  reporter,
		guard:     guard,
		source:    src,
		builder:   builder,
		resolver:  res,
		transport: transport,
		proxy:     proxy,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("component", "driver"),
	}
}

// Register binds the driver to the deployment job type.
func (d *Driver) Register(q queue.Queue) {
	q.RegisterProcessor(domain.JobTypeBuildAndDeploy, d.Process)
}

// =============================================================================
// Pipeline Execution
// =============================================================================

// Process runs the whole pipeline for one job attempt. Stages execute
// strictly in sequence; a retry re-runs from the first stage.
func (d *Driver) Process(ctx context.Context, job *domain.JobRecord, progress func(int)) error {
	p, err := domain.ParseBuildAndDeploy(job.Payload)
	if err != nil {
		d.logger.Error("rejecting malformed deployment job", "job_id", job.ID, "error", err)
		return err
	}
	dep := &domain.Deployment{
		ID:        p.DeploymentID,
		Projects:  p.Projects,
		Branch:    p.Branch,
		CommitRef: p.CommitRef,
		Actor:     p.Actor,
		Priority:  job.Priority,
		CreatedAt: job.EnqueuedAt,
	}
	log := d.logger.With("deployment_id", dep.ID)
	log.Info("pipeline started",
		"projects", dep.Projects, "branch", dep.Branch, "attempt", job.Attempt)

	st := d.reporter.Begin(ctx, dep)
	progress(pipeline.Progress(domain.StagePending))

	// Stage: cloning. Unbounded fan-out; any failure aborts the deployment
	// since an incomplete project set cannot be configured deterministically.
	checkouts, err := d.cloneAll(ctx, dep, st)
	if err != nil {
		return d.fail(ctx, st, err, nil)
	}
	progress(pipeline.Progress(domain.StageCloning))

	// Stage: building. Chunked; a failed build is recorded on its project
	// and siblings continue, but no partial deploy proceeds to upload.
	artifacts := d.buildAll(ctx, dep, st, checkouts)
	if len(artifacts) < len(checkouts) {
		err := &domain.FatalStageError{
			Stage: domain.StageBuilding,
			Err:   fmt.Errorf("%d of %d projects failed to build", len(checkouts)-len(artifacts), len(checkouts)),
		}
		return d.fail(ctx, st, err, artifacts)
	}
	progress(pipeline.Progress(domain.StageBuilding))

	// Resolve the upload target once per deployment, before anything
	// destructive happens.
	target, err := d.resolver.ResolveTarget(ctx, dep.ID, dep.Projects[0])
	if err != nil {
		fatal := &domain.FatalStageError{
			Stage: domain.StageUploading,
			Err:   &domain.AdapterError{Stage: domain.StageUploading, Err: err},
		}
		return d.fail(ctx, st, fatal, artifacts)
	}
	progress(pipeline.Progress(domain.StageUploading))

	// Stage: uploading. Guarded per project; a failed upload is rolled back
	// and recorded on its project while siblings continue.
	session, err := d.transport.Connect(ctx, target)
	if err != nil {
		fatal := &domain.FatalStageError{
			Stage: domain.StageUploading,
			Err:   &domain.AdapterError{Stage: domain.StageUploading, Err: err},
		}
		return d.fail(ctx, st, fatal, artifacts)
	}
	defer session.Close()

	uploaded := d.uploadAll(ctx, st, session, target, artifacts)
	if len(uploaded) == 0 {
		err := &domain.FatalStageError{
			Stage: domain.StageUploading,
			Err:   errors.New("every project failed to upload"),
		}
		return d.fail(ctx, st, err, artifacts)
	}
	progress(pipeline.Progress(domain.StageConfiguring))

	// Stage: configuring. One guarded mutation covering all uploaded
	// projects, since they share one proxy process.
	if err := d.configure(ctx, st, uploaded, target); err != nil {
		return d.fail(ctx, st, err, nil)
	}
	progress(pipeline.ProgressNotifying)

	// Completion.
	for _, project := range uploaded {
		d.advance(ctx, st, project, domain.StageCompleted, "deployed")
	}
	overall := st.Derive()
	message := "all projects deployed"
	if overall == domain.OverallPartialSuccess {
		message = fmt.Sprintf("%d of %d projects deployed", len(uploaded), len(dep.Projects))
	}
	d.reporter.Finish(ctx, st, overall, message)
	d.dispatch(ctx, st)
	progress(100)

	log.Info("pipeline finished", "overall", string(overall))
	return nil
}

// =============================================================================
// Stages
// =============================================================================

func (d *Driver) cloneAll(ctx context.Context, dep *domain.Deployment, st *domain.DeploymentStatus) (map[string]string, error) {
	for _, project := range dep.Projects {
		d.advance(ctx, st, project, domain.StageCloning, "acquiring source")
	}

	results := make(chan pipeline.StageResult, len(dep.Projects))
	for _, project := range dep.Projects {
		go func(project string) {
			dir, err := d.source.Acquire(ctx, project, dep.Branch, dep.CommitRef)
			if err != nil {
				results <- pipeline.Fatal(project, &domain.AdapterError{
					Stage: domain.StageCloning, Project: project, Err: err,
				})
				return
			}
			results <- pipeline.Ok(project, dir)
		}(project)
	}

	ok, failed := pipeline.Collect(d.collect(results, len(dep.Projects)))
	for _, r := range failed {
		d.failProject(ctx, st, r.Project, "source acquisition failed", r.Err)
	}
	if len(failed) > 0 {
		return nil, &domain.FatalStageError{
			Stage: domain.StageCloning,
			Err:   fmt.Errorf("%d of %d projects failed to clone", len(failed), len(dep.Projects)),
		}
	}

	checkouts := make(map[string]string, len(ok))
	for _, r := range ok {
		checkouts[r.Project] = r.Artifact
	}
	return checkouts, nil
}

// buildAll builds surviving projects chunk by chunk and returns the artifact
// paths of those that succeeded.
func (d *Driver) buildAll(ctx context.Context, dep *domain.Deployment, st *domain.DeploymentStatus, checkouts map[string]string) map[string]string {
	artifacts := make(map[string]string, len(checkouts))

	// Chunk in deployment order so build scheduling is deterministic.
	var ordered []string
	for _, project := range dep.Projects {
		if _, ok := checkouts[project]; ok {
			ordered = append(ordered, project)
		}
	}

	for _, chunk := range pipeline.Chunk(ordered, d.cfg.BuildConcurrency) {
		for _, project := range chunk {
			d.advance(ctx, st, project, domain.StageBuilding, "building")
		}

		results := make(chan pipeline.StageResult, len(chunk))
		for _, project := range chunk {
			go func(project string) {
				artifact, err := d.builder.Build(ctx, project, checkouts[project])
				if err != nil {
					results <- pipeline.Retryable(project, &domain.ProjectError{
						Project: project, Stage: domain.StageBuilding, Err: err,
					})
					return
				}
				results <- pipeline.Ok(project, artifact)
			}(project)
		}

		ok, failed := pipeline.Collect(d.collect(results, len(chunk)))
		for _, r := range failed {
			d.failProject(ctx, st, r.Project, "build failed", r.Err)
		}
		for _, r := range ok {
			artifacts[r.Project] = r.Artifact
		}
	}
	return artifacts
}

// uploadAll uploads built artifacts in parallel, each under the safeguard,
// and returns the projects whose upload verified.
func (d *Driver) uploadAll(ctx context.Context, st *domain.DeploymentStatus, session transfer.Session, target *resolver.Target, artifacts map[string]string) []string {
	var projects []string
	for project := range artifacts {
		projects = append(projects, project)
	}
	for _, project := range projects {
		d.advance(ctx, st, project, domain.StageUploading, "uploading artifact")
	}

	results := make(chan pipeline.StageResult, len(projects))
	for _, project := range projects {
		go func(project string) {
			remotePath := path.Join(target.UploadPath, project)
			err := d.guard.Run(ctx, session.SnapshotTarget(remotePath), func(ctx context.Context) error {
				return session.Upload(ctx, artifacts[project], remotePath)
			}, nil)
			if err != nil {
				results <- pipeline.Retryable(project, &domain.ProjectError{
					Project: project, Stage: domain.StageUploading, Err: err,
				})
				return
			}
			results <- pipeline.Ok(project, remotePath)
		}(project)
	}

	ok, failed := pipeline.Collect(d.collect(results, len(projects)))
	for _, r := range failed {
		d.failProject(ctx, st, r.Project, "upload failed", r.Err)
	}

	var uploaded []string
	for _, r := range ok {
		uploaded = append(uploaded, r.Project)
	}
	return uploaded
}

// configure applies the joint proxy configuration under the safeguard. The
// proxy is reloaded in every outcome: with the new config on success, with
// the restored config after a rollback.
func (d *Driver) configure(ctx context.Context, st *domain.DeploymentStatus, projects []string, target *resolver.Target) error {
	for _, project := range projects {
		d.advance(ctx, st, project, domain.StageConfiguring, "updating proxy")
	}

	configText, err := d.proxy.Generate(projects, d.cfg.ProxyHost)
	if err != nil {
		return &domain.FatalStageError{Stage: domain.StageConfiguring, Err: err}
	}

	guardErr := d.guard.Run(ctx, d.proxy.Target(), func(ctx context.Context) error {
		return d.proxy.Apply(ctx, configText)
	}, func(ctx context.Context) error {
		return d.proxy.Validate(ctx)
	})

	if err := d.proxy.Reload(ctx); err != nil {
		if guardErr == nil {
			guardErr = err
		} else {
			d.logger.Error("proxy reload after rollback failed",
				"deployment_id", st.DeploymentID, "error", err)
		}
	}
	if guardErr != nil {
		return &domain.FatalStageError{Stage: domain.StageConfiguring, Err: guardErr}
	}
	return nil
}

// =============================================================================
// Failure Exit and Helpers
// =============================================================================

// fail runs the failure exit: discard unfinished artifacts, stamp the
// terminal status, dispatch the notification, and re-throw to the queue.
func (d *Driver) fail(ctx context.Context, st *domain.DeploymentStatus, cause error, artifacts map[string]string) error {
	for project, artifact := range artifacts {
		if err := os.RemoveAll(artifact); err != nil {
			d.logger.Warn("could not discard artifact",
				"deployment_id", st.DeploymentID, "project", project, "error", err)
		}
	}
	d.reporter.Finish(ctx, st, domain.OverallFailed, cause.Error())
	d.dispatch(ctx, st)
	return cause
}

// dispatch sends the outcome notification exactly once per pipeline run,
// best-effort.
func (d *Driver) dispatch(ctx context.Context, st *domain.DeploymentStatus) {
	if err := d.notifier.Notify(ctx, notify.EventFor(st)); err != nil {
		d.logger.Warn("notification dispatch failed",
			"deployment_id", st.DeploymentID, "error", err)
	}
}

// advance moves one project forward; a rejected transition is a driver bug
// worth a loud log, never a deployment failure.
func (d *Driver) advance(ctx context.Context, st *domain.DeploymentStatus, project string, to domain.Stage, message string) {
	if err := d.reporter.Advance(ctx, st, project, to, pipeline.Progress(to), message); err != nil {
		d.logger.Error("stage transition rejected",
			"deployment_id", st.DeploymentID, "project", project, "to", string(to), "error", err)
	}
}

func (d *Driver) failProject(ctx context.Context, st *domain.DeploymentStatus, project, message string, cause error) {
	if err := d.reporter.FailProject(ctx, st, project, message, cause.Error()); err != nil {
		d.logger.Error("could not record project failure",
			"deployment_id", st.DeploymentID, "project", project, "error", err)
	}
}

func (d *Driver) collect(results <-chan pipeline.StageResult, n int) []pipeline.StageResult {
	out := make([]pipeline.StageResult, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-results)
	}
	return out
}
