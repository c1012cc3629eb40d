package status

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/stevedore/internal/core/domain"
)

func setupReporter(t *testing.T) (*Reporter, *MemoryStore, *domain.Deployment) {
	t.Helper()
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := domain.NewDeployment([]string{"api", "web"}, "main", "", "ci", domain.PriorityNormal)
	require.NoError(t, err)
	return NewReporter(store, logger), store, d
}

func TestReporterBeginPersistsInProgress(t *testing.T) {
	ctx := context.Background()
	r, store, d := setupReporter(t)

	st := r.Begin(ctx, d)
	require.NotNil(t, st)

	got, err := store.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallInProgress, got.Overall)
	assert.Equal(t, domain.StagePending, got.Projects["api"].Stage)

	log, err := store.GetLog(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "deployment started", log[0].Message)
}

func TestReporterBeginCarriesPendingRecordForward(t *testing.T) {
	ctx := context.Background()
	r, store, d := setupReporter(t)

	// A pending record is written at enqueue time, before the pipeline claims
	// the job.
	pending := domain.NewDeploymentStatus(d)
	pending.StartedAt = pending.StartedAt.Add(-time.Minute)
	require.NoError(t, store.PutStatus(ctx, pending))

	st := r.Begin(ctx, d)
	assert.Equal(t, domain.OverallInProgress, st.Overall)
	assert.Equal(t, pending.StartedAt, st.StartedAt)

	got, err := store.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallInProgress, got.Overall)
	assert.Equal(t, pending.StartedAt, got.StartedAt)
}

func TestReporterAdvancePersistsStageAndProgress(t *testing.T) {
	ctx := context.Background()
	r, store, d := setupReporter(t)
	st := r.Begin(ctx, d)

	require.NoError(t, r.Advance(ctx, st, "api", domain.StageCloning, 5, "cloning repository"))

	got, err := store.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCloning, got.Projects["api"].Stage)
	assert.Equal(t, 5, got.Projects["api"].Progress)
	assert.Equal(t, domain.StagePending, got.Projects["web"].Stage)
}

func TestReporterAdvanceRejectsSkippedStage(t *testing.T) {
	ctx := context.Background()
	r, _, d := setupReporter(t)
	st := r.Begin(ctx, d)

	err := r.Advance(ctx, st, "api", domain.StageUploading, 60, "skipping ahead")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReporterProgressNeverRegresses(t *testing.T) {
	ctx := context.Background()
	r, store, d := setupReporter(t)
	st := r.Begin(ctx, d)

	r.Progress(ctx, st, "api", 50, "halfway")
	r.Progress(ctx, st, "api", 20, "stale update")

	got, err := store.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Projects["api"].Progress)
}

func TestReporterFailProjectRecordsError(t *testing.T) {
	ctx := context.Background()
	r, store, d := setupReporter(t)
	st := r.Begin(ctx, d)

	require.NoError(t, r.FailProject(ctx, st, "api", "build failed", "exit status 2"))

	got, err := store.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, got.Projects["api"].Stage)
	assert.Equal(t, "exit status 2", got.Projects["api"].Error)

	log, err := store.GetLog(ctx, d.ID)
	require.NoError(t, err)
	last := log[len(log)-1]
	assert.Equal(t, "error", last.Level)
	assert.Equal(t, "api", last.Project)
}

func TestReporterFinishStampsTerminalOutcome(t *testing.T) {
	ctx := context.Background()
	r, store, d := setupReporter(t)
	st := r.Begin(ctx, d)

	r.Finish(ctx, st, domain.OverallPartialSuccess, "1 of 2 projects deployed")

	got, err := store.GetStatus(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallPartialSuccess, got.Overall)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.Terminal())
}
