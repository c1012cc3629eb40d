package proxyctl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/stevedore/internal/shell/safeguard"
)

func TestGenerateConfigIsDeterministic(t *testing.T) {
	a, err := GenerateConfig([]string{"web", "api"}, "apps.example.com", "/srv/www")
	require.NoError(t, err)
	b, err := GenerateConfig([]string{"api", "web"}, "apps.example.com", "/srv/www")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerateConfigRoutesEveryProject(t *testing.T) {
	text, err := GenerateConfig([]string{"web", "api"}, "apps.example.com", "/srv/www/")
	require.NoError(t, err)
	assert.Contains(t, text, "server_name apps.example.com;")
	assert.Contains(t, text, "location /api/")
	assert.Contains(t, text, "location /web/")
	assert.Contains(t, text, "alias /srv/www/api/;")
	// The first project alphabetically answers at the root.
	assert.Contains(t, text, "root /srv/www/api;")
}

func TestGenerateConfigRejectsEmptySet(t *testing.T) {
	_, err := GenerateConfig(nil, "apps.example.com", "/srv/www")
	assert.Error(t, err)
}

func TestFileTargetSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "stevedore.conf")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	target := NewFileTarget(path)

	exists, err := target.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, target.Snapshot(ctx, "backup-1"))
	require.NoError(t, os.WriteFile(path, []byte("new"), 0o644))
	require.NoError(t, target.Restore(ctx, "backup-1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestFileTargetListAndDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "stevedore.conf")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	// An unrelated sibling must not show up as a snapshot.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.conf"), []byte("y"), 0o644))
	target := NewFileTarget(path)

	require.NoError(t, target.Snapshot(ctx, "backup-1"))
	require.NoError(t, target.Snapshot(ctx, "backup-2"))

	names, err := target.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"backup-1", "backup-2"}, names)

	require.NoError(t, target.DeleteSnapshot(ctx, "backup-1"))
	names, err = target.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"backup-2"}, names)
}

func TestGuardedApplyRestoresConfigOnFailedValidation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "stevedore.conf")
	require.NoError(t, os.WriteFile(path, []byte("server { } # known good"), 0o644))

	guard := safeguard.NewGuard(slog.New(slog.NewTextHandler(io.Discard, nil)))
	target := NewFileTarget(path)

	err := guard.Run(ctx, target, func(context.Context) error {
		return os.WriteFile(path, []byte("server { broken"), 0o644)
	}, func(context.Context) error {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		if string(data) == "server { broken" {
			return errors.New("nginx config check failed")
		}
		return nil
	})

	var rb *safeguard.RollbackError
	require.ErrorAs(t, err, &rb)
	assert.True(t, rb.Restored)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "server { } # known good", string(data))
}
