package resolver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInventory = `
defaults:
  port: 22
  credentials:
    user: deploy
    key_file: /etc/stevedore/id_ed25519
  backup_path: /srv/backups
environments:
  api:
    host: 10.0.0.4
    upload_path: /srv/www/api
  web:
    provider: hetzner
    instance: web-prod
    region: nbg1
    port: 2222
    credentials:
      user: www
      password: hunter2
    upload_path: /srv/www/web
    backup_path: /srv/snapshots/web
`

type fakeLookup struct {
	host string
	err  error
}

func (f *fakeLookup) LookupHost(context.Context, string, string) (string, error) {
	return f.host, f.err
}

func setupResolver(t *testing.T, lookups map[string]HostLookup) *InventoryResolver {
	t.Helper()
	inv, err := ParseInventory([]byte(testInventory))
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewInventoryResolver(inv, lookups, logger)
}

func TestResolveStaticHostWithDefaults(t *testing.T) {
	r := setupResolver(t, nil)

	target, err := r.ResolveTarget(context.Background(), "dep-1", "api")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", target.Host)
	assert.Equal(t, 22, target.Port)
	assert.Equal(t, "deploy", target.Credentials.User)
	assert.Equal(t, "/etc/stevedore/id_ed25519", target.Credentials.KeyFile)
	assert.Equal(t, "/srv/www/api", target.UploadPath)
	assert.Equal(t, "/srv/backups", target.BackupPath)
}

func TestResolveCloudInstance(t *testing.T) {
	r := setupResolver(t, map[string]HostLookup{
		"hetzner": &fakeLookup{host: "203.0.113.7"},
	})

	target, err := r.ResolveTarget(context.Background(), "dep-1", "web")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", target.Host)
	assert.Equal(t, 2222, target.Port)
	assert.Equal(t, "www", target.Credentials.User)
	assert.Equal(t, "hunter2", target.Credentials.Password)
	assert.Equal(t, "/srv/snapshots/web", target.BackupPath)
}

func TestResolveUnknownProject(t *testing.T) {
	r := setupResolver(t, nil)

	_, err := r.ResolveTarget(context.Background(), "dep-1", "ghost")
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestResolveMissingProviderCredentials(t *testing.T) {
	r := setupResolver(t, nil)

	_, err := r.ResolveTarget(context.Background(), "dep-1", "web")
	assert.ErrorContains(t, err, "no hetzner credentials")
}

func TestResolveLookupFailure(t *testing.T) {
	r := setupResolver(t, map[string]HostLookup{
		"hetzner": &fakeLookup{err: errors.New("api down")},
	})

	_, err := r.ResolveTarget(context.Background(), "dep-1", "web")
	assert.ErrorContains(t, err, "api down")
}

func TestParseInventoryRejectsIncompleteEntries(t *testing.T) {
	cases := map[string]string{
		"no address": `
environments:
  api:
    upload_path: /srv/www/api
`,
		"instance without provider": `
environments:
  api:
    instance: api-prod
    upload_path: /srv/www/api
`,
		"no upload path": `
environments:
  api:
    host: 10.0.0.4
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInventory([]byte(doc))
			assert.Error(t, err)
		})
	}
}
