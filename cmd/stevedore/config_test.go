package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Queue.Backend)
	assert.Equal(t, "./data/stevedore.db", cfg.Queue.DSN)
	assert.Equal(t, "memory", cfg.Status.Backend)
	assert.Equal(t, []string{"npm", "run", "build"}, cfg.Build.Command)
	assert.Equal(t, "dist", cfg.Build.ArtifactDir)
	assert.Equal(t, 2, cfg.Deploy.BuildConcurrency)
	assert.Equal(t, 60*time.Second, cfg.Deploy.CommandTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  auth_token: "s3cret"

queue:
  backend: "memory"

status:
  backend: "redis"
  redis_addr: "redis:6379"

git:
  base_url: "git@git.internal:deploys"
  ssh_key: "/etc/stevedore/id_ed25519"

build:
  command: ["make", "release"]
  artifact_dir: "build"

proxy:
  host: "apps.example.com"

log:
  level: "debug"
  format: "text"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.AuthToken)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "redis", cfg.Status.Backend)
	assert.Equal(t, "redis:6379", cfg.Status.RedisAddr)
	assert.Equal(t, "git@git.internal:deploys", cfg.Git.BaseURL)
	assert.Equal(t, []string{"make", "release"}, cfg.Build.Command)
	assert.Equal(t, "build", cfg.Build.ArtifactDir)
	assert.Equal(t, "apps.example.com", cfg.Proxy.Host)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("STEVEDORE_SERVER_HOST", "192.168.1.1")
	t.Setenv("STEVEDORE_SERVER_PORT", "3000")
	t.Setenv("STEVEDORE_QUEUE_DSN", "/custom/path.db")
	t.Setenv("STEVEDORE_LOG_LEVEL", "warn")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Queue.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsUnknownBackends(t *testing.T) {
	clearEnv(t)

	t.Setenv("STEVEDORE_QUEUE_BACKEND", "postgres")
	_, err := LoadConfig("")
	assert.Error(t, err)

	clearEnv(t)
	t.Setenv("STEVEDORE_STATUS_BACKEND", "memcached")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		cfg := &Config{Log: LogConfig{Level: "info", Format: format}}
		assert.NotNil(t, SetupLogger(cfg))
	}
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "invalid", Format: "json"}}

	// Falls back to info level, does not panic
	logger := SetupLogger(cfg)
	assert.NotNil(t, logger)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Address(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	assert.Equal(t, "localhost:8080", cfg.Server.Address())
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"STEVEDORE_SERVER_HOST",
		"STEVEDORE_SERVER_PORT",
		"STEVEDORE_QUEUE_BACKEND",
		"STEVEDORE_QUEUE_DSN",
		"STEVEDORE_STATUS_BACKEND",
		"STEVEDORE_LOG_LEVEL",
		"STEVEDORE_LOG_FORMAT",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}
