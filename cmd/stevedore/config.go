package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Status    StatusConfig    `mapstructure:"status"`
	Git       GitConfig       `mapstructure:"git"`
	Build     BuildConfig     `mapstructure:"build"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AuthToken protects the API endpoints. Empty disables authentication.
	AuthToken string `mapstructure:"auth_token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig selects and configures the task queue backend.
type QueueConfig struct {
	// Backend is "sqlite" (durable) or "memory" (volatile).
	Backend string `mapstructure:"backend"`

	// DSN is the SQLite database path, used by the sqlite backend.
	DSN string `mapstructure:"dsn"`
}

// StatusConfig selects and configures the deployment status store.
type StatusConfig struct {
	// Backend is "redis" or "memory".
	Backend string `mapstructure:"backend"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// GitConfig holds source acquisition configuration.
type GitConfig struct {
	// BaseURL prefixes every project repository URL.
	BaseURL string `mapstructure:"base_url"`

	// WorkDir is where project working copies are kept between runs.
	WorkDir string `mapstructure:"work_dir"`

	// SSHKey is the private key used for git-over-SSH. Empty means
	// anonymous access.
	SSHKey string `mapstructure:"ssh_key"`
}

// BuildConfig holds build invocation configuration.
type BuildConfig struct {
	// Command is the argv run in each project's working copy.
	Command []string `mapstructure:"command"`

	// ArtifactDir is the build output directory, relative to the working
	// copy root.
	ArtifactDir string `mapstructure:"artifact_dir"`
}

// DeployConfig holds target resolution and upload configuration.
type DeployConfig struct {
	// Inventory is the path to the deployment target inventory file.
	Inventory string `mapstructure:"inventory"`

	// BuildConcurrency bounds simultaneous builds per deployment.
	BuildConcurrency int `mapstructure:"build_concurrency"`

	// CommandTimeout bounds each remote command during upload.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// ProxyConfig holds reverse proxy control configuration.
type ProxyConfig struct {
	// ConfigPath is the proxy config file the engine owns.
	ConfigPath string `mapstructure:"config_path"`

	// WebRoot is the directory the proxy serves project trees from.
	WebRoot string `mapstructure:"web_root"`

	// Container is the name of the proxy container to validate and reload.
	Container string `mapstructure:"container"`

	// Host is the server name the generated config answers on.
	Host string `mapstructure:"host"`
}

// NotifyConfig holds completion notification configuration.
type NotifyConfig struct {
	// WebhookURL receives one POST per finished deployment. Empty disables
	// notifications.
	WebhookURL string `mapstructure:"webhook_url"`

	// Secret is sent as a bearer token with each notification.
	Secret string `mapstructure:"secret"`
}

// ProvidersConfig holds cloud provider API credentials for inventory host
// lookups. Providers with empty credentials are not wired.
type ProvidersConfig struct {
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	HetznerToken       string `mapstructure:"hetzner_token"`
	DigitalOceanToken  string `mapstructure:"digitalocean_token"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.auth_token", "")

	v.SetDefault("queue.backend", "sqlite")
	v.SetDefault("queue.dsn", "./data/stevedore.db")

	v.SetDefault("status.backend", "memory")
	v.SetDefault("status.redis_addr", "localhost:6379")
	v.SetDefault("status.redis_password", "")
	v.SetDefault("status.redis_db", 0)

	v.SetDefault("git.base_url", "")
	v.SetDefault("git.work_dir", "./data/checkouts")
	v.SetDefault("git.ssh_key", "")

	v.SetDefault("build.command", []string{"npm", "run", "build"})
	v.SetDefault("build.artifact_dir", "dist")

	v.SetDefault("deploy.inventory", "./inventory.yaml")
	v.SetDefault("deploy.build_concurrency", 2)
	v.SetDefault("deploy.command_timeout", "60s")

	v.SetDefault("proxy.config_path", "./data/nginx/stevedore.conf")
	v.SetDefault("proxy.web_root", "/srv/www")
	v.SetDefault("proxy.container", "nginx")
	v.SetDefault("proxy.host", "localhost")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.secret", "")

	v.SetDefault("providers.aws_access_key_id", "")
	v.SetDefault("providers.aws_secret_access_key", "")
	v.SetDefault("providers.hetzner_token", "")
	v.SetDefault("providers.digitalocean_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if the file exists but cannot be parsed
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STEVEDORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Queue.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("queue.backend must be sqlite or memory, got %q", c.Queue.Backend)
	}
	switch c.Status.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("status.backend must be redis or memory, got %q", c.Status.Backend)
	}
	if len(c.Build.Command) == 0 {
		return fmt.Errorf("build.command must not be empty")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
