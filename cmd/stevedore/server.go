package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/harborline/stevedore/internal/queue"
	"github.com/harborline/stevedore/internal/shell/api"
	"github.com/harborline/stevedore/internal/shell/build"
	"github.com/harborline/stevedore/internal/shell/driver"
	"github.com/harborline/stevedore/internal/shell/notify"
	"github.com/harborline/stevedore/internal/shell/proxyctl"
	"github.com/harborline/stevedore/internal/shell/resolver"
	"github.com/harborline/stevedore/internal/shell/safeguard"
	"github.com/harborline/stevedore/internal/shell/source"
	"github.com/harborline/stevedore/internal/shell/transfer"
	"github.com/harborline/stevedore/internal/status"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitQueueError      = 2
	ExitStatusError     = 3
	ExitProxyError      = 4
	ExitHTTPServerError = 5
)

// =============================================================================
// Server
// =============================================================================

// Server wires the queue, the status store, the pipeline driver and the HTTP
// surface into one process.
type Server struct {
	config     *Config
	httpServer *http.Server
	queue      queue.Queue
	store      status.Store
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Status store backend
	var store status.Store
	switch cfg.Status.Backend {
	case "redis":
		s, err := status.NewRedisStore(context.Background(),
			cfg.Status.RedisAddr, cfg.Status.RedisPassword, cfg.Status.RedisDB, logger)
		if err != nil {
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStatusError}
		}
		store = s
	default:
		store = status.NewMemoryStore()
	}

	// Task queue backend
	var q queue.Queue
	switch cfg.Queue.Backend {
	case "sqlite":
		sq, err := queue.NewSQLiteQueue(cfg.Queue.DSN, logger)
		if err != nil {
			store.Close()
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitQueueError}
		}
		q = sq
	default:
		q = queue.NewMemoryQueue(logger)
	}

	closeBackends := func() {
		if closer, ok := q.(io.Closer); ok {
			closer.Close()
		}
		store.Close()
	}

	// Deployment target inventory
	inv, err := resolver.LoadInventory(cfg.Deploy.Inventory)
	if err != nil {
		closeBackends()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	lookups := resolver.NewHostLookups(resolver.LookupConfig{
		AWSAccessKeyID:     cfg.Providers.AWSAccessKeyID,
		AWSSecretAccessKey: cfg.Providers.AWSSecretAccessKey,
		HetznerToken:       cfg.Providers.HetznerToken,
		DigitalOceanToken:  cfg.Providers.DigitalOceanToken,
	}, logger)

	// Reverse proxy controller
	proxy, err := proxyctl.NewNginxController(
		cfg.Proxy.ConfigPath, cfg.Proxy.WebRoot, cfg.Proxy.Container, logger)
	if err != nil {
		closeBackends()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitProxyError}
	}

	// Completion notifications
	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Secret, logger)
		logger.Info("webhook notifications enabled", "url", cfg.Notify.WebhookURL)
	} else {
		logger.Info("webhook notifications disabled")
	}

	// Pipeline driver over its adapters
	drv := driver.New(
		status.NewReporter(store, logger),
		safeguard.NewGuard(logger),
		source.NewGitAcquirer(cfg.Git.BaseURL, cfg.Git.WorkDir, cfg.Git.SSHKey, logger),
		build.NewCommandBuilder(cfg.Build.Command, cfg.Build.ArtifactDir, logger),
		resolver.NewInventoryResolver(inv, lookups, logger),
		transfer.NewSSHTransport(transfer.DefaultExclude, cfg.Deploy.CommandTimeout, logger),
		proxy,
		notifier,
		driver.Config{
			BuildConcurrency: cfg.Deploy.BuildConcurrency,
			ProxyHost:        cfg.Proxy.Host,
		},
		logger,
	)
	drv.Register(q)

	// HTTP surface
	handler := api.NewHandler(q, store, api.Config{AuthToken: cfg.Server.AuthToken}, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		queue:      q,
		store:      store,
		logger:     logger,
	}, nil
}

// Start starts the queue and the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Resumes any jobs the previous process left waiting or active.
	s.queue.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.queue.Stop()
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting triggers before draining in-flight deployments.
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.queue.Stop()
	if closer, ok := s.queue.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.Error("queue close error", "error", err)
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("status store close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
