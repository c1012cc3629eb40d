package proxyctl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/harborline/stevedore/internal/shell/safeguard"
)

// =============================================================================
// Controller
// =============================================================================

// Controller drives the proxy through a deployment's configure stage.
type Controller interface {
	// Generate renders the configuration text for a project set.
	Generate(projects []string, host string) (string, error)

	// Apply writes the configuration as the live config file.
	Apply(ctx context.Context, configText string) error

	// Validate syntax-checks the live configuration.
	Validate(ctx context.Context) error

	// Reload makes the proxy pick up the live configuration.
	Reload(ctx context.Context) error

	// Target exposes the live config file to the safeguard.
	Target() safeguard.Target
}

// =============================================================================
// Nginx Controller
// =============================================================================

// NginxController manages an nginx instance running in a Docker container
// that bind-mounts the config file this process writes.
type NginxController struct {
	configPath string
	webRoot    string
	container  string
	docker     *client.Client
	logger     *slog.Logger
}

// NewNginxController connects to the Docker daemon from the environment.
func NewNginxController(configPath, webRoot, containerName string, logger *slog.Logger) (*NginxController, error) {
	containerName = strings.TrimSpace(containerName)
	if containerName == "" {
		return nil, fmt.Errorf("nginx container name required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &NginxController{
		configPath: configPath,
		webRoot:    webRoot,
		container:  containerName,
		docker:     cli,
		logger:     logger.With("component", "proxyctl"),
	}, nil
}

func (c *NginxController) Generate(projects []string, host string) (string, error) {
	return GenerateConfig(projects, host, c.webRoot)
}

// Apply writes the config file via a same-directory temp file and rename, so
// nginx never reads a half-written config.
func (c *NginxController) Apply(_ context.Context, configText string) error {
	dir := filepath.Dir(c.configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".stevedore-*.conf")
	if err != nil {
		return fmt.Errorf("staging config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(configText); err != nil {
		tmp.Close()
		return fmt.Errorf("staging config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("staging config: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("staging config: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.configPath); err != nil {
		return fmt.Errorf("applying config: %w", err)
	}
	c.logger.Info("proxy config applied", "path", c.configPath)
	return nil
}

// Validate runs nginx -t inside the container against the live config tree.
func (c *NginxController) Validate(ctx context.Context) error {
	exec, err := c.docker.ContainerExecCreate(ctx, c.container, container.ExecOptions{
		Cmd:          []string{"nginx", "-t"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("nginx container %s not found", c.container)
		}
		return fmt.Errorf("creating nginx -t exec: %w", err)
	}

	resp, err := c.docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("running nginx -t: %w", err)
	}
	output, _ := io.ReadAll(resp.Reader)
	resp.Close()

	inspect, err := c.docker.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("inspecting nginx -t: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("nginx config check failed: %s", strings.TrimSpace(string(output)))
	}
	return nil
}

// Reload signals the container so nginx re-reads its configuration.
func (c *NginxController) Reload(ctx context.Context) error {
	if err := c.docker.ContainerKill(ctx, c.container, "HUP"); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("nginx container %s not found", c.container)
		}
		return fmt.Errorf("reloading nginx: %w", err)
	}
	c.logger.Info("proxy reloaded", "container", c.container)
	return nil
}

func (c *NginxController) Target() safeguard.Target {
	return NewFileTarget(c.configPath)
}

// Close releases the Docker client.
func (c *NginxController) Close() error {
	return c.docker.Close()
}
