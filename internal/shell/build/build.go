// Package build runs project build commands and locates their artifacts.
// This is part of the Imperative Shell - spawns build toolchain processes.
package build

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds one build invocation.
const DefaultTimeout = 10 * time.Minute

// outputTail is how much trailing build output an error message carries.
const outputTail = 2048

// =============================================================================
// Builder
// =============================================================================

// Builder turns an acquired source tree into a deployable artifact directory.
// On success the returned path exists and contains at least one file.
type Builder interface {
	Build(ctx context.Context, project, sourceDir string) (string, error)
}

// =============================================================================
// Command Builder
// =============================================================================

// CommandBuilder runs a fixed build command in the source tree and expects
// the artifact directory to appear under it.
type CommandBuilder struct {
	command     []string // argv, run with the source tree as working directory
	artifactDir string   // artifact directory relative to the source tree
	timeout     time.Duration
	logger      *slog.Logger
}

// NewCommandBuilder creates a builder for the given argv and artifact
// directory.
func NewCommandBuilder(command []string, artifactDir string, logger *slog.Logger) *CommandBuilder {
	return &CommandBuilder{
		command:     command,
		artifactDir: artifactDir,
		timeout:     DefaultTimeout,
		logger:      logger.With("component", "build"),
	}
}

// Build runs the build command and verifies the artifact directory is
// non-empty. A timeout counts as the build's failure.
func (b *CommandBuilder) Build(ctx context.Context, project, sourceDir string) (string, error) {
	if len(b.command) == 0 {
		return "", fmt.Errorf("building %s: no build command configured", project)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	cmd.Dir = sourceDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("building %s: timed out after %s", project, b.timeout)
		}
		return "", fmt.Errorf("building %s: %w: %s", project, err, tail(output))
	}

	artifact := filepath.Join(sourceDir, b.artifactDir)
	if err := verifyArtifact(artifact); err != nil {
		return "", fmt.Errorf("building %s: %w", project, err)
	}

	b.logger.Info("build finished",
		"project", project,
		"artifact", artifact,
		"duration", time.Since(start).Round(time.Millisecond))
	return artifact, nil
}

// verifyArtifact checks the artifact path exists and holds at least one
// regular file.
func verifyArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("artifact %s missing: %w", path, err)
	}
	if !info.IsDir() {
		if info.Size() == 0 {
			return fmt.Errorf("artifact %s is empty", path)
		}
		return nil
	}

	found := false
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inspecting artifact %s: %w", path, err)
	}
	if !found {
		return fmt.Errorf("artifact %s is empty", path)
	}
	return nil
}

func tail(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > outputTail {
		s = "..." + s[len(s)-outputTail:]
	}
	return s
}
