package proxyctl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/harborline/stevedore/internal/shell/safeguard"
)

// =============================================================================
// File Snapshot Target
// =============================================================================

// FileTarget adapts a single local file, the live proxy config, to the
// safeguard policy. Snapshots are sibling files named snapshot.<base>.
type FileTarget struct {
	path string
}

// NewFileTarget creates a snapshot target for one file.
func NewFileTarget(path string) *FileTarget {
	return &FileTarget{path: path}
}

func (t *FileTarget) Key() string { return t.path }

func (t *FileTarget) Exists(context.Context) (bool, error) {
	_, err := os.Stat(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *FileTarget) Snapshot(_ context.Context, name string) error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", t.path, err)
	}
	if err := os.WriteFile(t.snapshotPath(name), data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", name, err)
	}
	return nil
}

func (t *FileTarget) Restore(_ context.Context, name string) error {
	data, err := os.ReadFile(t.snapshotPath(name))
	if err != nil {
		return fmt.Errorf("reading snapshot %s: %w", name, err)
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("restoring %s: %w", t.path, err)
	}
	return nil
}

func (t *FileTarget) ListSnapshots(context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Dir(t.path))
	if err != nil {
		return nil, err
	}
	prefix := t.namePrefix()
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names = append(names, strings.TrimPrefix(e.Name(), prefix))
		}
	}
	return names, nil
}

func (t *FileTarget) DeleteSnapshot(_ context.Context, name string) error {
	return os.Remove(t.snapshotPath(name))
}

// namePrefix scopes snapshot files to this config file's base name.
func (t *FileTarget) namePrefix() string {
	return "." + filepath.Base(t.path) + "."
}

func (t *FileTarget) snapshotPath(name string) string {
	return filepath.Join(filepath.Dir(t.path), t.namePrefix()+name)
}

var _ safeguard.Target = (*FileTarget)(nil)
