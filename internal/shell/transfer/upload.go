package transfer

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// =============================================================================
// Uploader
// =============================================================================

// Uploader replaces remotePath's content with the artifact directory.
type Uploader interface {
	Upload(ctx context.Context, artifactPath, remotePath string) error
}

// ExcludeFunc decides whether a relative path is left out of a transfer.
type ExcludeFunc func(relPath string, d fs.DirEntry) bool

// DefaultExclude skips dotfiles and common build caches.
func DefaultExclude(relPath string, d fs.DirEntry) bool {
	name := d.Name()
	if strings.HasPrefix(name, ".") {
		return true
	}
	if d.IsDir() {
		switch name {
		case "node_modules", "__pycache__", "target", "tmp":
			return true
		}
	}
	return false
}

// =============================================================================
// SSH Uploader
// =============================================================================

// SSHUploader streams the artifact as a gzipped tar over one SSH session.
// The remote side clears the destination and unpacks in its place, so a
// completed upload never mixes old and new files.
type SSHUploader struct {
	conn    *Conn
	exclude ExcludeFunc
	logger  *slog.Logger
}

// NewSSHUploader creates an uploader over an established connection config.
// A nil exclude falls back to DefaultExclude.
func NewSSHUploader(conn *Conn, exclude ExcludeFunc, logger *slog.Logger) *SSHUploader {
	if exclude == nil {
		exclude = DefaultExclude
	}
	return &SSHUploader{
		conn:    conn,
		exclude: exclude,
		logger:  logger.With("component", "transfer"),
	}
}

// Upload clears remotePath and unpacks the artifact directory into it.
func (u *SSHUploader) Upload(ctx context.Context, artifactPath, remotePath string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(packTree(artifactPath, u.exclude, pw))
	}()

	start := time.Now()
	cmd := fmt.Sprintf("mkdir -p %s && rm -rf %s/* %s/.[!.]* 2>/dev/null; tar -xzf - -C %s",
		quote(remotePath), quote(remotePath), quote(remotePath), quote(remotePath))
	if _, err := u.conn.Run(ctx, cmd, pr); err != nil {
		pr.Close()
		return fmt.Errorf("uploading to %s: %w", remotePath, err)
	}

	u.logger.Info("artifact uploaded",
		"remote_path", remotePath,
		"duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// packTree writes dir as a gzipped tar stream, honoring the exclusion
// predicate.
func packTree(dir string, exclude ExcludeFunc, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if exclude(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
