package transfer

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/harborline/stevedore/internal/shell/resolver"
	"github.com/harborline/stevedore/internal/shell/safeguard"
)

// =============================================================================
// Transport
// =============================================================================

// Session is an open channel to one resolved target, good for the uploads
// and snapshots of a single deployment.
type Session interface {
	Upload(ctx context.Context, artifactPath, remotePath string) error
	SnapshotTarget(remotePath string) safeguard.Target
	Close() error
}

// Transport opens sessions to resolved targets.
type Transport interface {
	Connect(ctx context.Context, target *resolver.Target) (Session, error)
}

// =============================================================================
// SSH Transport
// =============================================================================

// SSHTransport opens SSH sessions. One connection is shared by all of a
// deployment's uploads to the same target.
type SSHTransport struct {
	exclude ExcludeFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewSSHTransport creates the production transport. A nil exclude falls back
// to DefaultExclude; a zero timeout uses the connection default.
func NewSSHTransport(exclude ExcludeFunc, timeout time.Duration, logger *slog.Logger) *SSHTransport {
	return &SSHTransport{exclude: exclude, timeout: timeout, logger: logger}
}

func (t *SSHTransport) Connect(_ context.Context, target *resolver.Target) (Session, error) {
	conn, err := DialConfig(target, t.timeout)
	if err != nil {
		return nil, err
	}
	return &sshSession{
		conn:      conn,
		uploader:  NewSSHUploader(conn, t.exclude, t.logger),
		host:      target.Host,
		backupDir: target.BackupPath,
	}, nil
}

type sshSession struct {
	conn      *Conn
	uploader  *SSHUploader
	host      string
	backupDir string
}

func (s *sshSession) Upload(ctx context.Context, artifactPath, remotePath string) error {
	return s.uploader.Upload(ctx, artifactPath, remotePath)
}

// SnapshotTarget scopes snapshots per guarded directory so co-deployed
// projects never share a snapshot namespace.
func (s *sshSession) SnapshotTarget(remotePath string) safeguard.Target {
	backupDir := s.backupDir
	if backupDir != "" {
		backupDir = path.Join(backupDir, path.Base(remotePath))
	}
	return NewRemoteTarget(s.conn, s.host, remotePath, backupDir)
}

func (s *sshSession) Close() error {
	return s.conn.Close()
}
