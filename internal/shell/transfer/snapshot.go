package transfer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/harborline/stevedore/internal/shell/safeguard"
)

// =============================================================================
// Remote Snapshot Target
// =============================================================================

// RemoteTarget adapts one remote directory to the safeguard policy. Snapshots
// are directory copies under backupDir, named by the safeguard.
type RemoteTarget struct {
	conn      *Conn
	host      string
	dir       string // the guarded upload directory
	backupDir string // where snapshots live; never inside dir
}

// NewRemoteTarget creates a snapshot target for an upload directory. When
// backupDir is empty, snapshots live next to the directory they guard.
func NewRemoteTarget(conn *Conn, host, dir, backupDir string) *RemoteTarget {
	if backupDir == "" {
		backupDir = path.Dir(strings.TrimRight(dir, "/")) + "/.snapshots-" + path.Base(dir)
	}
	return &RemoteTarget{conn: conn, host: host, dir: dir, backupDir: backupDir}
}

// Key identifies the guarded directory across deployments.
func (t *RemoteTarget) Key() string {
	return t.host + ":" + t.dir
}

func (t *RemoteTarget) Exists(ctx context.Context) (bool, error) {
	out, err := t.conn.Run(ctx, fmt.Sprintf("test -d %s && echo yes || echo no", quote(t.dir)), nil)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "yes", nil
}

func (t *RemoteTarget) Snapshot(ctx context.Context, name string) error {
	dst := path.Join(t.backupDir, name)
	cmd := fmt.Sprintf("mkdir -p %s && cp -a %s %s", quote(t.backupDir), quote(t.dir), quote(dst))
	_, err := t.conn.Run(ctx, cmd, nil)
	return err
}

func (t *RemoteTarget) Restore(ctx context.Context, name string) error {
	src := path.Join(t.backupDir, name)
	cmd := fmt.Sprintf("test -d %s && rm -rf %s && cp -a %s %s", quote(src), quote(t.dir), quote(src), quote(t.dir))
	_, err := t.conn.Run(ctx, cmd, nil)
	return err
}

func (t *RemoteTarget) ListSnapshots(ctx context.Context) ([]string, error) {
	cmd := fmt.Sprintf("test -d %s && ls -1 %s || true", quote(t.backupDir), quote(t.backupDir))
	out, err := t.conn.Run(ctx, cmd, nil)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, safeguard.SnapshotPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func (t *RemoteTarget) DeleteSnapshot(ctx context.Context, name string) error {
	_, err := t.conn.Run(ctx, fmt.Sprintf("rm -rf %s", quote(path.Join(t.backupDir, name))), nil)
	return err
}
