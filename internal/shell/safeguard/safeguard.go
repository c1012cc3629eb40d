// Package safeguard wraps destructive mutations with a snapshot, a
// post-mutation verification, and a best-effort rollback.
package safeguard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MaxSnapshots is how many snapshots are retained per target; the oldest
// beyond this are pruned after a successful mutation.
const MaxSnapshots = 5

// SnapshotPrefix qualifies snapshot names so restorers can tell snapshots
// apart from unrelated siblings at the same location.
const SnapshotPrefix = "backup-"

// snapshotLayout is fixed-width so snapshot names sort chronologically.
const snapshotLayout = "20060102T150405.000000000"

// =============================================================================
// Target
// =============================================================================

// Target is a mutable location that can be snapshotted and restored. The two
// production shapes are a remote upload directory and a local proxy
// configuration file.
type Target interface {
	// Key identifies the target; mutations on the same key are serialized.
	Key() string

	// Exists reports whether there is live state worth snapshotting.
	Exists(ctx context.Context) (bool, error)

	// Snapshot copies the live state under name.
	Snapshot(ctx context.Context, name string) error

	// Restore replaces the live state with the named snapshot's content.
	Restore(ctx context.Context, name string) error

	// ListSnapshots returns the names of existing snapshots, any order.
	ListSnapshots(ctx context.Context) ([]string, error)

	// DeleteSnapshot removes one snapshot by name.
	DeleteSnapshot(ctx context.Context, name string) error
}

// =============================================================================
// Guard
// =============================================================================

// Guard applies the snapshot-mutate-verify-restore policy. One Guard is
// shared process-wide so that its per-key locks serialize every mutation of
// the same target, including the proxy configuration touched by concurrent
// deployments.
type Guard struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewGuard creates a guard.
func NewGuard(logger *slog.Logger) *Guard {
	return &Guard{
		logger: logger.With("component", "safeguard"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Run executes mutate under the safeguard policy:
//
//  1. snapshot the target if live state exists
//  2. mutate
//  3. verify (nil verify means the mutation's own success is the check)
//  4. on failure, restore the most recent snapshot and re-verify; a failed
//     restore is logged, not returned, since this is a safety net
//  5. on success, prune snapshots beyond MaxSnapshots, oldest first
//
// The returned error is a *RollbackError when the mutation was rolled back
// (or rollback could not be attempted) and nil on verified success.
func (g *Guard) Run(ctx context.Context, target Target, mutate, verify func(ctx context.Context) error) error {
	lock := g.lockFor(target.Key())
	lock.Lock()
	defer lock.Unlock()

	log := g.logger.With("target", target.Key())

	var snapshot string
	exists, err := target.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking target %s: %w", target.Key(), err)
	}
	if exists {
		snapshot = SnapshotPrefix + g.now().UTC().Format(snapshotLayout)
		if err := target.Snapshot(ctx, snapshot); err != nil {
			return fmt.Errorf("snapshotting target %s: %w", target.Key(), err)
		}
		log.Info("snapshot created", "snapshot", snapshot)
	}

	cause := mutate(ctx)
	if cause == nil && verify != nil {
		cause = verify(ctx)
	}
	if cause != nil {
		restored := g.rollback(ctx, target, log, verify)
		return &RollbackError{Target: target.Key(), Restored: restored, Cause: cause}
	}

	g.prune(ctx, target, log)
	return nil
}

// rollback restores the newest snapshot and re-runs verification. It reports
// whether a restore was attempted and verified.
func (g *Guard) rollback(ctx context.Context, target Target, log *slog.Logger, verify func(ctx context.Context) error) bool {
	newest, err := g.newestSnapshot(ctx, target)
	if err != nil {
		log.Error("cannot list snapshots for rollback", "error", err)
		return false
	}
	if newest == "" {
		log.Warn("no snapshot to roll back to")
		return false
	}
	if err := target.Restore(ctx, newest); err != nil {
		log.Error("rollback restore failed", "snapshot", newest, "error", err)
		return false
	}
	if verify != nil {
		if err := verify(ctx); err != nil {
			log.Error("restored state failed verification", "snapshot", newest, "error", err)
			return false
		}
	}
	log.Info("rolled back to snapshot", "snapshot", newest)
	return true
}

// prune deletes snapshots beyond MaxSnapshots, oldest first. Pruning is
// best-effort and never fails the mutation it follows.
func (g *Guard) prune(ctx context.Context, target Target, log *slog.Logger) {
	names, err := target.ListSnapshots(ctx)
	if err != nil {
		log.Warn("cannot list snapshots for pruning", "error", err)
		return
	}
	if len(names) <= MaxSnapshots {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-MaxSnapshots] {
		if err := target.DeleteSnapshot(ctx, name); err != nil {
			log.Warn("cannot prune snapshot", "snapshot", name, "error", err)
			continue
		}
		log.Info("pruned snapshot", "snapshot", name)
	}
}

func (g *Guard) newestSnapshot(ctx context.Context, target Target) (string, error) {
	names, err := target.ListSnapshots(ctx)
	if err != nil {
		return "", err
	}
	newest := ""
	for _, name := range names {
		if name > newest {
			newest = name
		}
	}
	return newest, nil
}

func (g *Guard) lockFor(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[key] = lock
	}
	return lock
}

// =============================================================================
// Rollback Error
// =============================================================================

// RollbackError reports that a guarded mutation did not verify. Restored
// tells the caller whether the target was returned to its prior state.
type RollbackError struct {
	Target   string
	Restored bool
	Cause    error
}

func (e *RollbackError) Error() string {
	if e.Restored {
		return fmt.Sprintf("mutation of %s rolled back: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("mutation of %s failed without rollback: %v", e.Target, e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }
