// Package status persists deployment status records and their event logs,
// and translates pipeline transitions into that persisted form.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/harborline/stevedore/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when no status record exists for a deployment.
	ErrNotFound = errors.New("deployment status not found")
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxLogEntries bounds the per-deployment event log; oldest entries are
	// evicted first.
	MaxLogEntries = 100

	// Retention is how long records live after their last write.
	Retention = 24 * time.Hour
)

// =============================================================================
// Log Entries
// =============================================================================

// LogEntry is one append-only event in a deployment's log.
type LogEntry struct {
	Time    time.Time    `json:"time"`
	Level   string       `json:"level"` // info or error
	Project string       `json:"project,omitempty"`
	Stage   domain.Stage `json:"stage,omitempty"`
	Message string       `json:"message"`
}

// =============================================================================
// Store Interface
// =============================================================================

// Store is the job store: one status record and one bounded log list per
// deployment id. Writes replace the whole record so concurrent readers never
// observe a partial update; all writes for one deployment come from that
// deployment's own pipeline execution.
type Store interface {
	// PutStatus replaces the whole status record and refreshes retention.
	PutStatus(ctx context.Context, st *domain.DeploymentStatus) error

	// GetStatus returns the best-known status, or ErrNotFound.
	GetStatus(ctx context.Context, deploymentID string) (*domain.DeploymentStatus, error)

	// AppendLog appends an entry, evicting the oldest beyond MaxLogEntries.
	AppendLog(ctx context.Context, deploymentID string, entry LogEntry) error

	// GetLog returns the retained entries in chronological order.
	GetLog(ctx context.Context, deploymentID string) ([]LogEntry, error)

	// Close releases backend resources.
	Close() error
}
