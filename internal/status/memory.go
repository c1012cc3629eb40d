package status

import (
	"context"
	"sync"
	"time"

	"github.com/harborline/stevedore/internal/core/domain"
)

// =============================================================================
// Memory Store
// =============================================================================

// MemoryStore keeps status records in process memory. Records are lost on
// restart; retention is enforced lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	now     func() time.Time
}

type memRecord struct {
	status    *domain.DeploymentStatus
	log       []LogEntry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) PutStatus(_ context.Context, st *domain.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.live(st.DeploymentID)
	if rec == nil {
		rec = &memRecord{}
		s.records[st.DeploymentID] = rec
	}
	clone := *st
	clone.Projects = make(map[string]*domain.ProjectStageStatus, len(st.Projects))
	for name, p := range st.Projects {
		pc := *p
		clone.Projects[name] = &pc
	}
	rec.status = &clone
	rec.expiresAt = s.now().Add(Retention)
	return nil
}

func (s *MemoryStore) GetStatus(_ context.Context, deploymentID string) (*domain.DeploymentStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.live(deploymentID)
	if rec == nil || rec.status == nil {
		return nil, ErrNotFound
	}
	clone := *rec.status
	clone.Projects = make(map[string]*domain.ProjectStageStatus, len(rec.status.Projects))
	for name, p := range rec.status.Projects {
		pc := *p
		clone.Projects[name] = &pc
	}
	return &clone, nil
}

func (s *MemoryStore) AppendLog(_ context.Context, deploymentID string, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.live(deploymentID)
	if rec == nil {
		rec = &memRecord{}
		s.records[deploymentID] = rec
	}
	rec.log = append(rec.log, entry)
	if len(rec.log) > MaxLogEntries {
		rec.log = rec.log[len(rec.log)-MaxLogEntries:]
	}
	rec.expiresAt = s.now().Add(Retention)
	return nil
}

func (s *MemoryStore) GetLog(_ context.Context, deploymentID string) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.live(deploymentID)
	if rec == nil {
		return nil, nil
	}
	out := make([]LogEntry, len(rec.log))
	copy(out, rec.log)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// live returns the record for id, treating expired records as absent.
// Callers hold at least the read lock. Expired records linger in the map
// until overwritten; the process-local store is small enough that this
// does not need a sweeper.
func (s *MemoryStore) live(id string) *memRecord {
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	if s.now().After(rec.expiresAt) {
		return nil
	}
	return rec
}
