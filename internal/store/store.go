// -----------------------------------------------------------------------
// Job Record Store - canonical job state, mutation-function atomicity
// -----------------------------------------------------------------------

package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/models"
)

// Mutation is a total transform over the previous record snapshot. All
// writers express changes this way; partial field writes racing on stale
// reads cannot happen because the store serializes application.
type Mutation func(prev *models.JobRecord)

// Store owns every JobRecord plus the active-job pointer. It performs no
// I/O; reconciliation, lifecycle, and artifact logic layer on top of it.
type Store struct {
	mu      sync.RWMutex
	records map[models.JobKey]*models.JobRecord
	active  models.JobKey
	logger  arbor.ILogger
}

// New creates an empty store.
func New(logger arbor.ILogger) *Store {
	return &Store{
		records: make(map[models.JobKey]*models.JobRecord),
		logger:  logger,
	}
}

// Create registers a fresh record for key. A terminal record under the same
// key is replaced (key reuse after terminality); a non-terminal one rejects
// the create with ErrDuplicateActiveJob.
func (s *Store) Create(key models.JobKey, tool, runID string, inputs map[string]string) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok && !existing.Status.Terminal() {
		return nil, fmt.Errorf("job %s: %w", key, models.ErrDuplicateActiveJob)
	}

	record := models.NewJobRecord(key, tool, runID, inputs)
	s.records[key] = record
	return record.Clone(), nil
}

// Apply runs fn against the current record for key under the store lock.
// Mutations are short and run to completion, so application is atomic with
// respect to every other writer.
func (s *Store) Apply(key models.JobKey, fn Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok {
		return fmt.Errorf("job %s: %w", key, models.ErrJobNotFound)
	}
	fn(record)
	return nil
}

// Get returns a snapshot of the record for key.
func (s *Store) Get(key models.JobKey) (*models.JobRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// List returns snapshots of all records ordered by start time.
func (s *Store) List() []*models.JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.JobRecord, 0, len(s.records))
	for _, record := range s.records {
		result = append(result, record.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// SetActive changes which job the operator is looking at. It touches no
// JobRecord; display state and run state are independent.
func (s *Store) SetActive(key models.JobKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok {
		return fmt.Errorf("job %s: %w", key, models.ErrJobNotFound)
	}
	s.active = key
	return nil
}

// Active returns the currently displayed job key, which may be empty.
func (s *Store) Active() models.JobKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// PruneTerminal removes terminal records whose end time is older than
// maxAge. Returns the removed keys. The retention sweep is the only caller.
func (s *Store) PruneTerminal(maxAge time.Duration) []models.JobKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed []models.JobKey
	for key, record := range s.records {
		if !record.Status.Terminal() || record.EndedAt == nil {
			continue
		}
		if record.EndedAt.Before(cutoff) {
			delete(s.records, key)
			if s.active == key {
				s.active = ""
			}
			removed = append(removed, key)
		}
	}

	if len(removed) > 0 && s.logger != nil {
		s.logger.Debug().Int("count", len(removed)).Msg("Pruned terminal job records")
	}
	return removed
}

// Count returns the number of tracked records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
