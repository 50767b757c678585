package slotmq

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetterMetrics summarizes the dead-letter store.
type DeadLetterMetrics struct {
	Total       int
	CountByType map[string]int
	OldestAt    time.Time
}

// deadLetterStore is the secondary bounded container for messages that
// exhausted their retries.
//
// Unlike the main slot array it sees no hot-path contention: every
// mutation arrives through the manager, so a plain mutex over a fixed
// slot slice keeps the bounded-memory property without CAS machinery.
type deadLetterStore struct {
	mu    sync.Mutex
	cells []*DeadLetterEnvelope
	byID  map[uuid.UUID]int
}

func newDeadLetterStore(capacity int) *deadLetterStore {
	return &deadLetterStore{
		cells: make([]*DeadLetterEnvelope, capacity),
		byID:  make(map[uuid.UUID]int),
	}
}

// add stores env in the first free cell. Reports false on overflow.
func (s *deadLetterStore) add(env *DeadLetterEnvelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := range s.cells {
		if s.cells[idx] == nil {
			s.cells[idx] = env
			s.byID[env.ID] = idx

			return true
		}
	}

	return false
}

// take removes and returns the entry for id.
func (s *deadLetterStore) take(id uuid.UUID) *DeadLetterEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil
	}

	env := s.cells[idx]
	s.cells[idx] = nil
	delete(s.byID, id)

	return env
}

// get returns the entry for id without removing it.
func (s *deadLetterStore) get(id uuid.UUID) *DeadLetterEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return nil
	}

	return s.cells[idx]
}

// list returns every entry ordered by failure time, oldest first.
func (s *deadLetterStore) list() []*DeadLetterEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DeadLetterEnvelope, 0, len(s.byID))

	for idx := range s.cells {
		if s.cells[idx] != nil {
			out = append(out, s.cells[idx])
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt.Before(out[j].FailedAt)
	})

	return out
}

// purge removes entries that failed before olderThan. A zero olderThan
// removes everything. Returns the removed count.
func (s *deadLetterStore) purge(olderThan time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for idx := range s.cells {
		env := s.cells[idx]
		if env == nil {
			continue
		}

		if !olderThan.IsZero() && !env.FailedAt.Before(olderThan) {
			continue
		}

		s.cells[idx] = nil
		delete(s.byID, env.ID)
		removed++
	}

	return removed
}

// metrics summarizes the store contents.
func (s *deadLetterStore) metrics() DeadLetterMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := DeadLetterMetrics{CountByType: make(map[string]int)}

	for idx := range s.cells {
		env := s.cells[idx]
		if env == nil {
			continue
		}

		out.Total++
		out.CountByType[env.Type]++

		if out.OldestAt.IsZero() || env.FailedAt.Before(out.OldestAt) {
			out.OldestAt = env.FailedAt
		}
	}

	return out
}

// restore clears the store and repopulates it from a snapshot.
func (s *deadLetterStore) restore(entries []*DeadLetterEnvelope) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx := range s.cells {
		s.cells[idx] = nil
	}

	clear(s.byID)

	restored := 0

	for _, env := range entries {
		if restored >= len(s.cells) {
			break
		}

		s.cells[restored] = env
		s.byID[env.ID] = restored
		restored++
	}

	return restored
}

// snapshotAll returns the entries in slot order for persistence.
func (s *deadLetterStore) snapshotAll() []*DeadLetterEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DeadLetterEnvelope, 0, len(s.byID))

	for idx := range s.cells {
		if s.cells[idx] != nil {
			out = append(out, s.cells[idx])
		}
	}

	return out
}
