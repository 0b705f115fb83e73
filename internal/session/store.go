package session

import (
	"sort"
	"sync"
)

// Store is the registry of exam sessions currently known to this process.
// All reads and writes copy, so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*ExamSession
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*ExamSession),
	}
}

func (s *Store) Get(id string) (*ExamSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// GetAll returns every session ordered by start time, oldest first.
func (s *Store) GetAll() []*ExamSession {
	s.mu.RLock()
	result := make([]*ExamSession, 0, len(s.sessions))
	for _, st := range s.sessions {
		result = append(result, st.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// FindByCandidate returns the session of a candidate, if any.
func (s *Store) FindByCandidate(candidateID string) (*ExamSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.sessions {
		if st.CandidateID == candidateID {
			return st.Clone(), true
		}
	}
	return nil, false
}

func (s *Store) Update(state *ExamSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.ID] = state.Clone()
}

func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// ActiveCount returns the number of running sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, st := range s.sessions {
		if st.State == Running {
			count++
		}
	}
	return count
}
