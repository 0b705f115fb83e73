package session

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

var examStart = time.Date(2025, 1, 25, 13, 20, 0, 0, time.UTC)

func sessionIDs(sessions []*ExamSession) []string {
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ID)
	}
	return out
}

func TestStoreRoster(t *testing.T) {
	s := NewStore()
	if all := s.GetAll(); len(all) != 0 {
		t.Fatalf("empty roster returned %v", sessionIDs(all))
	}

	s.Update(&ExamSession{ID: "bo", CandidateID: "bo@example.com", State: Running, StartedAt: examStart.Add(2 * time.Minute)})
	s.Update(&ExamSession{ID: "ana", CandidateID: "ana@example.com", State: Running, StartedAt: examStart})
	s.Update(&ExamSession{ID: "cy", CandidateID: "cy@example.com", State: Terminated, StartedAt: examStart})

	// Equal start times fall back to ID order.
	want := []string{"ana", "cy", "bo"}
	if got := sessionIDs(s.GetAll()); !reflect.DeepEqual(got, want) {
		t.Errorf("roster order = %v, want %v", got, want)
	}
	if got := s.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2 (terminated sessions are not active)", got)
	}

	s.Update(&ExamSession{ID: "bo", CandidateID: "bo@example.com", State: Submitted, StartedAt: examStart.Add(2 * time.Minute)})
	if got := s.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount after submit = %d, want 1", got)
	}

	s.Remove("ana")
	s.Remove("never-existed")
	if _, ok := s.Get("ana"); ok {
		t.Error("removed session still present")
	}
	if got := s.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after remove = %d, want 0", got)
	}
}

func TestStoreLookupByCandidate(t *testing.T) {
	s := NewStore()
	s.Update(&ExamSession{ID: "exam-7", CandidateID: "ana@example.com", State: Running})

	tests := []struct {
		candidate string
		wantID    string
		wantOK    bool
	}{
		{"ana@example.com", "exam-7", true},
		{"bo@example.com", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := s.FindByCandidate(tt.candidate)
		if ok != tt.wantOK {
			t.Errorf("FindByCandidate(%q) ok = %v, want %v", tt.candidate, ok, tt.wantOK)
			continue
		}
		if ok && got.ID != tt.wantID {
			t.Errorf("FindByCandidate(%q) = %s, want %s", tt.candidate, got.ID, tt.wantID)
		}
	}

	if got, ok := s.Get("missing"); ok || got != nil {
		t.Errorf("Get(missing) = (%v, %v)", got, ok)
	}
}

// The store owns its copies: neither the caller's input nor anything it
// reads back may alias the registry.
func TestStoreIsolation(t *testing.T) {
	s := NewStore()
	in := &ExamSession{ID: "exam-1", CandidateName: "Ana Lima", Warnings: 1}
	s.Update(in)
	in.Warnings = 9

	out, _ := s.Get("exam-1")
	if out.Warnings != 1 {
		t.Fatalf("input mutation leaked into store: warnings = %d", out.Warnings)
	}
	out.CandidateName = "someone else"

	for _, st := range s.GetAll() {
		if st.CandidateName != "Ana Lima" {
			t.Errorf("Get result aliases store: name = %q", st.CandidateName)
		}
	}
	byCandidate, _ := s.FindByCandidate("")
	if byCandidate != nil && byCandidate.CandidateName != "Ana Lima" {
		t.Errorf("FindByCandidate result aliases store")
	}
}

func TestStoreParallelWriters(t *testing.T) {
	s := NewStore()
	const candidates = 40

	var wg sync.WaitGroup
	for i := 0; i < candidates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("exam-%02d", i)
			s.Update(&ExamSession{ID: id, CandidateID: id + "@example.com", State: Running})
			if i%2 == 0 {
				s.Update(&ExamSession{ID: id, CandidateID: id + "@example.com", State: Submitted})
			}
			s.FindByCandidate(id + "@example.com")
			s.GetAll()
		}(i)
	}
	wg.Wait()

	if got := len(s.GetAll()); got != candidates {
		t.Errorf("roster size = %d, want %d", got, candidates)
	}
	if got := s.ActiveCount(); got != candidates/2 {
		t.Errorf("ActiveCount = %d, want %d", got, candidates/2)
	}
}
