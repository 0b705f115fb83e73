package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStateMarshalJSON(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{NotStarted, `"not_started"`},
		{Running, `"running"`},
		{Terminated, `"terminated"`},
		{Submitted, `"submitted"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.state)
		if err != nil {
			t.Errorf("Marshal(%v) error: %v", tt.state, err)
			continue
		}
		if string(data) != tt.expected {
			t.Errorf("Marshal(%v) = %s, want %s", tt.state, data, tt.expected)
		}
	}
}

func TestStateUnmarshalJSON(t *testing.T) {
	tests := []struct {
		input    string
		expected State
	}{
		{`"running"`, Running},
		{`"terminated"`, Terminated},
		{`"submitted"`, Submitted},
	}

	for _, tt := range tests {
		var s State
		if err := json.Unmarshal([]byte(tt.input), &s); err != nil {
			t.Errorf("Unmarshal(%s) error: %v", tt.input, err)
			continue
		}
		if s != tt.expected {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.input, s, tt.expected)
		}
	}
}

func TestStateUnknownName(t *testing.T) {
	if got := State(42).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
	s := Running
	if err := json.Unmarshal([]byte(`"paused"`), &s); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if s != Running {
		t.Errorf("unknown name changed state to %v", s)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
	}{
		{NotStarted, false},
		{Running, false},
		{Terminated, true},
		{Submitted, true},
	}

	for _, tt := range tests {
		s := &ExamSession{State: tt.state}
		if got := s.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal() for %v = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestCloneCopiesEndedAt(t *testing.T) {
	ended := time.Date(2025, 1, 25, 14, 0, 0, 0, time.UTC)
	s := &ExamSession{ID: "a", EndedAt: &ended}

	c := s.Clone()
	*c.EndedAt = ended.Add(time.Hour)

	if !s.EndedAt.Equal(ended) {
		t.Error("Clone shared EndedAt with the original")
	}
}
