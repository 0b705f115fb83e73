package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle position of an exam session.
type State int

const (
	NotStarted State = iota
	Running
	Terminated
	Submitted
)

var stateNames = map[State]string{
	NotStarted: "not_started",
	Running:    "running",
	Terminated: "terminated",
	Submitted:  "submitted",
}

var stateFromName = map[string]State{
	"not_started": NotStarted,
	"running":     Running,
	"terminated":  Terminated,
	"submitted":   Submitted,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == Terminated || s == Submitted
}

// EndReason records which trigger ended the session.
type EndReason string

const (
	EndViolation        EndReason = "violation"
	EndTimerExpired     EndReason = "timer_expired"
	EndManualSubmit     EndReason = "manual_submit"
	EndConnectivityLost EndReason = "connectivity_lost"
)

// ExamSession is the single exam attempt of one candidate runtime. It is
// mutated only by the lifecycle controller; everyone else sees clones.
type ExamSession struct {
	ID               string     `json:"id"`
	CandidateID      string     `json:"candidateId"`
	CandidateName    string     `json:"candidateName,omitempty"`
	State            State      `json:"state"`
	StartedAt        time.Time  `json:"startedAt"`
	RemainingSeconds int        `json:"remainingSeconds"`
	Cause            string     `json:"cause,omitempty"` // violation cause, set only on termination
	EndReason        EndReason  `json:"endReason,omitempty"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	Warnings         int        `json:"warnings,omitempty"`
}

// Clone returns a deep copy, duplicating pointer fields so the copy can be
// mutated independently of the original.
func (s *ExamSession) Clone() *ExamSession {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// IsTerminal reports whether the session has ended.
func (s *ExamSession) IsTerminal() bool {
	return s.State.IsTerminal()
}
