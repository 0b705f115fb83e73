package store

import "time"

// Candidate is a registered exam identity, keyed by email.
type Candidate struct {
	Email      string
	Name       string
	Phone      string
	College    string
	Attempted  bool
	AdmittedAt *time.Time
	CreatedAt  time.Time
}

// Result is the single persisted answer sheet of a candidate.
type Result struct {
	Email       string    `json:"email"`
	Answers     []string  `json:"answers"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// AuditEntry is one append-only proctoring log line.
type AuditEntry struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	Candidate   string    `json:"candidate,omitempty"`
	Kind        string    `json:"kind"`
	Type        string    `json:"type"`
	Time        time.Time `json:"time"`
	EvidenceRef string    `json:"evidenceRef,omitempty"`
}

// Snapshot is the metadata of a stored evidence image.
type Snapshot struct {
	ID     int64     `json:"id"`
	Email  string    `json:"email"`
	Reason string    `json:"reason"`
	Path   string    `json:"path"`
	Time   time.Time `json:"time"`
}
