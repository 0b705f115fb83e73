// Package audit records proctoring events for later review. Writes are
// fire-and-forget from the caller's point of view.
package audit

import (
	"context"
	"time"
)

// Kind separates confirmed violations from advisories and client logs.
type Kind string

const (
	KindViolation Kind = "violation"
	KindWarning   Kind = "warning"
	KindLog       Kind = "log"
)

// Record is one audit entry.
type Record struct {
	CandidateID   string    `json:"email"`
	CandidateName string    `json:"candidate,omitempty"`
	Kind          Kind      `json:"kind"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"time"`
	EvidenceRef   string    `json:"evidenceRef,omitempty"`
}

// Sink receives and stores audit records. It does not answer queries.
type Sink interface {
	Ingest(ctx context.Context, rec Record) error
}
