package audit

import (
	"context"

	"github.com/exam-proctor/backend/internal/store"
)

// Appender is the slice of the store the sink writes to.
type Appender interface {
	AppendAudit(ctx context.Context, e store.AuditEntry) (int64, error)
}

// StoreSink persists records in the audit_logs table.
type StoreSink struct {
	store Appender
}

func NewStoreSink(s Appender) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Ingest(ctx context.Context, rec Record) error {
	_, err := s.store.AppendAudit(ctx, store.AuditEntry{
		Email:       rec.CandidateID,
		Candidate:   rec.CandidateName,
		Kind:        string(rec.Kind),
		Type:        rec.Type,
		Time:        rec.Timestamp,
		EvidenceRef: rec.EvidenceRef,
	})
	return err
}
