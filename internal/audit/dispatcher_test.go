package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exam-proctor/backend/internal/logging"
	"github.com/exam-proctor/backend/internal/store"
	"github.com/exam-proctor/backend/internal/violation"
)

var now = time.Date(2025, 1, 25, 13, 30, 0, 0, time.UTC)

type failingSink struct{ calls chan struct{} }

func (s failingSink) Ingest(context.Context, Record) error {
	s.calls <- struct{}{}
	return errors.New("disk on fire")
}

func TestDispatcherRecords(t *testing.T) {
	sink := NewMemorySink()
	d, err := NewDispatcher(sink, 4, logging.Discard())
	require.NoError(t, err)
	defer d.Close(time.Second)

	d.RecordViolation("ana@example.com", violation.CauseTabSwitched, now)
	d.RecordWarning("ana@example.com", violation.WarnVoiceDetected, now)

	require.Eventually(t, func() bool { return sink.Count() == 2 }, time.Second, 5*time.Millisecond)

	byKind := map[Kind]Record{}
	for _, r := range sink.Records() {
		byKind[r.Kind] = r
	}
	assert.Equal(t, "Tab switched", byKind[KindViolation].Type)
	assert.Equal(t, "Voice detected", byKind[KindWarning].Type)
	assert.Equal(t, "ana@example.com", byKind[KindViolation].CandidateID)
}

func TestDispatcherSwallowsSinkFailure(t *testing.T) {
	sink := failingSink{calls: make(chan struct{}, 1)}
	d, err := NewDispatcher(sink, 1, logging.Discard())
	require.NoError(t, err)
	defer d.Close(time.Second)

	d.RecordViolation("ana@example.com", violation.CausePhoneDetected, now)
	select {
	case <-sink.calls:
	case <-time.After(time.Second):
		t.Fatal("sink never called")
	}
}

func TestDispatcherDropsWhenSaturated(t *testing.T) {
	d, err := NewDispatcher(NewMemorySink(), 1, logging.Discard())
	require.NoError(t, err)
	defer d.Close(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, d.Go(func() {
		close(started)
		<-release
	}))
	<-started

	assert.False(t, d.Go(func() {}), "second job must not block or queue")
	close(release)
}

func TestStoreSink(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	sink := NewStoreSink(s)
	require.NoError(t, sink.Ingest(context.Background(), Record{
		CandidateID:   "ana@example.com",
		CandidateName: "Ana",
		Kind:          KindLog,
		Type:          "Voice detected",
		Timestamp:     now,
	}))

	entries, err := s.AuditLog(context.Background(), "ana@example.com")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "log", entries[0].Kind)
	assert.Equal(t, "Ana", entries[0].Candidate)
}
