package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "exam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var now = time.Date(2025, 1, 25, 13, 25, 0, 0, time.UTC)

func TestAdmitOnce(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	c := Candidate{Email: "ana@example.com", Name: "Ana Lima"}
	require.NoError(t, s.Admit(ctx, c, now))
	assert.ErrorIs(t, s.Admit(ctx, c, now.Add(time.Second)), ErrAlreadyAdmitted)

	got, err := s.GetCandidate(ctx, c.Email)
	require.NoError(t, err)
	assert.Equal(t, "Ana Lima", got.Name)
	require.NotNil(t, got.AdmittedAt)
	assert.True(t, got.AdmittedAt.Equal(now))
	assert.False(t, got.Attempted)
}

func TestAdmitConcurrent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Admit(ctx, Candidate{Email: "race@example.com"}, now); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestAdmitAfterSubmission(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	saved, err := s.SaveResult(ctx, "bo@example.com", []string{"A"}, now)
	require.NoError(t, err)
	require.True(t, saved)

	assert.ErrorIs(t, s.Admit(ctx, Candidate{Email: "bo@example.com"}, now), ErrAlreadyAdmitted)
}

func TestSaveResultIsIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	saved, err := s.SaveResult(ctx, "ana@example.com", []string{"B", "", "D"}, now)
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = s.SaveResult(ctx, "ana@example.com", []string{"C"}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, saved)

	results, err := s.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"B", "", "D"}, results[0].Answers)
	assert.True(t, results[0].SubmittedAt.Equal(now))

	c, err := s.GetCandidate(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.True(t, c.Attempted)
}

func TestSaveResultNilAnswers(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.SaveResult(ctx, "cy@example.com", nil, now)
	require.NoError(t, err)

	results, err := s.Results(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Answers)
}

func TestAuditLogOrder(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.AppendAudit(ctx, AuditEntry{Email: "ana@example.com", Kind: "violation", Type: "Tab switched", Time: now.Add(2 * time.Second)})
	require.NoError(t, err)
	_, err = s.AppendAudit(ctx, AuditEntry{Email: "ana@example.com", Kind: "warning", Type: "Voice detected", Time: now})
	require.NoError(t, err)
	_, err = s.AppendAudit(ctx, AuditEntry{Email: "other@example.com", Kind: "warning", Type: "Voice detected", Time: now})
	require.NoError(t, err)

	log, err := s.AuditLog(ctx, "ana@example.com")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, "Voice detected", log[0].Type)
	assert.Equal(t, "Tab switched", log[1].Type)
}

func TestSnapshots(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.InsertSnapshot(ctx, Snapshot{Email: "ana@example.com", Reason: "Mobile phone detected", Path: "ana/1.png", Time: now})
	require.NoError(t, err)
	assert.Positive(t, id)

	snaps, err := s.Snapshots(ctx, "ana@example.com")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "ana/1.png", snaps[0].Path)
	assert.Equal(t, "Mobile phone detected", snaps[0].Reason)
}

func TestGetCandidateNotFound(t *testing.T) {
	s := openTest(t)
	_, err := s.GetCandidate(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Ping(context.Background()))
}
