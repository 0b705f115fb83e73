package monitor

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exam-proctor/backend/internal/lifecycle"
	"github.com/exam-proctor/backend/internal/logging"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/violation"
)

// sink records every lifecycle side effect the runtime causes.
type sink struct {
	mu         sync.Mutex
	violations []violation.Cause
	warnings   []violation.WarningKind
	submits    int
}

func (s *sink) RecordViolation(_ string, c violation.Cause, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, c)
}

func (s *sink) RecordWarning(_ string, k violation.WarningKind, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, k)
}

func (s *sink) Submit(context.Context, string, []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	return nil
}

func (s *sink) counts() (violations, warnings, submits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations), len(s.warnings), s.submits
}

type camera struct {
	openErr error
	closed  atomic.Bool
}

func (c *camera) Open(context.Context) error { return c.openErr }
func (c *camera) Frame() image.Image         { return image.NewGray(image.Rect(0, 0, 2, 2)) }
func (c *camera) Close() error               { c.closed.Store(true); return nil }

type microphone struct {
	openErr error
	level   float64
	closed  atomic.Bool
}

func (m *microphone) Open(context.Context) error { return m.openErr }
func (m *microphone) Level() (float64, error)    { return m.level, nil }
func (m *microphone) Close() error               { m.closed.Store(true); return nil }

// faces reports a fixed number of faces per call.
type faces struct {
	n     int
	err   error
	calls atomic.Int32
}

func (f *faces) Detect(context.Context, image.Image) ([]violation.Detection, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return make([]violation.Detection, f.n), nil
}

type offline struct{}

func (offline) Online() bool { return false }

func fastOptions() Options {
	th := violation.DefaultThresholds()
	th.FaceAbsence = 60 * time.Millisecond
	th.MultiFace = 20 * time.Millisecond
	th.OfflineWarnAt = 2
	th.OfflineTriggerAt = 4
	return Options{
		Thresholds: th,
		Intervals: Intervals{
			FaceFrame:    5 * time.Millisecond,
			Voice:        5 * time.Millisecond,
			Phone:        5 * time.Millisecond,
			Connectivity: 5 * time.Millisecond,
			Countdown:    time.Second,
		},
		Lifecycle: lifecycle.DefaultConfig(),
	}
}

func start(t *testing.T, opts Options, a Adapters) (*Runtime, *sink) {
	t.Helper()
	s := &sink{}
	r := New(session.ExamSession{ID: "s1", CandidateID: "ana@example.com"}, opts, a, lifecycle.Deps{
		Audit:     s,
		Submitter: s,
		Logger:    logging.Discard(),
	})
	go func() {
		if err := r.Run(context.Background()); err != nil {
			t.Errorf("Run() error: %v", err)
		}
	}()
	return r, s
}

func waitDone(t *testing.T, r *Runtime) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestTabHiddenTerminatesOnce(t *testing.T) {
	r, s := start(t, fastOptions(), Adapters{})

	r.Post(violation.Observation{Signal: violation.SignalBrowser, Browser: violation.BrowserTabHidden})
	r.Post(violation.Observation{Signal: violation.SignalBrowser, Browser: violation.BrowserFullscreenExit})
	waitDone(t, r)

	v, _, submits := s.counts()
	assert.Equal(t, 1, v, "one audit record")
	assert.Equal(t, 1, submits, "one submission")
	assert.Equal(t, []violation.Cause{violation.CauseTabSwitched}, s.violations)
	assert.Equal(t, session.Terminated, r.Controller().State())

	// Posting after the end is harmless.
	r.Post(violation.Observation{Signal: violation.SignalBrowser, Browser: violation.BrowserDeviceChange})
	v, _, _ = s.counts()
	assert.Equal(t, 1, v)
}

func TestAcquisitionFailureIsViolation(t *testing.T) {
	cam := &camera{}
	mic := &microphone{openErr: errors.New("NotAllowedError")}
	r, s := start(t, fastOptions(), Adapters{Frames: cam, Levels: mic})
	waitDone(t, r)

	assert.Equal(t, []violation.Cause{violation.CauseDeviceUnavailable}, s.violations)
	assert.Equal(t, "Device unavailable", r.Controller().Session().Cause)
	assert.True(t, cam.closed.Load(), "acquired camera is released")
}

func TestFaceAbsenceThroughRuntime(t *testing.T) {
	cam := &camera{}
	det := &faces{n: 0}
	r, s := start(t, fastOptions(), Adapters{Frames: cam, Faces: det})
	waitDone(t, r)

	assert.Equal(t, []violation.Cause{violation.CauseFaceNotDetected}, s.violations)
	_, _, submits := s.counts()
	assert.Equal(t, 1, submits)
	assert.True(t, cam.closed.Load())

	// No sampling continues after the end. A call spawned just before the
	// end may still land, so settle first.
	time.Sleep(20 * time.Millisecond)
	calls := det.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, det.calls.Load())
}

func TestMultipleFacesThroughRuntime(t *testing.T) {
	r, s := start(t, fastOptions(), Adapters{Frames: &camera{}, Faces: &faces{n: 2}})
	waitDone(t, r)
	assert.Equal(t, []violation.Cause{violation.CauseMultipleFaces}, s.violations)
}

func TestConnectivityLossSubmits(t *testing.T) {
	r, s := start(t, fastOptions(), Adapters{Connectivity: offline{}})
	waitDone(t, r)

	v, w, submits := s.counts()
	assert.Zero(t, v, "connectivity loss is not a violation")
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, submits)
	sess := r.Controller().Session()
	assert.Equal(t, session.Submitted, sess.State)
	assert.Equal(t, session.EndConnectivityLost, sess.EndReason)
}

func TestManualSubmitStopsLoop(t *testing.T) {
	mic := &microphone{level: 0.01}
	r, s := start(t, fastOptions(), Adapters{Levels: mic})

	require.Eventually(t, func() bool { return len(r.Signals()) > 0 }, time.Second, time.Millisecond)
	assert.True(t, r.Controller().OnManualSubmit())
	waitDone(t, r)

	_, _, submits := s.counts()
	assert.Equal(t, 1, submits)
	assert.True(t, mic.closed.Load())
}

func TestDetectorFailureDegradesHealth(t *testing.T) {
	det := &faces{err: errors.New("model not loaded")}
	r, s := start(t, fastOptions(), Adapters{Frames: &camera{}, Faces: det})

	require.Eventually(t, func() bool {
		for _, h := range r.Health() {
			if h.Signal == violation.SignalFace && h.Status == StatusFailed {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	v, _, _ := s.counts()
	assert.Zero(t, v, "detector failure never produces a violation")
	assert.Equal(t, session.Running, r.Controller().State())

	r.Stop()
	waitDone(t, r)
}

// slowDetector blocks until released and tracks concurrent calls.
type slowDetector struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	release  chan struct{}
}

func (d *slowDetector) Detect(ctx context.Context, _ image.Image) ([]violation.Detection, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case <-d.release:
	case <-ctx.Done():
	}
	return []violation.Detection{{Class: "book", Score: 0.9}}, nil
}

func TestOneInferenceInFlight(t *testing.T) {
	det := &slowDetector{release: make(chan struct{})}
	r, _ := start(t, fastOptions(), Adapters{Frames: &camera{}, Objects: det})

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), det.maxSeen.Load())

	close(det.release)
	r.Stop()
	waitDone(t, r)
}

func TestRunOnlyOnce(t *testing.T) {
	r, _ := start(t, fastOptions(), Adapters{})
	require.Eventually(t, func() bool { return r.Controller().State() == session.Running }, time.Second, time.Millisecond)
	assert.ErrorIs(t, r.Run(context.Background()), lifecycle.ErrNotStartable)
	r.Stop()
	waitDone(t, r)
}
