// Package lifecycle owns the state of one exam session and guarantees that
// it leaves the running state exactly once, whichever trigger fires first.
package lifecycle

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/violation"
)

// ErrNotStartable is returned by Begin when the session already started.
var ErrNotStartable = errors.New("exam session already started")

// AuditRecorder receives violation and warning records. Implementations
// must not block and must swallow their own failures.
type AuditRecorder interface {
	RecordViolation(candidateID string, cause violation.Cause, at time.Time)
	RecordWarning(candidateID string, kind violation.WarningKind, at time.Time)
}

// EvidenceCapturer stores a still frame for audit review. Fire-and-forget.
type EvidenceCapturer interface {
	CaptureEvidence(candidateID string, cause violation.Cause, frame image.Image)
}

// FrameGrabber returns the latest camera frame, or nil when none exists yet.
type FrameGrabber interface {
	StillFrame() image.Image
}

// Submitter persists the candidate's answers.
type Submitter interface {
	Submit(ctx context.Context, candidateID string, answers []string) error
}

// AnswerSource returns whatever answer state exists at submission time.
type AnswerSource interface {
	Answers() []string
}

// Notifier surfaces user-visible notices to the candidate.
type Notifier interface {
	Notify(n Notice)
}

// Publisher relays lifecycle events to passive observers.
type Publisher interface {
	Publish(ev session.Event)
}

// Config holds the timing parameters of a session.
type Config struct {
	Duration      time.Duration
	AdvisoryAt    time.Duration // remaining time at which the advisory fires
	SubmitTimeout time.Duration
}

// DefaultConfig returns a 50 minute exam with a 5 minute advisory.
func DefaultConfig() Config {
	return Config{
		Duration:      50 * time.Minute,
		AdvisoryAt:    5 * time.Minute,
		SubmitTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators of a Controller. Every field may be nil.
type Deps struct {
	Audit     AuditRecorder
	Evidence  EvidenceCapturer
	Frames    FrameGrabber
	Submitter Submitter
	Answers   AnswerSource
	Notifier  Notifier
	Publisher Publisher
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Controller is the single authority over an ExamSession.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	// state is the terminal guard. Transitions out of Running are a single
	// compare-and-swap; the loser of a race performs no side effects.
	state atomic.Int32

	mu      sync.Mutex // guards sess, advised, onEnd
	sess    session.ExamSession
	advised bool
	onEnd   []func(session.ExamSession)
}

// New creates a controller for a session in the NotStarted state.
func New(sess session.ExamSession, cfg Config, deps Deps) *Controller {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("lifecycle")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	sess.State = session.NotStarted
	sess.RemainingSeconds = int(cfg.Duration / time.Second)
	c := &Controller{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("session", sess.ID, "candidate", sess.CandidateID),
		sess: sess,
	}
	c.state.Store(int32(session.NotStarted))
	return c
}

// OnEnd registers a hook run once after the session leaves Running. Hooks
// stop adapters and clear registries; they must not block.
func (c *Controller) OnEnd(fn func(session.ExamSession)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = append(c.onEnd, fn)
}

// State returns the current lifecycle state.
func (c *Controller) State() session.State {
	return session.State(c.state.Load())
}

// Session returns a snapshot of the session.
func (c *Controller) Session() session.ExamSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.sess.Clone()
}

// Remaining returns the countdown value in seconds.
func (c *Controller) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.RemainingSeconds
}

// Begin moves NotStarted → Running. The caller starts the countdown and the
// signal adapters once Begin succeeds.
func (c *Controller) Begin() error {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(session.NotStarted), int32(session.Running)) {
		c.mu.Unlock()
		return ErrNotStartable
	}
	c.sess.State = session.Running
	c.sess.StartedAt = c.deps.Now()
	snap := c.sess.Clone()
	c.mu.Unlock()

	metrics.ActiveSessions.Inc()
	c.log.Info("exam started", "duration", c.cfg.Duration)
	c.publish(session.Event{Type: session.EventStarted, State: snap})
	return nil
}

// OnViolation terminates a running session. It reports whether this call
// performed the transition; calls in any other state are no-ops.
func (c *Controller) OnViolation(ev violation.Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.deps.Now()
	}
	snap, ok := c.finish(session.Terminated, session.EndViolation, ev.Cause, ev.Timestamp)
	if !ok {
		return false
	}

	ctx, span := c.deps.Tracer.Start(context.Background(), "lifecycle.terminate",
		trace.WithAttributes(
			attribute.String("exam.session", snap.ID),
			attribute.String("exam.cause", ev.Cause.String()),
		))
	defer span.End()

	metrics.Violations.WithLabelValues(ev.Cause.String()).Inc()
	c.log.Warn("exam terminated", "cause", ev.Cause)

	if c.deps.Audit != nil {
		c.deps.Audit.RecordViolation(snap.CandidateID, ev.Cause, ev.Timestamp)
	}
	c.captureEvidence(snap.CandidateID, ev.Cause)
	c.notify(terminationNotice(ev.Cause))
	c.publish(session.Event{Type: session.EventViolation, State: snap.Clone(), Detail: ev.Cause.String()})

	c.submit(ctx, span, snap)
	return true
}

// OnTimerExpiry submits a running session whose countdown reached zero.
func (c *Controller) OnTimerExpiry() bool {
	return c.endBySubmission(session.EndTimerExpired)
}

// OnManualSubmit submits a running session at the candidate's request.
func (c *Controller) OnManualSubmit() bool {
	return c.endBySubmission(session.EndManualSubmit)
}

// OnConnectivityLoss submits a running session after a sustained offline
// streak. It is a plain submission, not a violation.
func (c *Controller) OnConnectivityLoss() bool {
	return c.endBySubmission(session.EndConnectivityLost)
}

// OnWarning records a non-terminating advisory. It never changes state.
func (c *Controller) OnWarning(kind violation.WarningKind, at time.Time) {
	if c.State() != session.Running {
		return
	}
	c.mu.Lock()
	c.sess.Warnings++
	snap := c.sess.Clone()
	c.mu.Unlock()

	metrics.Warnings.WithLabelValues(string(kind)).Inc()
	c.log.Info("proctoring warning", "kind", kind)
	if c.deps.Audit != nil {
		c.deps.Audit.RecordWarning(snap.CandidateID, kind, at)
	}
	c.notify(Notice{Kind: NoticeWarning, Message: "⚠️ " + string(kind)})
	c.publish(session.Event{Type: session.EventWarning, State: snap, Detail: string(kind)})
}

// Tick advances the countdown by one second. At the advisory mark it
// surfaces the advisory once; at zero it submits.
func (c *Controller) Tick() {
	if c.State() != session.Running {
		return
	}
	c.mu.Lock()
	c.sess.RemainingSeconds--
	remaining := c.sess.RemainingSeconds
	advise := !c.advised && c.cfg.AdvisoryAt > 0 && remaining == int(c.cfg.AdvisoryAt/time.Second)
	if advise {
		c.advised = true
	}
	c.mu.Unlock()

	if advise {
		c.notify(advisoryNotice(c.cfg.AdvisoryAt))
	}
	if remaining <= 0 {
		c.OnTimerExpiry()
	}
}

func (c *Controller) endBySubmission(reason session.EndReason) bool {
	snap, ok := c.finish(session.Submitted, reason, violation.CauseNone, c.deps.Now())
	if !ok {
		return false
	}
	ctx, span := c.deps.Tracer.Start(context.Background(), "lifecycle.submit",
		trace.WithAttributes(
			attribute.String("exam.session", snap.ID),
			attribute.String("exam.reason", string(reason)),
		))
	defer span.End()

	c.log.Info("exam submitted", "reason", reason)
	c.submit(ctx, span, snap)
	return true
}

// finish moves Running to state and records how the session ended. The
// CAS and the snapshot update happen under mu, so Session never disagrees
// with State. It reports false if another path already ended the session.
func (c *Controller) finish(state session.State, reason session.EndReason, cause violation.Cause, at time.Time) (*session.ExamSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(session.Running), int32(state)) {
		return nil, false
	}
	c.sess.State = state
	c.sess.EndReason = reason
	c.sess.Cause = cause.String()
	c.sess.EndedAt = &at
	metrics.ActiveSessions.Dec()
	metrics.SessionsEnded.WithLabelValues(state.String(), string(reason)).Inc()
	return c.sess.Clone(), true
}

// submit runs the single submission attempt of the session. Failure is
// logged; the candidate still sees completion and hooks still run.
func (c *Controller) submit(ctx context.Context, span trace.Span, snap *session.ExamSession) {
	if c.deps.Submitter != nil {
		var answers []string
		if c.deps.Answers != nil {
			answers = c.deps.Answers.Answers()
		}
		sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		err := c.deps.Submitter.Submit(sctx, snap.CandidateID, answers)
		cancel()
		if err != nil {
			span.RecordError(err)
			metrics.Submissions.WithLabelValues("failed").Inc()
			c.log.Error("submission failed", "error", err)
		} else {
			metrics.Submissions.WithLabelValues("ok").Inc()
		}
	}

	c.notify(Notice{Kind: NoticeSubmitted, Message: "✅ Exam submitted", Final: true})
	c.publish(session.Event{Type: session.EventEnded, State: snap, Detail: string(snap.EndReason)})

	c.mu.Lock()
	hooks := c.onEnd
	c.onEnd = nil
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(*snap)
	}
}

func (c *Controller) captureEvidence(candidateID string, cause violation.Cause) {
	if c.deps.Evidence == nil || c.deps.Frames == nil {
		return
	}
	frame := c.deps.Frames.StillFrame()
	if frame == nil {
		c.log.Debug("no frame available for evidence", "cause", cause)
		return
	}
	c.deps.Evidence.CaptureEvidence(candidateID, cause, frame)
}

func (c *Controller) notify(n Notice) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.Notify(n)
	}
}

func (c *Controller) publish(ev session.Event) {
	if c.deps.Publisher != nil {
		c.deps.Publisher.Publish(ev)
	}
}
