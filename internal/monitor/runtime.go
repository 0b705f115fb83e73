package monitor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/exam-proctor/backend/internal/lifecycle"
	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/violation"
)

var errNoFrame = errors.New("no camera frame yet")

// Intervals is the sampling cadence of each polled signal.
type Intervals struct {
	FaceFrame    time.Duration
	Voice        time.Duration
	Phone        time.Duration
	Connectivity time.Duration
	Countdown    time.Duration
}

// DefaultIntervals returns the stock cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		FaceFrame:    200 * time.Millisecond,
		Voice:        time.Second,
		Phone:        2 * time.Second,
		Connectivity: time.Second,
		Countdown:    time.Second,
	}
}

// Options configure a Runtime.
type Options struct {
	Thresholds violation.Thresholds
	Intervals  Intervals
	Lifecycle  lifecycle.Config
}

// Runtime runs one exam session. A single goroutine, Run, owns the
// evaluator and drives the lifecycle controller; samplers fire from tickers
// on that goroutine and pushed observations arrive through the mailbox.
type Runtime struct {
	ctrl     *lifecycle.Controller
	opts     Options
	adapters Adapters
	log      *slog.Logger
	now      func() time.Time

	eval    *violation.Evaluator
	mailbox *queue.Queue
	wake    chan struct{}
	done    chan struct{}
	started atomic.Bool

	faceBusy  atomic.Bool
	phoneBusy atomic.Bool

	health  map[violation.Signal]*signalHealth
	signals atomic.Pointer[[]violation.SignalState]

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New creates the runtime and its lifecycle controller. deps.Frames
// defaults to the runtime's camera so evidence uses the latest frame.
func New(sess session.ExamSession, opts Options, adapters Adapters, deps lifecycle.Deps) *Runtime {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.Intervals.Countdown <= 0 {
		opts.Intervals.Countdown = time.Second
	}

	r := &Runtime{
		opts:     opts,
		adapters: adapters,
		log:      deps.Logger.With("session", sess.ID),
		now:      deps.Now,
		mailbox:  queue.New(32),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		health:   make(map[violation.Signal]*signalHealth),
	}
	for _, sig := range []violation.Signal{violation.SignalFace, violation.SignalVoice, violation.SignalPhone, violation.SignalConnectivity} {
		r.health[sig] = &signalHealth{}
	}
	if deps.Frames == nil {
		deps.Frames = r
	}
	r.ctrl = lifecycle.New(sess, opts.Lifecycle, deps)
	return r
}

// Controller returns the session's lifecycle controller.
func (r *Runtime) Controller() *lifecycle.Controller { return r.ctrl }

// Done is closed when Run has returned and every adapter is released.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// StillFrame returns the camera's latest frame for evidence capture.
func (r *Runtime) StillFrame() image.Image {
	if r.adapters.Frames == nil {
		return nil
	}
	return r.adapters.Frames.Frame()
}

// Post queues an observation for the event loop. It never blocks.
// Observations posted after the session ended are dropped.
func (r *Runtime) Post(obs violation.Observation) {
	if obs.At.IsZero() {
		obs.At = r.now()
	}
	if err := r.mailbox.Put(obs); err != nil {
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Health returns the detector health of every polled signal.
func (r *Runtime) Health() []SignalHealth {
	out := make([]SignalHealth, 0, len(r.health))
	for _, sig := range []violation.Signal{violation.SignalFace, violation.SignalVoice, violation.SignalPhone, violation.SignalConnectivity} {
		out = append(out, r.health[sig].snapshot(sig))
	}
	return out
}

// Signals returns the debounce state as of the last processed observation.
func (r *Runtime) Signals() []violation.SignalState {
	if p := r.signals.Load(); p != nil {
		return *p
	}
	return nil
}

// Stop cancels a running session's loop without ending the exam. Used on
// server shutdown.
func (r *Runtime) Stop() {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Run begins the exam, acquires the devices and processes signals until
// the session ends or ctx is cancelled. It may be called once.
func (r *Runtime) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return lifecycle.ErrNotStartable
	}
	defer close(r.done)
	defer r.mailbox.Dispose()

	if err := r.ctrl.Begin(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancelMu.Lock()
	r.cancel = cancel
	r.cancelMu.Unlock()

	// Whatever ends the session, including calls from other goroutines,
	// stops the loop and the in-flight detectors.
	r.ctrl.OnEnd(func(session.ExamSession) { cancel() })

	r.eval = violation.NewEvaluator(r.opts.Thresholds, r.now())

	opened, err := r.acquire(ctx)
	defer r.release(opened)
	if err != nil {
		r.log.Warn("device acquisition failed", "error", err)
		r.ctrl.OnViolation(violation.Event{
			Cause:       violation.CauseDeviceUnavailable,
			Timestamp:   r.now(),
			CandidateID: r.ctrl.Session().CandidateID,
		})
		return nil
	}

	r.loop(ctx)
	return nil
}

func (r *Runtime) acquire(ctx context.Context) ([]func() error, error) {
	var opened []func() error
	if f := r.adapters.Frames; f != nil {
		if err := f.Open(ctx); err != nil {
			return opened, fmt.Errorf("camera: %w", err)
		}
		opened = append(opened, f.Close)
	}
	if l := r.adapters.Levels; l != nil {
		if err := l.Open(ctx); err != nil {
			return opened, fmt.Errorf("microphone: %w", err)
		}
		opened = append(opened, l.Close)
	}
	return opened, nil
}

// release closes acquired devices. Errors are logged and otherwise ignored.
func (r *Runtime) release(opened []func() error) {
	for i := len(opened) - 1; i >= 0; i-- {
		if err := opened[i](); err != nil {
			r.log.Debug("closing device", "error", err)
		}
	}
}

// ticker returns a tick channel, or nil when the sampler is disabled.
func ticker(d time.Duration, enabled bool) (<-chan time.Time, func()) {
	if !enabled || d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (r *Runtime) loop(ctx context.Context) {
	iv := r.opts.Intervals
	a := r.adapters

	countdown, stopCountdown := ticker(iv.Countdown, true)
	defer stopCountdown()
	faceC, stopFace := ticker(iv.FaceFrame, a.Frames != nil && a.Faces != nil)
	defer stopFace()
	voiceC, stopVoice := ticker(iv.Voice, a.Levels != nil)
	defer stopVoice()
	phoneC, stopPhone := ticker(iv.Phone, a.Frames != nil && a.Objects != nil)
	defer stopPhone()
	connC, stopConn := ticker(iv.Connectivity, a.Connectivity != nil)
	defer stopConn()

	for r.ctrl.State() == session.Running {
		select {
		case <-ctx.Done():
			return
		case <-countdown:
			r.ctrl.Tick()
		case <-faceC:
			r.detect(ctx, violation.SignalFace, a.Faces, &r.faceBusy)
		case <-phoneC:
			r.detect(ctx, violation.SignalPhone, a.Objects, &r.phoneBusy)
		case <-voiceC:
			level, err := a.Levels.Level()
			r.handle(violation.Observation{Signal: violation.SignalVoice, At: r.now(), Level: level, Err: err})
		case <-connC:
			r.handle(violation.Observation{Signal: violation.SignalConnectivity, At: r.now(), Online: a.Connectivity.Online()})
		case <-r.wake:
			r.drain()
		}
	}
}

// detect starts an inference off the loop unless one is already running
// for this detector. The result comes back through the mailbox.
func (r *Runtime) detect(ctx context.Context, sig violation.Signal, d Detector, busy *atomic.Bool) {
	frame := r.adapters.Frames.Frame()
	if frame == nil {
		r.handle(violation.Observation{Signal: sig, At: r.now(), Err: errNoFrame})
		return
	}
	if !busy.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer busy.Store(false)
		dets, err := d.Detect(ctx, frame)
		if ctx.Err() != nil {
			return
		}
		obs := violation.Observation{Signal: sig, At: r.now(), Err: err}
		if sig == violation.SignalFace {
			obs.Faces = len(dets)
		} else {
			obs.Detections = dets
		}
		r.Post(obs)
	}()
}

func (r *Runtime) drain() {
	for r.mailbox.Len() > 0 && r.ctrl.State() == session.Running {
		items, err := r.mailbox.Get(r.mailbox.Len())
		if err != nil {
			return
		}
		for _, item := range items {
			if obs, ok := item.(violation.Observation); ok {
				r.handle(obs)
			}
		}
	}
}

// handle feeds one observation through the evaluator and applies the
// result to the controller. Observations after the end are ignored.
func (r *Runtime) handle(obs violation.Observation) {
	if r.ctrl.State() != session.Running {
		return
	}
	if h, ok := r.health[obs.Signal]; ok {
		if obs.Err != nil {
			h.recordFailure(obs.Err, obs.At)
			metrics.DetectorFailures.WithLabelValues(obs.Signal.String()).Inc()
		} else {
			h.recordSuccess()
		}
	}

	res := r.eval.Dispatch(obs)
	states := r.eval.States()
	r.signals.Store(&states)

	switch res.Kind {
	case violation.ResultWarning:
		r.ctrl.OnWarning(res.Warning, res.At)
	case violation.ResultViolation:
		r.ctrl.OnViolation(res.Event(r.ctrl.Session().CandidateID))
	case violation.ResultConnectivityLost:
		r.ctrl.OnConnectivityLoss()
	}
}
