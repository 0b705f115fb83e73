// Package mock runs simulated candidates through real exam runtimes. Each
// candidate follows a scripted behaviour pattern fed through stub devices
// and detectors, so observers see genuine warnings, violations and
// submissions without a browser.
package mock

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exam-proctor/backend/internal/lifecycle"
	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/violation"
)

// Pattern is the scripted behaviour of a simulated candidate.
type Pattern string

const (
	PatternSteady      Pattern = "steady"       // behaves until the timer runs out
	PatternWanderer    Pattern = "wanderer"     // leaves the camera
	PatternTalker      Pattern = "talker"       // keeps talking
	PatternTabSwitcher Pattern = "tab_switcher" // switches tabs
	PatternPhone       Pattern = "phone"        // picks up a phone
)

// Patterns lists every pattern in roster order.
var Patterns = []Pattern{PatternSteady, PatternWanderer, PatternTalker, PatternTabSwitcher, PatternPhone}

var names = map[Pattern]string{
	PatternSteady:      "Priya Raman",
	PatternWanderer:    "Tomás Ortega",
	PatternTalker:      "Hana Sato",
	PatternTabSwitcher: "Lukas Weber",
	PatternPhone:       "Amara Okafor",
}

// Timing is how long into the exam each misbehaviour starts.
type Timing struct {
	Misbehave time.Duration
	// Respawn is the pause before an ended candidate is replaced. Zero
	// disables respawning.
	Respawn time.Duration
}

// DefaultTiming suits a live demo.
func DefaultTiming() Timing {
	return Timing{Misbehave: 20 * time.Second, Respawn: 5 * time.Second}
}

// Options configure a Generator.
type Options struct {
	Runtime monitor.Options
	Timing  Timing
	// Patterns selects the roster; nil runs every pattern once.
	Patterns []Pattern
}

// Generator owns the simulated candidates.
type Generator struct {
	opts      Options
	publisher lifecycle.Publisher
	audit     lifecycle.AuditRecorder
	evidence  lifecycle.EvidenceCapturer
	log       *slog.Logger

	seq atomic.Int64
	wg  sync.WaitGroup

	mu       sync.Mutex
	runtimes map[string]*monitor.Runtime
}

func NewGenerator(publisher lifecycle.Publisher, opts Options, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	if opts.Patterns == nil {
		opts.Patterns = Patterns
	}
	return &Generator{
		opts:      opts,
		publisher: publisher,
		log:       log.With("component", "mock"),
		runtimes:  make(map[string]*monitor.Runtime),
	}
}

// SetAudit records mock warnings and violations like real ones.
func (g *Generator) SetAudit(a lifecycle.AuditRecorder) {
	g.audit = a
}

// SetEvidence stores a still frame on every mock violation.
func (g *Generator) SetEvidence(e lifecycle.EvidenceCapturer) {
	g.evidence = e
}

// Start launches one candidate per pattern. Candidates run until their exam
// ends or ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	for _, p := range g.opts.Patterns {
		g.spawn(ctx, p)
	}
}

// Wait blocks until every candidate goroutine returned.
func (g *Generator) Wait() {
	g.wg.Wait()
}

// Health returns detector health of the running mock sessions.
func (g *Generator) Health() map[string][]monitor.SignalHealth {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]monitor.SignalHealth, len(g.runtimes))
	for id, rt := range g.runtimes {
		out[id] = rt.Health()
	}
	return out
}

func (g *Generator) spawn(ctx context.Context, p Pattern) {
	n := g.seq.Add(1)
	id := fmt.Sprintf("mock-%s-%d", p, n)
	sc := &script{pattern: p, start: time.Now(), misbehave: g.opts.Timing.Misbehave}

	deps := lifecycle.Deps{
		Publisher: g.publisher,
		Logger:    g.log,
	}
	if g.audit != nil {
		deps.Audit = g.audit
	}
	if g.evidence != nil {
		deps.Evidence = g.evidence
	}

	rt := monitor.New(session.ExamSession{
		ID:            id,
		CandidateID:   fmt.Sprintf("%s.%d@mock.local", p, n),
		CandidateName: names[p],
	}, g.opts.Runtime, sc.adapters(), deps)

	g.mu.Lock()
	g.runtimes[id] = rt
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if p == PatternTabSwitcher {
			go sc.switchTabs(ctx, rt)
		}
		if err := rt.Run(ctx); err != nil {
			g.log.Error("mock runtime failed", "session", id, "error", err)
		}

		g.mu.Lock()
		delete(g.runtimes, id)
		g.mu.Unlock()

		end := rt.Controller().Session()
		g.log.Info("mock candidate finished", "session", id, "state", end.State, "cause", end.Cause)

		if g.opts.Timing.Respawn <= 0 {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(g.opts.Timing.Respawn):
			g.spawn(ctx, p)
		}
	}()
}

// script decides what the stub devices report at each moment.
type script struct {
	pattern   Pattern
	start     time.Time
	misbehave time.Duration
}

func (s *script) misbehaving() bool {
	return time.Since(s.start) >= s.misbehave
}

func (s *script) adapters() monitor.Adapters {
	return monitor.Adapters{
		Frames:       newCamera(),
		Faces:        faceDetector{s},
		Objects:      objectDetector{s},
		Levels:       microphone{s},
		Connectivity: online{},
	}
}

func (s *script) switchTabs(ctx context.Context, rt *monitor.Runtime) {
	t := time.NewTimer(s.misbehave)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-rt.Done():
	case <-t.C:
		rt.Post(violation.Observation{Signal: violation.SignalBrowser, Browser: violation.BrowserTabHidden})
	}
}

type camera struct {
	frame image.Image
}

func newCamera() *camera {
	img := image.NewGray(image.Rect(0, 0, 32, 24))
	for i := range img.Pix {
		img.Pix[i] = uint8(rand.Intn(256))
	}
	img.SetGray(0, 0, color.Gray{Y: 255})
	return &camera{frame: img}
}

func (c *camera) Open(context.Context) error { return nil }
func (c *camera) Frame() image.Image         { return c.frame }
func (c *camera) Close() error               { return nil }

type faceDetector struct{ s *script }

func (d faceDetector) Detect(context.Context, image.Image) ([]violation.Detection, error) {
	if d.s.pattern == PatternWanderer && d.s.misbehaving() {
		return nil, nil
	}
	return []violation.Detection{{Class: "face", Score: 0.9 + rand.Float64()*0.1}}, nil
}

type objectDetector struct{ s *script }

func (d objectDetector) Detect(context.Context, image.Image) ([]violation.Detection, error) {
	dets := []violation.Detection{{Class: "person", Score: 0.95}}
	if d.s.pattern == PatternPhone && d.s.misbehaving() {
		dets = append(dets, violation.Detection{Class: "cell phone", Score: 0.7 + rand.Float64()*0.25})
	}
	return dets, nil
}

type microphone struct{ s *script }

func (m microphone) Open(context.Context) error { return nil }
func (m microphone) Close() error               { return nil }

func (m microphone) Level() (float64, error) {
	if m.s.pattern == PatternTalker && m.s.misbehaving() {
		return 0.2 + rand.Float64()*0.2, nil
	}
	return rand.Float64() * 0.05, nil
}

type online struct{}

func (online) Online() bool { return true }
