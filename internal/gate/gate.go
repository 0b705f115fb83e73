// Package gate decides whether a candidate may start or submit the exam
// based on the configured window and prior attempts.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/store"
)

// Rejection reasons. The text is shown to the candidate as is.
const (
	ReasonNotStarted       = "not started yet"
	ReasonEnded            = "exam ended"
	ReasonAlreadyAttempted = "already attempted"
)

var (
	ErrNotStarted        = errors.New(ReasonNotStarted)
	ErrEnded             = errors.New(ReasonEnded)
	ErrAlreadyAttempted  = errors.New(ReasonAlreadyAttempted)
	ErrMissingIdentifier = errors.New("candidate email is required")
)

// RejectError is returned when the gate refuses a candidate.
type RejectError struct {
	Reason string
	err    error
}

func (e *RejectError) Error() string { return e.Reason }
func (e *RejectError) Unwrap() error { return e.err }

func reject(err error) *RejectError {
	return &RejectError{Reason: err.Error(), err: err}
}

// Window is the admission interval. A zero bound is open.
type Window struct {
	Start time.Time
	End   time.Time
	// Grace extends End for submissions only.
	Grace time.Duration
}

// check returns the rejection for now, or nil when inside the window.
func (w Window) check(now time.Time, grace time.Duration) error {
	if !w.Start.IsZero() && now.Before(w.Start) {
		return ErrNotStarted
	}
	if !w.End.IsZero() && now.After(w.End.Add(grace)) {
		return ErrEnded
	}
	return nil
}

// Admissions is the persistence the gate needs.
type Admissions interface {
	Admit(ctx context.Context, c store.Candidate, at time.Time) error
}

// Gate is safe for concurrent use.
type Gate struct {
	store Admissions
	log   *slog.Logger

	mu     sync.RWMutex
	window Window
}

// New creates a gate over window, recording admissions in s.
func New(s Admissions, window Window, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{store: s, window: window, log: log}
}

// SetWindow replaces the window. Sessions already admitted are unaffected.
func (g *Gate) SetWindow(w Window) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.window = w
}

// Window returns the current window.
func (g *Gate) Window() Window {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.window
}

// Admit checks the window and records the admission. The window is checked
// first, so a candidate outside it is never marked as admitted.
func (g *Gate) Admit(ctx context.Context, c store.Candidate, now time.Time) error {
	if c.Email == "" {
		return ErrMissingIdentifier
	}
	if err := g.Window().check(now, 0); err != nil {
		metrics.Admissions.WithLabelValues(err.Error()).Inc()
		g.log.Info("admission rejected", "candidate", c.Email, "reason", err)
		return reject(err)
	}

	err := g.store.Admit(ctx, c, now)
	switch {
	case errors.Is(err, store.ErrAlreadyAdmitted):
		metrics.Admissions.WithLabelValues(ReasonAlreadyAttempted).Inc()
		g.log.Info("admission rejected", "candidate", c.Email, "reason", ReasonAlreadyAttempted)
		return reject(ErrAlreadyAttempted)
	case err != nil:
		return fmt.Errorf("record admission: %w", err)
	}

	metrics.Admissions.WithLabelValues("admitted").Inc()
	g.log.Info("candidate admitted", "candidate", c.Email)
	return nil
}

// CheckSubmission applies the window, including the grace period, to a
// submission arriving at now.
func (g *Gate) CheckSubmission(now time.Time) error {
	w := g.Window()
	if err := w.check(now, w.Grace); err != nil {
		return reject(err)
	}
	return nil
}
