package monitor

import (
	"sync"
	"time"

	"github.com/exam-proctor/backend/internal/violation"
)

// HealthStatus summarises how reliably a signal is producing observations.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

const (
	degradedAfter = 3
	failedAfter   = 10
)

// SignalHealth is the observer-facing view of one signal.
type SignalHealth struct {
	Signal              violation.Signal `json:"signal"`
	Status              HealthStatus     `json:"status"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	LastError           string           `json:"lastError,omitempty"`
	LastFailure         time.Time        `json:"lastFailure,omitempty"`
}

// signalHealth tracks consecutive failures for a single signal. The event
// loop writes it; observers read snapshots from other goroutines.
type signalHealth struct {
	mu          sync.Mutex
	failures    int
	lastErr     string
	lastFailure time.Time
}

func (h *signalHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
}

func (h *signalHealth) recordFailure(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFailure = at
}

func (h *signalHealth) statusLocked() HealthStatus {
	switch {
	case h.failures >= failedAfter:
		return StatusFailed
	case h.failures >= degradedAfter:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (h *signalHealth) snapshot(sig violation.Signal) SignalHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SignalHealth{
		Signal:              sig,
		Status:              h.statusLocked(),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		LastFailure:         h.lastFailure,
	}
}
