package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/exam-proctor/backend/internal/metrics"
	"github.com/exam-proctor/backend/internal/violation"
)

const ingestTimeout = 5 * time.Second

// Dispatcher runs sink writes and other best-effort jobs on a bounded
// goroutine pool. Submission never blocks: when every worker is busy the job
// is dropped, counted and logged.
type Dispatcher struct {
	pool *ants.Pool
	sink Sink
	log  *slog.Logger
}

// NewDispatcher creates a dispatcher with the given number of workers.
func NewDispatcher(sink Sink, workers int, log *slog.Logger) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{sink: sink, log: log}
	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			metrics.AuditDropped.Inc()
			d.log.Error("audit job panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Go runs fn on the pool. It reports whether the job was accepted.
func (d *Dispatcher) Go(fn func()) bool {
	if err := d.pool.Submit(fn); err != nil {
		metrics.AuditDropped.Inc()
		d.log.Warn("audit job dropped", "error", err)
		return false
	}
	return true
}

// Record ingests rec asynchronously. Sink failures are logged and swallowed.
func (d *Dispatcher) Record(rec Record) {
	d.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if err := d.sink.Ingest(ctx, rec); err != nil {
			metrics.AuditDropped.Inc()
			d.log.Error("audit ingest failed", "candidate", rec.CandidateID, "type", rec.Type, "error", err)
		}
	})
}

// RecordViolation records a confirmed violation.
func (d *Dispatcher) RecordViolation(candidateID string, cause violation.Cause, at time.Time) {
	d.Record(Record{CandidateID: candidateID, Kind: KindViolation, Type: cause.String(), Timestamp: at})
}

// RecordWarning records a non-terminating advisory.
func (d *Dispatcher) RecordWarning(candidateID string, kind violation.WarningKind, at time.Time) {
	d.Record(Record{CandidateID: candidateID, Kind: KindWarning, Type: string(kind), Timestamp: at})
}

// Close waits up to timeout for in-flight jobs and releases the workers.
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}
