// Package metrics holds the Prometheus collectors of the proctor service.
// Collectors live on a dedicated registry served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "proctor"

var (
	Violations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_total",
		Help:      "Confirmed violations that terminated an exam, by cause.",
	}, []string{"cause"})

	Warnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "warnings_total",
		Help:      "Non-terminating advisories raised by signal policies, by kind.",
	}, []string{"kind"})

	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_ended_total",
		Help:      "Exam sessions that left the running state, by final state and reason.",
	}, []string{"state", "reason"})

	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Answer submission attempts, by result.",
	}, []string{"result"})

	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Exam window gate decisions, by result.",
	}, []string{"result"})

	DetectorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_failures_total",
		Help:      "Samples that produced no observation, by signal.",
	}, []string{"signal"})

	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_dropped_total",
		Help:      "Audit or evidence jobs dropped because the worker pool was saturated or the sink failed.",
	})

	Observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "observers",
		Help:      "Connected observer websocket clients.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Exam sessions currently running.",
	})
)

// Registry is the registry every proctor collector is registered on.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		Violations,
		Warnings,
		SessionsEnded,
		Submissions,
		Admissions,
		DetectorFailures,
		AuditDropped,
		Observers,
		ActiveSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
