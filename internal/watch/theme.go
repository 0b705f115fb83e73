package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/session"
)

var (
	colorHealthy  = lipgloss.Color("#22c55e")
	colorWarning  = lipgloss.Color("#eab308")
	colorDanger   = lipgloss.Color("#ef4444")
	colorInfo     = lipgloss.Color("#3b82f6")
	colorDimmed   = lipgloss.Color("#6b7280")
	colorBright   = lipgloss.Color("#f9fafb")
	colorBorder   = lipgloss.Color("#374151")
	colorSelected = lipgloss.Color("#1f2937")
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	styleDimmed = lipgloss.NewStyle().Foreground(colorDimmed)
	styleBox    = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
	styleSelected = lipgloss.NewStyle().Background(colorSelected).Bold(true)
	styleOverlay  = lipgloss.NewStyle().
			BorderStyle(lipgloss.DoubleBorder()).
			BorderForeground(colorDanger).
			Foreground(colorDanger).
			Bold(true).
			Padding(1, 4)
)

func stateColor(s session.State) lipgloss.Color {
	switch s {
	case session.Running:
		return colorHealthy
	case session.Terminated:
		return colorDanger
	case session.Submitted:
		return colorInfo
	default:
		return colorDimmed
	}
}

func healthColor(s monitor.HealthStatus) lipgloss.Color {
	switch s {
	case monitor.StatusHealthy:
		return colorHealthy
	case monitor.StatusDegraded:
		return colorWarning
	case monitor.StatusFailed:
		return colorDanger
	default:
		return colorDimmed
	}
}

// worstHealth folds a session's signal health into one status.
func worstHealth(hs []monitor.SignalHealth) monitor.HealthStatus {
	worst := monitor.StatusHealthy
	for _, h := range hs {
		switch h.Status {
		case monitor.StatusFailed:
			return monitor.StatusFailed
		case monitor.StatusDegraded:
			worst = monitor.StatusDegraded
		}
	}
	return worst
}
