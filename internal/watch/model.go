package watch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/session"
)

// maxFeed bounds the alert feed kept in memory.
const maxFeed = 200

// FeedEntry is one line of the alert feed.
type FeedEntry struct {
	At        time.Time
	Violation bool
	SessionID string
	Who       string
	Detail    string
}

// Model is the root Bubble Tea model of the observer.
type Model struct {
	client *Client
	ctx    context.Context
	keys   KeyMap
	help   help.Model

	width  int
	height int

	sessions   map[string]*session.ExamSession
	order      []string
	health     map[string][]monitor.SignalHealth
	feed       []FeedEntry
	selected   int
	showHealth bool

	connected bool
	lastErr   string
}

// New creates the model. client may be nil in tests; no commands are
// issued then.
func New(client *Client, ctx context.Context) Model {
	if ctx == nil {
		ctx = context.Background()
	}
	return Model{
		client:   client,
		ctx:      ctx,
		keys:     DefaultKeyMap(),
		help:     help.New(),
		sessions: make(map[string]*session.ExamSession),
		health:   make(map[string][]monitor.SignalHealth),
	}
}

func (m Model) Init() tea.Cmd {
	if m.client == nil {
		return nil
	}
	return m.client.Listen(m.ctx)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			if m.client != nil {
				m.client.Close()
			}
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.selected > 0 {
				m.selected--
			}
		case key.Matches(msg, m.keys.Down):
			if m.selected < len(m.order)-1 {
				m.selected++
			}
		case key.Matches(msg, m.keys.ClearFeed):
			m.feed = nil
		case key.Matches(msg, m.keys.Health):
			m.showHealth = !m.showHealth
		}
		return m, nil

	case ConnectedMsg:
		m.connected = true
		m.lastErr = ""
		return m, m.readNext()

	case DisconnectedMsg:
		m.connected = false
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
		}
		if m.client == nil {
			return m, nil
		}
		return m, m.client.Listen(m.ctx)

	case SnapshotMsg:
		m.sessions = make(map[string]*session.ExamSession, len(msg.Payload.Sessions))
		for _, s := range msg.Payload.Sessions {
			if s != nil {
				m.sessions[s.ID] = s
			}
		}
		m.health = msg.Payload.Health
		if m.health == nil {
			m.health = make(map[string][]monitor.SignalHealth)
		}
		m.reorder()
		return m, m.readNext()

	case StartedMsg:
		m.sessions[msg.Session.ID] = msg.Session
		m.reorder()
		return m, m.readNext()

	case EndedMsg:
		// Ended sessions stay visible until the next snapshot drops them.
		m.sessions[msg.Session.ID] = msg.Session
		m.reorder()
		return m, m.readNext()

	case AlertMsg:
		p := msg.Payload
		who := p.Email
		if p.Candidate != "" {
			who = p.Candidate
		}
		m.pushFeed(FeedEntry{At: p.Time, Violation: msg.Violation, SessionID: p.SessionID, Who: who, Detail: p.Type})
		if s, ok := m.sessions[p.SessionID]; ok && !msg.Violation {
			c := s.Clone()
			c.Warnings++
			m.sessions[p.SessionID] = c
		}
		return m, m.readNext()

	case ServerErrorMsg:
		m.lastErr = msg.Message
		return m, m.readNext()
	}
	return m, nil
}

func (m Model) readNext() tea.Cmd {
	if m.client == nil {
		return nil
	}
	return m.client.ReadLoop()
}

func (m *Model) pushFeed(e FeedEntry) {
	m.feed = append(m.feed, e)
	if len(m.feed) > maxFeed {
		m.feed = m.feed[len(m.feed)-maxFeed:]
	}
}

// reorder sorts running sessions first, then by start time.
func (m *Model) reorder() {
	m.order = make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		m.order = append(m.order, id)
	}
	sort.Slice(m.order, func(i, j int) bool {
		a, b := m.sessions[m.order[i]], m.sessions[m.order[j]]
		if a.IsTerminal() != b.IsTerminal() {
			return !a.IsTerminal()
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.ID < b.ID
	})
	if m.selected >= len(m.order) {
		m.selected = max(len(m.order)-1, 0)
	}
}

// Selected returns the highlighted session, or nil.
func (m Model) Selected() *session.ExamSession {
	if m.selected < 0 || m.selected >= len(m.order) {
		return nil
	}
	return m.sessions[m.order[m.selected]]
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	sections := []string{
		m.renderStatus(),
		m.renderSessions(),
	}
	if m.showHealth {
		sections = append(sections, m.renderHealth())
	}
	sections = append(sections, m.renderFeed(), m.help.View(m.keys))
	view := lipgloss.JoinVertical(lipgloss.Left, sections...)

	if !m.connected {
		return m.renderDisconnected(view)
	}
	return view
}

func (m Model) renderStatus() string {
	var running, ended int
	for _, s := range m.sessions {
		if s.IsTerminal() {
			ended++
		} else {
			running++
		}
	}
	var violations int
	for _, e := range m.feed {
		if e.Violation {
			violations++
		}
	}

	conn := lipgloss.NewStyle().Foreground(colorHealthy).Render("● live")
	if !m.connected {
		conn = lipgloss.NewStyle().Foreground(colorDanger).Render("○ offline")
	}
	parts := []string{
		styleHeader.Render("Exam Proctor"),
		conn,
		fmt.Sprintf("%d running", running),
		fmt.Sprintf("%d ended", ended),
		lipgloss.NewStyle().Foreground(colorDanger).Render(fmt.Sprintf("%d violations", violations)),
	}
	return strings.Join(parts, styleDimmed.Render("  │  "))
}

func (m Model) renderSessions() string {
	var b strings.Builder
	b.WriteString(styleHeader.Render(fmt.Sprintf("%-32s %-11s %7s %5s %-9s", "CANDIDATE", "STATE", "LEFT", "WARN", "SIGNALS")))
	if len(m.order) == 0 {
		b.WriteString("\n")
		b.WriteString(styleDimmed.Render("no live sessions"))
	}
	for i, id := range m.order {
		s := m.sessions[id]
		who := s.CandidateID
		if s.CandidateName != "" {
			who = s.CandidateName
		}
		state := lipgloss.NewStyle().Foreground(stateColor(s.State)).Render(fmt.Sprintf("%-11s", s.State))
		signals := "-"
		if hs, ok := m.health[id]; ok && len(hs) > 0 {
			status := worstHealth(hs)
			signals = lipgloss.NewStyle().Foreground(healthColor(status)).Render(fmt.Sprintf("%-9s", status))
		}
		line := fmt.Sprintf("%-32s %s %7s %5d %s", truncate(who, 32), state, clock(s.RemainingSeconds), s.Warnings, signals)
		if s.Cause != "" {
			line += styleDimmed.Render("  " + s.Cause)
		}
		if i == m.selected {
			line = styleSelected.Render(line)
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return styleBox.Render(b.String())
}

func (m Model) renderHealth() string {
	sel := m.Selected()
	if sel == nil {
		return styleBox.Render(styleDimmed.Render("select a session"))
	}
	var b strings.Builder
	b.WriteString(styleHeader.Render("Signals · " + sel.CandidateID))
	hs := m.health[sel.ID]
	if len(hs) == 0 {
		b.WriteString("\n")
		b.WriteString(styleDimmed.Render("all signals healthy"))
	}
	for _, h := range hs {
		line := fmt.Sprintf("%-13s %s  failures=%d", h.Signal, lipgloss.NewStyle().Foreground(healthColor(h.Status)).Render(string(h.Status)), h.ConsecutiveFailures)
		if h.LastError != "" {
			line += styleDimmed.Render("  " + h.LastError)
		}
		b.WriteString("\n")
		b.WriteString(line)
	}
	return styleBox.Render(b.String())
}

func (m Model) renderFeed() string {
	var b strings.Builder
	b.WriteString(styleHeader.Render("Alerts"))
	if len(m.feed) == 0 {
		b.WriteString("\n")
		b.WriteString(styleDimmed.Render("nothing yet"))
	}
	limit := 8
	if m.height > 0 {
		limit = max(m.height-len(m.order)-10, 3)
	}
	start := max(len(m.feed)-limit, 0)
	for i := len(m.feed) - 1; i >= start; i-- {
		e := m.feed[i]
		tag := lipgloss.NewStyle().Foreground(colorWarning).Render("WARN     ")
		if e.Violation {
			tag = lipgloss.NewStyle().Foreground(colorDanger).Bold(true).Render("VIOLATION")
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s %s %-28s %s", styleDimmed.Render(e.At.Local().Format("15:04:05")), tag, truncate(e.Who, 28), e.Detail)
	}
	return styleBox.Render(b.String())
}

func (m Model) renderDisconnected(bg string) string {
	msg := "DISCONNECTED\n\nReconnecting..."
	if m.lastErr != "" {
		msg += "\n" + truncate(m.lastErr, max(m.width-16, 10))
	}
	box := styleOverlay.Render(msg)
	if m.height == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, bg, box)
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func clock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
