// Package watch is a terminal view of a streambridge server: the running
// sessions table and, optionally, the live message stream of one session.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
	"github.com/agent-racer/streambridge/internal/session"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const defaultInterval = time.Second

// API is the part of the server client the view needs.
type API interface {
	Sessions(ctx context.Context) ([]session.Running, error)
	Cancel(ctx context.Context, sessionID string) (bool, error)
}

// Source yields one session's messages, returning io.EOF after the last.
type Source interface {
	Next() (protocol.Message, error)
}

type Options struct {
	// Interval between session list refreshes.
	Interval time.Duration
	// Stream, when set, is followed in the event log.
	Stream Source
}

type (
	sessionsMsg struct {
		list []session.Running
		err  error
	}
	streamMsg    struct{ msg protocol.Message }
	streamEndMsg struct{ err error }
	cancelMsg    struct {
		id  string
		ok  bool
		err error
	}
	tickMsg struct{}
)

// Model is the root Bubble Tea model.
type Model struct {
	api      API
	stream   Source
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc

	keys    KeyMap
	spinner spinner.Model
	width   int
	height  int

	sessions    []session.Running
	selectedIdx int
	connected   bool
	lastErr     error

	log       EventLog
	streaming bool
	final     *protocol.Message
}

func New(api API, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(ColorActive)
	return Model{
		api:       api,
		stream:    opts.Stream,
		interval:  opts.Interval,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		spinner:   sp,
		streaming: opts.Stream != nil,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.fetchSessions(), m.tick()}
	if m.stream != nil {
		cmds = append(cmds, m.readStream())
	}
	return tea.Batch(cmds...)
}

// Final returns the terminal message of the followed stream, if it arrived.
func (m Model) Final() (protocol.Message, bool) {
	if m.final == nil {
		return protocol.Message{}, false
	}
	return *m.final, true
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(m.fetchSessions(), m.tick())

	case sessionsMsg:
		if msg.err != nil {
			m.connected = false
			m.lastErr = msg.err
			return m, nil
		}
		m.connected = true
		m.lastErr = nil
		m.sessions = msg.list
		if m.selectedIdx >= len(m.sessions) {
			m.selectedIdx = max(len(m.sessions)-1, 0)
		}
		return m, nil

	case streamMsg:
		m.log.Add(msg.msg.Type, string(msg.msg.Data))
		if protocol.IsTerminal(msg.msg.Type) {
			final := msg.msg
			m.final = &final
		}
		return m, m.readStream()

	case streamEndMsg:
		m.streaming = false
		if msg.err != nil && !errors.Is(msg.err, io.EOF) {
			m.log.Add("err", msg.err.Error())
		}
		return m, nil

	case cancelMsg:
		switch {
		case msg.err != nil:
			m.log.Add("err", fmt.Sprintf("cancel %s: %v", shortID(msg.id), msg.err))
		case !msg.ok:
			m.log.Add("cancel", shortID(msg.id)+" was not running")
		default:
			m.log.Add("cancel", shortID(msg.id)+" cancelled")
		}
		return m, m.fetchSessions()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if len(m.sessions) > 0 {
			m.selectedIdx = (m.selectedIdx + 1) % len(m.sessions)
		}
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if len(m.sessions) > 0 {
			m.selectedIdx = (m.selectedIdx - 1 + len(m.sessions)) % len(m.sessions)
		}
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		if len(m.sessions) == 0 {
			return m, nil
		}
		return m, m.cancelSession(m.sessions[m.selectedIdx].ID)

	case key.Matches(msg, m.keys.Refresh):
		return m, m.fetchSessions()

	case key.Matches(msg, m.keys.LogUp):
		m.log.ScrollUp(5)
		return m, nil

	case key.Matches(msg, m.keys.LogDown):
		m.log.ScrollDown(5)
		return m, nil
	}
	return m, nil
}

func (m Model) fetchSessions() tea.Cmd {
	api, ctx := m.api, m.ctx
	return func() tea.Msg {
		list, err := api.Sessions(ctx)
		return sessionsMsg{list: list, err: err}
	}
}

func (m Model) cancelSession(id string) tea.Cmd {
	api, ctx := m.api, m.ctx
	return func() tea.Msg {
		ok, err := api.Cancel(ctx, id)
		return cancelMsg{id: id, ok: ok, err: err}
	}
}

func (m Model) readStream() tea.Cmd {
	src := m.stream
	return func() tea.Msg {
		msg, err := src.Next()
		if err != nil {
			return streamEndMsg{err: err}
		}
		return streamMsg{msg: msg}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

// View renders the full screen.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{
		m.statusBar(),
		m.sessionTable(),
	}
	if m.stream != nil {
		logHeight := m.height - len(m.sessions) - 8
		sections = append(sections,
			StyleHeader.Render("=== EVENTS "+strings.Repeat("=", max(m.width-12, 0))),
			m.log.View(m.width, logHeight),
		)
	} else if len(m.log.Entries) > 0 {
		sections = append(sections, m.log.View(m.width, 3))
	}
	sections = append(sections, StyleDimmed.Render("  j/k:select  c:cancel  r:refresh  pgup/pgdown:scroll  q:quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) statusBar() string {
	var conn string
	if m.connected {
		conn = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected")
	} else {
		conn = lipgloss.NewStyle().Foreground(ColorDanger).Render("○ DISCONNECTED")
		if m.lastErr != nil {
			conn += StyleDimmed.Render(" " + m.lastErr.Error())
		}
	}

	active := 0
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() {
			active++
		}
	}
	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	content := conn + sep + fmt.Sprintf("%d running", active)
	if m.streaming {
		content += sep + m.spinner.View() + " streaming"
	} else if m.final != nil {
		content += sep + lipgloss.NewStyle().Foreground(StatusColor(kindStatus(m.final.Type))).Render("stream "+m.final.Type)
	}

	return lipgloss.NewStyle().
		Width(max(m.width-2, 40)).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}

func (m Model) sessionTable() string {
	lines := []string{StyleHeader.Render(fmt.Sprintf("  %-3s %-10s %-14s %-10s %7s %7s %6s %9s",
		"", "SESSION", "FEATURE", "STATUS", "PID", "EVENTS", "CPU", "RSS"))}
	if len(m.sessions) == 0 {
		lines = append(lines, StyleDimmed.Render("  No running sessions"))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	for i, s := range m.sessions {
		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}
		status := s.Status.String()
		row := fmt.Sprintf("%-3s %-10s %-14s %-10s %7d %7d %5.1f%% %9s",
			StatusGlyph(status), shortID(s.ID), truncate(s.Feature, 14), status,
			s.PID, s.Events, s.CPUPercent, formatBytes(s.RSSBytes))
		style := lipgloss.NewStyle().Foreground(StatusColor(status))
		if i == m.selectedIdx {
			style = style.Bold(true)
		}
		lines = append(lines, prefix+style.Render(row))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
