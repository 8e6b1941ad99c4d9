package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/agent-racer/streambridge/internal/protocol"
	"github.com/charmbracelet/lipgloss"
)

const maxEntries = 500

// Entry is one line of the event log.
type Entry struct {
	Time    time.Time
	Kind    string
	Message string
}

// EventLog is a bounded, scrollable list of stream messages.
type EventLog struct {
	Entries []Entry
	Offset  int // from bottom
}

// Add appends an entry, caps the buffer and scrolls to the bottom.
func (l *EventLog) Add(kind, message string) {
	l.Entries = append(l.Entries, Entry{Time: time.Now(), Kind: kind, Message: message})
	if len(l.Entries) > maxEntries {
		l.Entries = l.Entries[len(l.Entries)-maxEntries:]
	}
	l.Offset = 0
}

func (l *EventLog) ScrollUp(n int) {
	l.Offset += n
	max := len(l.Entries) - 1
	if max < 0 {
		max = 0
	}
	if l.Offset > max {
		l.Offset = max
	}
}

func (l *EventLog) ScrollDown(n int) {
	l.Offset -= n
	if l.Offset < 0 {
		l.Offset = 0
	}
}

// View renders the last height entries above the scroll offset.
func (l EventLog) View(width, height int) string {
	if height < 1 {
		height = 1
	}
	if len(l.Entries) == 0 {
		return StyleDimmed.Render("  No events yet.")
	}

	end := len(l.Entries) - l.Offset
	start := end - height
	if start < 0 {
		start = 0
	}

	kindWidth := 16
	var lines []string
	for i := start; i < end; i++ {
		e := l.Entries[i]
		ts := StyleDimmed.Render(e.Time.Format("15:04:05.000"))
		kind := lipgloss.NewStyle().Foreground(StatusColor(kindStatus(e.Kind))).Width(kindWidth).Render(truncate(e.Kind, kindWidth))
		msg := e.Message
		if room := width - kindWidth - 15; room > 3 {
			msg = truncate(msg, room)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", ts, kind, msg))
	}
	if l.Offset > 0 {
		lines = append(lines, StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", l.Offset)))
	}
	return strings.Join(lines, "\n")
}

// kindStatus maps terminal message types to the status colors.
func kindStatus(kind string) string {
	switch kind {
	case protocol.TypeCompleted:
		return "completed"
	case protocol.TypeCancelled:
		return "cancelled"
	case protocol.TypeError, "err":
		return "errored"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
