package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ferrolith/taskmux/internal/bus"
)

// EventLog is a bounded, thread-safe ring of recent runtime events. The
// daemon's bus forwarder appends; the watch view renders.
type EventLog struct {
	mu       sync.Mutex
	items    []eventItem
	maxItems int
}

type eventItem struct {
	At      time.Time
	Topic   string
	Summary string
}

func NewEventLog(maxItems int) *EventLog {
	if maxItems <= 0 {
		maxItems = 20
	}
	return &EventLog{maxItems: maxItems}
}

// Append records one bus event, evicting the oldest when full.
func (l *EventLog) Append(ev bus.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, eventItem{
		At:      time.Now(),
		Topic:   ev.Topic,
		Summary: summarize(ev),
	})
	if len(l.items) > l.maxItems {
		l.items = l.items[1:]
	}
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func summarize(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		s := p.TaskID
		if p.Engine != "" {
			s += " engine=" + p.Engine
		}
		if p.ErrorCode != "" {
			s += " error=" + p.ErrorCode
		}
		if p.Attempt > 0 {
			s += fmt.Sprintf(" attempt=%d", p.Attempt)
		}
		if p.DurationMs > 0 {
			s += fmt.Sprintf(" %dms", p.DurationMs)
		}
		return s
	case bus.LoopPreventedEvent:
		return fmt.Sprintf("%s %s chain=%s", p.TaskID, p.Code, strings.Join(p.CallChain, "->"))
	case bus.LimiterRejectedEvent:
		return fmt.Sprintf("client=%s reason=%s", p.ClientID, p.Reason)
	case bus.PoolSaturatedEvent:
		return fmt.Sprintf("queue=%d size=%d", p.QueueDepth, p.PoolSize)
	default:
		return ""
	}
}

var (
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	topicStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// View renders the log newest-last.
func (l *EventLog) View() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.items) == 0 {
		return dimStyle.Render("(no events yet)") + "\n"
	}
	var out strings.Builder
	for _, it := range l.items {
		style := topicStyle
		if strings.Contains(it.Topic, "failed") || strings.Contains(it.Topic, "prevented") ||
			strings.Contains(it.Topic, "rejected") {
			style = errStyle
		}
		out.WriteString(fmt.Sprintf("%s %s %s\n",
			dimStyle.Render(it.At.Format("15:04:05")),
			style.Render(it.Topic),
			it.Summary,
		))
	}
	return out.String()
}
