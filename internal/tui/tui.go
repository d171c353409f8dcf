// Package tui renders the live watch view: orchestrator counters, pool and
// limiter gauges, and a scrolling feed of runtime events.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot is one poll of daemon state rendered in the header.
type Snapshot struct {
	Healthy       bool
	Running       int
	Completed     int64
	Failed        int64
	Retried       int64
	LoopPrevented int64
	CacheHits     int64
	PoolAvailable int
	PoolSize      int
	QueueDepth    int
	ActiveBuckets int
	Uptime        time.Duration
}

// StatusProvider is polled once per tick.
type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	events   *EventLog
	snap     Snapshot
	paused   bool
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
			return m, nil
		}
	case tickMsg:
		if !m.paused {
			m.snap = m.provider()
		}
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func (m model) View() string {
	health := okStyle.Render("healthy")
	if !m.snap.Healthy {
		health = badStyle.Render("unhealthy")
	}
	header := headerStyle.Render(fmt.Sprintf(
		"running %d  completed %d  failed %d  retried %d  loops-prevented %d  cache-hits %d",
		m.snap.Running, m.snap.Completed, m.snap.Failed,
		m.snap.Retried, m.snap.LoopPrevented, m.snap.CacheHits,
	))
	gauges := dimStyle.Render(fmt.Sprintf(
		"pool %d/%d  queue %d  clients %d  uptime %s",
		m.snap.PoolAvailable, m.snap.PoolSize,
		m.snap.QueueDepth, m.snap.ActiveBuckets,
		m.snap.Uptime.Truncate(time.Second),
	))
	footer := dimStyle.Render("q quit · p pause")
	if m.paused {
		footer = dimStyle.Render("q quit · p resume (paused)")
	}
	return fmt.Sprintf("%s %s\n%s\n%s\n\n%s\n%s\n",
		titleStyle.Render("taskmux"), health,
		header, gauges,
		m.events.View(),
		footer,
	)
}

// Run starts the watch view and blocks until quit or context cancel.
func Run(ctx context.Context, provider StatusProvider, events *EventLog) error {
	defer bestEffortResetTTY()

	if events == nil {
		events = NewEventLog(0)
	}
	m := model{provider: provider, events: events, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
