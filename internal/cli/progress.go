package cli

import (
	"context"
	"fmt"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/tgoebel/beacon/internal/client"
	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/job"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// watchEventMsg carries one event from the notification channel.
type watchEventMsg struct {
	ev client.WatchEvent
}

// watchDoneMsg signals that the watch ended (terminal event or failure).
type watchDoneMsg struct {
	err error
}

// progressModel is the bubbletea model for live search progress. It is fed
// by websocket events rather than polling.
type progressModel struct {
	requestID string
	events    chan tea.Msg

	status   string
	pct      int
	found    int
	missed   int
	progress progress.Model
	theme    Theme

	done     bool
	quitting bool
	err      error
}

func newProgressModel(requestID string, events chan tea.Msg) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		requestID: requestID,
		events:    events,
		status:    string(job.StatusPending),
		progress:  prog,
		theme:     defaultTheme,
	}
}

// Init starts consuming the event channel.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.nextEvent(),
		m.progress.Init(),
	)
}

// nextEvent waits for the next websocket event without blocking Update.
func (m progressModel) nextEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case watchEventMsg:
		switch {
		case msg.ev.Status != nil:
			m.status = msg.ev.Status.Status
			m.pct = msg.ev.Status.Progress
		case msg.ev.Patch != nil:
			if msg.ev.Patch.Patch.Status == event.ItemFound {
				m.found++
			} else {
				m.missed++
			}
		case msg.ev.Err != nil:
			m.err = fmt.Errorf("%s: %s", msg.ev.Err.Error, msg.ev.Err.Message)
			m.done = true
			return m, tea.Quit
		}
		return m, m.nextEvent()

	case watchDoneMsg:
		m.done = true
		if msg.err != nil {
			m.err = msg.err
		}
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.status))
	bar := m.progress.ViewAs(float64(m.pct) / 100)
	counts := fmt.Sprintf("%d found / %d missed", m.found, m.missed)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, counts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nRequest %s continues in background.\nUse 'beacon jobs %s' to check status.\n",
			m.requestID, m.requestID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil || m.status == string(job.StatusDoneFailed) {
		detail := m.status
		if m.err != nil {
			detail = m.err.Error()
		}
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Search failed: %s\n", detail))
	}

	out := m.theme.completedStyle().Render("✓ Completed") + "\n\n"
	out += fmt.Sprintf("  Items found:  %d\n", m.found)
	out += fmt.Sprintf("  Items missed: %d\n", m.missed)
	out += m.theme.hintStyle().Render(fmt.Sprintf("\nUse 'beacon jobs %s' for the full result.\n", m.requestID))
	return out
}

// RunSearchProgress runs the interactive progress UI for a request, fed by
// the notification channel. Returns nil on success or Ctrl+C (job continues
// in background), error on failure.
func RunSearchProgress(c *client.Client, requestID string) error {
	events := make(chan tea.Msg, 32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := c.Watch(ctx, requestID, func(ev client.WatchEvent) error {
			events <- watchEventMsg{ev: ev}
			return nil
		})
		events <- watchDoneMsg{err: err}
	}()

	model := newProgressModel(requestID, events)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// Ctrl+C detaches; the job keeps running server-side.
		if m.quitting {
			return nil
		}
		if m.err != nil && ctx.Err() == nil {
			return m.err
		}
	}
	return nil
}
