// Package tui is a terminal front end for a single conversation.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"chattered/internal/conversation"
	"chattered/internal/models"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).MarginBottom(1)
	userLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	botLabelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const (
	defaultWidth  = 80
	defaultHeight = 24
	// title, blank line, status and input
	chromeHeight = 5
)

type sessionMsg struct{ err error }

type turnDoneMsg struct{}

// Model renders one conversation and feeds it keyboard input.
type Model struct {
	ctx      context.Context
	ctl      *conversation.Controller
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	style    glamour.TermRendererOption
	snap     models.Snapshot
	width    int
}

func New(ctx context.Context, ctl *conversation.Controller) Model {
	return newModel(ctx, ctl, glamour.WithAutoStyle())
}

func newModel(ctx context.Context, ctl *conversation.Controller, style glamour.TermRendererOption) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask to Bot!"
	ti.Prompt = "> "
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	m := Model{
		ctx:      ctx,
		ctl:      ctl,
		input:    ti,
		viewport: viewport.New(defaultWidth, defaultHeight-chromeHeight),
		spinner:  s,
		style:    style,
		width:    defaultWidth,
	}
	m.renderer = m.newRenderer(defaultWidth)
	m.snap = ctl.Snapshot()
	m.render()
	return m
}

func (m Model) newRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(m.style, glamour.WithWordWrap(width-2))
	if err != nil {
		return nil
	}
	return r
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.ensureSession())
}

func (m Model) ensureSession() tea.Cmd {
	ctl, ctx := m.ctl, m.ctx
	return func() tea.Msg {
		return sessionMsg{err: ctl.EnsureSession(ctx)}
	}
}

func (m Model) completeTurn(turn *conversation.Turn) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		turn.Complete(ctx)
		return turnDoneMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			turn, ok := m.ctl.Begin(m.ctx, m.input.Value())
			if !ok {
				return m, nil
			}
			m.input.Reset()
			m.refresh()
			return m, m.completeTurn(turn)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-chromeHeight, 1)
		m.input.Width = max(msg.Width-4, 1)
		m.renderer = m.newRenderer(msg.Width)
		m.render()
		return m, nil

	case sessionMsg:
		m.refresh()
		return m, nil

	case turnDoneMsg:
		m.refresh()
		if m.snap.State == models.StateUninitialized {
			return m, m.ensureSession()
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	before := m.input.Value()
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if m.input.Value() != before {
		m.ctl.SetInput(m.input.Value())
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// refresh pulls the latest snapshot and redraws the transcript when it moved.
func (m *Model) refresh() {
	snap := m.ctl.Snapshot()
	if snap.Version == m.snap.Version {
		return
	}
	m.snap = snap
	m.render()
}

func (m *Model) render() {
	var b strings.Builder
	for i, msg := range m.snap.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		label := userLabelStyle.Render(msg.Role.Label())
		if msg.Role == models.RoleBot {
			label = botLabelStyle.Render(msg.Role.Label())
		}
		b.WriteString(label)
		b.WriteString(statusStyle.Render(" " + msg.Timestamp.Local().Format("15:04")))
		b.WriteString("\n")
		b.WriteString(m.markdown(msg.Text))
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *Model) markdown(text string) string {
	if m.renderer == nil {
		return text + "\n"
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return strings.Trim(out, "\n") + "\n"
}

func (m Model) View() string {
	var parts []string
	if m.snap.Generating {
		parts = append(parts, m.spinner.View()+statusStyle.Render(" Generating..."))
	}
	if m.snap.Error != "" {
		parts = append(parts, errorStyle.Render(m.snap.Error))
	}
	status := strings.Join(parts, "  ")

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Chattered"),
		m.viewport.View(),
		status,
		m.input.View(),
	)
}
