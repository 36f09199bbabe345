package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/ama-gateway/internal/domain"
	"github.com/ashureev/ama-gateway/internal/ui"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type chatStyles struct {
	header    lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	data      lipgloss.Style
	followup  lipgloss.Style
	status    lipgloss.Style
	err       lipgloss.Style
	input     lipgloss.Style
}

func newChatStyles() chatStyles {
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#9ca3d8")

	return chatStyles{
		header: lipgloss.NewStyle().Bold(true).Foreground(blue).
			BorderStyle(lipgloss.RoundedBorder()).BorderBottom(true).Padding(0, 1),
		user:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(mint),
		system:    lipgloss.NewStyle().Foreground(pink).Italic(true),
		data:      lipgloss.NewStyle().Foreground(muted),
		followup:  lipgloss.NewStyle().Foreground(blue).Italic(true),
		status:    lipgloss.NewStyle().Foreground(muted),
		err:       lipgloss.NewStyle().Foreground(pink).Bold(true),
		input: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

type (
	historyMsg struct{ turns []domain.Turn }
	turnMsg    struct{ turn domain.Turn }
	doneMsg    struct{ done ui.DoneEvent }
	errMsg     struct{ err error }
)

type chatModel struct {
	ctx      context.Context
	client   *chatClient
	styles   chatStyles
	input    textinput.Model
	timeline viewport.Model

	turns   []domain.Turn
	events  chan tea.Msg
	busy    bool
	status  string
	lastErr error
	width   int
}

func newChatModel(ctx context.Context, client *chatClient) chatModel {
	input := textinput.New()
	input.Placeholder = "Ask something"
	input.Prompt = "> "
	input.CharLimit = 2000
	input.Focus()

	return chatModel{
		ctx:      ctx,
		client:   client,
		styles:   newChatStyles(),
		input:    input,
		timeline: viewport.New(0, 0),
		status:   "connected to " + client.cfg.ServerURL,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.historyCmd())
}

func (m chatModel) historyCmd() tea.Cmd {
	return func() tea.Msg {
		turns, err := m.client.History(m.ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return historyMsg{turns: turns}
	}
}

// sendCmd streams one exchange into events. waitCmd drains it.
func (m chatModel) sendCmd(message string, events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		go func() {
			defer close(events)
			done, err := m.client.Send(m.ctx, message, func(turn domain.Turn) {
				events <- turnMsg{turn: turn}
			})
			if err != nil {
				events <- errMsg{err: err}
				return
			}
			events <- doneMsg{done: done}
		}()
		return waitFor(events)()
	}
}

func waitFor(events chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return nil
		}
		return msg
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.timeline.Width = msg.Width
		m.timeline.Height = max(msg.Height-6, 3)
		m.input.Width = max(msg.Width-6, 10)
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.busy {
				break
			}
			m.input.Reset()
			m.busy = true
			m.lastErr = nil
			m.status = "waiting for the assistant..."
			m.events = make(chan tea.Msg, 16)
			cmds = append(cmds, m.sendCmd(text, m.events))
		}

	case historyMsg:
		m.turns = append(msg.turns, m.turns...)
		m.refresh()

	case turnMsg:
		m.turns = append(m.turns, msg.turn)
		m.refresh()
		cmds = append(cmds, waitFor(m.events))

	case doneMsg:
		m.busy = false
		m.status = "last run " + msg.done.Outcome
		cmds = append(cmds, waitFor(m.events))

	case errMsg:
		m.busy = false
		m.lastErr = msg.err
		if m.events != nil {
			cmds = append(cmds, waitFor(m.events))
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *chatModel) refresh() {
	m.timeline.SetContent(m.renderTurns())
	m.timeline.GotoBottom()
}

func (m chatModel) renderTurns() string {
	var b strings.Builder
	for _, turn := range m.turns {
		switch turn.Role {
		case domain.RoleUser:
			b.WriteString(m.styles.user.Render("you: ") + turn.Content)
		case domain.RoleSystem:
			b.WriteString(m.styles.system.Render(turn.Content))
		default:
			b.WriteString(m.styles.assistant.Render("assistant: ") + turn.Content)
		}
		b.WriteByte('\n')
		for _, d := range turn.Data {
			b.WriteString(m.styles.data.Render("  data " + string(d)))
			b.WriteByte('\n')
		}
		if turn.FollowupMessage != "" {
			b.WriteString(m.styles.followup.Render("  " + turn.FollowupMessage))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (m chatModel) View() string {
	status := m.styles.status.Render(m.status)
	if m.lastErr != nil {
		status = m.styles.err.Render("error: " + m.lastErr.Error())
	}
	return fmt.Sprintf("%s\n%s\n%s\n%s",
		m.styles.header.Render("AMA chat  session "+m.client.cfg.SessionKey),
		m.timeline.View(),
		m.styles.input.Render(m.input.View()),
		status,
	)
}

func runChat(ctx context.Context, cfg clientConfig) error {
	if cfg.SessionKey == "" || cfg.SMBKey == "" {
		return fmt.Errorf("AMA_SESSION_KEY and AMA_SMB_KEY are required")
	}
	p := tea.NewProgram(newChatModel(ctx, newChatClient(cfg)), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
