package channels

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gateinfra/toolgate/internal/types"
)

// PromptMsg delivers a new prompt event into the approver model.
type PromptMsg struct {
	Event types.PromptEvent
}

// PromptHandledMsg removes a prompt that was resolved elsewhere (another
// surface answered, or the session timed out).
type PromptHandledMsg struct {
	RequestID string
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	riskHighStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	riskMedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	riskLowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	cloudStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

// ApproverModel is the Bubble Tea model behind both the in-process TUI
// surface and the remote approver client. It holds the queue of pending
// prompts and turns keypresses into decision events via the decide
// callback.
type ApproverModel struct {
	pending  []types.PromptEvent
	cursor   int
	detail   viewport.Model
	decide   func(types.DecisionEvent)
	approver string
	width    int
	ready    bool
}

// NewApproverModel builds a model that reports decisions through decide.
func NewApproverModel(approver string, decide func(types.DecisionEvent)) ApproverModel {
	return ApproverModel{
		decide:   decide,
		approver: approver,
	}
}

func (m ApproverModel) Init() tea.Cmd { return nil }

func (m ApproverModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if !m.ready {
			m.detail = viewport.New(msg.Width, 8)
			m.ready = true
		} else {
			m.detail.Width = msg.Width
		}
		m.syncDetail()

	case PromptMsg:
		m.pending = append(m.pending, msg.Event)
		m.syncDetail()

	case PromptHandledMsg:
		m.removeRequest(msg.RequestID)
		m.syncDetail()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			m.syncDetail()
		case "down", "j":
			if m.cursor < len(m.pending)-1 {
				m.cursor++
			}
			m.syncDetail()
		case "n", "1":
			m = m.answer(types.Deny, false)
		case "o", "2":
			m = m.answer(types.AllowOnce, false)
		case "a", "3":
			m = m.answer(types.AllowAlways, false)
		case "N":
			// Remembered deny; honored only when the engine opts in.
			m = m.answer(types.Deny, true)
		}
	}

	var cmd tea.Cmd
	if m.ready {
		m.detail, cmd = m.detail.Update(msg)
	}
	return m, cmd
}

func (m ApproverModel) answer(decision types.Decision, remember bool) ApproverModel {
	if len(m.pending) == 0 {
		return m
	}
	ev := m.pending[m.cursor]
	m.decide(types.DecisionEvent{
		RequestID: ev.RequestID,
		Decision:  decision,
		Remember:  remember,
		Approver:  m.approver,
	})
	m.removeRequest(ev.RequestID)
	m.syncDetail()
	return m
}

func (m *ApproverModel) removeRequest(requestID string) {
	for i, ev := range m.pending {
		if ev.RequestID == requestID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}
	if m.cursor >= len(m.pending) && m.cursor > 0 {
		m.cursor = len(m.pending) - 1
	}
}

func (m *ApproverModel) syncDetail() {
	if !m.ready {
		return
	}
	if len(m.pending) == 0 {
		m.detail.SetContent(dimStyle.Render("No pending requests."))
		return
	}
	m.detail.SetContent(renderDetail(m.pending[m.cursor]))
}

// Pending returns the queued prompts, oldest first.
func (m ApproverModel) Pending() []types.PromptEvent {
	return m.pending
}

func (m ApproverModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("toolgate — pending permission requests"))
	b.WriteString("\n\n")

	if len(m.pending) == 0 {
		b.WriteString(dimStyle.Render("Waiting for requests..."))
	}
	for i, ev := range m.pending {
		line := fmt.Sprintf("%s %s  %s", ev.Tool, ev.Action, ev.Scope)
		if i == m.cursor {
			line = selectedStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.ready && len(m.pending) > 0 {
		b.WriteString("\n")
		b.WriteString(m.detail.View())
	}

	b.WriteString(helpStyle.Render("\n[1/n] deny  [2/o] allow once  [3/a] allow always  [q] quit"))
	return b.String()
}

func renderDetail(ev types.PromptEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "profile:    %s\n", ev.Profile)
	fmt.Fprintf(&b, "tool:       %s\n", ev.Tool)
	if ev.Action != "" {
		fmt.Fprintf(&b, "action:     %s\n", ev.Action)
	}
	if ev.Scope != "" {
		fmt.Fprintf(&b, "scope:      %s\n", ev.Scope)
	}
	fmt.Fprintf(&b, "risk:       %s\n", renderRisk(ev.Risk.Primary))
	for _, sec := range ev.Risk.Secondary {
		fmt.Fprintf(&b, "            %s\n", dimStyle.Render(sec))
	}
	fmt.Fprintf(&b, "reversible: %v\n", ev.Reversible)
	if ev.Cloud != nil {
		fmt.Fprintf(&b, "%s\n", cloudStyle.Render(
			fmt.Sprintf("cloud:      data may leave this device (%s / %s)", ev.Cloud.Provider, ev.Cloud.Model)))
	}
	return b.String()
}

func renderRisk(primary string) string {
	switch primary {
	case "high":
		return riskHighStyle.Render(primary)
	case "medium":
		return riskMedStyle.Render(primary)
	default:
		return riskLowStyle.Render(primary)
	}
}
