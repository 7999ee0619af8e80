package ui

import (
	"strings"

	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// inputRenderedHeight is the total height of the input box (1 inner + 2 border).
const inputRenderedHeight = 3

// InputModel is the single-line message composer.
type InputModel struct {
	textinput textinput.Model
	focused   bool
	width     int
}

func NewInputModel() InputModel {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Type a message..."
	return InputModel{textinput: ti}
}

func (m InputModel) Init() tea.Cmd {
	return nil
}

func (m InputModel) Update(msg tea.Msg) (InputModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "enter" {
		text := m.textinput.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.textinput.SetValue("")
		return m, func() tea.Msg { return sendMessageMsg{text: text} }
	}

	var cmd tea.Cmd
	m.textinput, cmd = m.textinput.Update(msg)
	return m, cmd
}

func (m InputModel) View() string {
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Width(m.width)
	style = applyBorderColor(style, m.focused)
	return style.Render(m.textinput.View())
}

func (m InputModel) SetSize(w int) InputModel {
	m.width = w
	m.textinput.SetWidth(max(w-4-len(m.textinput.Prompt), 1))
	return m
}

func (m InputModel) SetFocused(f bool) (InputModel, tea.Cmd) {
	m.focused = f
	if f {
		return m, m.textinput.Focus()
	}
	m.textinput.Blur()
	return m, nil
}

func (m InputModel) Value() string {
	return m.textinput.Value()
}
