package ui

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/viewport"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"

	"github.com/brentschooley/ipm-ux/internal/domain"
)

// MessageViewModel displays messages using a viewport and glamour for markdown.
type MessageViewModel struct {
	viewport viewport.Model
	renderer *glamour.TermRenderer
	focused  bool
	width    int
	height   int
	identity string
	title    string
	messages []domain.Message
}

func NewMessageViewModel() MessageViewModel {
	return MessageViewModel{viewport: viewport.New()}
}

func (m MessageViewModel) Update(msg tea.Msg) (MessageViewModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "j":
			m.viewport.ScrollDown(1)
			return m, nil
		case "k":
			m.viewport.ScrollUp(1)
			return m, nil
		case "G":
			m.viewport.GotoBottom()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m MessageViewModel) View() string {
	contentH := max(m.height-2, 0)
	content := truncateHeight(m.viewport.View(), contentH)

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Width(m.width).
		Height(m.height)
	style = applyBorderColor(style, m.focused)

	return style.Render(content)
}

func (m MessageViewModel) SetSize(w, h int) MessageViewModel {
	m.width = w
	m.height = h
	// Viewport inner: subtract border (2)
	m.viewport.SetWidth(max(w-2, 1))
	m.viewport.SetHeight(max(h-2, 1))
	m = m.recreateRenderer()
	return m.renderContent(m.viewport.AtBottom())
}

func (m MessageViewModel) SetFocused(f bool) MessageViewModel {
	m.focused = f
	return m
}

// SetIdentity sets whose messages get the own-message style.
func (m MessageViewModel) SetIdentity(identity string) MessageViewModel {
	m.identity = identity
	return m.renderContent(false)
}

func (m MessageViewModel) SetTitle(title string) MessageViewModel {
	m.title = title
	return m.renderContent(false)
}

// SetMessages replaces the rendered messages. The view follows the newest
// message only when scrollToEnd is set.
func (m MessageViewModel) SetMessages(msgs []domain.Message, scrollToEnd bool) MessageViewModel {
	m.messages = msgs
	return m.renderContent(scrollToEnd)
}

func (m MessageViewModel) recreateRenderer() MessageViewModel {
	wordWrap := max(m.viewport.Width()-2, 10)
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(wordWrap),
	)
	if err == nil {
		m.renderer = r
	}
	return m
}

func (m MessageViewModel) renderContent(gotoBottom bool) MessageViewModel {
	var b strings.Builder
	var currentDate string

	if len(m.messages) == 0 {
		empty := "No messages yet."
		if m.title != "" {
			empty = fmt.Sprintf("No messages in %s yet. Say hello!", m.title)
		}
		b.WriteString(placeholderStyle.Render(empty))
	}

	for _, msg := range m.messages {
		msgDate := msg.Timestamp.Format("January 2, 2006")
		if msgDate != currentDate {
			if currentDate != "" {
				b.WriteString("\n")
			}
			b.WriteString(daySeparatorStyle.Render(fmt.Sprintf("───── %s ─────", msgDate)) + "\n")
			currentDate = msgDate
		}

		ts := timeStyle.Render(msg.Timestamp.Format("15:04"))

		nameStyle := otherNameStyle
		if m.identity != "" && msg.Author == m.identity {
			nameStyle = ownNameStyle
		}
		name := nameStyle.Render(msg.Author + ":")

		switch {
		case msg.HasMarkdown:
			fmt.Fprintf(&b, "%s %s\n%s\n\n", ts, name, m.renderMessageText(msg.Body))
		case strings.Contains(msg.Body, "\n"):
			fmt.Fprintf(&b, "%s %s\n%s\n\n", ts, name, msg.Body)
		default:
			fmt.Fprintf(&b, "%s %s %s\n", ts, name, msg.Body)
		}
	}

	// Wrap content to viewport width so long lines don't overflow
	wrapped := lipgloss.NewStyle().Width(m.viewport.Width()).Render(b.String())
	m.viewport.SetContent(wrapped)
	if gotoBottom {
		m.viewport.GotoBottom()
	}
	return m
}

func (m MessageViewModel) renderMessageText(text string) string {
	if m.renderer == nil {
		return text
	}

	// Glamour joins single newlines into one paragraph. Render fenced code
	// and tables as whole blocks and everything else line by line so that
	// line breaks from the sender survive.
	blocks := strings.Split(text, "\n\n")
	for i, block := range blocks {
		if block == "" || isMultiLineMarkdown(block) {
			blocks[i] = m.renderBlock(block)
			continue
		}
		lines := strings.Split(block, "\n")
		for j, line := range lines {
			lines[j] = m.renderBlock(line)
		}
		blocks[i] = strings.Join(lines, "\n")
	}
	return strings.Join(blocks, "\n")
}

func (m MessageViewModel) renderBlock(text string) string {
	if text == "" {
		return ""
	}
	r, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimLeft(strings.TrimRight(r, "\n "), "\n")
}

// isMultiLineMarkdown reports whether block must be rendered as a whole.
func isMultiLineMarkdown(block string) bool {
	if !strings.Contains(block, "\n") {
		return false
	}
	trimmed := strings.TrimSpace(block)
	if strings.HasPrefix(trimmed, "```") {
		return true
	}
	for _, line := range strings.Split(trimmed, "\n") {
		if !strings.Contains(line, "|") {
			return false
		}
	}
	return true
}
