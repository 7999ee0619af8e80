package ui

import (
	"context"
	"fmt"
	"time"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/brentschooley/ipm-ux/internal/session"
	"github.com/brentschooley/ipm-ux/internal/state"
)

const (
	splashMinDuration = 1500 * time.Millisecond
	sendTimeout       = 10 * time.Second
	statusBarHeight   = 1
)

// Sender posts a message to the joined channel.
type Sender interface {
	SendMessage(ctx context.Context, body string) error
}

type focusTarget int

const (
	focusMessages focusTarget = iota
	focusInput
)

// Model is the root Bubble Tea model.
type Model struct {
	messageView MessageViewModel
	input       InputModel
	status      statusModel
	splash      SplashModel
	help        HelpModel

	store  *state.Store
	sender Sender

	focus  focusTarget
	width  int
	height int
}

func NewModel(store *state.Store, sender Sender) Model {
	m := Model{
		messageView: NewMessageViewModel(),
		input:       NewInputModel(),
		status:      newStatusModel(),
		splash:      NewSplashModel(),
		help:        NewHelpModel(),
		store:       store,
		sender:      sender,
		focus:       focusInput,
	}
	m, _ = m.updateFocus()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.input.Init(),
		tea.Tick(splashMinDuration, func(time.Time) tea.Msg { return SplashDoneMsg{} }),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m.distributeSize(), nil

	case StoreUpdatedMsg:
		follow := msg.Change.Appended || msg.Change.Reloaded
		m.messageView = m.messageView.SetMessages(m.store.Snapshot(), follow)
		return m, nil

	case SessionStatusMsg:
		st := msg.Status
		m.status = m.status.Apply(st)
		if st.Identity != "" {
			m.messageView = m.messageView.SetIdentity(st.Identity)
		}
		if title := st.Channel.Title(); title != "" {
			m.messageView = m.messageView.SetTitle(title)
		}
		m.splash = m.splash.SetStage(st.State)
		if st.State.Ready() || st.State.Terminal() {
			m.splash = m.splash.ConnReady()
		}
		return m, nil

	case sendMessageMsg:
		sender := m.sender
		text := msg.text
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := sender.SendMessage(ctx, text); err != nil {
				return SendErrorMsg{Err: err}
			}
			return nil
		}

	case SendErrorMsg:
		m.status = m.status.SetError(fmt.Errorf("send error: %w", msg.Err))
		return m, nil

	case SplashDoneMsg:
		m.splash = m.splash.TimerDone()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.splash.IsVisible() {
		return m, nil
	}
	if m.help.IsVisible() {
		if key == "f1" || key == "esc" || key == "h" {
			m.help = m.help.Toggle()
		}
		return m, nil
	}

	switch key {
	case "f1":
		m.help = m.help.Toggle()
		return m, nil
	case "tab", "shift+tab":
		m.focus = (m.focus + 1) % 2
		return m.updateFocus()
	case "esc":
		m.focus = focusMessages
		return m.updateFocus()
	}

	var cmd tea.Cmd
	switch m.focus {
	case focusMessages:
		switch key {
		case "q":
			return m, tea.Quit
		case "h":
			m.help = m.help.Toggle()
			return m, nil
		}
		m.messageView, cmd = m.messageView.Update(msg)
	case focusInput:
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

func (m Model) View() tea.View {
	v := tea.NewView("")
	v.AltScreen = true

	if m.width == 0 || m.height == 0 {
		return v
	}

	full := lipgloss.JoinVertical(lipgloss.Left,
		m.messageView.View(),
		m.input.View(),
		m.status.View(),
	)
	mainContent := lipgloss.NewStyle().
		MaxWidth(m.width).
		MaxHeight(m.height).
		Render(full)

	var overlay string
	var x, y int
	switch {
	case m.splash.IsVisible():
		overlay = m.splash.View()
		x, y = m.splash.BoxOffset()
	case m.help.IsVisible():
		overlay = m.help.View()
		x, y = m.help.BoxOffset()
	}

	if overlay == "" {
		v.SetContent(mainContent)
		return v
	}
	bg := lipgloss.NewLayer(mainContent)
	fg := lipgloss.NewLayer(overlay).X(x).Y(y).Z(1)
	v.SetContent(lipgloss.NewCompositor(bg, fg).Render())
	return v
}

func (m Model) distributeSize() Model {
	messagesHeight := max(m.height-inputRenderedHeight-statusBarHeight, 1)

	m.messageView = m.messageView.SetSize(m.width, messagesHeight)
	m.input = m.input.SetSize(m.width)
	m.status = m.status.SetWidth(m.width)
	m.splash = m.splash.SetSize(m.width, m.height)
	m.help = m.help.SetSize(m.width, m.height)
	return m
}

func (m Model) updateFocus() (Model, tea.Cmd) {
	m.messageView = m.messageView.SetFocused(m.focus == focusMessages)
	var cmd tea.Cmd
	m.input, cmd = m.input.SetFocused(m.focus == focusInput)
	return m, cmd
}

// App wraps the Bubble Tea program for external use.
type App struct {
	program *tea.Program
}

func NewApp(store *state.Store, sender Sender, opts ...tea.ProgramOption) *App {
	return &App{program: tea.NewProgram(NewModel(store, sender), opts...)}
}

// Run starts the Bubble Tea event loop (blocks until quit).
func (a *App) Run() error {
	_, err := a.program.Run()
	return err
}

// Send delivers msg to the Bubble Tea event loop from external goroutines.
// It blocks until the program is running so that status transitions arrive
// in order.
func (a *App) Send(msg tea.Msg) {
	a.program.Send(msg)
}

// StoreObserver returns a store change callback that triggers a re-render.
func (a *App) StoreObserver() func(state.Change) {
	return func(c state.Change) {
		a.Send(StoreUpdatedMsg{Change: c})
	}
}

// StatusObserver returns a session callback that updates the status bar.
func (a *App) StatusObserver() func(session.Status) {
	return func(st session.Status) {
		a.Send(SessionStatusMsg{Status: st})
	}
}
