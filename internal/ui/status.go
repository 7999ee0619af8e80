package ui

import (
	"strings"
	"time"

	"charm.land/lipgloss/v2"

	"github.com/brentschooley/ipm-ux/internal/session"
)

var (
	statusBarBg     = lipgloss.Color("#353533")
	statusPillBg    = lipgloss.Color("#FF5FAF")
	statusPillBgOff = lipgloss.Color("#6C5098")
	statusPillBgErr = lipgloss.Color("#C0392B")
	statusTimeBg    = lipgloss.Color("#6124DF")
	statusUserBg    = lipgloss.Color("#7B5EA7")
)

type statusModel struct {
	text         string
	connected    bool
	failed       bool
	channelTitle string
	identity     string
	width        int
	now          func() time.Time
}

func newStatusModel() statusModel {
	return statusModel{
		text: "Connecting...",
		now:  time.Now,
	}
}

func (m statusModel) SetWidth(w int) statusModel {
	m.width = w
	return m
}

// Apply reflects a session transition in the bar.
func (m statusModel) Apply(st session.Status) statusModel {
	m.text = st.State.String()
	m.connected = st.State.Ready()
	m.failed = st.State == session.StateFailed
	if st.Identity != "" {
		m.identity = st.Identity
	}
	if title := st.Channel.Title(); title != "" {
		m.channelTitle = title
	}
	if st.Err != nil {
		m.text = "failed: " + st.Err.Error()
	}
	return m
}

// SetError shows a transient error without changing the session state.
func (m statusModel) SetError(err error) statusModel {
	m.text = err.Error()
	return m
}

// View renders a full-width status bar:
// [state pill] [channel title] ... [logged in as] [time pill]
func (m statusModel) View() string {
	pillBg := statusPillBgOff
	switch {
	case m.failed:
		pillBg = statusPillBgErr
	case m.connected:
		pillBg = statusPillBg
	}
	pill := lipgloss.NewStyle().
		Background(pillBg).
		Foreground(lipgloss.Color("#FFFFFF")).
		Bold(true).
		Padding(0, 1).
		Render(strings.ToUpper(m.text))

	title := lipgloss.NewStyle().
		Background(statusBarBg).
		Foreground(lipgloss.Color("#FFFFFF")).
		Bold(true).
		Padding(0, 1).
		Render(m.channelTitle)

	var user string
	if m.identity != "" {
		user = lipgloss.NewStyle().
			Background(statusUserBg).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1).
			Render("Logged in as " + m.identity)
	}

	timePill := lipgloss.NewStyle().
		Background(statusTimeBg).
		Foreground(lipgloss.Color("#FFFFFF")).
		Bold(true).
		Padding(0, 1).
		Render(m.now().Format("15:04"))

	left := pill + title
	right := user + timePill

	gap := max(m.width-lipgloss.Width(left)-lipgloss.Width(right), 0)
	filler := lipgloss.NewStyle().
		Background(statusBarBg).
		Render(strings.Repeat(" ", gap))

	return lipgloss.NewStyle().
		Background(statusBarBg).
		MaxWidth(m.width).
		Render(left + filler + right)
}
