package ui

import (
	"charm.land/lipgloss/v2"

	"github.com/brentschooley/ipm-ux/internal/session"
)

const splashArt = `
 _
(_)_ __  _ __ ___
| | '_ \| '_ ` + "`" + ` _ \
| | |_) | | | | | |
|_| .__/|_| |_| |_|
  |_|  quickstart
`

// SplashModel is shown on startup until the session settles.
// It stays visible for at least the minimum duration even if
// the session becomes ready sooner.
type SplashModel struct {
	visible       bool
	timerDone     bool
	connReady     bool
	stage         string
	width, height int
}

func NewSplashModel() SplashModel {
	return SplashModel{visible: true, stage: session.StateUnauthenticated.String()}
}

// SetStage shows the handshake step under the art.
func (s SplashModel) SetStage(st session.State) SplashModel {
	s.stage = st.String()
	return s
}

func (s SplashModel) SetSize(w, h int) SplashModel {
	s.width = w
	s.height = h
	return s
}

func (s SplashModel) IsVisible() bool {
	return s.visible
}

// TimerDone marks the minimum display duration as elapsed.
func (s SplashModel) TimerDone() SplashModel {
	s.timerDone = true
	if s.connReady {
		s.visible = false
	}
	return s
}

// ConnReady marks the session as settled, joined or failed.
func (s SplashModel) ConnReady() SplashModel {
	s.connReady = true
	if s.timerDone {
		s.visible = false
	}
	return s
}

// View renders the splash box. Use BoxOffset to position it.
func (s SplashModel) View() string {
	if !s.visible || s.width == 0 || s.height == 0 {
		return ""
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(highlightColor).
		Padding(1, 3).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			splashArt,
			placeholderStyle.Render(s.stage+"..."),
		))
}

func (s SplashModel) BoxOffset() (int, int) {
	return centerOffset(s.View(), s.width, s.height)
}
