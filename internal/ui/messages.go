package ui

import (
	"github.com/brentschooley/ipm-ux/internal/session"
	"github.com/brentschooley/ipm-ux/internal/state"
)

// StoreUpdatedMsg signals that the message store changed.
type StoreUpdatedMsg struct {
	Change state.Change
}

// SessionStatusMsg carries a session state transition.
type SessionStatusMsg struct {
	Status session.Status
}

// sendMessageMsg is emitted when the user presses Enter in the input.
type sendMessageMsg struct {
	text string
}

// SendErrorMsg reports a failed send attempt.
type SendErrorMsg struct {
	Err error
}

// SplashDoneMsg signals that the splash screen timeout has elapsed.
type SplashDoneMsg struct{}
