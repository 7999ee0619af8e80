package domain

import "errors"

var (
	// ErrNetwork means the backend or token server was unreachable or timed out.
	ErrNetwork = errors.New("network error")
	// ErrAuth means the token response was rejected, malformed or incomplete.
	ErrAuth = errors.New("authentication error")
	// ErrChannelUnavailable means listing, creating or joining a channel failed.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrJoinConflict means another client already holds the requested unique name.
	ErrJoinConflict = errors.New("unique name already taken")

	ErrNotReady       = errors.New("session not ready")
	ErrAlreadyStarted = errors.New("session already started")
	ErrEmptyMessage   = errors.New("empty message")
)
