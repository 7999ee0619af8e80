package session

import "fmt"

// State is a step of the session handshake. Joined and Failed are terminal.
type State int

const (
	StateUnauthenticated State = iota
	StateTokenFetched
	StateConnected
	StateChannelResolving
	StateJoining
	StateJoined
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateTokenFetched:
		return "token fetched"
	case StateConnected:
		return "connected"
	case StateChannelResolving:
		return "resolving channel"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Ready reports whether messages can be sent.
func (s State) Ready() bool { return s == StateJoined }

// Terminal reports whether no further transitions will happen.
func (s State) Terminal() bool { return s == StateJoined || s == StateFailed }
