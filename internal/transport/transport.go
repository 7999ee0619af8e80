// Package transport defines the contract between the session core and a
// real-time messaging backend. Concrete backends live in subpackages and in
// internal/telegram.
package transport

import (
	"context"

	"github.com/brentschooley/ipm-ux/internal/domain"
)

// Credentials are what a TokenProvider hands back for a device.
type Credentials struct {
	Token    string
	Identity string
}

// EventHandler receives pushed events from a backend. Calls arrive on
// backend-owned goroutines; implementations must hand them off rather than
// mutate shared state directly.
type EventHandler interface {
	OnMessageAdded(channelSID string, msg domain.Message)
	OnHistoryLoaded(channelSID string)
}

// Dialer opens an authenticated client session.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, events EventHandler) (Client, error)
}

// Client is an open session with the backend.
type Client interface {
	ListChannels(ctx context.Context) ([]Channel, error)
	CreateChannel(ctx context.Context, friendlyName string, kind domain.ChannelKind) (Channel, error)
	Close() error
}

// Channel is a handle on one channel as seen by the client that returned it.
type Channel interface {
	// Info returns the latest known state of the channel.
	Info() domain.Channel

	// SetUniqueName assigns the lookup key. Returns an error wrapping
	// domain.ErrJoinConflict if another channel already owns name.
	SetUniqueName(ctx context.Context, name string) error
	Join(ctx context.Context) error
	LoadHistory(ctx context.Context) ([]domain.Message, error)
	Send(ctx context.Context, body string) error
}

// NopHandler discards all events.
type NopHandler struct{}

func (NopHandler) OnMessageAdded(string, domain.Message) {}
func (NopHandler) OnHistoryLoaded(string)                {}
