// Package ws implements the transport contract as JSON frames over a
// WebSocket. The client sends Request frames and receives Frame values that
// are either responses (matching Request.ID) or pushed events.
package ws

import (
	"errors"
	"fmt"
	"time"

	"github.com/brentschooley/ipm-ux/internal/domain"
)

// Request operations.
const (
	OpListChannels  = "list_channels"
	OpCreateChannel = "create_channel"
	OpSetUniqueName = "set_unique_name"
	OpJoin          = "join"
	OpHistory       = "history"
	OpSend          = "send"
)

// Pushed event names.
const (
	EventMessageAdded  = "message_added"
	EventHistoryLoaded = "history_loaded"
)

// Error codes.
const (
	CodeNameConflict = "name_conflict"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeBadRequest   = "bad_request"
	CodeUnavailable  = "unavailable"
)

type Request struct {
	ID           uint64             `json:"id"`
	Op           string             `json:"op"`
	ChannelSID   string             `json:"channel_sid,omitempty"`
	FriendlyName string             `json:"friendly_name,omitempty"`
	Kind         domain.ChannelKind `json:"kind"`
	UniqueName   string             `json:"unique_name,omitempty"`
	Body         string             `json:"body,omitempty"`
}

type Frame struct {
	ID         uint64        `json:"id,omitempty"`
	Event      string        `json:"event,omitempty"`
	ChannelSID string        `json:"channel_sid,omitempty"`
	Error      *Error        `json:"error,omitempty"`
	Channels   []ChannelInfo `json:"channels,omitempty"`
	Channel    *ChannelInfo  `json:"channel,omitempty"`
	Messages   []MessageInfo `json:"messages,omitempty"`
	Message    *MessageInfo  `json:"message,omitempty"`
}

// Error is an error reported by the server. It unwraps to the matching
// domain error so callers can use errors.Is:
//
//	if errors.Is(err, domain.ErrJoinConflict) { ... }
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("ws: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeNameConflict:
		return domain.ErrJoinConflict
	case CodeUnauthorized:
		return domain.ErrAuth
	default:
		return domain.ErrChannelUnavailable
	}
}

// ErrorFrom builds the wire error for err.
func ErrorFrom(err error) *Error {
	code := CodeUnavailable
	switch {
	case errors.Is(err, domain.ErrJoinConflict):
		code = CodeNameConflict
	case errors.Is(err, domain.ErrAuth):
		code = CodeUnauthorized
	}
	return &Error{Code: code, Message: err.Error()}
}

type ChannelInfo struct {
	SID          string             `json:"sid"`
	FriendlyName string             `json:"friendly_name"`
	UniqueName   string             `json:"unique_name,omitempty"`
	Kind         domain.ChannelKind `json:"kind"`
	Joined       bool               `json:"joined"`
}

func ChannelFromDomain(c domain.Channel) ChannelInfo {
	return ChannelInfo{
		SID:          c.SID,
		FriendlyName: c.FriendlyName,
		UniqueName:   c.UniqueName,
		Kind:         c.Kind,
		Joined:       c.Membership == domain.MembershipJoined,
	}
}

func (c ChannelInfo) Domain() domain.Channel {
	ch := domain.Channel{
		SID:          c.SID,
		FriendlyName: c.FriendlyName,
		UniqueName:   c.UniqueName,
		Kind:         c.Kind,
	}
	if c.Joined {
		ch.Membership = domain.MembershipJoined
	}
	return ch
}

type MessageInfo struct {
	ID         string    `json:"id,omitempty"`
	ChannelSID string    `json:"channel_sid"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

func MessageFromDomain(m domain.Message) MessageInfo {
	return MessageInfo{
		ID:         m.ID,
		ChannelSID: m.ChannelSID,
		Author:     m.Author,
		Body:       m.Body,
		Timestamp:  m.Timestamp,
	}
}

func (m MessageInfo) Domain() domain.Message {
	return domain.Message{
		ID:         m.ID,
		ChannelSID: m.ChannelSID,
		Author:     m.Author,
		Body:       m.Body,
		Timestamp:  m.Timestamp,
	}
}
