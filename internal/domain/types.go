package domain

import (
	"fmt"
	"time"
)

// ChannelKind is the visibility of a channel.
type ChannelKind int

const (
	ChannelPublic ChannelKind = iota
	ChannelPrivate
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelPublic:
		return "public"
	case ChannelPrivate:
		return "private"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k ChannelKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChannelKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "public", "":
		*k = ChannelPublic
	case "private":
		*k = ChannelPrivate
	default:
		return fmt.Errorf("unknown channel kind %q", b)
	}
	return nil
}

// Membership is the local client's membership in a channel.
type Membership int

const (
	MembershipNotJoined Membership = iota
	MembershipJoining
	MembershipJoined
)

func (m Membership) String() string {
	switch m {
	case MembershipNotJoined:
		return "not_joined"
	case MembershipJoining:
		return "joining"
	case MembershipJoined:
		return "joined"
	default:
		return fmt.Sprintf("membership(%d)", int(m))
	}
}

type Channel struct {
	SID          string
	FriendlyName string
	UniqueName   string // empty until assigned
	Kind         ChannelKind
	Membership   Membership
}

// Title is the label shown for a channel: "#unique" when named, else the friendly name.
func (c Channel) Title() string {
	if c.UniqueName != "" {
		return "#" + c.UniqueName
	}
	return c.FriendlyName
}

type Message struct {
	ID          string // server id, empty if the backend does not assign one
	ChannelSID  string
	Author      string
	Body        string
	HasMarkdown bool // true if Body carries markdown converted from rich-text entities
	Timestamp   time.Time
}

// Key identifies a message for deduplication.
func (m Message) Key() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	return fmt.Sprintf("at:%q|%d|%q", m.Author, m.Timestamp.UnixNano(), m.Body)
}
