// Package memory is an in-process messaging backend. A Hub holds channels and
// history for any number of identities; each Dial returns a Client bound to one
// identity. It backs the "memory" demo mode, the dev server and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/transport"
)

const defaultHistoryLimit = 100

type room struct {
	sid          string
	friendlyName string
	uniqueName   string
	kind         domain.ChannelKind
	members      map[string]bool
	messages     []domain.Message
}

type Hub struct {
	mu           sync.Mutex
	now          func() time.Time
	seq          int
	rooms        []*room
	clients      map[*Client]struct{}
	historyLimit int
}

// NewHub creates an empty hub. A nil clock means time.Now.
func NewHub(now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{
		now:          now,
		clients:      make(map[*Client]struct{}),
		historyLimit: defaultHistoryLimit,
	}
}

// SetHistoryLimit caps how many of the newest messages LoadHistory returns.
func (h *Hub) SetHistoryLimit(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.historyLimit = n
}

// Dial implements transport.Dialer. The token is not checked; the identity is
// taken as given.
func (h *Hub) Dial(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	if creds.Identity == "" {
		return nil, fmt.Errorf("%w: missing identity", domain.ErrAuth)
	}
	if events == nil {
		events = transport.NopHandler{}
	}

	c := &Client{hub: h, identity: creds.Identity, events: events}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c, nil
}

// Channels returns every channel on the hub regardless of visibility.
func (h *Hub) Channels() []domain.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo.Map(h.rooms, func(r *room, _ int) domain.Channel {
		return r.info("")
	})
}

func (h *Hub) nextID(prefix string) string {
	h.seq++
	return fmt.Sprintf("%s%06d", prefix, h.seq)
}

func (h *Hub) findLocked(sid string) *room {
	r, _ := lo.Find(h.rooms, func(r *room) bool { return r.sid == sid })
	return r
}

func (r *room) info(identity string) domain.Channel {
	ch := domain.Channel{
		SID:          r.sid,
		FriendlyName: r.friendlyName,
		UniqueName:   r.uniqueName,
		Kind:         r.kind,
	}
	if identity != "" && r.members[identity] {
		ch.Membership = domain.MembershipJoined
	}
	return ch
}

func (r *room) visibleTo(identity string) bool {
	return r.kind == domain.ChannelPublic || r.members[identity]
}

// Client is one identity's session on a Hub.
type Client struct {
	hub      *Hub
	identity string
	events   transport.EventHandler
	closed   bool // guarded by hub.mu
}

func (c *Client) Identity() string { return c.identity }

// checkLocked must be called with hub.mu held.
func (c *Client) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	if c.closed {
		return fmt.Errorf("%w: client closed", domain.ErrNetwork)
	}
	return nil
}

func (c *Client) ListChannels(ctx context.Context) ([]transport.Channel, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if err := c.checkLocked(ctx); err != nil {
		return nil, err
	}

	visible := lo.Filter(c.hub.rooms, func(r *room, _ int) bool { return r.visibleTo(c.identity) })
	return lo.Map(visible, func(r *room, _ int) transport.Channel {
		return &channel{client: c, sid: r.sid}
	}), nil
}

func (c *Client) CreateChannel(ctx context.Context, friendlyName string, kind domain.ChannelKind) (transport.Channel, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if err := c.checkLocked(ctx); err != nil {
		return nil, err
	}

	r := &room{
		sid:          c.hub.nextID("CH"),
		friendlyName: friendlyName,
		kind:         kind,
		members:      make(map[string]bool),
	}
	c.hub.rooms = append(c.hub.rooms, r)
	return &channel{client: c, sid: r.sid}, nil
}

// Close detaches the client from the hub. Idempotent.
func (c *Client) Close() error {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.closed = true
	delete(c.hub.clients, c)
	return nil
}

type channel struct {
	client *Client
	sid    string
}

func (ch *channel) hub() *Hub { return ch.client.hub }

// roomLocked returns the room or ErrChannelUnavailable. hub.mu must be held.
func (ch *channel) roomLocked(ctx context.Context) (*room, error) {
	if err := ch.client.checkLocked(ctx); err != nil {
		return nil, err
	}
	r := ch.hub().findLocked(ch.sid)
	if r == nil {
		return nil, fmt.Errorf("%w: channel %s not found", domain.ErrChannelUnavailable, ch.sid)
	}
	return r, nil
}

func (ch *channel) Info() domain.Channel {
	h := ch.hub()
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.findLocked(ch.sid)
	if r == nil {
		return domain.Channel{SID: ch.sid}
	}
	return r.info(ch.client.identity)
}

func (ch *channel) SetUniqueName(ctx context.Context, name string) error {
	h := ch.hub()
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := ch.roomLocked(ctx)
	if err != nil {
		return err
	}

	taken := lo.ContainsBy(h.rooms, func(other *room) bool {
		return other != r && other.uniqueName == name
	})
	if taken {
		return fmt.Errorf("%w: %q", domain.ErrJoinConflict, name)
	}
	r.uniqueName = name
	return nil
}

func (ch *channel) Join(ctx context.Context) error {
	h := ch.hub()
	h.mu.Lock()
	r, err := ch.roomLocked(ctx)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	r.members[ch.client.identity] = true
	h.mu.Unlock()

	ch.client.events.OnHistoryLoaded(ch.sid)
	return nil
}

func (ch *channel) LoadHistory(ctx context.Context) ([]domain.Message, error) {
	h := ch.hub()
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := ch.roomLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !r.members[ch.client.identity] {
		return nil, fmt.Errorf("%w: not a member of %s", domain.ErrChannelUnavailable, ch.sid)
	}

	msgs := r.messages
	if h.historyLimit > 0 && len(msgs) > h.historyLimit {
		msgs = msgs[len(msgs)-h.historyLimit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (ch *channel) Send(ctx context.Context, body string) error {
	h := ch.hub()
	h.mu.Lock()
	r, err := ch.roomLocked(ctx)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if !r.members[ch.client.identity] {
		h.mu.Unlock()
		return fmt.Errorf("%w: not a member of %s", domain.ErrChannelUnavailable, ch.sid)
	}

	msg := domain.Message{
		ID:         h.nextID("IM"),
		ChannelSID: r.sid,
		Author:     ch.client.identity,
		Body:       body,
		Timestamp:  h.now(),
	}
	r.messages = append(r.messages, msg)

	var recipients []*Client
	for c := range h.clients {
		if r.members[c.identity] {
			recipients = append(recipients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range recipients {
		c.events.OnMessageAdded(r.sid, msg)
	}
	return nil
}
