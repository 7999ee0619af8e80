package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/transport"
)

const (
	maxFrameSize = 1 << 20
	closeTimeout = time.Second
)

// Dialer connects to a backend speaking the frame protocol at url.
type Dialer struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewDialer(url string, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.Named("ws"),
	}
}

func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error) {
	if events == nil {
		events = transport.NopHandler{}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: dial %s: %s", domain.ErrAuth, d.url, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrNetwork, d.url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &Client{
		conn:    conn,
		events:  events,
		logger:  d.logger.With(zap.String("identity", creds.Identity)),
		pending: make(map[uint64]chan Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	d.logger.Info("connected", zap.String("url", d.url))
	return c, nil
}

type Client struct {
	conn   *websocket.Conn
	events transport.EventHandler
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Frame
	err     error // set once the read loop stops

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Client) ListChannels(ctx context.Context) ([]transport.Channel, error) {
	f, err := c.call(ctx, Request{Op: OpListChannels})
	if err != nil {
		return nil, err
	}
	return lo.Map(f.Channels, func(info ChannelInfo, _ int) transport.Channel {
		return &channel{client: c, info: info.Domain()}
	}), nil
}

func (c *Client) CreateChannel(ctx context.Context, friendlyName string, kind domain.ChannelKind) (transport.Channel, error) {
	f, err := c.call(ctx, Request{Op: OpCreateChannel, FriendlyName: friendlyName, Kind: kind})
	if err != nil {
		return nil, err
	}
	if f.Channel == nil {
		return nil, fmt.Errorf("%w: create_channel response without channel", domain.ErrChannelUnavailable)
	}
	return &channel{client: c, info: f.Channel.Domain()}, nil
}

// Close sends a close frame and tears down the connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *Client) call(ctx context.Context, req Request) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, fmt.Errorf("%w: %s: %w", domain.ErrNetwork, req.Op, err)
	}
	reply := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return Frame{}, fmt.Errorf("%w: write %s: %w", domain.ErrNetwork, req.Op, err)
	}

	select {
	case f := <-reply:
		if f.Error != nil {
			return f, fmt.Errorf("%s: %w", req.Op, f.Error)
		}
		return f, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return Frame{}, fmt.Errorf("%w: %s: %w", domain.ErrNetwork, req.Op, ctx.Err())
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.stop(err)
			return
		}

		if f.Event != "" {
			c.dispatch(f)
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown request", zap.Uint64("id", f.ID))
			continue
		}
		reply <- f
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Event {
	case EventMessageAdded:
		if f.Message == nil {
			c.logger.Warn("message_added without message", zap.String("sid", f.ChannelSID))
			return
		}
		c.events.OnMessageAdded(f.ChannelSID, f.Message.Domain())
	case EventHistoryLoaded:
		c.events.OnHistoryLoaded(f.ChannelSID)
	default:
		c.logger.Debug("unknown event", zap.String("event", f.Event))
	}
}

func (c *Client) stop(err error) {
	c.mu.Lock()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.err = fmt.Errorf("%w: connection closed", domain.ErrNetwork)
	} else {
		c.err = fmt.Errorf("%w: read: %w", domain.ErrNetwork, err)
	}
	c.pending = make(map[uint64]chan Frame)
	c.mu.Unlock()

	c.logger.Debug("read loop stopped", zap.Error(err))
	close(c.done)
}

type channel struct {
	client *Client

	mu   sync.Mutex
	info domain.Channel
}

func (ch *channel) Info() domain.Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.info
}

func (ch *channel) sid() string {
	return ch.Info().SID
}

func (ch *channel) update(info *ChannelInfo) {
	if info == nil {
		return
	}
	ch.mu.Lock()
	ch.info = info.Domain()
	ch.mu.Unlock()
}

func (ch *channel) SetUniqueName(ctx context.Context, name string) error {
	f, err := ch.client.call(ctx, Request{Op: OpSetUniqueName, ChannelSID: ch.sid(), UniqueName: name})
	if err != nil {
		return err
	}
	ch.update(f.Channel)
	return nil
}

func (ch *channel) Join(ctx context.Context) error {
	f, err := ch.client.call(ctx, Request{Op: OpJoin, ChannelSID: ch.sid()})
	if err != nil {
		return err
	}
	ch.update(f.Channel)
	return nil
}

func (ch *channel) LoadHistory(ctx context.Context) ([]domain.Message, error) {
	f, err := ch.client.call(ctx, Request{Op: OpHistory, ChannelSID: ch.sid()})
	if err != nil {
		return nil, err
	}
	return lo.Map(f.Messages, func(m MessageInfo, _ int) domain.Message {
		return m.Domain()
	}), nil
}

func (ch *channel) Send(ctx context.Context, body string) error {
	_, err := ch.client.call(ctx, Request{Op: OpSend, ChannelSID: ch.sid(), Body: body})
	return err
}
