// Package telegram implements the transport contract over Telegram
// supergroups using gotd. A channel is a supergroup, its unique name is the
// public username, and the dial token is a base64 encoded gotd session.
package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/transport"
)

const defaultHistoryLimit = 100

type Config struct {
	APIID        int
	APIHash      string
	HistoryLimit int
	// PublicNames are usernames resolved on every ListChannels so that public
	// supergroups the account has not joined yet are visible to lookups.
	PublicNames []string
}

type Dialer struct {
	cfg    Config
	logger *zap.Logger
}

func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{cfg: cfg, logger: logger.Named("telegram")}
}

// Dial restores the session carried by creds.Token and starts the gotd run
// loop. It returns once the session is confirmed to be authorized.
func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error) {
	blob, err := base64.StdEncoding.DecodeString(creds.Token)
	if err != nil || len(blob) == 0 {
		return nil, fmt.Errorf("%w: token is not a telegram session", domain.ErrAuth)
	}
	storage := &session.StorageMemory{}
	if err := storage.StoreSession(ctx, blob); err != nil {
		return nil, fmt.Errorf("%w: load session: %w", domain.ErrAuth, err)
	}
	if events == nil {
		events = transport.NopHandler{}
	}

	c := &Client{
		cfg:      d.cfg,
		identity: creds.Identity,
		events:   events,
		logger:   d.logger,
		channels: make(map[int64]*tg.Channel),
		stopped:  make(chan struct{}),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(c.onNewChannelMessage)
	dispatcher.OnChannelTooLong(c.onChannelTooLong)
	c.gaps = updates.New(updates.Config{
		Handler: dispatcher,
		Logger:  d.logger.Named("gaps"),
	})
	c.client = telegram.NewClient(d.cfg.APIID, d.cfg.APIHash, telegram.Options{
		Logger:         d.logger.Named("gotd"),
		UpdateHandler:  c.gaps,
		SessionStorage: storage,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	ready := make(chan error, 1)
	var once sync.Once
	signal := func(err error) { once.Do(func() { ready <- err }) }

	go func() {
		defer close(c.stopped)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				err = fmt.Errorf("%w: auth status: %w", domain.ErrNetwork, err)
				signal(err)
				return err
			}
			if !status.Authorized {
				signal(fmt.Errorf("%w: session is not authorized", domain.ErrAuth))
				return nil
			}

			c.self = status.User
			c.api = c.client.API()
			c.sender = message.NewSender(c.api)
			if c.identity == "" {
				c.identity = displayName(c.self)
			}
			signal(nil)

			return c.gaps.Run(ctx, c.api, c.self.ID, updates.AuthOptions{})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("run loop stopped", zap.Error(err))
		}
		signal(fmt.Errorf("%w: client stopped: %v", domain.ErrNetwork, err))
	}()

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			<-c.stopped
			return nil, err
		}
	case <-ctx.Done():
		cancel()
		<-c.stopped
		return nil, fmt.Errorf("%w: %w", domain.ErrNetwork, ctx.Err())
	}

	d.logger.Info("connected", zap.Int64("self", c.self.ID), zap.String("identity", c.identity))
	return c, nil
}

type Client struct {
	cfg      Config
	identity string
	events   transport.EventHandler
	logger   *zap.Logger

	client *telegram.Client
	api    *tg.Client
	sender *message.Sender
	gaps   *updates.Manager
	self   *tg.User

	mu       sync.Mutex
	channels map[int64]*tg.Channel

	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once
}

func (c *Client) ListChannels(ctx context.Context) ([]transport.Channel, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	var out []transport.Channel
	seen := make(map[int64]bool)
	add := func(ch *tg.Channel) {
		if !ch.Megagroup || seen[ch.ID] {
			return
		}
		seen[ch.ID] = true
		c.remember(ch)
		out = append(out, &channel{client: c, id: ch.ID})
	}

	iter := dialogs.NewQueryBuilder(c.api).GetDialogs().BatchSize(100).Iter()
	for iter.Next(ctx) {
		elem := iter.Value()
		p, ok := elem.Dialog.GetPeer().(*tg.PeerChannel)
		if !ok {
			continue
		}
		if ch, ok := elem.Entities.Channel(p.ChannelID); ok {
			add(ch)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate dialogs: %w", err))
	}

	for _, name := range c.cfg.PublicNames {
		ch, err := c.resolveUsername(ctx, name)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			add(ch)
		}
	}
	return out, nil
}

func (c *Client) resolveUsername(ctx context.Context, name string) (*tg.Channel, error) {
	resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: name})
	if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("resolve @%s: %w", name, err))
	}
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return ch, nil
		}
	}
	return nil, nil
}

func (c *Client) CreateChannel(ctx context.Context, friendlyName string, kind domain.ChannelKind) (transport.Channel, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	upd, err := c.api.ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Megagroup: true,
		Title:     friendlyName,
		About:     kind.String() + " channel",
	})
	if err != nil {
		return nil, classify(fmt.Errorf("create channel: %w", err))
	}

	ch := channelFromUpdates(upd)
	if ch == nil {
		return nil, fmt.Errorf("%w: create channel: no channel in response", domain.ErrChannelUnavailable)
	}
	c.remember(ch)
	c.logger.Info("channel created", zap.Int64("id", ch.ID), zap.String("title", ch.Title))
	return &channel{client: c, id: ch.ID}, nil
}

// Close stops the run loop. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.stopped
	})
	return nil
}

func (c *Client) check() error {
	select {
	case <-c.stopped:
		return fmt.Errorf("%w: client closed", domain.ErrNetwork)
	default:
		return nil
	}
}

func (c *Client) remember(ch *tg.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch.ID] = ch
}

func (c *Client) lookup(id int64) (*tg.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

func (c *Client) onNewChannelMessage(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	for _, ch := range e.Channels {
		c.remember(ch)
	}
	dm := c.convertMessage(msg, e.Users)
	c.events.OnMessageAdded(dm.ChannelSID, dm)
	return nil
}

func (c *Client) onChannelTooLong(_ context.Context, _ tg.Entities, u *tg.UpdateChannelTooLong) error {
	c.events.OnHistoryLoaded(sid(u.ChannelID))
	return nil
}

func channelFromUpdates(upd tg.UpdatesClass) *tg.Channel {
	var chats []tg.ChatClass
	switch u := upd.(type) {
	case *tg.Updates:
		chats = u.Chats
	case *tg.UpdatesCombined:
		chats = u.Chats
	}
	for _, chat := range chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return ch
		}
	}
	return nil
}

func sid(id int64) string {
	return strconv.FormatInt(id, 10)
}

// classify maps Telegram RPC errors onto the domain taxonomy.
func classify(err error) error {
	switch {
	case tgerr.Is(err, "USERNAME_OCCUPIED", "USERNAME_PURCHASE_AVAILABLE"):
		return fmt.Errorf("%w: %w", domain.ErrJoinConflict, err)
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "USER_DEACTIVATED"):
		return fmt.Errorf("%w: %w", domain.ErrAuth, err)
	case tgerr.Is(err, "CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHANNELS_TOO_MUCH", "CHAT_ADMIN_REQUIRED"):
		return fmt.Errorf("%w: %w", domain.ErrChannelUnavailable, err)
	}
	if _, ok := tgerr.As(err); ok {
		return fmt.Errorf("%w: %w", domain.ErrChannelUnavailable, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
}
