package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/domain"
)

// channel is a handle on a supergroup. Entity data is read from the client
// cache so that renames and joins seen through updates are reflected.
type channel struct {
	client *Client
	id     int64
}

func (ch *channel) entity() (*tg.Channel, error) {
	e, ok := ch.client.lookup(ch.id)
	if !ok {
		return nil, fmt.Errorf("%w: channel %d not cached", domain.ErrChannelUnavailable, ch.id)
	}
	return e, nil
}

func (ch *channel) Info() domain.Channel {
	e, err := ch.entity()
	if err != nil {
		return domain.Channel{SID: sid(ch.id)}
	}
	info := domain.Channel{
		SID:          sid(e.ID),
		FriendlyName: e.Title,
		UniqueName:   e.Username,
		Kind:         domain.ChannelPrivate,
	}
	if e.Username != "" {
		info.Kind = domain.ChannelPublic
	}
	if !e.Left {
		info.Membership = domain.MembershipJoined
	}
	return info
}

// SetUniqueName makes the supergroup public under name.
func (ch *channel) SetUniqueName(ctx context.Context, name string) error {
	if err := ch.client.check(); err != nil {
		return err
	}
	e, err := ch.entity()
	if err != nil {
		return err
	}
	if _, err := ch.client.api.ChannelsUpdateUsername(ctx, &tg.ChannelsUpdateUsernameRequest{
		Channel:  e.AsInput(),
		Username: name,
	}); err != nil {
		return classify(fmt.Errorf("set username @%s: %w", name, err))
	}

	updated := *e
	updated.Username = name
	ch.client.remember(&updated)
	return nil
}

func (ch *channel) Join(ctx context.Context) error {
	if err := ch.client.check(); err != nil {
		return err
	}
	e, err := ch.entity()
	if err != nil {
		return err
	}
	upd, err := ch.client.api.ChannelsJoinChannel(ctx, e.AsInput())
	switch {
	case tgerr.Is(err, "USER_ALREADY_PARTICIPANT"):
	case err != nil:
		return classify(fmt.Errorf("join %d: %w", ch.id, err))
	}

	if joined := channelFromUpdates(upd); joined != nil {
		ch.client.remember(joined)
	} else {
		updated := *e
		updated.Left = false
		ch.client.remember(&updated)
	}
	ch.client.logger.Info("joined channel", zap.Int64("id", ch.id))
	return nil
}

// LoadHistory returns the newest messages, oldest first.
func (ch *channel) LoadHistory(ctx context.Context) ([]domain.Message, error) {
	if err := ch.client.check(); err != nil {
		return nil, err
	}
	e, err := ch.entity()
	if err != nil {
		return nil, err
	}
	result, err := ch.client.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  e.AsInputPeer(),
		Limit: ch.client.cfg.HistoryLimit,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("get history: %w", err))
	}
	return ch.client.convertHistory(result)
}

func (ch *channel) Send(ctx context.Context, body string) error {
	if err := ch.client.check(); err != nil {
		return err
	}
	e, err := ch.entity()
	if err != nil {
		return err
	}
	if _, err := ch.client.sender.To(e.AsInputPeer()).Text(ctx, body); err != nil {
		return classify(fmt.Errorf("send: %w", err))
	}
	return nil
}
