package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/transport"
)

// DefaultFriendlyName is the display name given to a channel created on first run.
const DefaultFriendlyName = "General Channel"

// Resolver finds the channel owning a unique name, creating and naming it
// when none exists yet.
type Resolver struct {
	client       transport.Client
	friendlyName string
	logger       *zap.Logger
}

func New(client transport.Client, friendlyName string, logger *zap.Logger) *Resolver {
	if friendlyName == "" {
		friendlyName = DefaultFriendlyName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client:       client,
		friendlyName: friendlyName,
		logger:       logger.Named("resolver"),
	}
}

// Resolve returns the channel whose unique name is name.
//
// Creation is not exclusive: two first-run clients may both create a channel.
// The loser of the naming race re-lists and returns the winner's channel; its
// own unnamed channel is left behind.
func (r *Resolver) Resolve(ctx context.Context, name string) (transport.Channel, error) {
	ch, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		r.logger.Debug("found channel", zap.String("unique_name", name), zap.String("sid", ch.Info().SID))
		return ch, nil
	}

	created, err := r.client.CreateChannel(ctx, r.friendlyName, domain.ChannelPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: create %q: %w", domain.ErrChannelUnavailable, r.friendlyName, err)
	}
	sid := created.Info().SID
	r.logger.Info("created channel", zap.String("sid", sid), zap.String("friendly_name", r.friendlyName))

	err = created.SetUniqueName(ctx, name)
	switch {
	case err == nil:
		return created, nil
	case errors.Is(err, domain.ErrJoinConflict):
		r.logger.Warn("lost unique name race, re-listing",
			zap.String("unique_name", name),
			zap.String("orphan_sid", sid))
	default:
		return nil, fmt.Errorf("%w: set unique name %q: %w", domain.ErrChannelUnavailable, name, err)
	}

	winner, err := r.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, fmt.Errorf("%w: %w: no channel owns %q after conflict", domain.ErrChannelUnavailable, domain.ErrJoinConflict, name)
	}
	return winner, nil
}

func (r *Resolver) lookup(ctx context.Context, name string) (transport.Channel, error) {
	channels, err := r.client.ListChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list channels: %w", domain.ErrChannelUnavailable, err)
	}
	ch, _ := lo.Find(channels, func(c transport.Channel) bool {
		return c.Info().UniqueName == name
	})
	return ch, nil
}
