package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/transport"
	"github.com/brentschooley/ipm-ux/internal/transport/memory"
)

type recorder struct {
	mu       sync.Mutex
	messages []domain.Message
	history  []string
}

func (r *recorder) OnMessageAdded(_ string, msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) OnHistoryLoaded(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, sid)
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func dial(t *testing.T, hub *memory.Hub, identity string, events transport.EventHandler) transport.Client {
	t.Helper()
	c, err := hub.Dial(context.Background(), transport.Credentials{Token: "t", Identity: identity}, events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHub_DialRequiresIdentity(t *testing.T) {
	hub := memory.NewHub(nil)
	_, err := hub.Dial(context.Background(), transport.Credentials{Token: "t"}, nil)
	require.ErrorIs(t, err, domain.ErrAuth)
}

func TestHub_CreateJoinSendFanOut(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub := memory.NewHub(fixedClock())

	aliceEvents, bobEvents := &recorder{}, &recorder{}
	alice := dial(t, hub, "alice", aliceEvents)
	bob := dial(t, hub, "bob", bobEvents)

	ch, err := alice.CreateChannel(ctx, "General Channel", domain.ChannelPublic)
	req.NoError(err)
	req.Equal(domain.MembershipNotJoined, ch.Info().Membership)
	req.NoError(ch.Join(ctx))
	req.Equal(domain.MembershipJoined, ch.Info().Membership)
	req.Equal([]string{ch.Info().SID}, aliceEvents.history)

	bobChannels, err := bob.ListChannels(ctx)
	req.NoError(err)
	req.Len(bobChannels, 1)
	req.NoError(bobChannels[0].Join(ctx))

	req.NoError(ch.Send(ctx, "hello"))

	req.Len(aliceEvents.messages, 1)
	req.Len(bobEvents.messages, 1)
	got := bobEvents.messages[0]
	req.Equal("alice", got.Author)
	req.Equal("hello", got.Body)
	req.NotEmpty(got.ID)

	history, err := bobChannels[0].LoadHistory(ctx)
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(got.ID, history[0].ID)
}

func TestHub_SetUniqueNameConflict(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(nil)
	c := dial(t, hub, "alice", nil)

	first, err := c.CreateChannel(ctx, "General Channel", domain.ChannelPublic)
	require.NoError(t, err)
	second, err := c.CreateChannel(ctx, "General Channel", domain.ChannelPublic)
	require.NoError(t, err)

	require.NoError(t, first.SetUniqueName(ctx, "general"))
	require.NoError(t, first.SetUniqueName(ctx, "general"), "renaming to own name is not a conflict")
	require.ErrorIs(t, second.SetUniqueName(ctx, "general"), domain.ErrJoinConflict)
	require.Empty(t, second.Info().UniqueName)
}

func TestHub_PrivateChannelsHidden(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(nil)
	alice := dial(t, hub, "alice", nil)
	bob := dial(t, hub, "bob", nil)

	ch, err := alice.CreateChannel(ctx, "secret", domain.ChannelPrivate)
	require.NoError(t, err)
	require.NoError(t, ch.Join(ctx))

	bobChannels, err := bob.ListChannels(ctx)
	require.NoError(t, err)
	require.Empty(t, bobChannels)
	require.Len(t, hub.Channels(), 1)
}

func TestHub_HistoryRequiresMembershipAndLimit(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(fixedClock())
	hub.SetHistoryLimit(2)
	c := dial(t, hub, "alice", nil)

	ch, err := c.CreateChannel(ctx, "General Channel", domain.ChannelPublic)
	require.NoError(t, err)

	_, err = ch.LoadHistory(ctx)
	require.ErrorIs(t, err, domain.ErrChannelUnavailable)
	require.ErrorIs(t, ch.Send(ctx, "x"), domain.ErrChannelUnavailable)

	require.NoError(t, ch.Join(ctx))
	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, ch.Send(ctx, body))
	}
	history, err := ch.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "two", history[0].Body)
	require.Equal(t, "three", history[1].Body)
}

func TestHub_ClosedClientFails(t *testing.T) {
	hub := memory.NewHub(nil)
	c, err := hub.Dial(context.Background(), transport.Credentials{Identity: "alice"}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.ListChannels(context.Background())
	require.ErrorIs(t, err, domain.ErrNetwork)
}
