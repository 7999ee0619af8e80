package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/session"
	"github.com/brentschooley/ipm-ux/internal/state"
	"github.com/brentschooley/ipm-ux/internal/token"
	"github.com/brentschooley/ipm-ux/internal/transport"
	"github.com/brentschooley/ipm-ux/internal/transport/memory"
)

type staticTokens struct {
	grant token.Grant
	err   error
	calls int
}

func (s *staticTokens) FetchToken(_ context.Context, deviceID string) (token.Grant, error) {
	s.calls++
	return s.grant, s.err
}

type dialerFunc func(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error)

func (f dialerFunc) Dial(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error) {
	return f(ctx, creds, events)
}

// gatedTokens blocks FetchToken until release is closed or ctx ends.
type gatedTokens struct {
	grant   token.Grant
	entered chan struct{}
	release chan struct{}
}

func newGatedTokens(grant token.Grant) *gatedTokens {
	return &gatedTokens{grant: grant, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedTokens) FetchToken(ctx context.Context, _ string) (token.Grant, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return g.grant, nil
	case <-ctx.Done():
		return token.Grant{}, fmt.Errorf("%w: %w", domain.ErrNetwork, ctx.Err())
	}
}

// hookedClient wraps a hub client. afterHistory runs once each LoadHistory
// has read the backend and before the result is returned, the way a socket
// read loop delivers pushed events ahead of a pending reply.
type hookedClient struct {
	transport.Client
	afterHistory func(sid string)
	closed       atomic.Bool
}

func (c *hookedClient) ListChannels(ctx context.Context) ([]transport.Channel, error) {
	chs, err := c.Client.ListChannels(ctx)
	for i := range chs {
		chs[i] = &hookedChannel{Channel: chs[i], client: c}
	}
	return chs, err
}

func (c *hookedClient) CreateChannel(ctx context.Context, friendlyName string, kind domain.ChannelKind) (transport.Channel, error) {
	ch, err := c.Client.CreateChannel(ctx, friendlyName, kind)
	if err != nil {
		return nil, err
	}
	return &hookedChannel{Channel: ch, client: c}, nil
}

func (c *hookedClient) Close() error {
	c.closed.Store(true)
	return c.Client.Close()
}

type hookedChannel struct {
	transport.Channel
	client *hookedClient
}

func (ch *hookedChannel) LoadHistory(ctx context.Context) ([]domain.Message, error) {
	msgs, err := ch.Channel.LoadHistory(ctx)
	if hook := ch.client.afterHistory; hook != nil {
		hook(ch.Info().SID)
	}
	return msgs, err
}

func hookedDialer(hub *memory.Hub, afterHistory func(events transport.EventHandler, sid string)) (transport.Dialer, <-chan *hookedClient) {
	dialed := make(chan *hookedClient, 1)
	return dialerFunc(func(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error) {
		inner, err := hub.Dial(ctx, creds, events)
		if err != nil {
			return nil, err
		}
		c := &hookedClient{Client: inner}
		if afterHistory != nil {
			c.afterHistory = func(sid string) { afterHistory(events, sid) }
		}
		dialed <- c
		return c, nil
	}), dialed
}

func startAsync(ctx context.Context, c *session.Controller) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not return", what)
		return nil
	}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []session.Status
}

func (l *statusLog) record(s session.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) states() []session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]session.State, len(l.statuses))
	for i, s := range l.statuses {
		out[i] = s.State
	}
	return out
}

func (l *statusLog) find(st session.State) (session.Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.statuses {
		if s.State == st {
			return s, true
		}
	}
	return session.Status{}, false
}

type fixture struct {
	hub        *memory.Hub
	store      *state.Store
	controller *session.Controller
	log        *statusLog
	tokens     *staticTokens
}

func newFixture(t *testing.T, grant token.Grant) *fixture {
	t.Helper()
	hub := memory.NewHub(nil)
	store := state.New(nil)
	tokens := &staticTokens{grant: grant}
	c := session.New(tokens, hub, store, session.Options{
		DeviceID:    "device-1",
		ChannelName: "general",
	}, zaptest.NewLogger(t))
	log := &statusLog{}
	c.SetOnStateChange(log.record)
	t.Cleanup(func() { _ = c.Teardown() })
	return &fixture{hub: hub, store: store, controller: c, log: log, tokens: tokens}
}

func joinOther(t *testing.T, hub *memory.Hub, identity string) transport.Channel {
	t.Helper()
	ctx := context.Background()
	c, err := hub.Dial(ctx, transport.Credentials{Identity: identity}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	channels, err := c.ListChannels(ctx)
	require.NoError(t, err)
	for _, ch := range channels {
		if ch.Info().UniqueName == "general" {
			require.NoError(t, ch.Join(ctx))
			return ch
		}
	}
	t.Fatalf("general channel not found")
	return nil
}

func TestController_StartReachesJoined(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})

	req.NoError(f.controller.Start(context.Background()))

	req.Equal(session.StateJoined, f.controller.State())
	req.Equal("guest42", f.controller.Identity())
	req.Equal([]session.State{
		session.StateTokenFetched,
		session.StateConnected,
		session.StateChannelResolving,
		session.StateJoining,
		session.StateJoined,
	}, f.log.states())

	connected, ok := f.log.find(session.StateConnected)
	req.True(ok)
	req.Equal("guest42", connected.Identity)

	ch := f.controller.Channel()
	req.Equal("general", ch.UniqueName)
	req.Equal("General Channel", ch.FriendlyName)
	req.Equal(domain.MembershipJoined, ch.Membership)
}

func TestController_LoadsHistoryOnJoin(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub(nil)

	// Seed the channel through a first session.
	first := session.New(&staticTokens{grant: token.Grant{Token: "t", Identity: "alice"}}, hub, state.New(nil),
		session.Options{ChannelName: "general"}, zaptest.NewLogger(t))
	require.NoError(t, first.Start(ctx))
	require.NoError(t, first.SendMessage(ctx, "one"))
	require.NoError(t, first.SendMessage(ctx, "two"))
	require.NoError(t, first.Teardown())

	store := state.New(nil)
	second := session.New(&staticTokens{grant: token.Grant{Token: "t", Identity: "bob"}}, hub, store,
		session.Options{ChannelName: "general"}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = second.Teardown() })
	require.NoError(t, second.Start(ctx))

	snap := store.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "one", snap[0].Body)
	require.Equal(t, "two", snap[1].Body)
	require.Len(t, hub.Channels(), 1)
}

func TestController_LiveMessagesReachStore(t *testing.T) {
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})
	require.NoError(t, f.controller.Start(context.Background()))

	other := joinOther(t, f.hub, "bob")
	require.NoError(t, other.Send(context.Background(), "hi"))

	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return len(snap) == 1 && snap[0].Author == "bob" && snap[0].Body == "hi"
	}, time.Second, 5*time.Millisecond)
}

func TestController_DuplicateMessageAddedIgnored(t *testing.T) {
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})

	var mu sync.Mutex
	notifications := 0
	f.store.SetOnChange(func(c state.Change) {
		if c.Reloaded {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		notifications++
	})

	require.NoError(t, f.controller.Start(context.Background()))
	sid := f.controller.Channel().SID

	msg := domain.Message{ID: "IM9", ChannelSID: sid, Author: "bob", Body: "hi", Timestamp: time.Unix(100, 0)}
	f.controller.OnMessageAdded(sid, msg)
	f.controller.OnMessageAdded(sid, msg)
	marker := domain.Message{ID: "IM10", ChannelSID: sid, Author: "bob", Body: "done", Timestamp: time.Unix(101, 0)}
	f.controller.OnMessageAdded(sid, marker)

	require.Eventually(t, func() bool { return f.store.Len() == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, notifications)
}

func TestController_DropsEventsForOtherChannels(t *testing.T) {
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})
	require.NoError(t, f.controller.Start(context.Background()))
	sid := f.controller.Channel().SID

	f.controller.OnMessageAdded("CH-other", domain.Message{ID: "x", Body: "elsewhere", Timestamp: time.Unix(1, 0)})
	f.controller.OnMessageAdded(sid, domain.Message{ID: "y", Body: "here", Timestamp: time.Unix(2, 0)})

	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "here", f.store.Snapshot()[0].Body)
}

func TestController_HistoryLoadedReplacesStore(t *testing.T) {
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})
	require.NoError(t, f.controller.Start(context.Background()))
	sid := f.controller.Channel().SID

	other := joinOther(t, f.hub, "bob")
	require.NoError(t, other.Send(context.Background(), "persisted"))
	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 5*time.Millisecond)

	// A message only pushed locally, never stored by the backend, disappears on resync.
	f.controller.OnMessageAdded(sid, domain.Message{ID: "local", Body: "ghost", Timestamp: time.Now()})
	require.Eventually(t, func() bool { return f.store.Len() == 2 }, time.Second, 5*time.Millisecond)

	f.controller.OnHistoryLoaded(sid)
	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return len(snap) == 1 && snap[0].Body == "persisted"
	}, time.Second, 5*time.Millisecond)
}

func TestController_SendMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})

	require.ErrorIs(t, f.controller.SendMessage(ctx, "early"), domain.ErrNotReady)

	require.NoError(t, f.controller.Start(ctx))
	require.ErrorIs(t, f.controller.SendMessage(ctx, "   "), domain.ErrEmptyMessage)
	require.NoError(t, f.controller.SendMessage(ctx, "hello"))

	require.Eventually(t, func() bool {
		snap := f.store.Snapshot()
		return len(snap) == 1 && snap[0].Author == "guest42"
	}, time.Second, 5*time.Millisecond)
}

func TestController_Failures(t *testing.T) {
	t.Run("should fail when the token fetch fails", func(t *testing.T) {
		f := newFixture(t, token.Grant{})
		f.tokens.err = domain.ErrAuth

		err := f.controller.Start(context.Background())
		require.ErrorIs(t, err, domain.ErrAuth)
		require.Equal(t, session.StateFailed, f.controller.State())
		require.ErrorIs(t, f.controller.Err(), domain.ErrAuth)
		require.Empty(t, f.hub.Channels())

		last, ok := f.log.find(session.StateFailed)
		require.True(t, ok)
		require.Error(t, last.Err)
	})

	t.Run("should classify dial failures as network errors", func(t *testing.T) {
		boom := errors.New("connection refused")
		c := session.New(&staticTokens{grant: token.Grant{Token: "t", Identity: "x"}},
			dialerFunc(func(context.Context, transport.Credentials, transport.EventHandler) (transport.Client, error) {
				return nil, boom
			}),
			state.New(nil), session.Options{ChannelName: "general"}, nil)

		err := c.Start(context.Background())
		require.ErrorIs(t, err, domain.ErrNetwork)
		require.ErrorIs(t, err, boom)
		require.Equal(t, session.StateFailed, c.State())
	})

	t.Run("should fail with ChannelUnavailable when the client is gone", func(t *testing.T) {
		hub := memory.NewHub(nil)
		dialer := dialerFunc(func(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error) {
			client, err := hub.Dial(ctx, creds, events)
			if err != nil {
				return nil, err
			}
			_ = client.Close()
			return client, nil
		})
		c := session.New(&staticTokens{grant: token.Grant{Token: "t", Identity: "x"}}, dialer,
			state.New(nil), session.Options{ChannelName: "general"}, nil)

		err := c.Start(context.Background())
		require.ErrorIs(t, err, domain.ErrChannelUnavailable)
		require.Equal(t, session.StateFailed, c.State())
	})

	t.Run("should not restart after failure", func(t *testing.T) {
		f := newFixture(t, token.Grant{})
		f.tokens.err = domain.ErrNetwork
		require.Error(t, f.controller.Start(context.Background()))
		require.ErrorIs(t, f.controller.Start(context.Background()), domain.ErrAlreadyStarted)
		require.Equal(t, 1, f.tokens.calls)
	})
}

func TestController_StartTwice(t *testing.T) {
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})
	require.NoError(t, f.controller.Start(context.Background()))
	require.ErrorIs(t, f.controller.Start(context.Background()), domain.ErrAlreadyStarted)
}

func TestController_TeardownIdempotent(t *testing.T) {
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})
	require.NoError(t, f.controller.Start(context.Background()))

	require.NoError(t, f.controller.Teardown())
	require.NoError(t, f.controller.Teardown())

	// Events after teardown must not block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			f.controller.OnHistoryLoaded("any")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnHistoryLoaded blocked after teardown")
	}
}

func TestController_BurstDuringHistoryLoad(t *testing.T) {
	const burst = 300
	hub := memory.NewHub(nil)

	var round atomic.Int32
	dialer, _ := hookedDialer(hub, func(events transport.EventHandler, sid string) {
		base := int(round.Add(1)-1) * burst
		for i := range burst {
			n := base + i
			events.OnMessageAdded(sid, domain.Message{
				ID:         fmt.Sprintf("live-%d", n),
				ChannelSID: sid,
				Author:     "bob",
				Body:       "burst",
				Timestamp:  time.Unix(int64(n), 0),
			})
		}
	})

	store := state.New(nil)
	c := session.New(&staticTokens{grant: token.Grant{Token: "abc", Identity: "guest42"}}, dialer, store,
		session.Options{ChannelName: "general", EventBuffer: 1}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Teardown() })

	t.Run("should finish Start while events arrive during the initial load", func(t *testing.T) {
		require.NoError(t, waitErr(t, startAsync(context.Background(), c), "Start"))
		require.Eventually(t, func() bool { return store.Len() == burst }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("should keep the loop running while events arrive during a reload", func(t *testing.T) {
		c.OnHistoryLoaded(c.Channel().SID)
		require.Eventually(t, func() bool {
			snap := store.Snapshot()
			return len(snap) == burst && snap[0].ID == fmt.Sprintf("live-%d", burst)
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestController_JoinReloadsHistoryOnce(t *testing.T) {
	f := newFixture(t, token.Grant{Token: "abc", Identity: "guest42"})
	var reloads atomic.Int32
	f.store.SetOnChange(func(c state.Change) {
		if c.Reloaded {
			reloads.Add(1)
		}
	})

	require.NoError(t, f.controller.Start(context.Background()))
	other := joinOther(t, f.hub, "bob")
	require.NoError(t, other.Send(context.Background(), "after join"))

	// The live message is queued behind the join's historyLoaded event.
	require.Eventually(t, func() bool { return f.store.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), reloads.Load())
}

func TestController_ConcurrentStart(t *testing.T) {
	ctx := context.Background()
	tokens := newGatedTokens(token.Grant{Token: "abc", Identity: "guest42"})
	c := session.New(tokens, memory.NewHub(nil), state.New(nil),
		session.Options{ChannelName: "general"}, zaptest.NewLogger(t))

	first := startAsync(ctx, c)
	<-tokens.entered
	require.ErrorIs(t, c.Start(ctx), domain.ErrAlreadyStarted)

	close(tokens.release)
	require.NoError(t, waitErr(t, first, "Start"))
	require.Equal(t, session.StateJoined, c.State())

	done := make(chan error, 1)
	go func() { done <- c.Teardown() }()
	require.NoError(t, waitErr(t, done, "Teardown"))
}

func TestController_StartCancellation(t *testing.T) {
	t.Run("should fail when ctx ends during the token fetch", func(t *testing.T) {
		tokens := newGatedTokens(token.Grant{Token: "abc", Identity: "guest42"})
		c := session.New(tokens, memory.NewHub(nil), state.New(nil),
			session.Options{ChannelName: "general"}, zaptest.NewLogger(t))
		t.Cleanup(func() { _ = c.Teardown() })

		ctx, cancel := context.WithCancel(context.Background())
		errc := startAsync(ctx, c)
		<-tokens.entered
		cancel()

		err := waitErr(t, errc, "Start")
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, session.StateFailed, c.State())
	})

	t.Run("should fail when ctx ends during dial", func(t *testing.T) {
		entered := make(chan struct{})
		dialer := dialerFunc(func(ctx context.Context, _ transport.Credentials, _ transport.EventHandler) (transport.Client, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		c := session.New(&staticTokens{grant: token.Grant{Token: "abc", Identity: "guest42"}}, dialer, state.New(nil),
			session.Options{ChannelName: "general"}, zaptest.NewLogger(t))
		t.Cleanup(func() { _ = c.Teardown() })

		ctx, cancel := context.WithCancel(context.Background())
		errc := startAsync(ctx, c)
		<-entered
		cancel()

		err := waitErr(t, errc, "Start")
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, err, domain.ErrNetwork)
		require.Equal(t, session.StateFailed, c.State())
	})
}

func TestController_TeardownDuringStart(t *testing.T) {
	t.Run("should close the client dialed after teardown", func(t *testing.T) {
		inner, dialed := hookedDialer(memory.NewHub(nil), nil)
		entered, release := make(chan struct{}), make(chan struct{})
		dialer := dialerFunc(func(ctx context.Context, creds transport.Credentials, events transport.EventHandler) (transport.Client, error) {
			close(entered)
			<-release
			return inner.Dial(ctx, creds, events)
		})
		c := session.New(&staticTokens{grant: token.Grant{Token: "abc", Identity: "guest42"}}, dialer, state.New(nil),
			session.Options{ChannelName: "general"}, zaptest.NewLogger(t))

		errc := startAsync(context.Background(), c)
		<-entered
		require.NoError(t, c.Teardown())
		close(release)

		err := waitErr(t, errc, "Start")
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, session.StateFailed, c.State())
		require.True(t, (<-dialed).closed.Load())
	})

	t.Run("should not start the event loop after teardown", func(t *testing.T) {
		entered, release := make(chan struct{}), make(chan struct{})
		var once sync.Once
		dialer, dialed := hookedDialer(memory.NewHub(nil), func(transport.EventHandler, string) {
			once.Do(func() {
				close(entered)
				<-release
			})
		})
		store := state.New(nil)
		c := session.New(&staticTokens{grant: token.Grant{Token: "abc", Identity: "guest42"}}, dialer, store,
			session.Options{ChannelName: "general"}, zaptest.NewLogger(t))

		errc := startAsync(context.Background(), c)
		<-entered
		client := <-dialed

		done := make(chan error, 1)
		go func() { done <- c.Teardown() }()
		require.NoError(t, waitErr(t, done, "Teardown"))
		require.True(t, client.closed.Load())

		close(release)
		require.NoError(t, waitErr(t, errc, "Start"))

		sid := c.Channel().SID
		c.OnMessageAdded(sid, domain.Message{ID: "late", ChannelSID: sid, Body: "late", Timestamp: time.Now()})
		require.Never(t, func() bool { return store.Len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
		require.NoError(t, c.Teardown())
	})
}
