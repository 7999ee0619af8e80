// Package session drives a client from token acquisition to a joined channel
// and applies live events to the message store.
//
// The handshake in Start runs on the caller's goroutine. Once the channel is
// joined, a single loop goroutine owns every further store mutation; backend
// callbacks only enqueue events for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/resolver"
	"github.com/brentschooley/ipm-ux/internal/state"
	"github.com/brentschooley/ipm-ux/internal/token"
	"github.com/brentschooley/ipm-ux/internal/transport"
)

const defaultEventBuffer = 64

// Options configure a Controller.
type Options struct {
	DeviceID     string
	ChannelName  string // unique name of the default channel
	FriendlyName string // used when the channel has to be created
	EventBuffer  int    // initial capacity of the live event queue
}

// Status is reported to observers on every state transition.
type Status struct {
	State    State
	Identity string
	Channel  domain.Channel
	Err      error
}

type eventKind int

const (
	eventMessageAdded eventKind = iota
	eventHistoryLoaded
)

type event struct {
	seq        uint64
	kind       eventKind
	channelSID string
	message    domain.Message
}

// Controller owns one client session. Create it with New, run Start once,
// and call Teardown when done.
type Controller struct {
	tokens token.Provider
	dialer transport.Dialer
	store  *state.Store
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	started  bool
	state    State
	identity string
	err      error
	client   transport.Client
	channel  transport.Channel
	onState  func(Status)

	// The queue never blocks producers: backend read loops also deliver the
	// replies the owner goroutine may be waiting on.
	qmu    sync.Mutex
	queue  []event
	seq    uint64 // events enqueued so far
	synced uint64 // historyLoaded events up to this seq are covered by a reload
	wake   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an idle controller. A nil logger discards output.
func New(tokens token.Provider, dialer transport.Dialer, store *state.Store, opts Options, logger *zap.Logger) *Controller {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.FriendlyName == "" {
		opts.FriendlyName = resolver.DefaultFriendlyName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		tokens: tokens,
		dialer: dialer,
		store:  store,
		opts:   opts,
		logger: logger.Named("session"),
		queue:  make([]event, 0, opts.EventBuffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// SetOnStateChange registers the observer called after each transition.
func (c *Controller) SetOnStateChange(f func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

// Start runs the handshake: token, connect, resolve, join, initial history.
// It returns once the session is Joined or Failed. A Failed session cannot be
// restarted; create a new Controller.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	grant, err := c.tokens.FetchToken(ctx, c.opts.DeviceID)
	if err != nil {
		return c.fail(fmt.Errorf("fetch token: %w", err))
	}
	c.mu.Lock()
	c.identity = grant.Identity
	c.mu.Unlock()
	c.transition(StateTokenFetched)

	client, err := c.dialer.Dial(ctx, transport.Credentials{Token: grant.Token, Identity: grant.Identity}, c)
	if err != nil {
		return c.fail(fmt.Errorf("connect: %w", classify(err, domain.ErrNetwork)))
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
	if c.tornDown() {
		return c.fail(fmt.Errorf("connect: %w", context.Canceled))
	}
	c.transition(StateConnected)

	c.transition(StateChannelResolving)
	ch, err := resolver.New(client, c.opts.FriendlyName, c.logger).Resolve(ctx, c.opts.ChannelName)
	if err != nil {
		return c.fail(fmt.Errorf("resolve channel %q: %w", c.opts.ChannelName, err))
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	c.transition(StateJoining)
	if ch.Info().Membership != domain.MembershipJoined {
		if err := ch.Join(ctx); err != nil {
			return c.fail(fmt.Errorf("join %s: %w", ch.Info().Title(), classify(err, domain.ErrChannelUnavailable)))
		}
	}
	c.transition(StateJoined)

	if err := c.reload(ctx); err != nil {
		c.logger.Warn("initial history load failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.tornDown() {
		c.mu.Unlock()
		cancel()
		return nil
	}
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()
	go c.run(loopCtx)
	return nil
}

func (c *Controller) tornDown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SendMessage posts body to the joined channel.
func (c *Controller) SendMessage(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return domain.ErrEmptyMessage
	}
	c.mu.Lock()
	st, ch := c.state, c.channel
	c.mu.Unlock()
	if st != StateJoined || ch == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotReady, st)
	}
	if err := ch.Send(ctx, body); err != nil {
		return fmt.Errorf("send: %w", classify(err, domain.ErrNetwork))
	}
	return nil
}

// Teardown stops event processing and closes the backend client. Idempotent.
func (c *Controller) Teardown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		cancel, client := c.cancel, c.client
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		if client != nil {
			err = client.Close()
		}
	})
	return err
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Err returns the failure reason once the session is Failed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Channel returns the resolved channel, or the zero value before resolution.
func (c *Controller) Channel() domain.Channel {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return domain.Channel{}
	}
	return ch.Info()
}

// OnMessageAdded implements transport.EventHandler.
func (c *Controller) OnMessageAdded(channelSID string, msg domain.Message) {
	c.enqueue(event{kind: eventMessageAdded, channelSID: channelSID, message: msg})
}

// OnHistoryLoaded implements transport.EventHandler.
func (c *Controller) OnHistoryLoaded(channelSID string) {
	c.enqueue(event{kind: eventHistoryLoaded, channelSID: channelSID})
}

func (c *Controller) enqueue(ev event) {
	if c.tornDown() {
		return
	}

	c.qmu.Lock()
	c.seq++
	ev.seq = c.seq
	pending := ev.kind == eventHistoryLoaded && lo.ContainsBy(c.queue, func(q event) bool {
		return q.kind == eventHistoryLoaded && q.channelSID == ev.channelSID
	})
	if !pending {
		c.queue = append(c.queue, ev)
	}
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		c.qmu.Lock()
		batch := c.queue
		c.queue = make([]event, 0, cap(batch))
		c.qmu.Unlock()

		for _, ev := range batch {
			if ctx.Err() != nil {
				return
			}
			c.apply(ctx, ev)
		}
	}
}

func (c *Controller) apply(ctx context.Context, ev event) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil || ev.channelSID != ch.Info().SID {
		c.logger.Debug("dropping event for other channel", zap.String("sid", ev.channelSID))
		return
	}

	switch ev.kind {
	case eventMessageAdded:
		c.store.AppendLive(ev.message)
	case eventHistoryLoaded:
		c.qmu.Lock()
		covered := ev.seq <= c.synced
		c.qmu.Unlock()
		if covered {
			return
		}
		if err := c.reload(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("history reload failed", zap.Error(err))
		}
	}
}

func (c *Controller) reload(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	// Any historyLoaded already queued is answered by this load.
	c.qmu.Lock()
	mark := c.seq
	c.qmu.Unlock()

	history, err := ch.LoadHistory(ctx)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	c.store.ClearAndLoad(history)

	c.qmu.Lock()
	c.synced = max(c.synced, mark)
	c.qmu.Unlock()
	c.logger.Debug("history loaded", zap.Int("count", len(history)))
	return nil
}

func (c *Controller) transition(s State) {
	c.mu.Lock()
	c.state = s
	status := c.statusLocked()
	notify := c.onState
	c.mu.Unlock()

	c.logger.Info("session state", zap.Stringer("state", s), zap.String("identity", status.Identity))
	if notify != nil {
		notify(status)
	}
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state = StateFailed
	c.err = err
	client := c.client
	c.client, c.channel = nil, nil
	status := c.statusLocked()
	notify := c.onState
	c.mu.Unlock()

	c.logger.Error("session failed", zap.Error(err))
	if client != nil {
		if cerr := client.Close(); cerr != nil {
			c.logger.Warn("close client", zap.Error(cerr))
		}
	}
	if notify != nil {
		notify(status)
	}
	return err
}

func (c *Controller) statusLocked() Status {
	st := Status{State: c.state, Identity: c.identity, Err: c.err}
	if c.channel != nil {
		st.Channel = c.channel.Info()
	}
	return st
}

// classify wraps err with kind unless it already carries a known category.
func classify(err, kind error) error {
	for _, known := range []error{
		domain.ErrNetwork,
		domain.ErrAuth,
		domain.ErrChannelUnavailable,
		domain.ErrJoinConflict,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", kind, err)
}
