// Package devserver is a local backend for the quickstart. It issues guest
// tokens over HTTP and serves the ws frame protocol on top of a memory.Hub.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/brentschooley/ipm-ux/internal/domain"
	"github.com/brentschooley/ipm-ux/internal/transport"
	"github.com/brentschooley/ipm-ux/internal/transport/memory"
	"github.com/brentschooley/ipm-ux/internal/transport/ws"
)

const (
	DefaultTokenTTL = time.Hour
	writeTimeout    = 5 * time.Second
)

type Server struct {
	hub      *memory.Hub
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func New(hub *memory.Hub, secret []byte, tokenTTL time.Duration, logger *zap.Logger) *Server {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:      hub,
		secret:   secret,
		tokenTTL: tokenTTL,
		now:      time.Now,
		logger:   logger.Named("devserver"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
}

// Close drops every open WebSocket session. http.Server.Shutdown does not
// track hijacked connections, so register it with RegisterOnShutdown.
func (s *Server) Close() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		_ = sess.conn.Close()
	}
}

func (s *Server) track(sess *session, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
}

// Handler routes /token (and the legacy /token.php) and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/token.php", s.handleToken)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

type tokenResponse struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	device := r.URL.Query().Get("device")
	if device == "" {
		http.Error(w, "device is required", http.StatusBadRequest)
		return
	}

	identity := GuestIdentity(device)
	signed, exp, err := s.issue(identity, device)
	if err != nil {
		s.logger.Error("issue token", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("token issued", zap.String("identity", identity), zap.String("device", device))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{Token: signed, Identity: identity, ExpiresAt: exp})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	identity, err := s.verify(raw)
	if err != nil {
		s.logger.Info("rejected connection", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade", zap.Error(err))
		return
	}

	sess := &session{
		conn:     conn,
		logger:   s.logger.With(zap.String("identity", identity)),
		channels: make(map[string]transport.Channel),
	}
	client, err := s.hub.Dial(r.Context(), transport.Credentials{Token: raw, Identity: identity}, sess)
	if err != nil {
		sess.logger.Warn("hub dial", zap.Error(err))
		_ = conn.Close()
		return
	}
	sess.client = client

	s.track(sess, true)
	defer s.track(sess, false)
	sess.serve()
}

// session bridges one WebSocket connection to one hub client.
type session struct {
	conn   *websocket.Conn
	client transport.Client
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]transport.Channel
}

func (s *session) serve() {
	defer func() {
		_ = s.client.Close()
		_ = s.conn.Close()
		s.logger.Info("session closed")
	}()
	s.logger.Info("session opened")

	for {
		var req ws.Request
		if err := s.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read", zap.Error(err))
			}
			return
		}

		resp := s.handle(context.Background(), req)
		resp.ID = req.ID
		if err := s.write(resp); err != nil {
			s.logger.Debug("write", zap.Error(err))
			return
		}
	}
}

func (s *session) handle(ctx context.Context, req ws.Request) ws.Frame {
	var resp ws.Frame
	var err error

	switch req.Op {
	case ws.OpListChannels:
		var chs []transport.Channel
		if chs, err = s.client.ListChannels(ctx); err == nil {
			s.remember(chs...)
			resp.Channels = lo.Map(chs, func(ch transport.Channel, _ int) ws.ChannelInfo {
				return ws.ChannelFromDomain(ch.Info())
			})
		}
	case ws.OpCreateChannel:
		var ch transport.Channel
		if ch, err = s.client.CreateChannel(ctx, req.FriendlyName, req.Kind); err == nil {
			s.remember(ch)
			resp.Channel = lo.ToPtr(ws.ChannelFromDomain(ch.Info()))
		}
	case ws.OpSetUniqueName, ws.OpJoin, ws.OpHistory, ws.OpSend:
		resp, err = s.handleChannelOp(ctx, req)
	default:
		return ws.Frame{Error: &ws.Error{Code: ws.CodeBadRequest, Message: fmt.Sprintf("unknown op %q", req.Op)}}
	}

	if err != nil {
		s.logger.Debug("request failed", zap.String("op", req.Op), zap.Error(err))
		wireErr := ws.ErrorFrom(err)
		if errors.Is(err, errUnknownChannel) {
			wireErr.Code = ws.CodeNotFound
		}
		return ws.Frame{Error: wireErr}
	}
	return resp
}

func (s *session) handleChannelOp(ctx context.Context, req ws.Request) (ws.Frame, error) {
	ch, err := s.lookup(ctx, req.ChannelSID)
	if err != nil {
		return ws.Frame{}, err
	}

	var resp ws.Frame
	switch req.Op {
	case ws.OpSetUniqueName:
		err = ch.SetUniqueName(ctx, req.UniqueName)
		resp.Channel = lo.ToPtr(ws.ChannelFromDomain(ch.Info()))
	case ws.OpJoin:
		err = ch.Join(ctx)
		resp.Channel = lo.ToPtr(ws.ChannelFromDomain(ch.Info()))
	case ws.OpHistory:
		var msgs []domain.Message
		msgs, err = ch.LoadHistory(ctx)
		resp.Messages = lo.Map(msgs, func(m domain.Message, _ int) ws.MessageInfo {
			return ws.MessageFromDomain(m)
		})
	case ws.OpSend:
		err = ch.Send(ctx, req.Body)
	}
	return resp, err
}

var errUnknownChannel = errors.New("unknown channel")

func (s *session) lookup(ctx context.Context, sid string) (transport.Channel, error) {
	s.mu.Lock()
	ch, ok := s.channels[sid]
	s.mu.Unlock()
	if ok {
		return ch, nil
	}

	chs, err := s.client.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	s.remember(chs...)
	ch, ok = lo.Find(chs, func(ch transport.Channel) bool { return ch.Info().SID == sid })
	if !ok {
		return nil, fmt.Errorf("%w: %w %s", domain.ErrChannelUnavailable, errUnknownChannel, sid)
	}
	return ch, nil
}

func (s *session) remember(chs ...transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range chs {
		s.channels[ch.Info().SID] = ch
	}
}

func (s *session) write(f ws.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(f)
}

// OnMessageAdded implements transport.EventHandler.
func (s *session) OnMessageAdded(channelSID string, msg domain.Message) {
	m := ws.MessageFromDomain(msg)
	if err := s.write(ws.Frame{Event: ws.EventMessageAdded, ChannelSID: channelSID, Message: &m}); err != nil {
		s.logger.Debug("push message", zap.Error(err))
	}
}

// OnHistoryLoaded implements transport.EventHandler.
func (s *session) OnHistoryLoaded(channelSID string) {
	if err := s.write(ws.Frame{Event: ws.EventHistoryLoaded, ChannelSID: channelSID}); err != nil {
		s.logger.Debug("push history_loaded", zap.Error(err))
	}
}
