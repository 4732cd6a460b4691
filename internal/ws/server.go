// Package ws serves the collaboration and replay websocket endpoints.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/metrics"
	"github.com/manpreetbhatti/lattice-board/internal/protocol"
	"github.com/manpreetbhatti/lattice-board/internal/replay"
	"github.com/manpreetbhatti/lattice-board/internal/room"
	"github.com/manpreetbhatti/lattice-board/internal/store"
)

type Options struct {
	Hub           *room.Hub
	Authenticator auth.Authenticator
	// Access decides replay access; collaboration access is decided by the hub.
	Access         auth.AccessResolver
	Log            store.LogStore
	ReplayCeiling  time.Duration
	Limits         Limits
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

type Server struct {
	hub      *room.Hub
	authn    auth.Authenticator
	access   auth.AccessResolver
	log      store.LogStore
	ceiling  time.Duration
	limits   Limits
	metrics  *metrics.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	s := &Server{
		hub:     opts.Hub,
		authn:   opts.Authenticator,
		access:  opts.Access,
		log:     opts.Log,
		ceiling: opts.ReplayCeiling,
		limits:  opts.Limits,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.access == nil {
		s.access = auth.Policy{}
	}
	if s.limits == (Limits{}) {
		s.limits = DefaultLimits
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

func (s *Server) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if s.authn == nil {
		return auth.AnonymousIdentity(), true
	}
	id, err := s.authn.Authenticate(r)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	return id, true
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*Client, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil, false
	}
	return newClient(conn, s.limits, s.metrics, s.logger), true
}

func loginRequired() []byte {
	frame, _ := protocol.Encode(protocol.NewSignal(protocol.LoginRequired))
	return frame
}

// Collaborate serves /ws/collaborate/{room}.
func (s *Server) Collaborate(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "room")
	if !room.ValidName(roomName) {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	client, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	logger := client.logger.With(zap.String("room", roomName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	member, err := s.hub.Join(ctx, client, id, roomName)
	switch {
	case errors.Is(err, room.ErrAccessDenied):
		logger.Info("login required")
		client.refuse(loginRequired(), CloseLoginRequired, "login required")
		return
	case errors.Is(err, room.ErrRoomNotFound):
		client.refuse(nil, websocket.ClosePolicyViolation, "room not found")
		return
	case err != nil:
		logger.Error("join failed", zap.Error(err))
		client.refuse(nil, websocket.CloseInternalServerErr, "join failed")
		return
	}

	s.metrics.Connected(auth.Collaborate.String())
	defer s.metrics.Disconnected(auth.Collaborate.String())
	go client.writePump()
	defer client.close()
	defer s.hub.Leave(member, room.Disconnected)

	client.readPump(func(frame []byte) {
		err := s.hub.Dispatch(ctx, member, frame)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrProtocolViolation):
			logger.Warn("protocol violation", zap.Error(err))
		default:
			logger.Error("event failed", zap.Error(err))
		}
	})
}

// Replay serves /ws/replay/{room}.
func (s *Server) Replay(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "room")
	if !room.ValidName(roomName) {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}
	id, ok := s.identify(w, r)
	if !ok {
		return
	}
	allowed, err := s.access.ResolveAccess(r.Context(), id, roomName, auth.Replay)
	if err != nil {
		s.logger.Error("resolve replay access", zap.String("room", roomName), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	client, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	if !allowed {
		client.refuse(loginRequired(), CloseLoginRequired, "login required")
		return
	}

	s.metrics.Connected(auth.Replay.String())
	defer s.metrics.Disconnected(auth.Replay.String())
	go client.writePump()
	defer client.close()

	session := replay.NewSession(client, replay.Options{
		Store:   s.log,
		Room:    roomName,
		Ceiling: s.ceiling,
		Metrics: s.metrics,
		Logger:  client.logger,
	})
	defer session.Close()
	client.readPump(func(frame []byte) {
		if err := session.Handle(frame); err != nil {
			client.logger.Debug("replay control dropped", zap.Error(err))
		}
	})
}
