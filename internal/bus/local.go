package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type member struct {
	room    string
	id      string
	deliver Deliver
}

type request struct {
	member *member
	ack    chan struct{}
}

type broadcast struct {
	env  Envelope
	done chan struct{}
}

// Local is the in-process bus. A single goroutine owns the membership table,
// so broadcasts are delivered in the order they were published.
type Local struct {
	// Members by room
	rooms map[string]map[*member]struct{}

	register   chan request
	unregister chan request
	broadcast  chan broadcast

	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

var _ Bus = (*Local)(nil)

func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Local{
		rooms:      make(map[string]map[*member]struct{}),
		register:   make(chan request),
		unregister: make(chan request),
		broadcast:  make(chan broadcast),
		done:       make(chan struct{}),
		logger:     logger,
	}
	go l.run()
	return l
}

func (l *Local) run() {
	for {
		select {
		case <-l.done:
			return

		case req := <-l.register:
			m := req.member
			if _, ok := l.rooms[m.room]; !ok {
				l.rooms[m.room] = make(map[*member]struct{})
			}
			l.rooms[m.room][m] = struct{}{}
			l.logger.Debug("member subscribed",
				zap.String("room", m.room),
				zap.String("member", m.id),
				zap.Int("members", len(l.rooms[m.room])))
			close(req.ack)

		case req := <-l.unregister:
			m := req.member
			if members, ok := l.rooms[m.room]; ok {
				delete(members, m)
				if len(members) == 0 {
					delete(l.rooms, m.room)
					l.logger.Debug("room group empty", zap.String("room", m.room))
				}
			}
			close(req.ack)

		case b := <-l.broadcast:
			for m := range l.rooms[b.env.Room] {
				if m.id != b.env.Origin {
					m.deliver(b.env.Payload)
				}
			}
			close(b.done)
		}
	}
}

func (l *Local) Subscribe(ctx context.Context, room, memberID string, deliver Deliver) (Subscription, error) {
	m := &member{room: room, id: memberID, deliver: deliver}
	if err := l.send(ctx, l.register, m); err != nil {
		return nil, err
	}
	return &localSubscription{bus: l, member: m}, nil
}

func (l *Local) send(ctx context.Context, ch chan request, m *member) error {
	req := request{member: m, ack: make(chan struct{})}
	select {
	case ch <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
	<-req.ack
	return nil
}

// Publish returns once the envelope was handed to every local member.
func (l *Local) Publish(ctx context.Context, env Envelope) error {
	b := broadcast{env: env, done: make(chan struct{})}
	select {
	case l.broadcast <- b:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
	<-b.done
	return nil
}

func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

type localSubscription struct {
	bus    *Local
	member *member
	once   sync.Once
}

func (s *localSubscription) Unsubscribe() {
	s.once.Do(func() {
		_ = s.bus.send(context.Background(), s.bus.unregister, s.member)
	})
}
