package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "lattice:room:"

// Channel is the redis channel carrying broadcasts of room.
func Channel(room string) string {
	return channelPrefix + room
}

// Redis relays broadcasts through redis pub/sub so that members connected to
// other processes receive them. Each process holds one subscription per room
// with local members and fans received envelopes out through a Local bus.
type Redis struct {
	client *redis.Client
	local  *Local
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[string]*roomFeed
}

type roomFeed struct {
	pubsub *redis.PubSub
	refs   int
	done   chan struct{}
}

var _ Bus = (*Redis)(nil)

// NewRedis connects to the server at url (redis://host:port/db).
func NewRedis(ctx context.Context, url string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("bus: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: ping redis: %w", err)
	}
	return NewRedisWithClient(client, logger), nil
}

func NewRedisWithClient(client *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		local:  NewLocal(logger),
		logger: logger,
		rooms:  make(map[string]*roomFeed),
	}
}

func (r *Redis) Subscribe(ctx context.Context, room, memberID string, deliver Deliver) (Subscription, error) {
	if err := r.acquire(ctx, room); err != nil {
		return nil, err
	}
	sub, err := r.local.Subscribe(ctx, room, memberID, deliver)
	if err != nil {
		r.release(room)
		return nil, err
	}
	return &redisSubscription{bus: r, room: room, inner: sub}, nil
}

func (r *Redis) acquire(ctx context.Context, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if feed, ok := r.rooms[room]; ok {
		feed.refs++
		return nil
	}

	pubsub := r.client.Subscribe(ctx, Channel(room))
	// wait for the confirmation so no broadcast published after Subscribe
	// returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("bus: subscribe %s: %w", room, err)
	}

	feed := &roomFeed{pubsub: pubsub, refs: 1, done: make(chan struct{})}
	r.rooms[room] = feed
	go r.relay(room, feed)

	r.logger.Debug("redis channel subscribed", zap.String("room", room))
	return nil
}

func (r *Redis) release(room string) {
	r.mu.Lock()
	feed, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	feed.refs--
	if feed.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, room)
	r.mu.Unlock()

	if err := feed.pubsub.Close(); err != nil {
		r.logger.Warn("redis unsubscribe failed", zap.String("room", room), zap.Error(err))
	}
	<-feed.done
}

func (r *Redis) relay(room string, feed *roomFeed) {
	defer close(feed.done)
	for msg := range feed.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("dropping malformed envelope", zap.String("room", room), zap.Error(err))
			continue
		}
		if env.Room != room {
			continue
		}
		if err := r.local.Publish(context.Background(), env); err != nil {
			return
		}
	}
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(env.Room), data).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", env.Room, err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	feeds := r.rooms
	r.rooms = make(map[string]*roomFeed)
	r.mu.Unlock()

	for _, feed := range feeds {
		feed.pubsub.Close()
		<-feed.done
	}
	r.local.Close()
	return r.client.Close()
}

type redisSubscription struct {
	bus   *Redis
	room  string
	inner Subscription
	once  sync.Once
}

func (s *redisSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		s.bus.release(s.room)
	})
}
