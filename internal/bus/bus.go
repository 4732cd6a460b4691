// Package bus fans room broadcasts out to every member of a room, on this
// process or on others.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus: closed")

// Envelope is one broadcast. Members whose id equals Origin do not receive it.
type Envelope struct {
	Room    string `json:"room"`
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// Deliver hands a payload to a member. It must not block.
type Deliver func(payload []byte)

type Subscription interface {
	// Unsubscribe stops delivery. No delivery happens after it returns.
	Unsubscribe()
}

type Bus interface {
	Subscribe(ctx context.Context, room, memberID string, deliver Deliver) (Subscription, error)
	Publish(ctx context.Context, env Envelope) error
	Close() error
}
