package room

import (
	"sync"

	"github.com/manpreetbhatti/lattice-board/internal/bus"
	"github.com/manpreetbhatti/lattice-board/internal/tasks"
)

// Conn is the transport side of a joined connection.
type Conn interface {
	ID() string
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
}

// Session is the immutable context of one joined connection, handed to
// every handler.
type Session struct {
	ConnID          string
	Room            string
	Pseudonym       string
	Anonymous       bool
	TrackingEnabled bool
}

// Member is a connection that joined a room's broadcast group.
type Member struct {
	Session Session

	conn  Conn
	sub   bus.Subscription
	group *tasks.Group
	once  sync.Once

	// Deleted element versions this connection already saved. Only the
	// connection's reader touches it.
	knownDeleted map[string]int64
}

func newMember(s Session, conn Conn, group *tasks.Group) *Member {
	return &Member{
		Session:      s,
		conn:         conn,
		group:        group,
		knownDeleted: make(map[string]int64),
	}
}

// KnownDeleted returns a copy of the deletions remembered for this connection.
func (m *Member) KnownDeleted() map[string]int64 {
	out := make(map[string]int64, len(m.knownDeleted))
	for id, v := range m.knownDeleted {
		out[id] = v
	}
	return out
}

// WaitBackground blocks until the member's background tasks returned.
func (m *Member) WaitBackground() {
	m.group.Wait()
}
