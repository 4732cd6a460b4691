package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/metrics"
	"github.com/manpreetbhatti/lattice-board/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 512

	// CloseLoginRequired closes connections that need an authenticated user.
	CloseLoginRequired = 3000
	// violations tolerated before a flooding connection is dropped
	maxRateLimitWarnings = 1000
)

// Limits bound what a single connection may send.
type Limits struct {
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

var DefaultLimits = Limits{
	MessagesPerSecond: 100,
	Burst:             200,
	MaxMessageSize:    1024 * 1024,
}

// Client is one websocket connection. Frames queued with Send are written
// by writePump; the reader runs on the goroutine that served the upgrade.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	once        sync.Once
	rateLimiter *ratelimit.Limiter
	limits      Limits
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func newClient(conn *websocket.Conn, limits Limits, m *metrics.Metrics, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(limits.MessagesPerSecond, limits.Burst),
		limits:      limits,
		metrics:     m,
		logger:      logger.With(zap.String("conn", id)),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues frame for writing. It never blocks; a full buffer drops the frame.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close stops the writer after it flushed what is already queued.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump hands every accepted text frame to handle until the peer goes away.
func (c *Client) readPump(handle func([]byte)) {
	c.conn.SetReadLimit(c.limits.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", zap.Int("type", messageType))
			continue
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			c.metrics.RateLimited()
			if rateLimitWarnings%100 == 1 {
				c.logger.Warn("rate limit exceeded", zap.Int("warnings", rateLimitWarnings))
			}
			if rateLimitWarnings > maxRateLimitWarnings {
				c.logger.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		handle(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// refuse writes frame and closes the connection with code. Only used
// before writePump started.
func (c *Client) refuse(frame []byte, code int, reason string) {
	defer c.conn.Close()
	if frame != nil {
		if err := c.write(frame); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
