// Package client is a thin relay client for load tests. Unlike the session
// controller it does no interpolation or local state; it just joins rooms,
// sends raw protocol messages and hands every decoded server message to the
// registered handlers.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sillycats/presence/internal/protocol"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated member.
type Client struct {
	conn net.Conn
	user string

	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(msg interface{})

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading. Handlers must be registered before the
// first message they care about can arrive, i.e. before Join.
func New(ctx context.Context, url, user string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		user:     user,
		handlers: make(map[string]func(interface{})),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// User returns the username this client joins with.
func (c *Client) User() string { return c.user }

// On registers the handler for a server message type, replacing any earlier
// one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(msg interface{})) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Send encodes and writes a client message. It is goroutine-safe.
func (c *Client) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientText(c.conn, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Join sends a join for room.
func (c *Client) Join(room string) error {
	return c.Send(protocol.TypeJoin, protocol.JoinMsg{User: c.user, Room: room})
}

// Pos sends a position sample stamped with the current time.
func (c *Client) Pos(room string, x, z, yaw float64) error {
	return c.Send(protocol.TypePos, protocol.PosMsg{
		User: c.user, Room: room, PosX: x, PosZ: z, RotY: yaw, Time: protocol.Now(),
	})
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		msgType, msg, err := protocol.ParseServerMessage(data)

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[msgType]
		c.mu.Unlock()

		if err == nil && handler != nil {
			handler(msg)
		}
	}
}
