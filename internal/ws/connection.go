package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is a single WebSocket client. Outbound frames go through a
// bounded queue drained by one writer goroutine, so Send never blocks the
// relay's fan-out.
type Connection struct {
	id        string
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups, -1 off Linux
	CreatedAt time.Time // when the connection was established

	lastSeen     atomic.Int64 // unix nanos of the last inbound frame
	drops        atomic.Int32 // consecutive dropped sends
	maxDrops     int32
	writeTimeout time.Duration

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	evicting  atomic.Bool
	onEvict   func(c *Connection)

	writeMu    sync.Mutex // serializes frames from the writer and heartbeat
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

func newConnection(id string, conn net.Conn, queue, maxDrops int, writeTimeout time.Duration, onEvict func(*Connection)) *Connection {
	if queue <= 0 {
		queue = 1
	}
	c := &Connection{
		id:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		maxDrops:     int32(maxDrops),
		writeTimeout: writeTimeout,
		out:          make(chan []byte, queue),
		done:         make(chan struct{}),
		onEvict:      onEvict,
	}
	c.touch()
	return c
}

// ID returns the connection's session id.
func (c *Connection) ID() string { return c.id }

// Send queues data for the writer goroutine. It reports false when the queue
// is full or the connection is closed. Too many consecutive full-queue drops
// evict the connection.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- data:
		c.drops.Store(0)
		return true
	default:
	}

	if n := c.drops.Add(1); c.maxDrops > 0 && n >= c.maxDrops {
		// Eviction re-enters the hub, which may hold a room lock right now.
		c.evict()
	}
	return false
}

// evict hands the connection to onEvict once, off the caller's goroutine.
func (c *Connection) evict() {
	if c.onEvict == nil || !c.evicting.CompareAndSwap(false, true) {
		return
	}
	go c.onEvict(c)
}

// writeLoop drains the outbound queue until the connection closes. A failed
// write evicts the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.WriteMessage(data); err != nil {
				c.evict()
				return
			}
		}
	}
}

// WriteMessage writes one text frame directly, bypassing the queue.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the last inbound frame arrived.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close stops the writer and closes the network connection. Safe to call
// more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by session id and by net.Conn for the epoll read path.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.id] = c
	cm.byConn[c.Conn] = c
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection with the given id. It returns
// false if the connection was already gone, so concurrent removers (read
// error, heartbeat, stall eviction) clean up exactly once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for the given session id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	c := cm.byID[id]
	cm.mu.RUnlock()
	return c
}

// GetByConn returns the connection wrapping netConn, or nil.
func (cm *ConnectionManager) GetByConn(netConn net.Conn) *Connection {
	cm.mu.RLock()
	c := cm.byConn[netConn]
	cm.mu.RUnlock()
	return c
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
