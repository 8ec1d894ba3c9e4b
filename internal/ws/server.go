// Package ws is the server side of the message channel: it upgrades HTTP
// connections to WebSocket, reads frames through epoll and a bounded worker
// pool, and hands every text frame to the relay. Each connection implements
// relay.Channel with its own bounded outbound queue.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/sillycats/presence/internal/metrics"
	"github.com/sillycats/presence/internal/protocol"
	"github.com/sillycats/presence/internal/relay"
)

// maxFrameSize caps a single inbound data frame.
const maxFrameSize = 64 << 10

// Router receives inbound traffic. *relay.Hub implements it.
type Router interface {
	Handle(ch relay.Channel, data []byte)
	Leave(ch relay.Channel)
	ListRooms() []protocol.RoomInfo
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8000"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueue      int           // per-connection outbound queue length
	MaxDrops       int           // consecutive dropped sends before eviction
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8000",
		WorkerPoolSize: 256,
		MaxConnections: 1000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueue:      64,
		MaxDrops:       256,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts WebSocket clients and feeds their frames to a Router.
type Server struct {
	config     ServerConfig
	router     Router
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server that routes every inbound text frame to router.
func NewServer(config ServerConfig, router Router) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		router:     router,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/rooms", s.handleRooms)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s
}

// Start listens on ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve creates the epoll instance, starts the event loop and heartbeat, and
// serves HTTP on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d, send_queue=%d)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections, s.config.SendQueue)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request with the gobwas zero-copy upgrader and
// registers the new connection with the manager and epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendQueue, s.config.MaxDrops,
		s.config.WriteTimeout, s.evict)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", c.ID(), err)
		s.conns.Remove(c.ID())
		return
	}
	go c.writeLoop()
	metrics.ConnectionsTotal.Inc()

	log.Printf("ws: new connection session=%s fd=%d (total=%d)", c.ID(), c.Fd, s.conns.Count())
}

// handleRooms serves the lobby listing as JSON.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rooms := s.router.ListRooms()
	if rooms == nil {
		rooms = []protocol.RoomInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rooms)
}

// handleHealth reports connection count and uptime for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands each ready connection to a worker goroutine, bounded
// by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait(100)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Read failures other
// than a timeout remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report a connection that a worker is
	// already reading.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Rearm(netConn)

	// The deadline covers the whole frame so a peer that stalls mid-payload
	// cannot hold the worker.
	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// No data after all; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	if header.Length > maxFrameSize {
		log.Printf("ws: frame too large session=%s len=%d", c.ID(), header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.router.Handle(c, data)
}

func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		s.RemoveConnection(c)
		return
	}

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
	case ws.OpPing:
		c.writeMu.Lock()
		err := ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
		c.writeMu.Unlock()
		if err != nil {
			s.RemoveConnection(c)
		}
	}
}

// evict removes a connection whose queue stalled or whose writer failed.
func (s *Server) evict(c *Connection) {
	log.Printf("ws: evicting stalled session=%s", c.ID())
	s.RemoveConnection(c)
}

// RemoveConnection unregisters, closes and leaves the connection. Concurrent
// callers clean up exactly once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID()) {
		return
	}

	s.router.Leave(c)
	metrics.ConnectionsTotal.Dec()

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID(), s.conns.Count())
}

// Connections returns the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, stops the event loop and heartbeat,
// and closes every connection. Each closed connection leaves its room.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR reports an interrupted system call, which is retried.
func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}
