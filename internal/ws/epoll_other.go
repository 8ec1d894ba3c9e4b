//go:build !linux

package ws

import (
	"net"
	"sync"
	"time"
)

// Epoll is the portable stand-in for Linux epoll. Each connection is reported
// ready, then held back until the server Rearms it after a read attempt, so
// at most one worker reads a connection at a time and no bytes are consumed
// outside the frame reader.
type Epoll struct {
	mu      sync.Mutex
	rearm   map[net.Conn]chan struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts reporting conn.
func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.rearm[conn] = ch
	e.mu.Unlock()

	go e.monitor(conn, ch)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm lets conn be reported again.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	ch := e.rearm[conn]
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove stops reporting conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	ch, ok := e.rearm[conn]
	delete(e.rearm, conn)
	e.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait blocks up to timeoutMs (-1 for forever) for at least one ready
// connection and returns every connection ready at that point.
func (e *Epoll) Wait(timeoutMs int) ([]net.Conn, error) {
	var timeout <-chan time.Time
	if timeoutMs >= 0 {
		t := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer t.Stop()
		timeout = t.C
	}

	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-timeout:
		return nil, nil
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the poller.
func (e *Epoll) Close() error {
	close(e.done)
	return nil
}

// socketFD is unused off Linux.
func socketFD(net.Conn) int {
	return -1
}
