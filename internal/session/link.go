package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sillycats/presence/internal/protocol"
)

// maxFrameSize caps a single inbound frame from the relay.
const maxFrameSize = 1 << 20

// link is one open channel to the relay. It is never reused after it closes.
type link struct {
	conn         net.Conn
	r            io.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func dial(ctx context.Context, url string, writeTimeout time.Duration) (*link, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &link{
		conn:         conn,
		r:            r,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}, nil
}

// send encodes and writes one client message.
func (l *link) send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}
	return l.write(func(w io.Writer) error {
		return wsutil.WriteClientText(w, data)
	})
}

func (l *link) write(fn func(w io.Writer) error) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
		defer l.conn.SetWriteDeadline(time.Time{})
	}
	if err := fn(l.conn); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// readLoop decodes relay frames and hands them to push until the link
// fails, then pushes a disconnect marker. A kicked message closes the link
// after it has been delivered.
func (l *link) readLoop(push func(inbound)) {
	defer func() {
		l.close()
		push(inbound{msgType: typeDisconnected, link: l})
	}()

	for {
		header, err := ws.ReadHeader(l.r)
		if err != nil {
			l.logReadErr(err)
			return
		}
		if header.Length > maxFrameSize {
			log.Printf("[session] frame too large: %d bytes", header.Length)
			return
		}
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(l.r, payload); err != nil {
			l.logReadErr(err)
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := l.write(func(w io.Writer) error {
				return ws.WriteFrame(w, ws.MaskFrame(ws.NewPongFrame(payload)))
			}); err != nil {
				return
			}
			continue
		case ws.OpText, ws.OpBinary:
		default:
			continue
		}

		msgType, msg, err := protocol.ParseServerMessage(payload)
		if err != nil {
			log.Printf("[session] ignoring message: %v", err)
			continue
		}
		push(inbound{msgType: msgType, msg: msg, link: l})

		if msgType == protocol.TypeKicked {
			return
		}
	}
}

func (l *link) logReadErr(err error) {
	select {
	case <-l.done:
	default:
		log.Printf("[session] connection lost: %v", err)
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}
