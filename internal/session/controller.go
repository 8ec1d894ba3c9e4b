// Package session is the client side of the relay: it owns the local
// identity and current room, keeps the channel to the relay, emits the local
// avatar's position, and turns relay traffic into presence updates and UI
// events.
//
// Network reads happen on a background goroutine and are queued. The owner
// applies them by calling Tick once per frame; Tick, Move and the accessors
// for the directory are meant for that one goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sillycats/presence/internal/motion"
	"github.com/sillycats/presence/internal/presence"
	"github.com/sillycats/presence/internal/protocol"
)

var (
	ErrNotConnected = errors.New("session: not connected")
	ErrNoName       = errors.New("session: display name not set")
	ErrNoRoom       = errors.New("session: not in a room")
	ErrNoTarget     = errors.New("session: kick target is empty")
)

// Config holds client settings.
type Config struct {
	URL          string        // relay WebSocket URL
	PosInterval  time.Duration // periodic pos emission interval
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Rate         float64 // interpolation rate constant
}

// DefaultConfig returns settings for a relay on localhost.
func DefaultConfig() Config {
	return Config{
		URL:          "ws://localhost:8000/ws",
		PosInterval:  150 * time.Millisecond,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Rate:         motion.DefaultRate,
	}
}

type pose struct {
	pos presence.Vec3
	yaw float64
}

// Controller is one client session.
type Controller struct {
	cfg    Config
	dir    *presence.Directory
	engine *motion.Engine

	mu      sync.Mutex
	link    *link
	name    string
	room    string
	host    string
	members []string
	pose    pose
	inbox   []inbound
	pending []Event
}

// New creates a disconnected Controller.
func New(cfg Config) *Controller {
	if cfg.PosInterval <= 0 {
		cfg.PosInterval = DefaultConfig().PosInterval
	}
	return &Controller{
		cfg:    cfg,
		dir:    presence.NewDirectory(""),
		engine: motion.New(cfg.Rate),
	}
}

// Directory returns the avatars known to this client.
func (c *Controller) Directory() *presence.Directory { return c.dir }

// Connect opens the channel to the relay. If a name and room are already
// set it joins that room. Connecting while connected is a no-op.
func (c *Controller) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	l, err := dial(ctx, c.cfg.URL, c.cfg.WriteTimeout)
	if err != nil {
		return fmt.Errorf("session: connect %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		l.close()
		return nil
	}
	c.link = l
	name, room := c.name, c.room
	c.pending = append(c.pending, Event{Kind: EventConnected, Time: protocol.Now()})
	c.mu.Unlock()

	go l.readLoop(c.push)
	go c.emitPositions(l)
	log.Printf("[session] connected to %s", c.cfg.URL)

	if name != "" && room != "" {
		return l.send(protocol.TypeJoin, protocol.JoinMsg{User: name, Room: room})
	}
	return nil
}

// Close disconnects. The disconnect is reported by the next Tick.
func (c *Controller) Close() {
	c.mu.Lock()
	l := c.link
	c.link = nil
	if l != nil {
		c.pending = append(c.pending, Event{Kind: EventDisconnected, Time: protocol.Now()})
	}
	c.mu.Unlock()
	if l != nil {
		l.close()
		log.Printf("[session] closed connection to %s", c.cfg.URL)
	}
}

// SetName sets the local identity and, if connected and in a room, joins
// under it.
func (c *Controller) SetName(name string) error {
	name = protocol.NormalizeName(name)
	if name == "" {
		return ErrNoName
	}

	c.mu.Lock()
	old := c.name
	c.name = name
	l, room := c.link, c.room
	p := c.pose
	c.mu.Unlock()

	if old != "" && old != name {
		c.dir.Remove(old)
	}
	c.dir.SetLocal(name)
	h, _ := c.dir.Assign(name)
	if a := c.dir.Get(h); a != nil {
		a.Position, a.Yaw = p.pos, p.yaw
	}

	if l == nil || room == "" {
		return nil
	}
	return l.send(protocol.TypeJoin, protocol.JoinMsg{User: name, Room: room})
}

// CreateRoom mints a fresh room id and joins it.
func (c *Controller) CreateRoom() (string, error) {
	id := newRoomID()
	return id, c.JoinRoom(id)
}

// JoinRoom switches to room id. The room is remembered even when the join
// cannot be sent yet; Connect or SetName sends it later.
func (c *Controller) JoinRoom(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoRoom
	}

	c.mu.Lock()
	changed := c.room != id
	c.room = id
	if changed {
		c.host = ""
		c.members = nil
	}
	l, name := c.link, c.name
	c.mu.Unlock()

	if changed {
		c.dir.Retain([]string{name})
	}
	if name == "" {
		return ErrNoName
	}
	if l == nil {
		return ErrNotConnected
	}
	return l.send(protocol.TypeJoin, protocol.JoinMsg{User: name, Room: id})
}

// SendChat sends text to the room. Without an open channel the line is only
// shown locally and ErrNotConnected is returned.
func (c *Controller) SendChat(text string) error {
	if err := protocol.ValidateText(text); err != nil {
		return err
	}
	l, name, room, err := c.active()
	if err != nil {
		c.local(Event{Kind: EventChat, User: name, Text: text, Time: protocol.Now(), LocalOnly: true})
		return err
	}
	return l.send(protocol.TypeChat, protocol.ChatMsg{User: name, Room: room, Text: text})
}

// SendEmote shows emote index above the local avatar and sends it to the
// room. The relay does not echo emotes, so the local event is always raised.
func (c *Controller) SendEmote(index int) error {
	l, name, room, err := c.active()
	c.local(Event{Kind: EventEmote, User: name, Emote: index, Time: protocol.Now(), LocalOnly: err != nil})
	if err != nil {
		return err
	}
	return l.send(protocol.TypeEmote, protocol.EmoteMsg{User: name, Room: room, EmoteIndex: index})
}

// RequestStart asks the relay to start the room. Only the host succeeds;
// anyone else gets an EventError back.
func (c *Controller) RequestStart() error {
	l, name, room, err := c.active()
	if err != nil {
		return err
	}
	return l.send(protocol.TypeStart, protocol.StartMsg{User: name, Room: room})
}

// RequestKick asks the relay to remove target from the room.
func (c *Controller) RequestKick(target string) error {
	if strings.TrimSpace(target) == "" {
		return ErrNoTarget
	}
	l, name, room, err := c.active()
	if err != nil {
		return err
	}
	return l.send(protocol.TypeKick, protocol.KickMsg{User: name, Room: room, Target: target})
}

// ListRooms asks for the lobby listing; the answer arrives as EventRooms.
func (c *Controller) ListRooms() error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return l.send(protocol.TypeListRooms, protocol.ListRoomsMsg{})
}

// Move places the local avatar and sends its pose right away. The periodic
// emitter repeats the latest pose in between.
func (c *Controller) Move(pos presence.Vec3, yaw float64) error {
	c.mu.Lock()
	c.pose = pose{pos: pos, yaw: yaw}
	l, name, room := c.link, c.name, c.room
	c.mu.Unlock()

	if name != "" {
		h, _ := c.dir.Assign(name)
		if a := c.dir.Get(h); a != nil {
			a.Position, a.Yaw = pos, yaw
		}
	}
	if l == nil || name == "" || room == "" {
		return nil
	}
	return l.send(protocol.TypePos, posMsg(name, room, pos, yaw))
}

// Tick applies everything received since the last call, advances
// interpolation by dt seconds and returns the events to display.
func (c *Controller) Tick(dt float64) []Event {
	c.mu.Lock()
	in := c.inbox
	c.inbox = nil
	events := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, m := range in {
		if ev, ok := c.apply(m); ok {
			events = append(events, ev)
		}
	}
	c.engine.Step(c.dir, dt)
	return events
}

// Connected reports whether a channel is open.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Name returns the local identity.
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Room returns the current room id.
func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Host returns the room's host as last reported by the relay.
func (c *Controller) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// IsHost reports whether the local user holds room authority.
func (c *Controller) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name != "" && c.host == c.name
}

// Members returns the room membership as last reported by the relay.
func (c *Controller) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.members))
	copy(out, c.members)
	return out
}

// active returns what a room-scoped send needs, or why it cannot happen.
func (c *Controller) active() (l *link, name, room string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.link == nil:
		err = ErrNotConnected
	case c.name == "":
		err = ErrNoName
	case c.room == "":
		err = ErrNoRoom
	}
	return c.link, c.name, c.room, err
}

func (c *Controller) local(ev Event) {
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
}

// push queues a message from the read goroutine. Anything from a link that
// is no longer current is dropped; Close already reported its end.
func (c *Controller) push(m inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.link != c.link {
		return
	}
	if m.msgType == typeDisconnected {
		c.link = nil
	}
	c.inbox = append(c.inbox, m)
}

// emitPositions sends the local pose every PosInterval until l closes.
func (c *Controller) emitPositions(l *link) {
	ticker := time.NewTicker(c.cfg.PosInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			name, room, p := c.name, c.room, c.pose
			c.mu.Unlock()
			if name == "" || room == "" {
				continue
			}
			if err := l.send(protocol.TypePos, posMsg(name, room, p.pos, p.yaw)); err != nil {
				return
			}
		}
	}
}

// apply folds one relay message into local state.
func (c *Controller) apply(m inbound) (Event, bool) {
	c.mu.Lock()
	name, room := c.name, c.room
	c.mu.Unlock()

	switch msg := m.msg.(type) {
	case protocol.JoinMsg:
		if msg.Room != room {
			return Event{}, false
		}
		if msg.User != name {
			c.dir.Assign(msg.User)
		}
		return Event{Kind: EventJoin, User: msg.User, Time: msg.Time}, true

	case protocol.LeaveMsg:
		if msg.Room != room {
			return Event{}, false
		}
		if msg.User != name {
			c.dir.Remove(msg.User)
		}
		return Event{Kind: EventLeave, User: msg.User, Time: msg.Time}, true

	case protocol.MembersMsg:
		if msg.Room != room {
			return Event{}, false
		}
		c.mu.Lock()
		c.members = append([]string(nil), msg.Members...)
		c.mu.Unlock()
		c.dir.Retain(append([]string{name}, msg.Members...))
		for _, u := range msg.Members {
			c.dir.Assign(u)
		}
		return Event{Kind: EventMembers, Members: msg.Members}, true

	case protocol.HostMsg:
		c.mu.Lock()
		c.host = msg.User
		c.mu.Unlock()
		return Event{Kind: EventHost, User: msg.User}, true

	case protocol.PosMsg:
		if msg.Room != room || msg.User == name {
			return Event{}, false
		}
		h, _ := c.dir.Assign(msg.User)
		if a := c.dir.Get(h); a != nil {
			c.engine.Apply(a, motion.Sample{
				Position: presence.Vec3{X: msg.PosX, Y: msg.PosY, Z: msg.PosZ},
				Yaw:      msg.RotY,
				Time:     msg.Time,
			})
		}
		return Event{}, false

	case protocol.EmoteMsg:
		if msg.Room != room {
			return Event{}, false
		}
		return Event{Kind: EventEmote, User: msg.User, Emote: msg.EmoteIndex, Time: msg.Time}, true

	case protocol.ChatMsg:
		if msg.Room != room {
			return Event{}, false
		}
		return Event{Kind: EventChat, User: msg.User, Text: msg.Text, Time: msg.Time}, true

	case protocol.StartMsg:
		if msg.Room != room {
			return Event{}, false
		}
		return Event{Kind: EventStart, User: msg.User, Time: msg.Time}, true

	case protocol.KickedMsg:
		c.mu.Lock()
		c.room = ""
		c.host = ""
		c.members = nil
		c.mu.Unlock()
		c.dir.Retain([]string{name})
		log.Printf("[session] kicked from room %s", room)
		return Event{Kind: EventKicked, User: msg.User}, true

	case protocol.KickNoticeMsg:
		c.dir.Remove(msg.User)
		return Event{Kind: EventKickNotice, User: msg.User, By: msg.By}, true

	case protocol.HistoryMsg:
		return Event{Kind: EventHistory, History: msg.Messages}, true

	case protocol.RoomsMsg:
		return Event{Kind: EventRooms, Rooms: msg.Rooms}, true

	case protocol.ErrorMsg:
		return Event{Kind: EventError, Code: msg.Code, Text: msg.Message}, true
	}

	if m.msgType == typeDisconnected {
		log.Printf("[session] disconnected")
		return Event{Kind: EventDisconnected, Time: protocol.Now()}, true
	}
	return Event{}, false
}

func posMsg(name, room string, pos presence.Vec3, yaw float64) protocol.PosMsg {
	return protocol.PosMsg{User: name, Room: room, PosX: pos.X, PosY: pos.Y, PosZ: pos.Z, RotY: yaw}
}

// newRoomID returns a short, shareable room id.
func newRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
