// Package relay implements the message hub that sits between client channels
// and the room registry. Every inbound message is dispatched on its type,
// applied to the room it names, and fanned out to that room's channels.
//
// All work for one room, including fan-out, happens while holding that room's
// lock, so every channel observes a room's membership and host changes in the
// same order. Fan-out never blocks: Channel.Send only enqueues.
package relay

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sillycats/presence/internal/metrics"
	"github.com/sillycats/presence/internal/protocol"
	"github.com/sillycats/presence/internal/room"
)

// Channel is one client's message connection as seen by the hub.
type Channel interface {
	// ID uniquely identifies the channel for the lifetime of the process.
	ID() string
	// Send queues data for delivery without blocking. It returns false if
	// the message was dropped because the channel's outbound queue is full
	// or the channel is closed.
	Send(data []byte) bool
}

// binding is the (room, user) a channel has joined as.
type binding struct {
	room string
	user string
}

// Hub owns channel bindings and routes messages through the room registry.
type Hub struct {
	rooms     *room.Registry
	observers []Observer

	mu       sync.RWMutex
	bindings map[string]binding            // channel id -> binding
	owners   map[string]map[string]Channel // room -> user -> channel
}

// NewHub creates a Hub over rooms. Observers are told about room lifecycle
// transitions.
func NewHub(rooms *room.Registry, observers ...Observer) *Hub {
	return &Hub{
		rooms:     rooms,
		observers: observers,
		bindings:  make(map[string]binding),
		owners:    make(map[string]map[string]Channel),
	}
}

// Rooms returns the registry the hub mutates.
func (h *Hub) Rooms() *room.Registry {
	return h.rooms
}

// Handle parses one inbound message from ch and applies it.
func (h *Hub) Handle(ch Channel, data []byte) {
	start := time.Now()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		switch msgType {
		case "":
			// Not even an envelope: keep the relay permissive and treat the
			// bytes as chat text.
			h.handleRawChat(ch, data)
		default:
			log.Printf("[relay] bad message type=%q channel=%s: %v", msgType, ch.ID(), err)
			if errors.Is(err, protocol.ErrUnknownType) {
				h.sendError(ch, protocol.CodeUnsupportedType, "unsupported message type")
			} else {
				h.sendError(ch, protocol.CodeInvalidMessage, "invalid message format")
			}
		}
		return
	}

	// Chat without a sender is still relayed, under the unknown user.
	if m, ok := msg.(protocol.ChatMsg); ok && m.User == "" {
		m.User = protocol.UnknownUser
		msg = m
	}

	if err := protocol.Validate(msg); err != nil {
		h.sendError(ch, protocol.CodeInvalidMessage, err.Error())
		return
	}

	metrics.MessagesTotal.WithLabelValues(msgType).Inc()

	switch m := msg.(type) {
	case protocol.JoinMsg:
		h.join(ch, m)
	case protocol.ChatMsg:
		h.chat(ch, m)
	case protocol.PosMsg:
		h.pos(ch, m)
	case protocol.EmoteMsg:
		h.emote(ch, m)
	case protocol.StartMsg:
		h.start(ch, m)
	case protocol.KickMsg:
		h.kick(ch, m)
	case protocol.ListRoomsMsg:
		h.listRooms(ch)
	}

	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
}

// Leave processes the close of ch: if it was bound to a room, the user leaves
// that room. It is safe to call more than once.
func (h *Hub) Leave(ch Channel) {
	h.mu.RLock()
	b, ok := h.bindings[ch.ID()]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.leave(ch, b)
}

// ListRooms returns every non-empty room ordered by descending member count,
// then id.
func (h *Hub) ListRooms() []protocol.RoomInfo {
	rooms := h.rooms.ListRooms()
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].Members != rooms[j].Members {
			return rooms[i].Members > rooms[j].Members
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (h *Hub) join(ch Channel, m protocol.JoinMsg) {
	h.mu.RLock()
	prev, bound := h.bindings[ch.ID()]
	h.mu.RUnlock()
	if bound && prev != (binding{room: m.Room, user: m.User}) {
		h.leave(ch, prev)
	}

	now := stamp(m.Time)
	h.rooms.Update(m.Room, true, func(r *room.Room) {
		added, hostChanged := r.Join(m.User)
		// Empty rooms are removed, so a lone new member means a new room.
		if added && r.Len() == 1 {
			metrics.RoomsActive.Inc()
			h.observe(RoomEvent{Kind: EventCreated, Room: m.Room, Host: m.User, Members: 1, Time: now})
		}

		prior := r.History()
		r.Append(protocol.HistoryEntry{Type: protocol.TypeJoin, User: m.User, Text: "joined", Time: now})

		if old := h.bind(ch, m.Room, m.User); old != nil {
			log.Printf("[relay] user=%s room=%s rebound from channel=%s to channel=%s", m.User, m.Room, old.ID(), ch.ID())
		}

		hostMsg := encode(protocol.TypeHost, protocol.HostMsg{User: r.Host()})
		if hostChanged {
			h.broadcast(m.Room, hostMsg, "")
			h.observe(RoomEvent{Kind: EventHost, Room: m.Room, Host: r.Host(), Members: r.Len(), Time: now})
		}
		h.broadcast(m.Room, encode(protocol.TypeMembers, protocol.MembersMsg{Room: m.Room, Members: r.Members()}), "")
		h.broadcast(m.Room, encode(protocol.TypeJoin, protocol.JoinMsg{User: m.User, Room: m.Room, Time: now}), "")

		if !hostChanged {
			h.deliver(ch, hostMsg)
		}
		h.deliver(ch, encode(protocol.TypeHistory, protocol.HistoryMsg{Messages: prior}))
		h.observe(RoomEvent{Kind: EventMembers, Room: m.Room, Host: r.Host(), Members: r.Len(), Time: now})
	})

	log.Printf("[relay] join user=%s room=%s channel=%s", m.User, m.Room, ch.ID())
}

func (h *Hub) leave(ch Channel, b binding) {
	now := protocol.Now()
	_, err := h.rooms.Update(b.room, false, func(r *room.Room) {
		h.mu.RLock()
		current, stillBound := h.bindings[ch.ID()]
		owner := h.owners[b.room][b.user]
		h.mu.RUnlock()

		if !stillBound || current != b {
			return
		}
		h.unbind(ch)
		if owner == nil || owner.ID() != ch.ID() {
			// Another channel joined under the same name; it owns the member.
			return
		}

		removed, hostChanged := r.Leave(b.user)
		if !removed {
			return
		}
		r.Append(protocol.HistoryEntry{Type: protocol.TypeLeave, User: b.user, Text: "left", Time: now})

		h.broadcast(b.room, encode(protocol.TypeLeave, protocol.LeaveMsg{User: b.user, Room: b.room, Time: now}), "")
		if hostChanged && r.Host() != "" {
			h.broadcast(b.room, encode(protocol.TypeHost, protocol.HostMsg{User: r.Host()}), "")
			h.observe(RoomEvent{Kind: EventHost, Room: b.room, Host: r.Host(), Members: r.Len(), Time: now})
		}
		h.broadcast(b.room, encode(protocol.TypeMembers, protocol.MembersMsg{Room: b.room, Members: r.Members()}), "")

		if r.Len() == 0 {
			metrics.RoomsActive.Dec()
			h.observe(RoomEvent{Kind: EventEmptied, Room: b.room, Time: now})
		} else {
			h.observe(RoomEvent{Kind: EventMembers, Room: b.room, Host: r.Host(), Members: r.Len(), Time: now})
		}
		log.Printf("[relay] leave user=%s room=%s channel=%s", b.user, b.room, ch.ID())
	})
	if err != nil {
		// Room already gone; just forget the binding.
		h.unbind(ch)
	}
}

func (h *Hub) chat(ch Channel, m protocol.ChatMsg) {
	m.Time = stamp(m.Time)
	_, err := h.rooms.Update(m.Room, false, func(r *room.Room) {
		r.Append(protocol.HistoryEntry{Type: protocol.TypeChat, User: m.User, Text: m.Text, Time: m.Time})
		h.broadcast(m.Room, encode(protocol.TypeChat, m), "")
	})
	if err != nil {
		h.sendError(ch, protocol.CodeUnknownRoom, "no such room: "+m.Room)
	}
}

// handleRawChat relays unparseable input as chat text from an unknown user in
// the channel's current room.
func (h *Hub) handleRawChat(ch Channel, data []byte) {
	h.mu.RLock()
	b, ok := h.bindings[ch.ID()]
	h.mu.RUnlock()
	if !ok {
		log.Printf("[relay] dropping unparseable message from unbound channel=%s", ch.ID())
		return
	}

	text := strings.ToValidUTF8(strings.TrimSpace(string(data)), "�")
	if err := protocol.ValidateText(text); err != nil {
		log.Printf("[relay] dropping unparseable message from channel=%s: %v", ch.ID(), err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(protocol.TypeChat).Inc()
	h.chat(ch, protocol.ChatMsg{User: protocol.UnknownUser, Room: b.room, Text: text})
}

func (h *Hub) pos(ch Channel, m protocol.PosMsg) {
	m.Time = stamp(m.Time)
	h.rooms.Update(m.Room, false, func(*room.Room) {
		h.broadcast(m.Room, encode(protocol.TypePos, m), ch.ID())
	})
}

func (h *Hub) emote(ch Channel, m protocol.EmoteMsg) {
	m.Time = stamp(m.Time)
	h.rooms.Update(m.Room, false, func(*room.Room) {
		h.broadcast(m.Room, encode(protocol.TypeEmote, m), ch.ID())
	})
}

func (h *Hub) start(ch Channel, m protocol.StartMsg) {
	m.Time = stamp(m.Time)
	_, err := h.rooms.Update(m.Room, false, func(r *room.Room) {
		if err := r.Start(m.User); err != nil {
			h.sendError(ch, protocol.CodeNotHost, "only the host can start the room")
			return
		}
		h.broadcast(m.Room, encode(protocol.TypeStart, m), "")
		h.observe(RoomEvent{Kind: EventStarted, Room: m.Room, Host: r.Host(), Members: r.Len(), Time: m.Time})
		log.Printf("[relay] start room=%s by=%s", m.Room, m.User)
	})
	if err != nil {
		h.sendError(ch, protocol.CodeUnknownRoom, "no such room: "+m.Room)
	}
}

func (h *Hub) kick(ch Channel, m protocol.KickMsg) {
	now := protocol.Now()
	_, err := h.rooms.Update(m.Room, false, func(r *room.Room) {
		if _, err := r.Kick(m.User, m.Target); err != nil {
			switch {
			case errors.Is(err, room.ErrNotHost):
				h.sendError(ch, protocol.CodeNotHost, "only the host can kick")
			default:
				h.sendError(ch, protocol.CodeNotMember, err.Error())
			}
			return
		}
		r.Append(protocol.HistoryEntry{Type: protocol.TypeLeave, User: m.Target, Text: "kicked", Time: now})

		h.mu.RLock()
		target := h.owners[m.Room][m.Target]
		h.mu.RUnlock()
		if target != nil {
			h.unbind(target)
			h.deliver(target, encode(protocol.TypeKicked, protocol.KickedMsg{User: m.Target}))
		}

		h.broadcast(m.Room, encode(protocol.TypeKickNotice, protocol.KickNoticeMsg{User: m.Target, By: m.User}), "")
		h.broadcast(m.Room, encode(protocol.TypeMembers, protocol.MembersMsg{Room: m.Room, Members: r.Members()}), "")
		h.observe(RoomEvent{Kind: EventMembers, Room: m.Room, Host: r.Host(), Members: r.Len(), Time: now})
		log.Printf("[relay] kick room=%s target=%s by=%s", m.Room, m.Target, m.User)
	})
	if err != nil {
		h.sendError(ch, protocol.CodeUnknownRoom, "no such room: "+m.Room)
	}
}

func (h *Hub) listRooms(ch Channel) {
	h.deliver(ch, encode(protocol.TypeRooms, protocol.RoomsMsg{Rooms: h.ListRooms()}))
}

// ---------------------------------------------------------------------------
// Bindings and fan-out
// ---------------------------------------------------------------------------

// bind records that ch speaks for user in roomID and returns the channel that
// previously did, if it was a different one. The caller holds the room lock.
func (h *Hub) bind(ch Channel, roomID, user string) Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	users := h.owners[roomID]
	if users == nil {
		users = make(map[string]Channel)
		h.owners[roomID] = users
	}
	old := users[user]
	if old != nil && old.ID() != ch.ID() {
		delete(h.bindings, old.ID())
	} else {
		old = nil
	}
	users[user] = ch
	h.bindings[ch.ID()] = binding{room: roomID, user: user}
	return old
}

// unbind forgets ch's binding and, if ch owned its user, the ownership too.
func (h *Hub) unbind(ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.bindings[ch.ID()]
	if !ok {
		return
	}
	delete(h.bindings, ch.ID())
	users := h.owners[b.room]
	if owner := users[b.user]; owner != nil && owner.ID() == ch.ID() {
		delete(users, b.user)
		if len(users) == 0 {
			delete(h.owners, b.room)
		}
	}
}

// broadcast delivers data to every channel bound to roomID except exceptID.
func (h *Hub) broadcast(roomID string, data []byte, exceptID string) {
	if data == nil {
		return
	}
	h.mu.RLock()
	targets := make([]Channel, 0, len(h.owners[roomID]))
	for _, ch := range h.owners[roomID] {
		if ch.ID() != exceptID {
			targets = append(targets, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		h.deliver(ch, data)
	}
}

// deliver sends to one channel; a full or closed channel only loses this
// message.
func (h *Hub) deliver(ch Channel, data []byte) {
	if data == nil {
		return
	}
	if !ch.Send(data) {
		metrics.FanoutDropped.Inc()
		log.Printf("[relay] dropped message for channel=%s", ch.ID())
	}
}

func (h *Hub) sendError(ch Channel, code, message string) {
	h.deliver(ch, encode(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}))
}

func (h *Hub) observe(ev RoomEvent) {
	for _, o := range h.observers {
		o.ObserveRoom(ev)
	}
}

// encode builds a server message, logging and returning nil on failure.
func encode(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[relay] failed to build %s message: %v", msgType, err)
		return nil
	}
	return data
}

// stamp defaults a missing wire timestamp to now.
func stamp(t int64) int64 {
	if t == 0 {
		return protocol.Now()
	}
	return t
}
