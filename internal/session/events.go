package session

import "github.com/sillycats/presence/internal/protocol"

// EventKind identifies what an Event reports.
type EventKind string

const (
	EventJoin         EventKind = "join"
	EventLeave        EventKind = "leave"
	EventChat         EventKind = "chat"
	EventEmote        EventKind = "emote"
	EventStart        EventKind = "start"
	EventMembers      EventKind = "members"
	EventHost         EventKind = "host"
	EventKicked       EventKind = "kicked"
	EventKickNotice   EventKind = "kick_notice"
	EventHistory      EventKind = "history"
	EventRooms        EventKind = "rooms"
	EventError        EventKind = "error"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event is something the UI should show. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind EventKind
	User string
	By   string // who kicked, for EventKickNotice
	Text string
	Time int64

	Emote   int
	Members []string
	History []protocol.HistoryEntry
	Rooms   []protocol.RoomInfo
	Code    string // error code, for EventError

	// LocalOnly marks an event that was never sent to the relay because no
	// channel was open.
	LocalOnly bool
}

// inbound is one decoded server message waiting for the next Tick.
type inbound struct {
	msgType string
	msg     interface{}
	link    *link
}

// typeDisconnected marks the end of a link in the inbound queue.
const typeDisconnected = "_disconnected"
