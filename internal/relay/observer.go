package relay

// EventKind names a room lifecycle transition.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventMembers EventKind = "members"
	EventHost    EventKind = "host"
	EventStarted EventKind = "started"
	EventEmptied EventKind = "emptied"
)

// RoomEvent is a room lifecycle transition as reported to observers.
type RoomEvent struct {
	Kind    EventKind `json:"kind"`
	Room    string    `json:"room"`
	Host    string    `json:"host,omitempty"`
	Members int       `json:"members"`
	Time    int64     `json:"time"`
}

// Observer receives room lifecycle events. ObserveRoom is called with the
// room's lock held and must not block.
type Observer interface {
	ObserveRoom(ev RoomEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev RoomEvent)

// ObserveRoom calls f(ev).
func (f ObserverFunc) ObserveRoom(ev RoomEvent) { f(ev) }
