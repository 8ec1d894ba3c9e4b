// Package room holds the relay's room state: membership in join order, the
// host, a bounded chat history and the started flag. Rooms are created on
// first use and destroyed when their last member leaves; nothing survives a
// relay restart.
package room

import (
	"errors"
	"sort"
	"sync"

	"github.com/sillycats/presence/internal/protocol"
)

var (
	ErrUnknownRoom = errors.New("room: unknown room")
	ErrNotHost     = errors.New("room: only the host may do that")
	ErrNotMember   = errors.New("room: not a member")
	ErrSelfKick    = errors.New("room: host cannot kick themselves")
)

// Room is the state of a single room. A *Room is only valid inside the
// callback passed to Registry.Update, which holds the room's lock.
type Room struct {
	id      string
	members []string
	host    string
	history *History
	started bool

	mu      sync.Mutex
	removed bool // set once the registry has dropped this room
}

func newRoom(id string) *Room {
	return &Room{id: id, history: newHistory()}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Host returns the current host, or "" if the room is empty.
func (r *Room) Host() string { return r.host }

// Started reports whether the host has started the room.
func (r *Room) Started() bool { return r.started }

// Len returns the member count.
func (r *Room) Len() int { return len(r.members) }

// Members returns a copy of the membership in join order.
func (r *Room) Members() []string {
	out := make([]string, len(r.members))
	copy(out, r.members)
	return out
}

// Has reports whether user is a member.
func (r *Room) Has(user string) bool {
	for _, m := range r.members {
		if m == user {
			return true
		}
	}
	return false
}

// IsHost reports whether user currently holds room authority.
func (r *Room) IsHost(user string) bool {
	return user != "" && r.host == user
}

// History returns the buffered entries, oldest first.
func (r *Room) History() []protocol.HistoryEntry {
	return r.history.Entries()
}

// Append records an entry in the room's history.
func (r *Room) Append(e protocol.HistoryEntry) {
	r.history.Add(e)
}

// Join adds user to the membership. It is idempotent. When the room had no
// host the new member takes it and hostChanged is true.
func (r *Room) Join(user string) (added, hostChanged bool) {
	if !r.Has(user) {
		r.members = append(r.members, user)
		added = true
	}
	if r.host == "" {
		r.host = user
		hostChanged = true
	}
	return added, hostChanged
}

// Leave removes user. If user was the host, authority passes to the
// earliest-joined remaining member (or to nobody if the room is now empty).
func (r *Room) Leave(user string) (removed, hostChanged bool) {
	idx := -1
	for i, m := range r.members {
		if m == user {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, false
	}
	r.members = append(r.members[:idx], r.members[idx+1:]...)

	if r.host == user {
		r.host = ""
		if len(r.members) > 0 {
			r.host = r.members[0]
		}
		hostChanged = true
	}
	return true, hostChanged
}

// Start marks the room started on behalf of user. Repeated starts by the host
// are accepted.
func (r *Room) Start(user string) error {
	if !r.IsHost(user) {
		return ErrNotHost
	}
	r.started = true
	return nil
}

// Kick removes target on behalf of by.
func (r *Room) Kick(by, target string) (hostChanged bool, err error) {
	if !r.IsHost(by) {
		return false, ErrNotHost
	}
	if by == target {
		return false, ErrSelfKick
	}
	removed, hostChanged := r.Leave(target)
	if !removed {
		return false, ErrNotMember
	}
	return hostChanged, nil
}

// Registry maps room ids to rooms. Operations on one room are serialized by
// that room's lock; different rooms never contend.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Update runs fn with exclusive access to room id. If the room does not exist
// it is created when create is true; otherwise Update returns ErrUnknownRoom
// without calling fn. A room that is left with no members after fn (and had
// members at some point during it or before) is removed from the registry.
func (reg *Registry) Update(id string, create bool, fn func(r *Room)) (created bool, err error) {
	for {
		reg.mu.Lock()
		r, ok := reg.rooms[id]
		if !ok {
			if !create {
				reg.mu.Unlock()
				return false, ErrUnknownRoom
			}
			r = newRoom(id)
			reg.rooms[id] = r
			created = true
		}
		reg.mu.Unlock()

		r.mu.Lock()
		if r.removed {
			// Lost a race with the last member leaving; look it up again.
			r.mu.Unlock()
			continue
		}
		hadMembers := r.Len() > 0
		fn(r)
		if hadMembers && r.Len() == 0 {
			reg.remove(r)
		}
		r.mu.Unlock()
		return created, nil
	}
}

// remove drops r from the map. The caller holds r.mu.
func (reg *Registry) remove(r *Room) {
	reg.mu.Lock()
	if reg.rooms[r.id] == r {
		delete(reg.rooms, r.id)
	}
	reg.mu.Unlock()
	r.removed = true
}

// EnsureRoom creates room id if it does not exist yet.
func (reg *Registry) EnsureRoom(id string) (created bool) {
	created, _ = reg.Update(id, true, func(*Room) {})
	return created
}

// JoinResult describes the effect of Registry.Join.
type JoinResult struct {
	Added       bool
	HostChanged bool
	Host        string
	Members     []string
}

// Join adds user to room id, creating the room if needed.
func (reg *Registry) Join(id, user string) JoinResult {
	var res JoinResult
	reg.Update(id, true, func(r *Room) {
		res.Added, res.HostChanged = r.Join(user)
		res.Host = r.Host()
		res.Members = r.Members()
	})
	return res
}

// LeaveResult describes the effect of Registry.Leave.
type LeaveResult struct {
	Removed     bool
	HostChanged bool
	Host        string
	Members     []string
}

// Leave removes user from room id.
func (reg *Registry) Leave(id, user string) (LeaveResult, error) {
	var res LeaveResult
	_, err := reg.Update(id, false, func(r *Room) {
		res.Removed, res.HostChanged = r.Leave(user)
		res.Host = r.Host()
		res.Members = r.Members()
	})
	return res, err
}

// AppendHistory records e in room id's history.
func (reg *Registry) AppendHistory(id string, e protocol.HistoryEntry) error {
	_, err := reg.Update(id, false, func(r *Room) { r.Append(e) })
	return err
}

// History returns room id's buffered entries.
func (reg *Registry) History(id string) []protocol.HistoryEntry {
	var out []protocol.HistoryEntry
	reg.Update(id, false, func(r *Room) { out = r.History() })
	return out
}

// Members returns room id's membership in join order.
func (reg *Registry) Members(id string) []string {
	var out []string
	reg.Update(id, false, func(r *Room) { out = r.Members() })
	return out
}

// CurrentHost returns the host of room id.
func (reg *Registry) CurrentHost(id string) (string, bool) {
	var host string
	reg.Update(id, false, func(r *Room) { host = r.Host() })
	return host, host != ""
}

// IsHost reports whether user is the host of room id.
func (reg *Registry) IsHost(id, user string) bool {
	var ok bool
	reg.Update(id, false, func(r *Room) { ok = r.IsHost(user) })
	return ok
}

// Started reports whether room id has been started.
func (reg *Registry) Started(id string) bool {
	var ok bool
	reg.Update(id, false, func(r *Room) { ok = r.Started() })
	return ok
}

// ListRooms returns the id and member count of every non-empty room, ordered
// by id.
func (reg *Registry) ListRooms() []protocol.RoomInfo {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.Unlock()

	out := make([]protocol.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		n, removed := r.Len(), r.removed
		r.mu.Unlock()
		if removed || n == 0 {
			continue
		}
		out = append(out, protocol.RoomInfo{ID: r.id, Members: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of rooms currently held, including empty ones
// created by EnsureRoom.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
