// Package presence maps usernames to the avatars a client renders. Avatars
// live in an arena and are addressed by Handle; removing a user returns its
// avatar to a free list so the next newcomer reuses it.
//
// A Directory belongs to one client and is not safe for concurrent use.
package presence

import "sort"

// Vec3 is a position in world space.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v-o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v*s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Avatar is one rendered entity. Remote avatars are mirrors of what the relay
// last said about their owner; only the local avatar is driven directly.
type Avatar struct {
	Owner string // empty while the avatar sits in the free pool
	Label string // name label shown above the avatar
	Local bool   // controlled by this client

	Position Vec3
	Yaw      float64

	Target    Vec3
	TargetYaw float64
	HasTarget bool
	LastTime  int64 // wire time (ms) of the last accepted sample
}

// Handle addresses an avatar in a Directory. A handle goes stale once its
// avatar is removed, even if the slot is reused.
type Handle struct {
	index int
	gen   uint32
}

type slot struct {
	avatar Avatar
	gen    uint32
	inUse  bool
}

// Directory is the username -> avatar mapping for one client.
type Directory struct {
	local  string
	slots  []slot
	free   []int
	byName map[string]Handle
}

// NewDirectory creates an empty directory whose local identity is local.
func NewDirectory(local string) *Directory {
	return &Directory{
		local:  local,
		byName: make(map[string]Handle),
	}
}

// Local returns the local identity.
func (d *Directory) Local() string { return d.local }

// SetLocal changes the local identity and re-flags the affected avatars.
func (d *Directory) SetLocal(name string) {
	if h, ok := d.byName[d.local]; ok {
		d.slots[h.index].avatar.Local = false
	}
	d.local = name
	if h, ok := d.byName[name]; ok {
		a := &d.slots[h.index].avatar
		a.Local = true
		a.HasTarget = false
	}
}

// Assign returns user's avatar, allocating one if needed. created reports
// whether a fresh assignment happened.
func (d *Directory) Assign(user string) (h Handle, created bool) {
	if h, ok := d.byName[user]; ok {
		return h, false
	}

	var idx int
	if n := len(d.free); n > 0 {
		idx = d.free[n-1]
		d.free = d.free[:n-1]
	} else {
		d.slots = append(d.slots, slot{})
		idx = len(d.slots) - 1
	}

	s := &d.slots[idx]
	s.inUse = true
	// A recycled avatar keeps its last pose; only ownership state resets.
	s.avatar = Avatar{
		Owner:    user,
		Label:    user,
		Local:    user == d.local,
		Position: s.avatar.Position,
		Yaw:      s.avatar.Yaw,
	}

	h = Handle{index: idx, gen: s.gen}
	d.byName[user] = h
	return h, true
}

// Remove clears user's ownership and label and returns the avatar to the
// pool. It reports whether user had an avatar.
func (d *Directory) Remove(user string) bool {
	h, ok := d.byName[user]
	if !ok {
		return false
	}
	delete(d.byName, user)

	s := &d.slots[h.index]
	s.inUse = false
	s.gen++
	s.avatar.Owner = ""
	s.avatar.Label = ""
	s.avatar.Local = false
	s.avatar.HasTarget = false
	s.avatar.LastTime = 0
	d.free = append(d.free, h.index)
	return true
}

// Lookup returns the handle for user.
func (d *Directory) Lookup(user string) (Handle, bool) {
	h, ok := d.byName[user]
	return h, ok
}

// Get returns the avatar for h, or nil if h is stale.
func (d *Directory) Get(h Handle) *Avatar {
	if h.index < 0 || h.index >= len(d.slots) {
		return nil
	}
	s := &d.slots[h.index]
	if !s.inUse || s.gen != h.gen {
		return nil
	}
	return &s.avatar
}

// Avatar returns user's avatar, or nil.
func (d *Directory) Avatar(user string) *Avatar {
	h, ok := d.byName[user]
	if !ok {
		return nil
	}
	return d.Get(h)
}

// Each calls fn for every owned avatar.
func (d *Directory) Each(fn func(h Handle, a *Avatar)) {
	for i := range d.slots {
		s := &d.slots[i]
		if s.inUse {
			fn(Handle{index: i, gen: s.gen}, &s.avatar)
		}
	}
}

// Owners returns the owned usernames in sorted order.
func (d *Directory) Owners() []string {
	out := make([]string, 0, len(d.byName))
	for name := range d.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of owned avatars.
func (d *Directory) Len() int { return len(d.byName) }

// Pooled returns the number of unowned avatars awaiting reuse.
func (d *Directory) Pooled() int { return len(d.free) }

// Retain removes every avatar whose owner is not in keep.
func (d *Directory) Retain(keep []string) {
	set := make(map[string]bool, len(keep))
	for _, u := range keep {
		set[u] = true
	}
	for name := range d.byName {
		if !set[name] {
			d.Remove(name)
		}
	}
}
