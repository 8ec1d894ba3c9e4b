package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/sillycats/presence/internal/protocol"
	"github.com/sillycats/presence/internal/room"
)

// fakeChannel records everything the hub sends it.
type fakeChannel struct {
	id string

	mu   sync.Mutex
	msgs [][]byte
	full bool
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id}
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.msgs = append(c.msgs, data)
	return true
}

// received decodes every message of msgType delivered so far.
func (c *fakeChannel) received(t *testing.T, msgType string) []interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []interface{}
	for _, data := range c.msgs {
		typ, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			t.Fatalf("channel %s got undecodable message %s: %v", c.id, data, err)
		}
		if typ == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

func send(t *testing.T, h *Hub, ch Channel, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	h.Handle(ch, data)
}

func joinAs(t *testing.T, h *Hub, ch Channel, user, roomID string) {
	t.Helper()
	send(t, h, ch, protocol.TypeJoin, protocol.JoinMsg{User: user, Room: roomID})
}

func lastMembers(t *testing.T, ch *fakeChannel) []string {
	t.Helper()
	got := ch.received(t, protocol.TypeMembers)
	if len(got) == 0 {
		t.Fatalf("channel %s received no members message", ch.id)
	}
	return got[len(got)-1].(protocol.MembersMsg).Members
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScenario_JoinAndKick(t *testing.T) {
	h := NewHub(room.NewRegistry())
	a, b := newFakeChannel("a"), newFakeChannel("b")

	joinAs(t, h, a, "Alice", "abc123")
	if m := lastMembers(t, a); !equalStrings(m, []string{"Alice"}) {
		t.Fatalf("expected members [Alice], got %v", m)
	}
	hosts := a.received(t, protocol.TypeHost)
	if len(hosts) != 1 || hosts[0].(protocol.HostMsg).User != "Alice" {
		t.Fatalf("expected host Alice, got %v", hosts)
	}

	joinAs(t, h, b, "Bob", "abc123")
	for _, ch := range []*fakeChannel{a, b} {
		if m := lastMembers(t, ch); !equalStrings(m, []string{"Alice", "Bob"}) {
			t.Errorf("channel %s: expected members [Alice Bob], got %v", ch.id, m)
		}
	}
	for _, msg := range a.received(t, protocol.TypeHost) {
		if msg.(protocol.HostMsg).User != "Alice" {
			t.Errorf("host changed unexpectedly: %v", msg)
		}
	}
	if hosts := b.received(t, protocol.TypeHost); len(hosts) != 1 || hosts[0].(protocol.HostMsg).User != "Alice" {
		t.Errorf("joiner should learn host Alice, got %v", hosts)
	}

	a.reset()
	b.reset()
	send(t, h, a, protocol.TypeKick, protocol.KickMsg{User: "Alice", Room: "abc123", Target: "Bob"})

	kicked := b.received(t, protocol.TypeKicked)
	if len(kicked) != 1 || kicked[0].(protocol.KickedMsg).User != "Bob" {
		t.Fatalf("expected Bob to receive kicked, got %v", kicked)
	}
	if m := lastMembers(t, a); !equalStrings(m, []string{"Alice"}) {
		t.Errorf("expected members [Alice] after kick, got %v", m)
	}
	notices := a.received(t, protocol.TypeKickNotice)
	if len(notices) != 1 {
		t.Fatalf("expected one kick notice, got %v", notices)
	}
	if n := notices[0].(protocol.KickNoticeMsg); n.User != "Bob" || n.By != "Alice" {
		t.Errorf("unexpected kick notice: %v", notices)
	}
	if n := b.received(t, protocol.TypeKickNotice); len(n) != 0 {
		t.Errorf("kicked user should not get the notice, got %v", n)
	}

	// The kicked channel is unbound: its later close is a no-op.
	a.reset()
	h.Leave(b)
	if leaves := a.received(t, protocol.TypeLeave); len(leaves) != 0 {
		t.Errorf("expected no leave after kicked channel closed, got %v", leaves)
	}
}

func TestKick_NonHostRejected(t *testing.T) {
	reg := room.NewRegistry()
	h := NewHub(reg)
	a, b := newFakeChannel("a"), newFakeChannel("b")
	joinAs(t, h, a, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")
	a.reset()

	send(t, h, b, protocol.TypeKick, protocol.KickMsg{User: "Bob", Room: "r", Target: "Alice"})

	errs := b.received(t, protocol.TypeError)
	if len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeNotHost {
		t.Fatalf("expected not_host error, got %v", errs)
	}
	if got := reg.Members("r"); !equalStrings(got, []string{"Alice", "Bob"}) {
		t.Errorf("membership changed: %v", got)
	}
	if len(a.received(t, protocol.TypeKicked)) != 0 || len(a.received(t, protocol.TypeError)) != 0 {
		t.Error("host should receive nothing for a rejected kick")
	}
}

func TestStart_DuplicateAccepted(t *testing.T) {
	reg := room.NewRegistry()
	h := NewHub(reg)
	a, b := newFakeChannel("a"), newFakeChannel("b")
	joinAs(t, h, a, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")

	send(t, h, a, protocol.TypeStart, protocol.StartMsg{User: "Alice", Room: "r"})
	send(t, h, a, protocol.TypeStart, protocol.StartMsg{User: "Alice", Room: "r"})

	for _, ch := range []*fakeChannel{a, b} {
		if got := ch.received(t, protocol.TypeStart); len(got) != 2 {
			t.Errorf("channel %s: expected 2 start broadcasts, got %d", ch.id, len(got))
		}
	}
	if len(a.received(t, protocol.TypeError)) != 0 {
		t.Error("duplicate start should not be rejected")
	}
	if !reg.Started("r") {
		t.Error("room should be started")
	}
}

func TestStart_NonHostRejected(t *testing.T) {
	reg := room.NewRegistry()
	h := NewHub(reg)
	a, b := newFakeChannel("a"), newFakeChannel("b")
	joinAs(t, h, a, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")

	send(t, h, b, protocol.TypeStart, protocol.StartMsg{User: "Bob", Room: "r"})

	if errs := b.received(t, protocol.TypeError); len(errs) != 1 {
		t.Fatalf("expected an error for Bob, got %v", errs)
	}
	if got := a.received(t, protocol.TypeStart); len(got) != 0 {
		t.Errorf("rejected start was broadcast: %v", got)
	}
	if reg.Started("r") {
		t.Error("room should not be started")
	}
}

func TestJoin_HistoryScopedToRoom(t *testing.T) {
	h := NewHub(room.NewRegistry())
	a, b, c := newFakeChannel("a"), newFakeChannel("b"), newFakeChannel("c")

	joinAs(t, h, a, "Alice", "r1")
	send(t, h, a, protocol.TypeChat, protocol.ChatMsg{User: "Alice", Room: "r1", Text: "secret"})
	joinAs(t, h, b, "Bob", "r2")
	send(t, h, b, protocol.TypeChat, protocol.ChatMsg{User: "Bob", Room: "r2", Text: "hello r2"})

	joinAs(t, h, c, "Carol", "r2")

	hist := c.received(t, protocol.TypeHistory)
	if len(hist) != 1 {
		t.Fatalf("expected one history message, got %d", len(hist))
	}
	entries := hist[0].(protocol.HistoryMsg).Messages
	if len(entries) != 2 {
		t.Fatalf("expected Bob's join and chat, got %+v", entries)
	}
	for _, e := range entries {
		if e.User != "Bob" {
			t.Errorf("history leaked entry from another room: %+v", e)
		}
	}
	if entries[1].Text != "hello r2" {
		t.Errorf("unexpected chat entry %+v", entries[1])
	}
	if got := a.received(t, protocol.TypeChat); len(got) != 1 {
		t.Errorf("r1 member saw %d chats, expected only its own", len(got))
	}
}

func TestPosAndEmote_ExcludeSenderAndOtherRooms(t *testing.T) {
	h := NewHub(room.NewRegistry())
	a, b, other := newFakeChannel("a"), newFakeChannel("b"), newFakeChannel("other")
	joinAs(t, h, a, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")
	joinAs(t, h, other, "Olga", "elsewhere")

	send(t, h, a, protocol.TypePos, protocol.PosMsg{User: "Alice", Room: "r", PosX: 1, PosZ: 2, RotY: 0.5})
	send(t, h, a, protocol.TypeEmote, protocol.EmoteMsg{User: "Alice", Room: "r", EmoteIndex: 3})

	pos := b.received(t, protocol.TypePos)
	if len(pos) != 1 {
		t.Fatalf("expected Bob to get 1 pos, got %d", len(pos))
	}
	p := pos[0].(protocol.PosMsg)
	if p.User != "Alice" || p.PosX != 1 || p.PosZ != 2 || p.RotY != 0.5 || p.Time == 0 {
		t.Errorf("unexpected pos %+v", p)
	}
	if e := b.received(t, protocol.TypeEmote); len(e) != 1 || e[0].(protocol.EmoteMsg).EmoteIndex != 3 {
		t.Errorf("unexpected emotes %v", e)
	}
	if len(a.received(t, protocol.TypePos)) != 0 || len(a.received(t, protocol.TypeEmote)) != 0 {
		t.Error("sender should not receive its own pos/emote")
	}
	if len(other.received(t, protocol.TypePos)) != 0 {
		t.Error("pos leaked into another room")
	}
}

func TestMalformed_TreatedAsChat(t *testing.T) {
	h := NewHub(room.NewRegistry())
	a, b := newFakeChannel("a"), newFakeChannel("b")
	joinAs(t, h, a, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")

	h.Handle(a, []byte("hello there"))

	chats := b.received(t, protocol.TypeChat)
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %d", len(chats))
	}
	c := chats[0].(protocol.ChatMsg)
	if c.User != protocol.UnknownUser || c.Text != "hello there" || c.Room != "r" {
		t.Errorf("unexpected chat %+v", c)
	}

	// Unbound channels have no room to talk into.
	stranger := newFakeChannel("s")
	h.Handle(stranger, []byte("anyone?"))
	if len(stranger.msgs) != 0 || len(b.received(t, protocol.TypeChat)) != 1 {
		t.Error("unbound malformed input should be dropped")
	}
}

func TestChat_MissingUserDefaultsToUnknown(t *testing.T) {
	h := NewHub(room.NewRegistry())
	a, b := newFakeChannel("a"), newFakeChannel("b")
	joinAs(t, h, a, "Alice", "r1")
	joinAs(t, h, b, "Bob", "r1")
	a.reset()
	b.reset()

	h.Handle(a, []byte(`{"type":"chat","room":"r1","text":"hi"}`))

	if errs := a.received(t, protocol.TypeError); len(errs) != 0 {
		t.Fatalf("chat without user should be relayed, got errors %v", errs)
	}
	chats := b.received(t, protocol.TypeChat)
	if len(chats) != 1 {
		t.Fatalf("expected 1 chat, got %v", chats)
	}
	if c := chats[0].(protocol.ChatMsg); c.User != protocol.UnknownUser || c.Text != "hi" {
		t.Errorf("unexpected chat %+v", c)
	}
	hist := h.Rooms().History("r1")
	if last := hist[len(hist)-1]; last.User != protocol.UnknownUser || last.Text != "hi" {
		t.Errorf("history should record the chat under %q, got %+v", protocol.UnknownUser, last)
	}
}

func TestUnknownType_ErrorToSender(t *testing.T) {
	h := NewHub(room.NewRegistry())
	a := newFakeChannel("a")

	h.Handle(a, []byte(`{"type":"teleport"}`))
	errs := a.received(t, protocol.TypeError)
	if len(errs) != 1 || errs[0].(protocol.ErrorMsg).Code != protocol.CodeUnsupportedType {
		t.Fatalf("expected unsupported_type error, got %v", errs)
	}

	h.Handle(a, []byte(`{"type":"join","room":"r"}`))
	errs = a.received(t, protocol.TypeError)
	if len(errs) != 2 || errs[1].(protocol.ErrorMsg).Code != protocol.CodeInvalidMessage {
		t.Fatalf("expected invalid_message error, got %v", errs)
	}
}

func TestFanout_SkipsFullChannel(t *testing.T) {
	h := NewHub(room.NewRegistry())
	a, b, c := newFakeChannel("a"), newFakeChannel("b"), newFakeChannel("c")
	joinAs(t, h, a, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")
	joinAs(t, h, c, "Carol", "r")

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	send(t, h, a, protocol.TypeChat, protocol.ChatMsg{User: "Alice", Room: "r", Text: "still here"})

	if got := c.received(t, protocol.TypeChat); len(got) != 1 {
		t.Errorf("Carol should still get the chat, got %d", len(got))
	}
	if got := a.received(t, protocol.TypeChat); len(got) != 1 {
		t.Errorf("Alice should get her own chat echo, got %d", len(got))
	}
}

func TestLeave_ReassignsHost(t *testing.T) {
	reg := room.NewRegistry()
	h := NewHub(reg)
	a, b, c := newFakeChannel("a"), newFakeChannel("b"), newFakeChannel("c")
	joinAs(t, h, a, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")
	joinAs(t, h, c, "Carol", "r")
	b.reset()

	h.Leave(a)
	h.Leave(a) // idempotent

	leaves := b.received(t, protocol.TypeLeave)
	if len(leaves) != 1 || leaves[0].(protocol.LeaveMsg).User != "Alice" {
		t.Fatalf("expected one leave for Alice, got %v", leaves)
	}
	hosts := b.received(t, protocol.TypeHost)
	if len(hosts) != 1 || hosts[0].(protocol.HostMsg).User != "Bob" {
		t.Fatalf("expected host to pass to Bob, got %v", hosts)
	}
	if m := lastMembers(t, b); !equalStrings(m, []string{"Bob", "Carol"}) {
		t.Errorf("unexpected members %v", m)
	}

	h.Leave(b)
	h.Leave(c)
	if reg.Len() != 0 {
		t.Errorf("expected empty room to be destroyed")
	}
}

func TestJoin_SwitchRoomsLeavesOld(t *testing.T) {
	reg := room.NewRegistry()
	h := NewHub(reg)
	a, b := newFakeChannel("a"), newFakeChannel("b")
	joinAs(t, h, a, "Alice", "r1")
	joinAs(t, h, b, "Bob", "r1")

	joinAs(t, h, a, "Alice", "r2")

	if got := reg.Members("r1"); !equalStrings(got, []string{"Bob"}) {
		t.Errorf("expected Alice to leave r1, got %v", got)
	}
	if got := reg.Members("r2"); !equalStrings(got, []string{"Alice"}) {
		t.Errorf("expected Alice in r2, got %v", got)
	}
	if host, _ := reg.CurrentHost("r1"); host != "Bob" {
		t.Errorf("expected Bob to host r1, got %q", host)
	}
}

func TestJoin_SupersededChannelCloseKeepsMember(t *testing.T) {
	reg := room.NewRegistry()
	h := NewHub(reg)
	old, fresh, b := newFakeChannel("old"), newFakeChannel("fresh"), newFakeChannel("b")
	joinAs(t, h, old, "Alice", "r")
	joinAs(t, h, b, "Bob", "r")
	joinAs(t, h, fresh, "Alice", "r")

	h.Leave(old)

	if got := reg.Members("r"); !equalStrings(got, []string{"Alice", "Bob"}) {
		t.Fatalf("superseded close removed the member: %v", got)
	}

	send(t, h, b, protocol.TypePos, protocol.PosMsg{User: "Bob", Room: "r", PosX: 1})
	if len(fresh.received(t, protocol.TypePos)) != 1 {
		t.Error("the new channel should receive room traffic")
	}
}

func TestListRooms(t *testing.T) {
	h := NewHub(room.NewRegistry())
	for i, roomID := range []string{"small", "big", "big", "big", "mid", "mid"} {
		joinAs(t, h, newFakeChannel(fmt.Sprintf("c%d", i)), fmt.Sprintf("u%d", i), roomID)
	}

	asker := newFakeChannel("asker")
	send(t, h, asker, protocol.TypeListRooms, protocol.ListRoomsMsg{})

	got := asker.received(t, protocol.TypeRooms)
	if len(got) != 1 {
		t.Fatalf("expected one rooms reply, got %d", len(got))
	}
	rooms := got[0].(protocol.RoomsMsg).Rooms
	want := []protocol.RoomInfo{{ID: "big", Members: 3}, {ID: "mid", Members: 2}, {ID: "small", Members: 1}}
	if len(rooms) != len(want) {
		t.Fatalf("expected %v, got %v", want, rooms)
	}
	for i := range want {
		if rooms[i] != want[i] {
			t.Errorf("row %d: expected %v, got %v", i, want[i], rooms[i])
		}
	}
}

func TestObserver_ReceivesLifecycle(t *testing.T) {
	var (
		mu    sync.Mutex
		kinds []EventKind
	)
	obs := ObserverFunc(func(ev RoomEvent) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	h := NewHub(room.NewRegistry(), obs)
	a := newFakeChannel("a")

	joinAs(t, h, a, "Alice", "r")
	send(t, h, a, protocol.TypeStart, protocol.StartMsg{User: "Alice", Room: "r"})
	h.Leave(a)

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[EventKind]bool)
	for _, k := range kinds {
		seen[k] = true
	}
	for _, k := range []EventKind{EventCreated, EventHost, EventStarted, EventEmptied} {
		if !seen[k] {
			t.Errorf("expected %s event, got %v", k, kinds)
		}
	}
}

func TestObserver_CreatedPrecedesMembership(t *testing.T) {
	var (
		mu     sync.Mutex
		events []RoomEvent
	)
	h := NewHub(room.NewRegistry(), ObserverFunc(func(ev RoomEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	joinAs(t, h, newFakeChannel("a"), "Alice", "r")
	joinAs(t, h, newFakeChannel("b"), "Bob", "r")

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[0].Kind != EventCreated || events[0].Members != 1 {
		t.Fatalf("first event should be created with 1 member, got %+v", events)
	}
	for _, ev := range events[1:] {
		if ev.Kind == EventCreated {
			t.Errorf("room created twice: %+v", events)
		}
	}
	if last := events[len(events)-1]; last.Kind != EventMembers || last.Members != 2 {
		t.Errorf("last event should report 2 members, got %+v", last)
	}
}

func TestConcurrentJoinLeave_HostIsMember(t *testing.T) {
	reg := room.NewRegistry()
	h := NewHub(reg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := newFakeChannel(fmt.Sprintf("c%d", i))
			user := fmt.Sprintf("u%d", i)
			for j := 0; j < 10; j++ {
				joinAs(t, h, ch, user, "shared")
				h.Leave(ch)
			}
			if i%2 == 0 {
				joinAs(t, h, ch, user, "shared")
			}
		}(i)
	}
	wg.Wait()

	members := reg.Members("shared")
	if len(members) != 10 {
		t.Fatalf("expected 10 members, got %v", members)
	}
	if host, _ := reg.CurrentHost("shared"); host != members[0] {
		t.Errorf("host %q is not the earliest member %q", host, members[0])
	}
}
