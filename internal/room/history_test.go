package room

import (
	"fmt"
	"testing"

	"github.com/sillycats/presence/internal/protocol"
)

func chatEntry(i int) protocol.HistoryEntry {
	return protocol.HistoryEntry{Type: protocol.TypeChat, User: "sender", Text: fmt.Sprintf("msg-%d", i), Time: int64(i)}
}

func TestHistoryAddAndEntries(t *testing.T) {
	h := newHistory()

	h.Add(protocol.HistoryEntry{Type: protocol.TypeJoin, User: "a", Text: "joined", Time: 1})
	h.Add(protocol.HistoryEntry{Type: protocol.TypeChat, User: "a", Text: "hello", Time: 2})
	h.Add(protocol.HistoryEntry{Type: protocol.TypeLeave, User: "a", Text: "left", Time: 3})

	entries := h.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Type != protocol.TypeJoin || entries[1].Text != "hello" || entries[2].Type != protocol.TypeLeave {
		t.Errorf("entries out of order: %+v", entries)
	}
}

func TestHistoryWraparound(t *testing.T) {
	h := newHistory()

	// Add 7 more entries than the buffer holds.
	for i := 1; i <= MaxHistory+7; i++ {
		h.Add(chatEntry(i))
	}

	entries := h.Entries()
	if len(entries) != MaxHistory {
		t.Fatalf("expected %d entries, got %d", MaxHistory, len(entries))
	}

	// Should contain entries 8 through MaxHistory+7 in order.
	for i, e := range entries {
		expected := fmt.Sprintf("msg-%d", i+8)
		if e.Text != expected {
			t.Fatalf("index %d: expected %q, got %q", i, expected, e.Text)
		}
	}
}

func TestHistoryEmpty(t *testing.T) {
	h := newHistory()

	entries := h.Entries()
	if entries == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(entries) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(entries))
	}
}

func TestHistoryExactlyMax(t *testing.T) {
	h := newHistory()

	for i := 1; i <= MaxHistory; i++ {
		h.Add(chatEntry(i))
	}

	entries := h.Entries()
	if h.Len() != MaxHistory || len(entries) != MaxHistory {
		t.Fatalf("expected %d entries, got %d", MaxHistory, len(entries))
	}
	for i, e := range entries {
		expected := fmt.Sprintf("msg-%d", i+1)
		if e.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, e.Text)
		}
	}
}
