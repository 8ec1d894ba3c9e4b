package room

import "github.com/sillycats/presence/internal/protocol"

// MaxHistory is the number of chat/join/leave entries retained per room.
const MaxHistory = 200

// History is a fixed-size circular buffer of entries. It is not
// goroutine-safe on its own; Room serializes access.
type History struct {
	items []protocol.HistoryEntry
	pos   int
	count int
}

func newHistory() *History {
	return &History{items: make([]protocol.HistoryEntry, MaxHistory)}
}

// Add appends an entry. If the buffer is full, the oldest entry is
// overwritten.
func (h *History) Add(e protocol.HistoryEntry) {
	h.items[h.pos] = e
	h.pos = (h.pos + 1) % MaxHistory
	if h.count < MaxHistory {
		h.count++
	}
}

// Len returns the number of buffered entries.
func (h *History) Len() int {
	return h.count
}

// Entries returns the buffered entries in chronological order (oldest first).
func (h *History) Entries() []protocol.HistoryEntry {
	result := make([]protocol.HistoryEntry, h.count)
	// The oldest entry is at position (pos - count) mod MaxHistory.
	start := (h.pos - h.count + MaxHistory) % MaxHistory
	for i := 0; i < h.count; i++ {
		result[i] = h.items[(start+i)%MaxHistory]
	}
	return result
}
