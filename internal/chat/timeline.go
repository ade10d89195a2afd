package chat

import (
	"sync"
	"time"
)

// Timeline is the visible message sequence of one room. It owns the merge
// rule that keeps the ack/broadcast race at-most-once: a message whose
// TempID (or server id) is already present updates the existing entry in
// place, anything else is inserted in non-decreasing timestamp order.
// In-place updates never move an entry, so already-acked messages keep
// their positions.
type Timeline struct {
	mu     sync.Mutex
	seq    []*Message
	byTemp map[string]*Message
	byID   map[string]*Message
}

func NewTimeline() *Timeline {
	return &Timeline{
		byTemp: make(map[string]*Message),
		byID:   make(map[string]*Message),
	}
}

// Upsert applies a message to the sequence and reports whether a new entry
// was inserted (false means an existing entry absorbed it).
func (t *Timeline) Upsert(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing := t.lookupLocked(&msg); existing != nil {
		// Merge in place: adopt the server id and timestamp, keep position.
		if msg.ID != "" {
			if existing.ID != "" && existing.ID != msg.ID {
				delete(t.byID, existing.ID)
			}
			existing.ID = msg.ID
			t.byID[msg.ID] = existing
		}
		if !msg.Timestamp.IsZero() {
			existing.Timestamp = msg.Timestamp
		}
		if msg.State > existing.State {
			existing.State = msg.State
		}
		if msg.Read {
			existing.Read = true
		}
		return false
	}

	t.insertLocked(&msg)
	return true
}

func (t *Timeline) lookupLocked(msg *Message) *Message {
	if msg.TempID != "" {
		if m, ok := t.byTemp[msg.TempID]; ok {
			return m
		}
	}
	if msg.ID != "" {
		if m, ok := t.byID[msg.ID]; ok {
			return m
		}
	}
	return nil
}

func (t *Timeline) insertLocked(msg *Message) {
	// Stable insert: after the last entry with timestamp <= msg's, so equal
	// timestamps preserve arrival order.
	i := len(t.seq)
	for i > 0 && t.seq[i-1].Timestamp.After(msg.Timestamp) {
		i--
	}
	t.seq = append(t.seq, nil)
	copy(t.seq[i+1:], t.seq[i:])
	t.seq[i] = msg

	if msg.TempID != "" {
		t.byTemp[msg.TempID] = msg
	}
	if msg.ID != "" {
		t.byID[msg.ID] = msg
	}
}

// Ack marks the entry for tempID acknowledged, adopting the server id and
// timestamp when provided.
func (t *Timeline) Ack(tempID, serverID string, ts time.Time) {
	t.Upsert(Message{TempID: tempID, ID: serverID, Timestamp: ts, State: StateAcked})
}

// Remove retracts the entry for tempID from the sequence (failed send).
func (t *Timeline) Remove(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.byTemp[tempID]
	if !ok {
		return
	}
	delete(t.byTemp, tempID)
	if msg.ID != "" {
		delete(t.byID, msg.ID)
	}
	for i, m := range t.seq {
		if m == msg {
			t.seq = append(t.seq[:i], t.seq[i+1:]...)
			break
		}
	}
}

// Replace swaps the whole sequence for a fetched history. Every entry in
// history counts as acked; any unacked optimistic message not present in it
// never reached the server and is dropped.
func (t *Timeline) Replace(history []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq = t.seq[:0]
	t.byTemp = make(map[string]*Message)
	t.byID = make(map[string]*Message)

	for i := range history {
		msg := history[i]
		msg.State = StateAcked
		if t.lookupLocked(&msg) != nil {
			continue
		}
		t.insertLocked(&msg)
	}
}

// MarkAllRead flips the read flag on every entry.
func (t *Timeline) MarkAllRead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.seq {
		m.Read = true
	}
}

// Messages returns a copy of the visible sequence.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Message, len(t.seq))
	for i, m := range t.seq {
		out[i] = *m
	}
	return out
}

// Len returns the number of visible messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seq)
}

// CountSince counts messages from senderID with a timestamp at or after
// cutoff. Used for the daily premium-sender notice shown to free users.
func (t *Timeline) CountSince(senderID string, cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.seq {
		if m.SenderID == senderID && !m.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}
