package chat

import "time"

// MessageState is the two-phase delivery position of a message in the local
// sequence. Acked messages are never mutated again, only marked read.
type MessageState int

const (
	// StateOptimistic: inserted locally, not yet acknowledged.
	StateOptimistic MessageState = iota
	// StateAcked: the server assigned a permanent id.
	StateAcked
	// StateFailed: the ack was rejected; the entry leaves the sequence.
	StateFailed
)

func (s MessageState) String() string {
	switch s {
	case StateOptimistic:
		return "optimistic"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is one chat message as it appears on the wire and in the local
// sequence. TempID is the client-generated dedup key; it stays set after
// the server assigns ID so the ack/broadcast race resolves to one entry.
type Message struct {
	ID        string       `json:"_id,omitempty"`
	TempID    string       `json:"tempId,omitempty"`
	SenderID  string       `json:"sender_id"`
	RoomID    string       `json:"room_id,omitempty"`
	Body      string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Read      bool         `json:"read"`
	State     MessageState `json:"-"`
}
