package conn

import "encoding/json"

// Client → server events.
const (
	EventJoinUserRoom      = "join_user_room"
	EventJoinChat          = "join_chat"
	EventSendMessage       = "send_message"
	EventGetMessageHistory = "get_message_history"
	EventRefreshMatches    = "refresh_matches"
	EventLogout            = "logout"
)

// Server → client events.
const (
	EventJoinedChat       = "joined_chat"
	EventMessageHistory   = "message_history"
	EventNewMessage       = "new_message"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventMatchesUpdated   = "matches_updated"
	EventMatchesRefreshed = "matches_refreshed"
	EventError            = "error"
	EventAck              = "ack"
)

// Frame is one JSON message on the realtime channel. AckID correlates a
// send_message with its acknowledgment; it doubles as the message tempId so
// the ack and broadcast paths deduplicate against the same key.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// Ack is the per-message acknowledgment payload. Code carries the wire
// code on rejection; FREE_CAP_REACHED is the recoverable quota signal.
type Ack struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// State is the connection lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// Handlers are the typed callbacks the manager drives. Any field may be
// nil. Callbacks run on the read-loop goroutine; they must not block.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func(err error)
	OnRoomJoined   func(roomID string)
	OnEvent        func(event string, data json.RawMessage)
	OnError        func(message string)
}
