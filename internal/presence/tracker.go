package presence

import (
	"encoding/json"
	"sync"
)

// Tracker is a pure event relay: user_online/user_offline events flip a
// local map, and the whole map is discarded when the connection dies.
// Presence has no lifecycle beyond the connection's; nothing here is
// persisted or assumed stale-but-valid.
type Tracker struct {
	mu     sync.RWMutex
	online map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{online: make(map[string]bool)}
}

// SetOnline marks a counterpart live.
func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	t.online[userID] = true
	t.mu.Unlock()
}

// SetOffline marks a counterpart gone.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	delete(t.online, userID)
	t.mu.Unlock()
}

// Online reports whether the counterpart is currently live. Always false
// after Reset until fresh events arrive.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID]
}

// Reset discards all presence state; called when the connection drops.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]bool)
	t.mu.Unlock()
}

// HandleEvent feeds a raw user_online/user_offline payload into the map.
func (t *Tracker) HandleEvent(event string, data json.RawMessage) {
	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		return
	}
	switch event {
	case "user_online":
		t.SetOnline(payload.UserID)
	case "user_offline":
		t.SetOffline(payload.UserID)
	}
}
