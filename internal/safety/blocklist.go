package safety

import (
	"context"
	"log/slog"
	"sync"
)

// BlockAPI is the slice of the REST client the blocklist uses.
type BlockAPI interface {
	BlockUser(ctx context.Context, blockedUserID, roomID, reason string) error
	IsBlocked(ctx context.Context, userID, otherID string) (bool, error)
}

// Blocklist tracks block relationships for the session. The server owns
// the edges; this caches the answer per user pair, refreshed lazily on
// room-open, so the compose path can reject locally without a network call.
// A block in either direction disables the room for both participants.
type Blocklist struct {
	api BlockAPI
	log *slog.Logger

	mu    sync.RWMutex
	known map[string]bool
}

func NewBlocklist(api BlockAPI, log *slog.Logger) *Blocklist {
	return &Blocklist{
		api:   api,
		log:   log,
		known: make(map[string]bool),
	}
}

// pairKey normalizes the unordered user pair.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Refresh queries the server for the pair's block status and memoizes the
// answer. Called once per room-open.
func (b *Blocklist) Refresh(ctx context.Context, selfID, otherID string) (bool, error) {
	blocked, err := b.api.IsBlocked(ctx, selfID, otherID)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	b.known[pairKey(selfID, otherID)] = blocked
	b.mu.Unlock()
	return blocked, nil
}

// Blocked answers from the memoized state only; an unknown pair counts as
// not blocked until a Refresh says otherwise.
func (b *Blocklist) Blocked(selfID, otherID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.known[pairKey(selfID, otherID)]
}

// Block submits a block edge against targetID and records it locally so
// composition shuts off immediately, before any re-fetch.
func (b *Blocklist) Block(ctx context.Context, selfID, targetID, roomID, reason string) error {
	if err := b.api.BlockUser(ctx, targetID, roomID, reason); err != nil {
		return err
	}
	b.mu.Lock()
	b.known[pairKey(selfID, targetID)] = true
	b.mu.Unlock()
	b.log.Info("user blocked", "target", targetID, "room", roomID)
	return nil
}
