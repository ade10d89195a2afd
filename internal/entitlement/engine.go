package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LimitsClient fetches and persists the authoritative entitlement snapshot.
// Satisfied by api.Client.
type LimitsClient interface {
	GetLimits(ctx context.Context) (*Record, error)
	UpdateLimits(ctx context.Context, rec *Record) error
}

// SnapshotCache persists the latest snapshot keyed by user, so a restarted
// client renders quota state before the authoritative fetch lands.
// Satisfied by cache.SnapshotCache; may be nil.
type SnapshotCache interface {
	PutSnapshot(ctx context.Context, userID string, rec *Record) error
	GetSnapshot(ctx context.Context, userID string) (*Record, error)
}

// Engine is the quota/tier bookkeeping for one session. All state lives
// behind one mutex; every check-and-commit happens inside a single lock
// acquisition, so a rapid sequence of attempts observes monotonically
// consistent quota state regardless of how the snapshot pushes interleave.
//
// Ownership: the server owns the record; this is an optimistic cache.
// Server wins wholesale on Load; local mutations are pushed as full
// snapshots and never rolled back on push failure.
type Engine struct {
	mu sync.Mutex

	userID string
	tier   Tier

	messagedMatch  map[string]struct{}
	messagedLiked  map[string]struct{}
	viewed         map[string]struct{}
	viewedMatch    map[string]struct{}
	premiumDaily   map[string]struct{}
	dailySent      int
	lastDailyReset string

	client LimitsClient
	cache  SnapshotCache
	log    *slog.Logger

	// now is swappable for daily-reset tests.
	now func() time.Time
}

// NewEngine creates an empty engine for the given user. Call Load before
// first use; until then every free-tier check sees zero usage.
func NewEngine(userID string, client LimitsClient, cache SnapshotCache, log *slog.Logger) *Engine {
	return &Engine{
		userID:        userID,
		tier:          TierFree,
		messagedMatch: make(map[string]struct{}),
		messagedLiked: make(map[string]struct{}),
		viewed:        make(map[string]struct{}),
		viewedMatch:   make(map[string]struct{}),
		premiumDaily:  make(map[string]struct{}),
		client:        client,
		cache:         cache,
		log:           log,
		now:           time.Now,
	}
}

// Load fetches the authoritative record and replaces all local state with
// it, then runs the daily reset check once. Server wins at startup: any
// optimistic local gains that never made it into a successful push are gone.
//
// When the fetch fails, the last cached snapshot stands in so a restarted
// client still renders quota state; the next successful Load or push
// reconciles. Load only fails when neither source can answer.
func (e *Engine) Load(ctx context.Context) error {
	rec, err := e.client.GetLimits(ctx)
	if err != nil {
		cached := e.loadCached(ctx)
		if cached == nil {
			return err
		}
		e.log.Warn("limits fetch failed, using cached snapshot", "err", err)
		rec = cached
	}

	e.mu.Lock()
	e.replaceLocked(rec)
	e.resetDailyLocked()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if e.cache != nil {
		if cerr := e.cache.PutSnapshot(ctx, e.userID, snap); cerr != nil {
			e.log.Warn("snapshot cache write failed", "err", cerr)
		}
	}
	return nil
}

func (e *Engine) loadCached(ctx context.Context) *Record {
	if e.cache == nil {
		return nil
	}
	rec, err := e.cache.GetSnapshot(ctx, e.userID)
	if err != nil {
		e.log.Warn("snapshot cache read failed", "err", err)
		return nil
	}
	return rec
}

func (e *Engine) replaceLocked(rec *Record) {
	e.tier = rec.Tier()
	e.messagedMatch = toSet(rec.MessagedMatchProfiles)
	e.messagedLiked = toSet(rec.MessagedLikedProfiles)
	e.viewed = toSet(rec.ViewedProfiles)
	e.viewedMatch = toSet(rec.ViewedMatchProfiles)
	e.premiumDaily = toSet(rec.PremiumMessagedUserIDs)
	e.dailySent = rec.DailyMessagesSent
	e.lastDailyReset = rec.LastDailyReset
}

// resetDailyLocked zeroes the daily counters when the calendar day has
// changed since the last reset. Running it twice on the same day is a no-op,
// so opportunistic calls from the record paths are safe.
func (e *Engine) resetDailyLocked() {
	today := e.now().Format("2006-01-02")
	if e.lastDailyReset == today {
		return
	}
	e.lastDailyReset = today
	e.dailySent = 0
	e.premiumDaily = make(map[string]struct{})
}

// CanMessage reports whether composing to profileID is currently within
// quota. fromLikedList selects which free-tier set applies; the rule is
// deliberately symmetric with RecordMessageAttempt: this inspects exactly
// the set that a subsequent record call would mutate.
//
// Advisory only at the client layer; the server re-validates on send.
func (e *Engine) CanMessage(profileID string, fromLikedList bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if profileID == "" {
		return false
	}
	if e.tier == TierPremium {
		if _, ok := e.premiumDaily[profileID]; ok {
			return true
		}
		return e.dailySent < PremiumDailyLimit
	}

	set, limit := e.messagedMatch, FreeMatchLimit
	if fromLikedList {
		set, limit = e.messagedLiked, FreeLikedLimit
	}
	if _, ok := set[profileID]; ok {
		return true
	}
	return len(set) < limit
}

// RecordMessageAttempt commits one message-quota consumption for profileID
// and reports whether it was committed.
//
// Behavior:
//   - Re-messaging a counterpart already in the relevant set returns true
//     without consuming quota; the cap is on distinct counterparts.
//   - Premium: rejected once dailySent reaches the daily cap, otherwise the
//     id joins the daily set and the counter increments.
//   - Free: rejected once the applicable set is at its cap.
//   - Every commit pushes the full snapshot before returning; a failed push
//     is logged and retried once but the local commit stands.
func (e *Engine) RecordMessageAttempt(ctx context.Context, profileID string, isMatchCard bool) bool {
	if profileID == "" {
		return false
	}

	e.mu.Lock()
	e.resetDailyLocked()

	committed := false
	switch e.tier {
	case TierPremium:
		if _, ok := e.premiumDaily[profileID]; ok {
			e.mu.Unlock()
			return true
		}
		if e.dailySent >= PremiumDailyLimit {
			e.mu.Unlock()
			return false
		}
		e.premiumDaily[profileID] = struct{}{}
		e.dailySent++
		committed = true

	default:
		set, limit := e.messagedLiked, FreeLikedLimit
		if isMatchCard {
			set, limit = e.messagedMatch, FreeMatchLimit
		}
		if _, ok := set[profileID]; ok {
			e.mu.Unlock()
			return true
		}
		if len(set) >= limit {
			e.mu.Unlock()
			return false
		}
		set[profileID] = struct{}{}
		committed = true
	}

	snap := e.snapshotLocked()
	e.mu.Unlock()

	if committed {
		e.push(ctx, snap)
	}
	return committed
}

// CanView mirrors CanMessage for profile views. Premium users always pass.
func (e *Engine) CanView(profileID string, isMatchCard bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if profileID == "" {
		return false
	}
	if e.tier == TierPremium {
		return true
	}

	if isMatchCard {
		if _, ok := e.viewedMatch[profileID]; ok {
			return true
		}
		return len(e.viewedMatch) < FreeMatchLimit
	}

	// A counterpart the user already messaged stays viewable even once the
	// view set is full.
	if _, ok := e.viewed[profileID]; ok {
		return true
	}
	if _, ok := e.messagedMatch[profileID]; ok {
		return true
	}
	if _, ok := e.messagedLiked[profileID]; ok {
		return true
	}
	return len(e.viewed) < FreeLikedLimit
}

// RecordView commits one view-quota consumption. Premium never mutates
// state and always succeeds. Like RecordMessageAttempt, a repeat id is a
// free success.
func (e *Engine) RecordView(ctx context.Context, profileID string, isMatchCard bool) bool {
	if profileID == "" {
		return false
	}

	e.mu.Lock()
	if e.tier == TierPremium {
		e.mu.Unlock()
		return true
	}

	set, limit := e.viewed, FreeLikedLimit
	if isMatchCard {
		set, limit = e.viewedMatch, FreeMatchLimit
	}
	if _, ok := set[profileID]; ok {
		e.mu.Unlock()
		return true
	}
	if len(set) >= limit {
		e.mu.Unlock()
		return false
	}
	set[profileID] = struct{}{}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.push(ctx, snap)
	return true
}

// RemainingMessages returns how many new distinct counterparts the user may
// still message. Premium reports what is left of the daily cap; free
// reports the headroom across both lifetime sets.
func (e *Engine) RemainingMessages() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tier == TierPremium {
		return PremiumDailyLimit - e.dailySent
	}
	return (FreeMatchLimit - len(e.messagedMatch)) + (FreeLikedLimit - len(e.messagedLiked))
}

// RemainingViews returns the view headroom for the given card kind, or
// Unlimited for premium.
func (e *Engine) RemainingViews(isMatchCard bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tier == TierPremium {
		return Unlimited
	}
	if isMatchCard {
		return FreeMatchLimit - len(e.viewedMatch)
	}
	return FreeLikedLimit - len(e.viewed)
}

// Tier returns the currently loaded subscription tier.
func (e *Engine) Tier() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

// Snapshot returns a copy of the current record in wire shape.
func (e *Engine) Snapshot() *Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() *Record {
	return &Record{
		SubscriptionStatus:     string(e.tier),
		MessagedMatchProfiles:  toSlice(e.messagedMatch),
		MessagedLikedProfiles:  toSlice(e.messagedLiked),
		ViewedProfiles:         toSlice(e.viewed),
		ViewedMatchProfiles:    toSlice(e.viewedMatch),
		DailyMessagesSent:      e.dailySent,
		PremiumMessagedUserIDs: toSlice(e.premiumDaily),
		LastDailyReset:         e.lastDailyReset,
	}
}

// push persists a committed snapshot: cache write first, then the server
// POST with one retry. Failures are logged, never rolled back; the next
// successful mutation carries the full state anyway.
func (e *Engine) push(ctx context.Context, snap *Record) {
	if e.cache != nil {
		if err := e.cache.PutSnapshot(ctx, e.userID, snap); err != nil {
			e.log.Warn("snapshot cache write failed", "err", err)
		}
	}
	if e.client == nil {
		return
	}
	err := e.client.UpdateLimits(ctx, snap)
	if err == nil {
		return
	}
	e.log.Warn("limits push failed, retrying once", "err", err)
	if err = e.client.UpdateLimits(ctx, snap); err != nil {
		e.log.Error("limits push failed, local state retained", "err", err)
	}
}
