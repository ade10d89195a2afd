package entitlement

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//
// Test helpers
//

type fakeLimits struct {
	mu     sync.Mutex
	rec    *Record
	pushes []*Record
	fail   bool
	getErr error
}

func (f *fakeLimits) GetLimits(ctx context.Context) (*Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.rec, nil
}

func (f *fakeLimits) UpdateLimits(ctx context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return fmt.Errorf("push failed")
	}
	f.pushes = append(f.pushes, rec)
	return nil
}

func (f *fakeLimits) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type fakeCache struct {
	mu   sync.Mutex
	rec  *Record
	puts int
}

func (f *fakeCache) PutSnapshot(ctx context.Context, userID string, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec = rec
	f.puts++
	return nil
}

func (f *fakeCache) GetSnapshot(ctx context.Context, userID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec, nil
}

// newEngine loads an engine from the given record against a fake server.
func newEngine(t *testing.T, rec *Record) (*Engine, *fakeLimits) {
	t.Helper()

	client := &fakeLimits{rec: rec}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine("me", client, nil, log)
	require.NoError(t, e.Load(context.Background()))
	return e, client
}

func freeRecord() *Record {
	return &Record{SubscriptionStatus: "free", LastDailyReset: time.Now().Format("2006-01-02")}
}

func premiumRecord() *Record {
	return &Record{SubscriptionStatus: "premium", LastDailyReset: time.Now().Format("2006-01-02")}
}

//
// Tests
//

// TestRecordMessageAttempt_Idempotent ensures re-messaging the same
// counterpart never consumes quota a second time.
func TestRecordMessageAttempt_Idempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, freeRecord())

	require.True(t, e.RecordMessageAttempt(ctx, "p1", false))
	before := e.RemainingMessages()

	assert.True(t, e.RecordMessageAttempt(ctx, "p1", false))
	assert.Equal(t, before, e.RemainingMessages())
}

// TestFreeLikedCap covers Scenario A: 9 distinct liked-list counterparts,
// the 10th is accepted, the 11th rejected with the set unchanged.
func TestFreeLikedCap(t *testing.T) {
	ctx := context.Background()
	rec := freeRecord()
	for i := 0; i < 9; i++ {
		rec.MessagedLikedProfiles = append(rec.MessagedLikedProfiles, fmt.Sprintf("p%d", i))
	}
	e, _ := newEngine(t, rec)

	assert.True(t, e.RecordMessageAttempt(ctx, "p9", false))
	assert.Len(t, e.Snapshot().MessagedLikedProfiles, 10)

	assert.False(t, e.RecordMessageAttempt(ctx, "p10", false))
	assert.Len(t, e.Snapshot().MessagedLikedProfiles, 10)

	// The match-card set is independent and still open.
	assert.True(t, e.CanMessage("p10", false))
	assert.True(t, e.RecordMessageAttempt(ctx, "p10", true))
}

// TestPremiumDailyCap covers Scenario B: counter at 29, one new id fills
// the cap, another new id is rejected, a repeat id still passes with the
// counter unchanged.
func TestPremiumDailyCap(t *testing.T) {
	ctx := context.Background()
	rec := premiumRecord()
	for i := 0; i < 29; i++ {
		rec.PremiumMessagedUserIDs = append(rec.PremiumMessagedUserIDs, fmt.Sprintf("p%d", i))
	}
	rec.DailyMessagesSent = 29
	e, _ := newEngine(t, rec)

	assert.True(t, e.RecordMessageAttempt(ctx, "X", true))
	assert.Equal(t, 30, e.Snapshot().DailyMessagesSent)

	assert.False(t, e.RecordMessageAttempt(ctx, "Y", true))

	assert.True(t, e.RecordMessageAttempt(ctx, "X", true))
	assert.Equal(t, 30, e.Snapshot().DailyMessagesSent)
}

// TestDailyReset ensures the reset fires exactly once per day boundary and
// is a no-op when run again on the same day.
func TestDailyReset(t *testing.T) {
	ctx := context.Background()
	rec := premiumRecord()
	rec.DailyMessagesSent = 12
	rec.PremiumMessagedUserIDs = []string{"a", "b"}
	rec.LastDailyReset = "2026-08-30"

	client := &fakeLimits{rec: rec}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine("me", client, nil, log)

	day := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return day }
	require.NoError(t, e.Load(ctx))

	snap := e.Snapshot()
	assert.Equal(t, 0, snap.DailyMessagesSent)
	assert.Empty(t, snap.PremiumMessagedUserIDs)
	assert.Equal(t, "2026-08-31", snap.LastDailyReset)

	// Same-day second run changes nothing even after new usage.
	require.True(t, e.RecordMessageAttempt(ctx, "c", true))
	e.mu.Lock()
	e.resetDailyLocked()
	e.mu.Unlock()
	snap = e.Snapshot()
	assert.Equal(t, 1, snap.DailyMessagesSent)
	assert.Equal(t, []string{"c"}, snap.PremiumMessagedUserIDs)
}

// TestCapInvariantConcurrent hammers a fresh free engine from many
// goroutines; no interleaving may push a set past its cap.
func TestCapInvariantConcurrent(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, freeRecord())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.RecordMessageAttempt(ctx, fmt.Sprintf("liked%d", i), false)
			e.RecordMessageAttempt(ctx, fmt.Sprintf("match%d", i), true)
		}(i)
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.LessOrEqual(t, len(snap.MessagedLikedProfiles), FreeLikedLimit)
	assert.LessOrEqual(t, len(snap.MessagedMatchProfiles), FreeMatchLimit)
}

// TestCanMessageMatchesRecordSet pins the consistency rule: the check
// inspects exactly the set the record call would mutate.
func TestCanMessageMatchesRecordSet(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, freeRecord())

	for i := 0; i < FreeLikedLimit; i++ {
		require.True(t, e.RecordMessageAttempt(ctx, fmt.Sprintf("liked%d", i), false))
	}

	// Liked list is full, match list is not.
	assert.False(t, e.CanMessage("new", true))
	assert.True(t, e.CanMessage("new", false))
	// A counterpart already in the full set stays messageable.
	assert.True(t, e.CanMessage("liked3", true))
}

// TestRecordView mirrors message recording: premium is unmetered, free
// repeats are free, caps hold.
func TestRecordView(t *testing.T) {
	ctx := context.Background()

	p, pc := newEngine(t, premiumRecord())
	assert.True(t, p.RecordView(ctx, "x", true))
	assert.Empty(t, p.Snapshot().ViewedMatchProfiles)
	assert.Equal(t, 0, pc.pushCount())
	assert.Equal(t, Unlimited, p.RemainingViews(true))

	f, _ := newEngine(t, freeRecord())
	for i := 0; i < FreeLikedLimit; i++ {
		require.True(t, f.RecordView(ctx, fmt.Sprintf("v%d", i), false))
	}
	assert.False(t, f.RecordView(ctx, "overflow", false))
	assert.True(t, f.RecordView(ctx, "v0", false))
	assert.Equal(t, 0, f.RemainingViews(false))
	assert.Equal(t, FreeMatchLimit, f.RemainingViews(true))
}

// TestCanViewMessagedStaysViewable keeps already-messaged counterparts
// viewable once the liked-list view set is full.
func TestCanViewMessagedStaysViewable(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t, freeRecord())

	require.True(t, e.RecordMessageAttempt(ctx, "friend", false))
	for i := 0; i < FreeLikedLimit; i++ {
		require.True(t, e.RecordView(ctx, fmt.Sprintf("v%d", i), false))
	}

	assert.False(t, e.CanView("stranger", false))
	assert.True(t, e.CanView("friend", false))
}

// TestPushOnCommit verifies every committed mutation pushes a full
// snapshot and rejected attempts push nothing.
func TestPushOnCommit(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t, freeRecord())

	require.True(t, e.RecordMessageAttempt(ctx, "p1", true))
	assert.Equal(t, 1, client.pushCount())

	// Repeat: no quota consumed, no push.
	require.True(t, e.RecordMessageAttempt(ctx, "p1", true))
	assert.Equal(t, 1, client.pushCount())

	pushed := client.pushes[0]
	assert.Equal(t, []string{"p1"}, pushed.MessagedMatchProfiles)
	assert.Equal(t, "free", pushed.SubscriptionStatus)
}

// TestPushFailureKeepsLocalState: the accepted tradeoff: a failed push is
// retried, then dropped; the local commit stands either way.
func TestPushFailureKeepsLocalState(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t, freeRecord())
	client.fail = true

	require.True(t, e.RecordMessageAttempt(ctx, "p1", true))
	assert.Contains(t, e.Snapshot().MessagedMatchProfiles, "p1")
	assert.True(t, e.RecordMessageAttempt(ctx, "p1", true))
}

// TestLoadServerWins: a Load replaces any optimistic local gains wholesale.
func TestLoadServerWins(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t, freeRecord())

	require.True(t, e.RecordMessageAttempt(ctx, "local-only", true))

	client.rec = &Record{
		SubscriptionStatus:    "free",
		MessagedMatchProfiles: []string{"server-truth"},
		LastDailyReset:        time.Now().Format("2006-01-02"),
	}
	require.NoError(t, e.Load(ctx))

	snap := e.Snapshot()
	assert.Equal(t, []string{"server-truth"}, snap.MessagedMatchProfiles)
	assert.NotContains(t, snap.MessagedMatchProfiles, "local-only")
}

// TestLoadFallsBackToCachedSnapshot: when the authoritative fetch fails, the
// last cached snapshot stands in so a restarted client still renders quota
// state.
func TestLoadFallsBackToCachedSnapshot(t *testing.T) {
	ctx := context.Background()
	client := &fakeLimits{getErr: fmt.Errorf("backend down")}
	cache := &fakeCache{rec: &Record{
		SubscriptionStatus:     "premium",
		DailyMessagesSent:      5,
		PremiumMessagedUserIDs: []string{"p1"},
		LastDailyReset:         time.Now().Format("2006-01-02"),
	}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine("me", client, cache, log)

	require.NoError(t, e.Load(ctx))
	assert.Equal(t, TierPremium, e.Tier())
	assert.Equal(t, 5, e.Snapshot().DailyMessagesSent)
	assert.True(t, e.CanMessage("p1", false))
}

// TestLoadFailsWhenNothingAnswers: no cache, or a cache miss, surfaces the
// fetch error instead of silently starting from zero usage.
func TestLoadFailsWhenNothingAnswers(t *testing.T) {
	ctx := context.Background()
	client := &fakeLimits{getErr: fmt.Errorf("backend down")}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := NewEngine("me", client, nil, log)
	require.Error(t, e.Load(ctx))

	e = NewEngine("me", client, &fakeCache{}, log)
	require.Error(t, e.Load(ctx))
}

// TestRemainingMessages reports daily headroom for premium and combined
// lifetime headroom for free.
func TestRemainingMessages(t *testing.T) {
	ctx := context.Background()

	f, _ := newEngine(t, freeRecord())
	assert.Equal(t, FreeMatchLimit+FreeLikedLimit, f.RemainingMessages())
	require.True(t, f.RecordMessageAttempt(ctx, "a", true))
	assert.Equal(t, FreeMatchLimit+FreeLikedLimit-1, f.RemainingMessages())

	p, _ := newEngine(t, premiumRecord())
	require.True(t, p.RecordMessageAttempt(ctx, "a", true))
	assert.Equal(t, PremiumDailyLimit-1, p.RemainingMessages())
}
