package entitlement

import "sort"

// Tier is the subscription level driving which policy row applies.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Policy constants. Free caps count lifetime distinct counterparts; the
// premium cap counts distinct counterparts per calendar day.
const (
	FreeMatchLimit    = 10
	FreeLikedLimit    = 10
	PremiumDailyLimit = 30
)

// Unlimited is returned by remaining-count queries when no cap applies.
const Unlimited = -1

// Record is the wire shape of the server-owned entitlement snapshot
// (GET/POST /users/limits). The engine holds the same data as sets; this
// struct exists only at the fetch/push boundary.
type Record struct {
	SubscriptionStatus     string   `json:"subscriptionStatus"`
	MessagedMatchProfiles  []string `json:"messagedMatchProfiles"`
	MessagedLikedProfiles  []string `json:"messagedLikedProfiles"`
	ViewedProfiles         []string `json:"viewedProfiles"`
	ViewedMatchProfiles    []string `json:"viewedMatchProfiles"`
	DailyMessagesSent      int      `json:"dailyMessagesSent"`
	PremiumMessagedUserIDs []string `json:"premiumMessagedUserIds"`
	LastDailyReset         string   `json:"lastDailyReset,omitempty"`
}

// Tier normalizes the subscription field; anything not "premium" is free.
func (r *Record) Tier() Tier {
	if r != nil && r.SubscriptionStatus == string(TierPremium) {
		return TierPremium
	}
	return TierFree
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// toSlice produces a sorted slice so two pushes of the same state are
// byte-identical on the wire.
func toSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
