package price

import "time"

// Freshness is a display classification of quote age.
type Freshness string

const (
	Fresh   Freshness = "FRESH"
	Stale   Freshness = "STALE"
	Offline Freshness = "OFFLINE"
)

const (
	freshWindow = 60 * time.Second
	staleWindow = 300 * time.Second
)

// FreshnessOf classifies a quote fetched at fetchedAt as seen at now.
// A zero fetchedAt is OFFLINE.
func FreshnessOf(fetchedAt, now time.Time) Freshness {
	if fetchedAt.IsZero() {
		return Offline
	}
	age := now.Sub(fetchedAt)
	switch {
	case age < freshWindow:
		return Fresh
	case age < staleWindow:
		return Stale
	default:
		return Offline
	}
}
