package domain

import "time"

// FreshnessResolution is the precision last-change timestamps are stored with.
const FreshnessResolution = time.Microsecond

// NextFreshness returns the new last-change value for a record whose current
// value is prev. The result is strictly after prev even when the clock has
// not advanced.
func NextFreshness(prev *time.Time, now time.Time) time.Time {
	next := now.UTC().Truncate(FreshnessResolution)
	if prev != nil && !next.After(*prev) {
		next = prev.UTC().Truncate(FreshnessResolution).Add(FreshnessResolution)
	}
	return next
}
