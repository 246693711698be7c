// internal/version/resolve.go
package version

import (
	"time"

	"github.com/javajoker/versiondigest/internal/models"
)

// ResolveCurrent picks the single current version out of a product's
// history. Only verified records count. An operator override wins;
// otherwise the highest parsed version, then the latest release date, then
// the latest detection time, then the record ID. Returns nil when nothing is
// verified. The input slice is not modified.
func ResolveCurrent(records []models.VersionRecord) *models.VersionRecord {
	var best, bestOverride *models.VersionRecord

	for i := range records {
		r := &records[i]
		if !r.Verified {
			continue
		}
		if r.IsCurrentOverride {
			if bestOverride == nil || Outranks(r, bestOverride) {
				bestOverride = r
			}
			continue
		}
		if best == nil || Outranks(r, best) {
			best = r
		}
	}

	if bestOverride != nil {
		return bestOverride
	}
	return best
}

// Outranks reports whether a sorts ahead of b when choosing a current
// version, ignoring verification and overrides.
func Outranks(a, b *models.VersionRecord) bool {
	if c := CompareStrings(a.Version, b.Version); c != 0 {
		return c > 0
	}
	if c := compareTimes(a.ReleaseDate, b.ReleaseDate); c != 0 {
		return c > 0
	}
	if c := compareTimes(a.DetectedAt, b.DetectedAt); c != 0 {
		return c > 0
	}
	return a.ID.String() > b.ID.String()
}

// compareTimes orders nil before any set time.
func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.After(*b):
		return 1
	case a.Before(*b):
		return -1
	}
	return 0
}

// Predecessor returns the highest verified record ranked strictly below
// current, or nil.
func Predecessor(records []models.VersionRecord, current *models.VersionRecord) *models.VersionRecord {
	if current == nil {
		return nil
	}
	var best *models.VersionRecord
	for i := range records {
		r := &records[i]
		if !r.Verified || r.ID == current.ID {
			continue
		}
		if CompareStrings(r.Version, current.Version) >= 0 {
			continue
		}
		if best == nil || Outranks(r, best) {
			best = r
		}
	}
	return best
}
