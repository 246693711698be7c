// internal/services/fallbacks.go
package services

import (
	"strings"
	"time"

	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"
	"github.com/javajoker/versiondigest/internal/version"
)

const noPreviousVersion = "N/A"

// effectiveDate is the timestamp a version counts as released at.
var effectiveDate = utils.NewFallback[*models.VersionRecord, time.Time](time.Time{},
	utils.Source[*models.VersionRecord, time.Time]{
		Name: "release_date",
		Extract: func(r *models.VersionRecord) (time.Time, bool) {
			return derefTime(r.ReleaseDate)
		},
	},
	utils.Source[*models.VersionRecord, time.Time]{
		Name: "detected_at",
		Extract: func(r *models.VersionRecord) (time.Time, bool) {
			return derefTime(r.DetectedAt)
		},
	},
	utils.Source[*models.VersionRecord, time.Time]{
		Name: "created_at",
		Extract: func(r *models.VersionRecord) (time.Time, bool) {
			return r.CreatedAt, !r.CreatedAt.IsZero()
		},
	},
)

type oldVersionInput struct {
	history      []models.VersionRecord
	current      *models.VersionRecord
	lastNotified *string
}

// oldVersion is the version shown on the left of an update line.
var oldVersion = utils.NewFallback[oldVersionInput, string](noPreviousVersion,
	utils.Source[oldVersionInput, string]{
		Name: "history",
		Extract: func(in oldVersionInput) (string, bool) {
			if prev := version.Predecessor(in.history, in.current); prev != nil {
				return prev.Version, true
			}
			return "", false
		},
	},
	utils.Source[oldVersionInput, string]{
		Name: "last_notified",
		Extract: func(in oldVersionInput) (string, bool) {
			return trimmed(in.lastNotified)
		},
	},
	utils.Source[oldVersionInput, string]{
		Name: "previous_version",
		Extract: func(in oldVersionInput) (string, bool) {
			return trimmed(&in.current.PreviousVersion)
		},
	},
)

// productLink prefers the page versions are tracked from.
var productLink = utils.NewFallback[*models.Product, string]("",
	utils.Source[*models.Product, string]{
		Name: "version_source_url",
		Extract: func(p *models.Product) (string, bool) {
			return trimmed(&p.VersionSourceURL)
		},
	},
	utils.Source[*models.Product, string]{
		Name: "website",
		Extract: func(p *models.Product) (string, bool) {
			return trimmed(&p.Website)
		},
	},
)

func derefTime(t *time.Time) (time.Time, bool) {
	if t == nil || t.IsZero() {
		return time.Time{}, false
	}
	return *t, true
}

func trimmed(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.TrimSpace(*s)
	return v, v != ""
}
