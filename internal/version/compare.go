// internal/version/compare.go
package version

import (
	"strings"

	"github.com/javajoker/versiondigest/internal/models"
)

// Compare returns -1, 0 or 1. A release outranks any prerelease of the
// same core; two prereleases compare as plain strings. Build metadata is
// ignored.
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareInt(a.Patch, b.Patch); c != 0 {
		return c
	}

	switch {
	case a.Prerelease == "" && b.Prerelease == "":
		return 0
	case a.Prerelease == "":
		return 1
	case b.Prerelease == "":
		return -1
	}
	return strings.Compare(a.Prerelease, b.Prerelease)
}

// CompareStrings parses both inputs and compares them.
func CompareStrings(a, b string) int {
	return Compare(Parse(a), Parse(b))
}

// ClassifyUpdateType labels the jump from old to new for display.
func ClassifyUpdateType(oldVersion, newVersion string) models.UpdateType {
	o, n := Parse(oldVersion), Parse(newVersion)
	switch {
	case n.Major > o.Major:
		return models.UpdateTypeMajor
	case n.Minor > o.Minor:
		return models.UpdateTypeMinor
	default:
		return models.UpdateTypePatch
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
