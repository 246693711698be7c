// internal/version/version_test.go
package version

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/versiondigest/internal/models"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw  string
		want Version
	}{
		{"v1.2.3-beta", Version{Major: 1, Minor: 2, Patch: 3, Prerelease: "beta", Raw: "v1.2.3-beta"}},
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3, Raw: "1.2.3"}},
		{"  V2.0 ", Version{Major: 2, Raw: "  V2.0 "}},
		{"r8", Version{Major: 8, Raw: "r8"}},
		{"1.0.0-rc.1+build.42", Version{Major: 1, Prerelease: "rc.1", Build: "build.42", Raw: "1.0.0-rc.1+build.42"}},
		{"3.4b.x", Version{Major: 3, Minor: 4, Raw: "3.4b.x"}},
		{"", Version{Raw: ""}},
		{"latest", Version{Raw: "latest"}},
		{"1.2.3.4", Version{Major: 1, Minor: 2, Patch: 3, Raw: "1.2.3.4"}},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, Parse(tc.raw))
		})
	}
}

func TestParseStripsOnlyOnePrefix(t *testing.T) {
	v := Parse("vv1.2")
	assert.Equal(t, 0, v.Major)
	assert.Equal(t, 2, v.Minor)
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0-beta", 1},
		{"1.0.0-beta", "1.0.0", -1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.10.0", "1.9.9", 1},
		{"2.0.0", "10.0.0", -1},
		{"v1.2.3", "1.2.3", 0},
		{"1.2.3+a", "1.2.3+b", 0},
		{"1.2", "1.2.0", 0},
	}

	for _, tc := range cases {
		t.Run(tc.a+"_vs_"+tc.b, func(t *testing.T) {
			assert.Equal(t, tc.want, CompareStrings(tc.a, tc.b))
		})
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	inputs := []string{"1.0.0", "1.0.0-beta", "1.0.0-alpha", "0.9", "v2", "2.0.0-rc1", "junk", "", "1.0.0+meta"}
	for _, a := range inputs {
		assert.Equal(t, 0, CompareStrings(a, a), a)
		for _, b := range inputs {
			assert.Equal(t, -CompareStrings(b, a), CompareStrings(a, b), "%q vs %q", a, b)
		}
	}
}

func TestClassifyUpdateType(t *testing.T) {
	assert.Equal(t, models.UpdateTypeMajor, ClassifyUpdateType("1.9.0", "2.0.0"))
	assert.Equal(t, models.UpdateTypeMinor, ClassifyUpdateType("1.0.0", "1.1.0"))
	assert.Equal(t, models.UpdateTypePatch, ClassifyUpdateType("1.1.0", "1.1.1"))
	assert.Equal(t, models.UpdateTypePatch, ClassifyUpdateType("N/A", "0.0.1"))
}

func record(v string, verified, override bool) models.VersionRecord {
	r := models.VersionRecord{Version: v, Verified: verified, IsCurrentOverride: override}
	r.ID = uuid.New()
	return r
}

func TestResolveCurrentPrefersOverride(t *testing.T) {
	records := []models.VersionRecord{
		record("1.0.0", true, false),
		record("1.1.0", true, true),
		record("1.2.0", true, false),
	}

	current := ResolveCurrent(records)
	require.NotNil(t, current)
	assert.Equal(t, "1.1.0", current.Version)
}

func TestResolveCurrentHighestVerified(t *testing.T) {
	records := []models.VersionRecord{
		record("1.0.0", true, false),
		record("1.2.0", false, false),
		record("1.1.0", true, false),
		record("1.1.0-rc1", true, false),
	}

	current := ResolveCurrent(records)
	require.NotNil(t, current)
	assert.Equal(t, "1.1.0", current.Version)
}

func TestResolveCurrentNoneVerified(t *testing.T) {
	records := []models.VersionRecord{
		record("1.0.0", false, false),
		record("2.0.0", false, true),
	}
	assert.Nil(t, ResolveCurrent(records))
	assert.Nil(t, ResolveCurrent(nil))
}

func TestResolveCurrentUnverifiedOverrideIgnored(t *testing.T) {
	records := []models.VersionRecord{
		record("1.0.0", true, false),
		record("0.9.0", false, true),
	}
	current := ResolveCurrent(records)
	require.NotNil(t, current)
	assert.Equal(t, "1.0.0", current.Version)
}

func TestResolveCurrentTieBreaks(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)

	a := record("1.0", true, false)
	a.ReleaseDate = &early
	b := record("1.0.0", true, false)
	b.ReleaseDate = &late
	c := record("v1.0.0", true, false)

	current := ResolveCurrent([]models.VersionRecord{a, b, c})
	require.NotNil(t, current)
	assert.Equal(t, b.ID, current.ID)

	d := record("1.0.0", true, false)
	d.DetectedAt = &early
	e := record("1.0", true, false)
	e.DetectedAt = &late
	current = ResolveCurrent([]models.VersionRecord{d, e})
	require.NotNil(t, current)
	assert.Equal(t, e.ID, current.ID)
}

func TestResolveCurrentDeterministic(t *testing.T) {
	a := record("1.0.0", true, false)
	b := record("1.0.0", true, false)

	first := ResolveCurrent([]models.VersionRecord{a, b})
	second := ResolveCurrent([]models.VersionRecord{b, a})
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveCurrentDoesNotMutate(t *testing.T) {
	records := []models.VersionRecord{record("2.0.0", true, false), record("1.0.0", true, false)}
	before := append([]models.VersionRecord(nil), records...)
	ResolveCurrent(records)
	assert.Equal(t, before, records)
}

func TestPredecessor(t *testing.T) {
	records := []models.VersionRecord{
		record("1.9.0", true, false),
		record("1.8.0", true, false),
		record("1.9.5", false, false),
		record("2.0.0", true, false),
	}
	current := ResolveCurrent(records)
	require.NotNil(t, current)

	prev := Predecessor(records, current)
	require.NotNil(t, prev)
	assert.Equal(t, "1.9.0", prev.Version)

	assert.Nil(t, Predecessor(records[1:2], &records[1]))
	assert.Nil(t, Predecessor(records, nil))
}
