// internal/services/digest_service_test.go
package services

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/logging"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/testsupport"
	"github.com/javajoker/versiondigest/internal/utils"
)

var digestNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

// flakyHistory fails lookups for one product.
type flakyHistory struct {
	inner   versionHistory
	failFor uuid.UUID
}

func (f flakyHistory) VerifiedVersions(ctx context.Context, productID uuid.UUID) ([]models.VersionRecord, error) {
	if productID == f.failFor {
		return nil, errors.New("history unavailable")
	}
	return f.inner.VerifiedVersions(ctx, productID)
}

func newDigests(db *gorm.DB) *DigestService {
	cfg := testConfig()
	svc := NewDigestService(db, NewVersionService(db, cfg, logging.Discard()), cfg, logging.Discard())
	svc.now = fixedClock(digestNow)
	return svc
}

func oldProduct(t *testing.T, db *gorm.DB, name string) *models.Product {
	return testsupport.CreateProduct(t, db, name, digestNow.Add(-90*24*time.Hour))
}

func TestDigestReportsNewVerifiedVersion(t *testing.T) {
	db := testsupport.NewDB(t)
	product := oldProduct(t, db, "widget")
	testsupport.CreateVersion(t, db, product.ID, "1.0.0", digestNow.Add(-20*24*time.Hour), true)
	current := testsupport.CreateVersion(t, db, product.ID, "1.1.0", digestNow.Add(-3*time.Hour), true)
	// newer, but nobody has verified it
	testsupport.CreateVersion(t, db, product.ID, "2.0.0", digestNow.Add(-time.Hour), false)

	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	sub := testsupport.Subscribe(t, db, user.ID, product.ID, "1.0.0")

	payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)

	assert.True(t, payload.HasUpdates)
	assert.Empty(t, payload.AllQuietMessage)
	assert.Equal(t, 1, payload.TotalUpdates)
	require.Len(t, payload.Updates, 1)

	u := payload.Updates[0]
	assert.Equal(t, sub.ID, u.SubscriptionID)
	assert.Equal(t, current.ID, u.VersionID)
	assert.Equal(t, "1.0.0", u.OldVersion)
	assert.Equal(t, "1.1.0", u.NewVersion)
	assert.Equal(t, models.UpdateTypeMinor, u.UpdateType)
	assert.Equal(t, "widget", u.ProductName)
	assert.Equal(t, "https://widget.example", u.ProductURL)
	assert.True(t, u.EffectiveDate.Equal(digestNow.Add(-3*time.Hour)))
}

func TestDigestSkipsAlreadyNotifiedVersion(t *testing.T) {
	db := testsupport.NewDB(t)
	product := oldProduct(t, db, "widget")
	testsupport.CreateVersion(t, db, product.ID, "1.1.0", digestNow.Add(-3*time.Hour), true)

	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	testsupport.Subscribe(t, db, user.ID, product.ID, " 1.1.0 ")

	payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)
	assert.False(t, payload.HasUpdates)
	assert.Empty(t, payload.Updates)
	assert.Contains(t, allQuietMessages, payload.AllQuietMessage)
}

func TestDigestRespectsLookbackWindow(t *testing.T) {
	db := testsupport.NewDB(t)
	product := oldProduct(t, db, "widget")
	testsupport.CreateVersion(t, db, product.ID, "1.1.0", digestNow.Add(-3*24*time.Hour), true)

	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	testsupport.Subscribe(t, db, user.ID, product.ID, "1.0.0")
	svc := newDigests(db)

	daily, err := svc.BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, daily.Updates)

	weekly, err := svc.BuildDigestPayload(context.Background(), user.ID, 7)
	require.NoError(t, err)
	assert.Len(t, weekly.Updates, 1)
}

func TestDigestOldVersionFallbacks(t *testing.T) {
	cases := []struct {
		name         string
		lastNotified string
		previous     string
		want         string
	}{
		{"last notified", "0.8.0", "0.9.0", "0.8.0"},
		{"record previous version", "", "0.9.0", "0.9.0"},
		{"nothing known", "", "", "N/A"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := testsupport.NewDB(t)
			product := oldProduct(t, db, "widget")
			rec := testsupport.CreateVersion(t, db, product.ID, "1.0.0", digestNow.Add(-time.Hour), true)
			if tc.previous != "" {
				require.NoError(t, db.Model(rec).Update("previous_version", tc.previous).Error)
			}

			user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
			testsupport.Subscribe(t, db, user.ID, product.ID, tc.lastNotified)

			payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
			require.NoError(t, err)
			require.Len(t, payload.Updates, 1)
			assert.Equal(t, tc.want, payload.Updates[0].OldVersion)
		})
	}
}

func TestDigestOrdersNewestFirstAndTruncates(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")

	names := []string{"alpha", "beta", "gamma"}
	for i, name := range names {
		p := oldProduct(t, db, name)
		testsupport.CreateVersion(t, db, p.ID, "2.0.0", digestNow.Add(-time.Duration(i+1)*time.Hour), true)
		testsupport.Subscribe(t, db, user.ID, p.ID, "1.0.0")
	}

	svc := newDigests(db)
	payload, err := svc.BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)
	require.Len(t, payload.Updates, 3)
	assert.Equal(t, "alpha", payload.Updates[0].ProductName)
	assert.Equal(t, "gamma", payload.Updates[2].ProductName)
	assert.Equal(t, models.UpdateTypeMajor, payload.Updates[0].UpdateType)
	assert.False(t, payload.Truncated)

	svc.maxEntries = 2
	payload, err = svc.BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)
	assert.True(t, payload.Truncated)
	assert.Equal(t, 3, payload.TotalUpdates)
	assert.Len(t, payload.Updates, 2)
	assert.Contains(t, payload.ViewAllURL, "/updates?since=2026-03-01")
}

func TestDigestSkipsProductWhoseLookupFails(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	good := oldProduct(t, db, "good")
	bad := oldProduct(t, db, "bad")
	for _, p := range []*models.Product{good, bad} {
		testsupport.CreateVersion(t, db, p.ID, "1.1.0", digestNow.Add(-time.Hour), true)
		testsupport.Subscribe(t, db, user.ID, p.ID, "1.0.0")
	}

	svc := newDigests(db)
	svc.versions = flakyHistory{inner: svc.versions, failFor: bad.ID}

	payload, err := svc.BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)
	require.Len(t, payload.Updates, 1)
	assert.Equal(t, "good", payload.Updates[0].ProductName)
}

func TestDigestIncludesNewProductsAndSponsor(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	testsupport.CreateProduct(t, db, "fresh", digestNow.Add(-2*time.Hour))
	oldProduct(t, db, "stale")

	starts := digestNow.Add(-24 * time.Hour)
	ends := digestNow.Add(24 * time.Hour)
	require.NoError(t, db.Create(&models.Sponsor{Name: "Always On", IsActive: true}).Error)
	require.NoError(t, db.Create(&models.Sponsor{Name: "This Week", IsActive: true, StartsAt: &starts, EndsAt: &ends}).Error)

	payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)

	require.Len(t, payload.NewProducts, 1)
	assert.Equal(t, "fresh", payload.NewProducts[0].Name)
	require.NotNil(t, payload.Sponsor)
	assert.Equal(t, "This Week", payload.Sponsor.Name)
	// an empty digest is still a digest
	assert.False(t, payload.HasUpdates)
	assert.NotEmpty(t, payload.AllQuietMessage)
}

func TestDigestSponsorFallsBackToActiveFlag(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")

	expired := digestNow.Add(-time.Hour)
	require.NoError(t, db.Create(&models.Sponsor{Name: "Expired", IsActive: true, EndsAt: &expired}).Error)
	require.NoError(t, db.Create(&models.Sponsor{Name: "Evergreen", IsActive: true}).Error)

	payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, payload.Sponsor)
	assert.Contains(t, []string{"Expired", "Evergreen"}, payload.Sponsor.Name)
}

func TestDigestSponsorPrefersConcreteStart(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")

	ends := digestNow.Add(48 * time.Hour)
	starts := digestNow.Add(-6 * time.Hour)
	require.NoError(t, db.Create(&models.Sponsor{Name: "Open Start", IsActive: true, EndsAt: &ends}).Error)
	require.NoError(t, db.Create(&models.Sponsor{Name: "Launch Week", IsActive: true, StartsAt: &starts, EndsAt: &ends}).Error)

	payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, payload.Sponsor)
	assert.Equal(t, "Launch Week", payload.Sponsor.Name)
}

func TestDigestOnlyReportsProductsThatMoved(t *testing.T) {
	db := testsupport.NewDB(t)
	moved := oldProduct(t, db, "alpha")
	testsupport.CreateVersion(t, db, moved.ID, "1.9.0", digestNow.Add(-40*24*time.Hour), true)
	testsupport.CreateVersion(t, db, moved.ID, "2.0.0", digestNow.Add(-2*time.Hour), true)
	unchanged := oldProduct(t, db, "bravo")
	testsupport.CreateVersion(t, db, unchanged.ID, "3.4.1", digestNow.Add(-40*24*time.Hour), true)

	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	testsupport.Subscribe(t, db, user.ID, moved.ID, "1.9.0")
	testsupport.Subscribe(t, db, user.ID, unchanged.ID, "3.4.1")

	payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)

	assert.True(t, payload.HasUpdates)
	assert.Equal(t, 1, payload.TotalUpdates)
	require.Len(t, payload.Updates, 1)
	u := payload.Updates[0]
	assert.Equal(t, "alpha", u.ProductName)
	assert.Equal(t, "1.9.0", u.OldVersion)
	assert.Equal(t, "2.0.0", u.NewVersion)
	assert.Equal(t, models.UpdateTypeMajor, u.UpdateType)
}

func TestDigestUnsubscribeLinkIsSigned(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")

	payload, err := newDigests(db).BuildDigestPayload(context.Background(), user.ID, 1)
	require.NoError(t, err)

	u, err := url.Parse(payload.UnsubscribeURL)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), u.Query().Get("user"))
	assert.True(t, utils.VerifyToken("test-secret", user.ID.String(), u.Query().Get("token")))
	assert.Equal(t, "https://digest.example/subscriptions", payload.ManageURL)
}

func TestDigestUnknownUser(t *testing.T) {
	db := testsupport.NewDB(t)
	_, err := newDigests(db).BuildDigestPayload(context.Background(), uuid.New(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}
