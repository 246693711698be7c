// internal/services/user_service_test.go
package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/versiondigest/internal/logging"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/testsupport"
	"github.com/javajoker/versiondigest/internal/utils"
)

func TestCreateSubscriber(t *testing.T) {
	db := testsupport.NewDB(t)
	svc := NewUserService(db, testConfig())
	ctx := context.Background()

	user, err := svc.CreateSubscriber(ctx, &CreateSubscriberRequest{
		Email:           "  Ana@Example.COM ",
		Timezone:        "Europe/Berlin",
		DigestFrequency: models.DigestFrequencyWeekly,
	})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", user.Email)
	assert.True(t, user.DigestEnabled)
	assert.Equal(t, models.UserRoleSubscriber, user.Role)

	_, err = svc.CreateSubscriber(ctx, &CreateSubscriberRequest{
		Email:           "ana@example.com",
		Timezone:        "UTC",
		DigestFrequency: models.DigestFrequencyDaily,
	})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.CreateSubscriber(ctx, &CreateSubscriberRequest{
		Email:           "bo@example.com",
		Timezone:        "Mars/Olympus",
		DigestFrequency: models.DigestFrequencyDaily,
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdatePreferences(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	svc := NewUserService(db, testConfig())
	ctx := context.Background()

	tz := "Asia/Tokyo"
	off := false
	updated, err := svc.UpdatePreferences(ctx, user.ID, &UpdatePreferencesRequest{Timezone: &tz, DigestEnabled: &off})
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", updated.Timezone)
	assert.False(t, updated.DigestEnabled)

	stored, err := svc.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", stored.Timezone)
	assert.False(t, stored.DigestEnabled)

	bad := models.DigestFrequency("hourly")
	_, err = svc.UpdatePreferences(ctx, user.ID, &UpdatePreferencesRequest{DigestFrequency: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.UpdatePreferences(ctx, uuid.New(), &UpdatePreferencesRequest{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogin(t *testing.T) {
	db := testsupport.NewDB(t)
	admin := testsupport.CreateUser(t, db, "ops@example.com", "UTC")
	require.NoError(t, admin.SetPassword("correct horse"))
	require.NoError(t, db.Model(admin).Updates(map[string]interface{}{
		"password_hash": admin.PasswordHash,
		"role":          models.UserRoleAdmin,
	}).Error)

	svc := NewAuthService(db, testConfig())
	ctx := context.Background()

	resp, err := svc.Login(ctx, &LoginRequest{Email: "OPS@example.com", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	require.NotNil(t, resp.User.LastLoginAt)

	claims, err := utils.ValidateJWT(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, admin.ID.String(), claims.UserID)
	assert.Equal(t, string(models.UserRoleAdmin), claims.Role)

	_, err = svc.Login(ctx, &LoginRequest{Email: "ops@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = svc.Login(ctx, &LoginRequest{Email: "nobody@example.com", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	// subscribers have no password and cannot log in
	testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	_, err = svc.Login(ctx, &LoginRequest{Email: "ana@example.com", Password: ""})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.Login(ctx, &LoginRequest{Email: "ana@example.com", Password: "anything"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestBounceSuppressionWindow(t *testing.T) {
	db := testsupport.NewDB(t)
	user := testsupport.CreateUser(t, db, "ana@example.com", "UTC")
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	svc := NewBounceService(db, testConfig(), logging.Discard())
	svc.now = fixedClock(now)
	ctx := context.Background()

	old := now.Add(-45 * 24 * time.Hour)
	rec, err := svc.RecordBounce(ctx, &BounceEvent{Email: "ANA@example.com", BounceType: models.BounceTypeHard, OccurredAt: &old})
	require.NoError(t, err)
	require.NotNil(t, rec.UserID)
	assert.Equal(t, user.ID, *rec.UserID)

	for i := 0; i < 2; i++ {
		_, err := svc.RecordBounce(ctx, &BounceEvent{Email: "ana@example.com", BounceType: models.BounceTypeHard})
		require.NoError(t, err)
	}
	suppressed, err := svc.IsSuppressed(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed, "bounce outside the window must not count")

	_, err = svc.RecordBounce(ctx, &BounceEvent{Email: "ana@example.com", BounceType: models.BounceTypeHard, Reason: "mailbox full"})
	require.NoError(t, err)
	suppressed, err = svc.IsSuppressed(ctx, " Ana@Example.com ")
	require.NoError(t, err)
	assert.True(t, suppressed)

	records, err := svc.BouncesForUser(ctx, user.ID, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	stranger, err := svc.RecordBounce(ctx, &BounceEvent{Email: "who@example.com", BounceType: models.BounceTypeSoft})
	require.NoError(t, err)
	assert.Nil(t, stranger.UserID)

	_, err = svc.RecordBounce(ctx, &BounceEvent{Email: "who@example.com", BounceType: "transient"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestBounceThresholdDisabled(t *testing.T) {
	db := testsupport.NewDB(t)
	cfg := testConfig()
	cfg.Digest.BounceThreshold = 0
	svc := NewBounceService(db, cfg, logging.Discard())

	for i := 0; i < 5; i++ {
		_, err := svc.RecordBounce(context.Background(), &BounceEvent{Email: "ana@example.com", BounceType: models.BounceTypeHard})
		require.NoError(t, err)
	}
	suppressed, err := svc.IsSuppressed(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.False(t, suppressed)
}

func TestNextLocalTarget(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	cases := []struct {
		name string
		now  time.Time
		loc  *time.Location
		want time.Time
	}{
		{"later today", time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC), time.UTC, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{"already past", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), time.UTC, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)},
		{"inside target hour", time.Date(2026, 3, 2, 8, 45, 0, 0, time.UTC), time.UTC, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		{"tokyo tomorrow", time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC), tokyo, time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)},
		// clocks spring forward on 2026-03-08
		{"across dst", time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC), newYork, time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NextLocalTarget(tc.now, tc.loc, 8)
			assert.True(t, got.Equal(tc.want), "got %s want %s", got, tc.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNextWeeklyTarget(t *testing.T) {
	// 2026-03-03 is a Tuesday
	now := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)
	got := NextWeeklyTarget(now, time.UTC, 8, time.Monday)
	assert.True(t, got.Equal(time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)), got.String())

	monday := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	got = NextWeeklyTarget(monday, time.UTC, 8, time.Monday)
	assert.True(t, got.Equal(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)), got.String())
}

func TestIdempotencyKeyUsesLocalDate(t *testing.T) {
	id := uuid.MustParse("6f1c1f4e-0d5b-4a39-8f43-3a3c52c1f0aa")
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, id.String()+":daily_digest:2026-03-02", IdempotencyKey(id, models.EmailTypeDailyDigest, at, time.UTC))
	assert.Equal(t, id.String()+":daily_digest:2026-03-03", IdempotencyKey(id, models.EmailTypeDailyDigest, at, tokyo))
}

func TestLocalHourMatches(t *testing.T) {
	now := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	assert.True(t, localHourMatches(now, "Asia/Tokyo", 8))
	assert.False(t, localHourMatches(now, "UTC", 8))
	assert.True(t, localHourMatches(now, "Not/AZone", 23))
	assert.True(t, localHourMatches(now, "", 23))
}
