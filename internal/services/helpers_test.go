// internal/services/helpers_test.go
package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/logging"
	"github.com/javajoker/versiondigest/internal/mailer"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/templates"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{QueryTimeout: 5 * time.Second},
		JWT:      config.JWTConfig{SecretKey: "test-secret", AccessTokenTTL: 1},
		Email: config.EmailConfig{
			Provider:      mailer.ProviderLog,
			RetryAttempts: 1,
			SendTimeout:   time.Second,
		},
		Digest: config.DigestConfig{
			TargetHour:         8,
			BatchSize:          50,
			Concurrency:        4,
			MaxAttempts:        3,
			MaxEntries:         20,
			MaxNewProducts:     5,
			DailyLookbackDays:  1,
			WeeklyLookbackDays: 7,
			WeeklyDay:          time.Monday,
			BounceThreshold:    3,
			BounceWindowDays:   30,
			PurgeAfterDays:     90,
			ProductName:        "Version Digest",
		},
		Frontend: config.FrontendConfig{BaseURL: "https://digest.example"},
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// stubPayloads returns a minimal payload per user and fails for users in
// failFor.
type stubPayloads struct {
	mu      sync.Mutex
	calls   int
	failFor map[uuid.UUID]bool
}

func (s *stubPayloads) BuildDigestPayload(ctx context.Context, userID uuid.UUID, lookbackDays int) (*models.DigestPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failFor[userID] {
		return nil, errors.New("payload unavailable")
	}
	return &models.DigestPayload{UserID: userID, LookbackDays: lookbackDays}, nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	batches [][]models.QueueItem
	err     error
}

func (f *fakeArchiver) ArchiveQueueItems(ctx context.Context, items []models.QueueItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.batches = append(f.batches, items)
	return "archive/" + uuid.NewString() + ".jsonl", nil
}

type stubRenderer struct{}

func (stubRenderer) Render(payload *models.DigestPayload, emailType models.EmailType) (*templates.Rendered, error) {
	return &templates.Rendered{
		Subject: "Your digest",
		HTML:    "<p>digest</p>",
		Text:    "digest",
	}, nil
}

// fakeTransport records every message and answers with reply.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []*mailer.Message
	reply func(msg *mailer.Message) (string, error)
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return "msg-" + uuid.NewString(), nil
	}
	return reply(msg)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newQueue(db *gorm.DB, digests payloadBuilder, archiver Archiver) *QueueService {
	cfg := testConfig()
	bounces := NewBounceService(db, cfg, logging.Discard())
	return NewQueueService(db, bounces, digests, archiver, cfg, logging.Discard())
}

func loadItem(t *testing.T, db *gorm.DB, id uuid.UUID) models.QueueItem {
	t.Helper()
	var item models.QueueItem
	require.NoError(t, db.First(&item, "id = ?", id).Error)
	return item
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}
