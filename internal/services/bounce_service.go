// internal/services/bounce_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/metrics"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"
)

type BounceService struct {
	db           *gorm.DB
	queryTimeout time.Duration
	threshold    int
	window       time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time
}

type BounceEvent struct {
	Email      string            `json:"email" validate:"required,email"`
	BounceType models.BounceType `json:"bounce_type" validate:"required,oneof=hard soft"`
	Reason     string            `json:"reason,omitempty"`
	OccurredAt *time.Time        `json:"occurred_at,omitempty"`
}

func NewBounceService(db *gorm.DB, cfg *config.Config, logger logrus.FieldLogger) *BounceService {
	return &BounceService{
		db:           db,
		queryTimeout: cfg.Database.QueryTimeout,
		threshold:    cfg.Digest.BounceThreshold,
		window:       time.Duration(cfg.Digest.BounceWindowDays) * 24 * time.Hour,
		logger:       logger,
		now:          database.UTCNow,
	}
}

// RecordBounce appends a bounce event, attaching the user when the address
// belongs to one.
func (s *BounceService) RecordBounce(ctx context.Context, event *BounceEvent) (*models.BounceRecord, error) {
	event.Email = strings.ToLower(strings.TrimSpace(event.Email))
	if err := utils.ValidateStruct(event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	occurred := s.now()
	if event.OccurredAt != nil && !event.OccurredAt.IsZero() {
		occurred = event.OccurredAt.UTC()
	}

	rec := &models.BounceRecord{
		Email:      event.Email,
		BounceType: event.BounceType,
		Reason:     event.Reason,
		OccurredAt: occurred,
	}

	var users []models.User
	if err := db.Where("email = ?", event.Email).Limit(1).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to look up bounced user: %w", err)
	}
	if len(users) == 1 {
		id := users[0].ID
		rec.UserID = &id
	}

	if err := db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to record bounce: %w", err)
	}

	metrics.BouncesRecorded.WithLabelValues(string(event.BounceType)).Inc()
	s.logger.WithFields(logrus.Fields{
		"email":       event.Email,
		"bounce_type": event.BounceType,
	}).Info("Bounce recorded")
	return rec, nil
}

// IsSuppressed reports whether the address has reached the hard bounce
// threshold inside the trailing window.
func (s *BounceService) IsSuppressed(ctx context.Context, email string) (bool, error) {
	if s.threshold <= 0 {
		return false, nil
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	since := s.now().Add(-s.window)
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BounceRecord{}).
		Where("email = ? AND bounce_type = ? AND occurred_at >= ?", strings.ToLower(strings.TrimSpace(email)), models.BounceTypeHard, since).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count bounces: %w", err)
	}
	return count >= int64(s.threshold), nil
}

// BouncesForUser lists recent bounces, newest first.
func (s *BounceService) BouncesForUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.BounceRecord, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var records []models.BounceRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("occurred_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load bounces: %w", err)
	}
	return records, nil
}
