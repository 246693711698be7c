// internal/services/subscription_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/models"
)

type SubscriptionService struct {
	db           *gorm.DB
	queryTimeout time.Duration
	logger       logrus.FieldLogger
}

func NewSubscriptionService(db *gorm.DB, cfg *config.Config, logger logrus.FieldLogger) *SubscriptionService {
	return &SubscriptionService{
		db:           db,
		queryTimeout: cfg.Database.QueryTimeout,
		logger:       logger,
	}
}

// Track subscribes a user to a product. Tracking twice is a no-op.
func (s *SubscriptionService) Track(ctx context.Context, userID, productID uuid.UUID) (*models.Subscription, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.Product{}).Where("id = ?", productID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to look up product: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("product %w", ErrNotFound)
	}

	sub := &models.Subscription{UserID: userID, ProductID: productID}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "product_id"}},
		DoNothing: true,
	}).Create(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	var stored models.Subscription
	if err := db.Where("user_id = ? AND product_id = ?", userID, productID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &stored, nil
}

func (s *SubscriptionService) Untrack(ctx context.Context, userID, productID uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	result := s.db.WithContext(ctx).Delete(&models.Subscription{}, "user_id = ? AND product_id = ?", userID, productID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("subscription %w", ErrNotFound)
	}
	return nil
}

// ListForUser returns the user's subscriptions with their products.
func (s *SubscriptionService) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Subscription, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var subs []models.Subscription
	if err := s.db.WithContext(ctx).
		Preload("Product").
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}
	return subs, nil
}
