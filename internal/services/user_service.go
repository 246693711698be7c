// internal/services/user_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"
)

type UserService struct {
	db           *gorm.DB
	queryTimeout time.Duration
}

type CreateSubscriberRequest struct {
	Email           string                 `json:"email" validate:"required,email"`
	Name            string                 `json:"name,omitempty" validate:"max=255"`
	Timezone        string                 `json:"timezone" validate:"required,timezone"`
	DigestFrequency models.DigestFrequency `json:"digest_frequency" validate:"required,oneof=daily weekly"`
}

type UpdatePreferencesRequest struct {
	Name            *string                 `json:"name,omitempty" validate:"omitempty,max=255"`
	Timezone        *string                 `json:"timezone,omitempty" validate:"omitempty,timezone"`
	DigestEnabled   *bool                   `json:"digest_enabled,omitempty"`
	DigestFrequency *models.DigestFrequency `json:"digest_frequency,omitempty" validate:"omitempty,oneof=daily weekly"`
}

func NewUserService(db *gorm.DB, cfg *config.Config) *UserService {
	return &UserService{
		db:           db,
		queryTimeout: cfg.Database.QueryTimeout,
	}
}

func (s *UserService) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

// CreateSubscriber registers a digest recipient with digests enabled.
func (s *UserService) CreateSubscriber(ctx context.Context, req *CreateSubscriberRequest) (*models.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var existing models.User
	err := s.db.WithContext(ctx).Where("email = ?", req.Email).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("user with this email %w", ErrConflict)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("database error: %w", err)
	}

	user := &models.User{
		Email:           req.Email,
		Name:            req.Name,
		Role:            models.UserRoleSubscriber,
		Timezone:        req.Timezone,
		DigestEnabled:   true,
		DigestFrequency: req.DigestFrequency,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *UserService) UpdatePreferences(ctx context.Context, userID uuid.UUID, req *UpdatePreferencesRequest) (*models.User, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
		user.Name = *req.Name
	}
	if req.Timezone != nil {
		updates["timezone"] = *req.Timezone
		user.Timezone = *req.Timezone
	}
	if req.DigestEnabled != nil {
		updates["digest_enabled"] = *req.DigestEnabled
		user.DigestEnabled = *req.DigestEnabled
	}
	if req.DigestFrequency != nil {
		updates["digest_frequency"] = *req.DigestFrequency
		user.DigestFrequency = *req.DigestFrequency
	}
	if len(updates) == 0 {
		return user, nil
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update preferences: %w", err)
	}
	return user, nil
}
