// internal/services/version_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"
	"github.com/javajoker/versiondigest/internal/version"
)

type VersionService struct {
	db           *gorm.DB
	queryTimeout time.Duration
	logger       logrus.FieldLogger
	now          func() time.Time
}

// VersionDraft is a proposed version from ingestion or an operator.
type VersionDraft struct {
	ProductID       uuid.UUID              `json:"product_id" validate:"required"`
	Version         string                 `json:"version" validate:"required,version_string"`
	PreviousVersion string                 `json:"previous_version,omitempty" validate:"omitempty,version_string"`
	ReleaseDate     *time.Time             `json:"release_date,omitempty"`
	DetectedAt      *time.Time             `json:"detected_at,omitempty"`
	Notes           string                 `json:"notes,omitempty"`
	StructuredNotes map[string]interface{} `json:"structured_notes,omitempty"`
}

func NewVersionService(db *gorm.DB, cfg *config.Config, logger logrus.FieldLogger) *VersionService {
	return &VersionService{
		db:           db,
		queryTimeout: cfg.Database.QueryTimeout,
		logger:       logger,
		now:          database.UTCNow,
	}
}

// Propose stores an unverified draft, merging into an existing record for
// the same product and version. The bool is true when a row was created.
func (s *VersionService) Propose(ctx context.Context, draft *VersionDraft) (*models.VersionRecord, bool, error) {
	return s.upsert(ctx, draft, models.VersionSourceIngestion, "")
}

// Record stores an operator-entered version, verified immediately.
func (s *VersionService) Record(ctx context.Context, draft *VersionDraft, actor string) (*models.VersionRecord, bool, error) {
	rec, created, err := s.upsert(ctx, draft, models.VersionSourceOperator, actor)
	if err != nil {
		return nil, false, err
	}
	if _, err := s.CurrentVersion(ctx, rec.ProductID); err != nil {
		s.logger.WithError(err).WithField("product_id", rec.ProductID).Warn("Failed to refresh current version")
	}
	return rec, created, nil
}

func (s *VersionService) upsert(ctx context.Context, draft *VersionDraft, source models.VersionSource, actor string) (*models.VersionRecord, bool, error) {
	draft.Version = strings.TrimSpace(draft.Version)
	draft.PreviousVersion = strings.TrimSpace(draft.PreviousVersion)
	if err := utils.ValidateStruct(draft); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	db := s.db.WithContext(ctx)

	var product models.Product
	if err := db.Where("id = ?", draft.ProductID).First(&product).Error; err != nil {
		return nil, false, notFound(err, "product")
	}

	now := s.now()
	detected := draft.DetectedAt
	if detected == nil {
		detected = &now
	}

	var history []models.VersionRecord
	if err := db.Where("product_id = ? AND verified = ?", draft.ProductID, true).Find(&history).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load version history: %w", err)
	}
	base := draft.PreviousVersion
	if current := version.ResolveCurrent(history); current != nil {
		base = current.Version
	}

	rec := &models.VersionRecord{
		ProductID:       draft.ProductID,
		Version:         draft.Version,
		PreviousVersion: draft.PreviousVersion,
		ReleaseDate:     utcPtr(draft.ReleaseDate),
		DetectedAt:      utcPtr(detected),
		Notes:           draft.Notes,
		StructuredNotes: models.JSONB(draft.StructuredNotes),
		UpdateType:      version.ClassifyUpdateType(base, draft.Version),
		Source:          source,
	}
	if source == models.VersionSourceOperator {
		rec.Verified = true
		rec.VerifiedBy = actor
		rec.VerifiedAt = &now
	}

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}, {Name: "version"}},
		DoNothing: true,
	}).Create(rec)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create version record: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		s.logger.WithFields(logrus.Fields{
			"product_id": rec.ProductID,
			"version":    rec.Version,
			"source":     source,
		}).Info("Version record created")
		return rec, true, nil
	}

	var existing models.VersionRecord
	if err := db.Where("product_id = ? AND version = ?", draft.ProductID, draft.Version).First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load existing version record: %w", err)
	}

	updates := mergeDraft(&existing, rec)
	if len(updates) > 0 {
		if err := db.Model(&existing).Updates(updates).Error; err != nil {
			return nil, false, fmt.Errorf("failed to merge version record: %w", err)
		}
	}
	return &existing, false, nil
}

// mergeDraft fills fields the existing record lacks. Verification is never
// revoked by a merge.
func mergeDraft(existing, incoming *models.VersionRecord) map[string]interface{} {
	updates := map[string]interface{}{}
	if existing.ReleaseDate == nil && incoming.ReleaseDate != nil {
		existing.ReleaseDate = incoming.ReleaseDate
		updates["release_date"] = incoming.ReleaseDate
	}
	if existing.PreviousVersion == "" && incoming.PreviousVersion != "" {
		existing.PreviousVersion = incoming.PreviousVersion
		updates["previous_version"] = incoming.PreviousVersion
	}
	if existing.Notes == "" && incoming.Notes != "" {
		existing.Notes = incoming.Notes
		updates["notes"] = incoming.Notes
	}
	if existing.StructuredNotes == nil && incoming.StructuredNotes != nil {
		existing.StructuredNotes = incoming.StructuredNotes
		updates["structured_notes"] = incoming.StructuredNotes
	}
	if !existing.Verified && incoming.Verified {
		existing.Verified = true
		existing.VerifiedBy = incoming.VerifiedBy
		existing.VerifiedAt = incoming.VerifiedAt
		existing.Source = incoming.Source
		updates["verified"] = true
		updates["verified_by"] = incoming.VerifiedBy
		updates["verified_at"] = incoming.VerifiedAt
		updates["source"] = incoming.Source
	}
	return updates
}

func (s *VersionService) Get(ctx context.Context, id uuid.UUID) (*models.VersionRecord, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var rec models.VersionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, notFound(err, "version record")
	}
	return &rec, nil
}

// Verify marks a record verified and refreshes the product's current version.
func (s *VersionService) Verify(ctx context.Context, id uuid.UUID, actor string) (*models.VersionRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	qctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.db.WithContext(qctx).Model(rec).Updates(map[string]interface{}{
		"verified":    true,
		"verified_by": actor,
		"verified_at": now,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to verify version record: %w", err)
	}
	rec.Verified, rec.VerifiedBy, rec.VerifiedAt = true, actor, &now

	if _, err := s.CurrentVersion(ctx, rec.ProductID); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetOverride pins a record as the product's current version. Any other
// override on the product is cleared in the same transaction.
func (s *VersionService) SetOverride(ctx context.Context, id uuid.UUID, actor string) (*models.VersionRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	qctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	err = database.WithTransaction(s.db.WithContext(qctx), func(tx *gorm.DB) error {
		if err := tx.Model(&models.VersionRecord{}).
			Where("product_id = ? AND id <> ? AND is_current_override = ?", rec.ProductID, rec.ID, true).
			Update("is_current_override", false).Error; err != nil {
			return fmt.Errorf("failed to clear previous override: %w", err)
		}
		updates := map[string]interface{}{"is_current_override": true}
		if !rec.Verified {
			updates["verified"] = true
			updates["verified_by"] = actor
			updates["verified_at"] = now
		}
		return tx.Model(rec).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set override: %w", err)
	}

	if !rec.Verified {
		rec.Verified, rec.VerifiedBy, rec.VerifiedAt = true, actor, &now
	}
	rec.IsCurrentOverride = true

	s.logger.WithFields(logrus.Fields{
		"product_id": rec.ProductID,
		"version":    rec.Version,
		"actor":      actor,
	}).Info("Current version override set")

	if _, err := s.CurrentVersion(ctx, rec.ProductID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *VersionService) ClearOverride(ctx context.Context, id uuid.UUID) (*models.VersionRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	qctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.db.WithContext(qctx).Model(rec).Update("is_current_override", false).Error; err != nil {
		return nil, fmt.Errorf("failed to clear override: %w", err)
	}
	rec.IsCurrentOverride = false

	if _, err := s.CurrentVersion(ctx, rec.ProductID); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a version record. Subscriptions that were last notified
// about it keep the stored version string.
func (s *VersionService) Delete(ctx context.Context, id uuid.UUID) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	qctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	if err := s.db.WithContext(qctx).Delete(&models.VersionRecord{}, "id = ?", rec.ID).Error; err != nil {
		return fmt.Errorf("failed to delete version record: %w", err)
	}

	_, err = s.CurrentVersion(ctx, rec.ProductID)
	return err
}

// VerifiedVersions returns a product's verified history.
func (s *VersionService) VerifiedVersions(ctx context.Context, productID uuid.UUID) ([]models.VersionRecord, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var records []models.VersionRecord
	if err := s.db.WithContext(ctx).
		Where("product_id = ? AND verified = ?", productID, true).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load verified versions: %w", err)
	}
	return records, nil
}

// ListVersions returns every record for a product, newest first.
func (s *VersionService) ListVersions(ctx context.Context, productID uuid.UUID, params utils.PaginationParams) ([]models.VersionRecord, int64, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := s.db.WithContext(ctx).Model(&models.VersionRecord{}).Where("product_id = ?", productID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count versions: %w", err)
	}

	var records []models.VersionRecord
	query = utils.ApplySort(query, params, []string{"created_at", "release_date", "detected_at", "version"})
	if err := utils.ApplyPagination(query, params).Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list versions: %w", err)
	}
	return records, total, nil
}

// CurrentVersion resolves the product's current version and stores it on
// the product row. A nil record means nothing is verified yet.
func (s *VersionService) CurrentVersion(ctx context.Context, productID uuid.UUID) (*models.VersionRecord, error) {
	records, err := s.VerifiedVersions(ctx, productID)
	if err != nil {
		return nil, err
	}
	current := version.ResolveCurrent(records)

	updates := map[string]interface{}{
		"current_version":    "",
		"current_version_id": nil,
		"current_version_at": nil,
	}
	if current != nil {
		effective := effectiveDate.Value(current)
		updates["current_version"] = current.Version
		updates["current_version_id"] = current.ID
		updates["current_version_at"] = effective
	}

	qctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()
	result := s.db.WithContext(qctx).Model(&models.Product{}).Where("id = ?", productID).Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to store current version: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("product %w", ErrNotFound)
	}
	return current, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
