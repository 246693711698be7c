// internal/services/product_service.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"
)

type ProductService struct {
	db           *gorm.DB
	queryTimeout time.Duration
	logger       logrus.FieldLogger
}

type CreateProductRequest struct {
	Name              string                 `json:"name" validate:"required,min=1,max=255"`
	Manufacturer      string                 `json:"manufacturer,omitempty" validate:"max=255"`
	Category          string                 `json:"category,omitempty" validate:"max=100"`
	Website           string                 `json:"website,omitempty" validate:"omitempty,url"`
	VersionSourceURL  string                 `json:"version_source_url,omitempty" validate:"omitempty,url"`
	VersionSourceType string                 `json:"version_source_type,omitempty" validate:"max=50"`
	SourceConfig      map[string]interface{} `json:"source_config,omitempty"`
}

type ProductSearchParams struct {
	utils.PaginationParams
	Category string `json:"category,omitempty"`
	Search   string `json:"search,omitempty"`
}

func NewProductService(db *gorm.DB, cfg *config.Config, logger logrus.FieldLogger) *ProductService {
	return &ProductService{
		db:           db,
		queryTimeout: cfg.Database.QueryTimeout,
		logger:       logger,
	}
}

func (s *ProductService) Create(ctx context.Context, req *CreateProductRequest) (*models.Product, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	product := &models.Product{
		Name:              req.Name,
		Manufacturer:      req.Manufacturer,
		Category:          req.Category,
		Website:           req.Website,
		VersionSourceURL:  req.VersionSourceURL,
		VersionSourceType: req.VersionSourceType,
		SourceConfig:      models.JSONB(req.SourceConfig),
	}
	if err := s.db.WithContext(ctx).Create(product).Error; err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"product_id": product.ID,
		"name":       product.Name,
	}).Info("Product created")
	return product, nil
}

func (s *ProductService) Get(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	var product models.Product
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&product).Error; err != nil {
		return nil, notFound(err, "product")
	}
	return &product, nil
}

func (s *ProductService) Search(ctx context.Context, params ProductSearchParams) ([]models.Product, int64, error) {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := s.db.WithContext(ctx).Model(&models.Product{})
	if params.Category != "" {
		query = query.Where("category = ?", params.Category)
	}
	if params.Search != "" {
		like := "%" + params.Search + "%"
		query = query.Where("name LIKE ? OR manufacturer LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	var products []models.Product
	query = utils.ApplySort(query, params.PaginationParams, []string{"created_at", "name", "current_version_at"})
	if err := utils.ApplyPagination(query, params.PaginationParams).Find(&products).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to search products: %w", err)
	}
	return products, total, nil
}

// Delete removes a product with its version records and subscriptions.
func (s *ProductService) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, s.queryTimeout)
	defer cancel()

	err := database.WithTransaction(s.db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Delete(&models.VersionRecord{}, "product_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete version records: %w", err)
		}
		if err := tx.Delete(&models.Subscription{}, "product_id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to delete subscriptions: %w", err)
		}
		result := tx.Delete(&models.Product{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete product: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("product %w", ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithField("product_id", id).Info("Product deleted")
	return nil
}
