package service

import (
	"context"
	"fmt"

	"bingwa-sokoni/internal/models"
	"bingwa-sokoni/internal/redisclient"
	"bingwa-sokoni/internal/store"
	"bingwa-sokoni/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var validCategories = map[string]bool{
	models.CategoryData:     true,
	models.CategoryTunukiwa: true,
	models.CategorySMS:      true,
	models.CategoryMinutes:  true,
}

// CatalogService serves the bundle catalog with a Redis read-through cache.
type CatalogService struct {
	store  *store.Store
	cache  *redisclient.Client
	logger *zap.Logger
}

// NewCatalogService creates a new catalog service.
func NewCatalogService(store *store.Store, cache *redisclient.Client) *CatalogService {
	return &CatalogService{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// ListPackages returns active packages, optionally filtered by category.
// Cache failures fall back to the database.
func (s *CatalogService) ListPackages(ctx context.Context, category string) ([]models.Package, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ListPackages")
	defer span.End()

	if category != "" && !validCategories[category] {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown category: %s", category)}
	}

	cached, err := s.cache.GetCachedPackages(ctx, category)
	if err != nil {
		s.logger.Warn("Catalog cache read failed", zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	packages, err := s.store.GetActivePackages(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load packages: %w", err)
	}

	if err := s.cache.CachePackages(ctx, category, packages); err != nil {
		s.logger.Warn("Catalog cache write failed", zap.Error(err))
	}
	return packages, nil
}

// GetPackage retrieves one package, active or not.
func (s *CatalogService) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	pkg, err := s.store.GetPackageByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load package: %w", err)
	}
	if pkg == nil {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	return pkg, nil
}

// CreatePackageRequest carries the fields for a new catalog entry.
type CreatePackageRequest struct {
	Category      string          `json:"category" binding:"required"`
	Price         decimal.Decimal `json:"price" binding:"required"`
	Amount        string          `json:"amount" binding:"required"`
	Validity      string          `json:"validity" binding:"required"`
	ValidityHours int             `json:"validity_hours"`
	UssdCode      string          `json:"ussd_code"`
	Description   string          `json:"description"`
	IsMultiBuy    bool            `json:"is_multi_buy"`
	IsPopular     bool            `json:"is_popular"`
}

// CreatePackage adds a catalog entry and drops the cached catalog.
func (s *CatalogService) CreatePackage(ctx context.Context, req CreatePackageRequest) (*models.Package, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreatePackage")
	defer span.End()

	if !validCategories[req.Category] {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown category: %s", req.Category)}
	}
	if req.Price.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Message: "price must be positive"}
	}

	pkg := &models.Package{
		ID:            uuid.New().String(),
		Category:      req.Category,
		Price:         req.Price,
		Amount:        req.Amount,
		Validity:      req.Validity,
		ValidityHours: req.ValidityHours,
		UssdCode:      req.UssdCode,
		Description:   req.Description,
		IsMultiBuy:    req.IsMultiBuy,
		IsPopular:     req.IsPopular,
		IsActive:      true,
	}

	if err := s.store.CreatePackage(ctx, pkg); err != nil {
		return nil, fmt.Errorf("failed to create package: %w", err)
	}
	s.invalidate(ctx)

	s.logger.Info("Package created",
		zap.String("package_id", pkg.ID),
		zap.String("category", pkg.Category))
	return pkg, nil
}

// UpdatePackage applies a partial admin update and drops the cached catalog.
func (s *CatalogService) UpdatePackage(ctx context.Context, id string, updates map[string]interface{}) (*models.Package, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.UpdatePackage")
	defer span.End()

	if len(updates) == 0 {
		return nil, &ValidationError{Message: "no fields to update"}
	}
	if cat, ok := updates["category"]; ok {
		return nil, &ValidationError{Message: fmt.Sprintf("category is immutable, got %v", cat)}
	}

	matched, err := s.store.UpdatePackage(ctx, id, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to update package: %w", err)
	}
	if !matched {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	s.invalidate(ctx)

	return s.GetPackage(ctx, id)
}

// DeactivatePackage soft-deletes a package. Existing orders keep their
// snapshotted price.
func (s *CatalogService) DeactivatePackage(ctx context.Context, id string) error {
	ctx, span := util.StartSpan(ctx, "CatalogService.DeactivatePackage")
	defer span.End()

	matched, err := s.store.DeactivatePackage(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate package: %w", err)
	}
	if !matched {
		return fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	s.invalidate(ctx)

	s.logger.Info("Package deactivated", zap.String("package_id", id))
	return nil
}

func (s *CatalogService) invalidate(ctx context.Context) {
	if err := s.cache.InvalidatePackages(ctx); err != nil {
		s.logger.Warn("Catalog cache invalidation failed", zap.Error(err))
	}
}
