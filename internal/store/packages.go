package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bingwa-sokoni/internal/models"
)

// CreatePackage inserts a catalog entry
func (s *Store) CreatePackage(ctx context.Context, pkg *models.Package) error {
	query := `
		INSERT INTO packages
			(id, category, price, amount, validity, validity_hours, ussd_code,
			 description, is_multi_buy, is_popular, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	return s.db.GetContext(ctx, &pkg.CreatedAt, query,
		pkg.ID, pkg.Category, pkg.Price, pkg.Amount, pkg.Validity,
		pkg.ValidityHours, pkg.UssdCode, pkg.Description,
		pkg.IsMultiBuy, pkg.IsPopular, pkg.IsActive)
}

// GetPackageByID retrieves a package by ID
func (s *Store) GetPackageByID(ctx context.Context, id string) (*models.Package, error) {
	var pkg models.Package
	err := s.db.GetContext(ctx, &pkg, "SELECT * FROM packages WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

// GetActivePackages lists active packages, optionally filtered by category
func (s *Store) GetActivePackages(ctx context.Context, category string) ([]models.Package, error) {
	var packages []models.Package

	if category != "" {
		err := s.db.SelectContext(ctx, &packages,
			"SELECT * FROM packages WHERE is_active = TRUE AND category = $1 ORDER BY price", category)
		return packages, err
	}

	err := s.db.SelectContext(ctx, &packages,
		"SELECT * FROM packages WHERE is_active = TRUE ORDER BY category, price")
	return packages, err
}

// Fields admin updates may touch. Everything else on a package is
// immutable reference data.
var packageUpdateFields = map[string]bool{
	"price":          true,
	"amount":         true,
	"validity":       true,
	"validity_hours": true,
	"ussd_code":      true,
	"description":    true,
	"is_multi_buy":   true,
	"is_popular":     true,
	"is_active":      true,
}

// UpdatePackage applies an allow-listed partial update and returns whether
// a row matched.
func (s *Store) UpdatePackage(ctx context.Context, id string, updates map[string]interface{}) (bool, error) {
	sets := make([]string, 0, len(updates))
	args := make([]interface{}, 0, len(updates)+1)

	for field, value := range updates {
		if !packageUpdateFields[field] {
			continue
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", field, len(args)))
	}

	if len(sets) == 0 {
		return false, fmt.Errorf("no valid fields to update")
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE packages SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeactivatePackage soft-deletes a package
func (s *Store) DeactivatePackage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE packages SET is_active = FALSE WHERE id = $1", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
