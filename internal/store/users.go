package store

import (
	"context"
	"database/sql"
	"errors"

	"bingwa-sokoni/internal/models"
)

// CreateUser registers a new user
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, phone_number, name, device_id, last_login)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at, last_login`

	return s.db.GetContext(ctx, user, query,
		user.ID, user.PhoneNumber, user.Name, user.DeviceID)
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByPhone retrieves a user by phone number
func (s *Store) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE phone_number = $1", phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// TouchLastLogin records a returning user's login
func (s *Store) TouchLastLogin(ctx context.Context, userID, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login = NOW(), device_id = $1 WHERE id = $2",
		nullString(deviceID), userID)
	return err
}
