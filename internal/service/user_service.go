package service

import (
	"context"
	"fmt"

	"bingwa-sokoni/internal/daraja"
	"bingwa-sokoni/internal/models"
	"bingwa-sokoni/internal/store"
	"bingwa-sokoni/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UserService registers and looks up users by phone number.
type UserService struct {
	store  *store.Store
	logger *zap.Logger
}

// NewUserService creates a new user service.
func NewUserService(store *store.Store) *UserService {
	return &UserService{store: store, logger: util.GetLogger()}
}

// RegisterRequest carries the fields for registration.
type RegisterRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	Name        string `json:"name"`
	DeviceID    string `json:"device_id"`
}

// Register creates a user keyed by phone number. Registering an existing
// phone is a login: the user is returned with last_login refreshed.
func (s *UserService) Register(ctx context.Context, req RegisterRequest) (*models.User, bool, error) {
	ctx, span := util.StartSpan(ctx, "UserService.Register")
	defer span.End()

	phone := daraja.NormalizePhone(req.PhoneNumber)
	if !daraja.IsValidPhone(phone) {
		return nil, false, &ValidationError{Message: fmt.Sprintf("invalid phone number: %s", req.PhoneNumber)}
	}

	existing, err := s.store.GetUserByPhone(ctx, phone)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up user: %w", err)
	}
	if existing != nil {
		if err := s.store.TouchLastLogin(ctx, existing.ID, req.DeviceID); err != nil {
			s.logger.Warn("Failed to touch last login", zap.Error(err))
		}
		return existing, false, nil
	}

	user := &models.User{
		ID:          uuid.New().String(),
		PhoneNumber: phone,
		Name:        nullableString(req.Name),
		DeviceID:    nullableString(req.DeviceID),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("User registered",
		zap.String("user_id", user.ID),
		zap.String("phone", phone))
	return user, true, nil
}

// GetUser retrieves a user by ID.
func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return user, nil
}

// GetUserByPhone retrieves a user by normalized phone number.
func (s *UserService) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	normalized := daraja.NormalizePhone(phone)
	if !daraja.IsValidPhone(normalized) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid phone number: %s", phone)}
	}
	user, err := s.store.GetUserByPhone(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user %s: %w", normalized, ErrNotFound)
	}
	return user, nil
}
