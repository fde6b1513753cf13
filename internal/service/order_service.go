package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bingwa-sokoni/internal/broker"
	"bingwa-sokoni/internal/daraja"
	"bingwa-sokoni/internal/models"
	"bingwa-sokoni/internal/store"
	"bingwa-sokoni/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService owns the order lifecycle outside of payment and delivery.
type OrderService struct {
	store     *store.Store
	publisher *broker.EventPublisher
	logger    *zap.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(store *store.Store, publisher *broker.EventPublisher) *OrderService {
	return &OrderService{
		store:     store,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest carries the fields a client supplies for a new order.
type CreateOrderRequest struct {
	UserID      string `json:"user_id"`
	PackageID   string `json:"package_id" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// CreateOrder validates the request, snapshots the package price and
// creates the order in queued state.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	phone := daraja.NormalizePhone(req.PhoneNumber)
	if !daraja.IsValidPhone(phone) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid phone number: %s", req.PhoneNumber)}
	}

	pkg, err := s.store.GetPackageByID(ctx, req.PackageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load package: %w", err)
	}
	if pkg == nil {
		return nil, fmt.Errorf("package %s: %w", req.PackageID, ErrNotFound)
	}
	if !pkg.IsActive {
		return nil, &ValidationError{Message: fmt.Sprintf("package %s is not active", req.PackageID)}
	}

	if req.UserID != "" {
		user, err := s.store.GetUserByID(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to load user: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("user %s: %w", req.UserID, ErrNotFound)
		}
	}

	order := &models.Order{
		ID:          uuid.New().String(),
		UserID:      nullableString(req.UserID),
		PackageID:   pkg.ID,
		PhoneNumber: phone,
		Amount:      pkg.Price,
		Status:      models.OrderQueued,
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if err := s.store.AppendTransactionLog(ctx, order.ID, "", models.ActionOrderCreated,
		map[string]string{
			"package_id": pkg.ID,
			"phone":      phone,
			"amount":     pkg.Price.String(),
		}); err != nil {
		s.logger.Error("Failed to log order creation", zap.Error(err))
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("package_id", pkg.ID),
		zap.String("phone", phone))

	event := &models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCreated,
			Timestamp: time.Now(),
		},
		OrderID:     order.ID,
		PackageID:   pkg.ID,
		PhoneNumber: phone,
		Amount:      pkg.Price.String(),
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return order, nil
}

// GetOrder retrieves a single order.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return order, nil
}

// ListOrders retrieves orders newest-first with optional filters.
func (s *OrderService) ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	if filter.Status != "" && !models.OrderStatus(filter.Status).Valid() {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown order status: %s", filter.Status)}
	}
	if filter.Phone != "" {
		filter.Phone = daraja.NormalizePhone(filter.Phone)
	}
	return s.store.ListOrders(ctx, filter)
}

// CancelOrder cancels an order that has not started payment.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}

	applied, err := s.store.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	if !applied {
		return nil, &InvalidOrderStateError{OrderID: orderID, Status: order.Status}
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled", zap.String("order_id", orderID))

	return s.GetOrder(ctx, orderID)
}

// PatchOrderStatus applies an admin status change, validated against the
// order transition table.
func (s *OrderService) PatchOrderStatus(ctx context.Context, orderID string, to models.OrderStatus) (*models.Order, error) {
	if !to.Valid() {
		return nil, &ValidationError{Message: fmt.Sprintf("unknown order status: %s", to)}
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if !order.Status.CanTransition(to) {
		return nil, &ValidationError{
			Message: fmt.Sprintf("cannot move order from %s to %s", order.Status, to),
		}
	}

	applied, err := s.store.UpdateOrderStatus(ctx, orderID, order.Status, to)
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}
	if !applied {
		// Lost the race against a concurrent transition.
		return nil, &InvalidOrderStateError{OrderID: orderID, Status: order.Status}
	}

	s.logger.Info("Order status patched",
		zap.String("order_id", orderID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(to)))

	return s.GetOrder(ctx, orderID)
}

// SyncOrderItem is one order captured while the client was offline.
type SyncOrderItem struct {
	ClientRef   string `json:"client_ref" binding:"required"`
	UserID      string `json:"user_id"`
	PackageID   string `json:"package_id" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// SyncOrderResult reports the per-item outcome of an offline batch.
type SyncOrderResult struct {
	ClientRef string `json:"client_ref"`
	Synced    bool   `json:"synced"`
	OrderID   string `json:"order_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SyncOrders creates orders queued offline by a client. Items are
// independent: one bad item never blocks the rest of the batch.
func (s *OrderService) SyncOrders(ctx context.Context, items []SyncOrderItem) []SyncOrderResult {
	ctx, span := util.StartSpan(ctx, "OrderService.SyncOrders")
	defer span.End()

	results := make([]SyncOrderResult, 0, len(items))
	for _, item := range items {
		order, err := s.CreateOrder(ctx, CreateOrderRequest{
			UserID:      item.UserID,
			PackageID:   item.PackageID,
			PhoneNumber: item.PhoneNumber,
		})
		if err != nil {
			results = append(results, SyncOrderResult{
				ClientRef: item.ClientRef,
				Synced:    false,
				Error:     err.Error(),
			})
			continue
		}
		results = append(results, SyncOrderResult{
			ClientRef: item.ClientRef,
			Synced:    true,
			OrderID:   order.ID,
		})
	}
	return results
}
