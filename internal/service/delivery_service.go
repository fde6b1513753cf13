package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"bingwa-sokoni/internal/models"
	"bingwa-sokoni/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeliveryStore is the subset of store operations delivery needs.
type DeliveryStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	GetPackageByID(ctx context.Context, id string) (*models.Package, error)
	MarkOrderDelivering(ctx context.Context, orderID string) (bool, error)
	CompleteOrderDelivery(ctx context.Context, orderID, reference string) (bool, error)
	FailOrderDelivery(ctx context.Context, orderID, message string) (bool, error)
	ResetOrderForRetry(ctx context.Context, orderID string) (bool, error)
	AppendTransactionLog(ctx context.Context, orderID, paymentID, action string, details interface{}) error
}

// Locker serializes delivery attempts per order.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// DeliveryEvents publishes delivery outcomes.
type DeliveryEvents interface {
	PublishDeliveryCompleted(ctx context.Context, event *models.DeliveryCompletedEvent) error
	PublishDeliveryFailed(ctx context.Context, event *models.DeliveryFailedEvent) error
}

// DeliveryResult is the outcome of one delivery attempt.
type DeliveryResult struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Backend performs the actual bundle activation.
type Backend interface {
	Deliver(ctx context.Context, order *models.Order, pkg *models.Package) (*DeliveryResult, error)
}

// SimulatedBackend stands in for the carrier API: it succeeds with a fixed
// probability after an artificial delay.
type SimulatedBackend struct {
	SuccessRate float64
	Delay       time.Duration
}

// Deliver simulates a bundle activation.
func (b *SimulatedBackend) Deliver(ctx context.Context, order *models.Order, pkg *models.Package) (*DeliveryResult, error) {
	select {
	case <-time.After(b.Delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if rand.Float64() >= b.SuccessRate {
		return &DeliveryResult{
			Success: false,
			Error:   "simulated delivery failure - network timeout",
		}, nil
	}

	ref := fmt.Sprintf("SIM-%d-%s", time.Now().UnixMilli(),
		strings.ToUpper(uuid.New().String()[:6]))
	return &DeliveryResult{
		Success:   true,
		Reference: ref,
		Message:   fmt.Sprintf("Delivered %s %s to %s", pkg.Amount, pkg.Category, order.PhoneNumber),
	}, nil
}

// DeliveryService moves paid orders through delivery.
type DeliveryService struct {
	store   DeliveryStore
	backend Backend
	locker  Locker
	events  DeliveryEvents
	logger  *zap.Logger
}

const deliveryLockTTL = 2 * time.Minute

// NewDeliveryService creates a new delivery service.
func NewDeliveryService(store DeliveryStore, backend Backend, locker Locker, events DeliveryEvents) *DeliveryService {
	return &DeliveryService{
		store:   store,
		backend: backend,
		locker:  locker,
		events:  events,
		logger:  util.GetLogger(),
	}
}

// DeliverBundle delivers a paid order's bundle. Backend errors are
// recorded on the order and re-raised so a calling job can decide on
// backoff.
func (s *DeliveryService) DeliverBundle(ctx context.Context, orderID string) (*DeliveryResult, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryService.DeliverBundle")
	defer span.End()

	lockKey := "delivery:" + orderID
	acquired, err := s.locker.AcquireLock(ctx, lockKey, deliveryLockTTL)
	if err != nil {
		// The paid->delivering conditional update below remains the
		// authoritative guard.
		s.logger.Warn("Delivery lock unavailable, continuing", zap.Error(err))
	} else if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryInProgress, orderID)
	} else {
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), lockKey); err != nil {
				s.logger.Warn("Failed to release delivery lock", zap.Error(err))
			}
		}()
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if order.Status != models.OrderPaid {
		return nil, &InvalidDeliveryStateError{OrderID: orderID, Status: order.Status}
	}

	pkg, err := s.store.GetPackageByID(ctx, order.PackageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load package: %w", err)
	}
	if pkg == nil {
		return nil, fmt.Errorf("package %s: %w", order.PackageID, ErrNotFound)
	}

	applied, err := s.store.MarkOrderDelivering(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark order delivering: %w", err)
	}
	if !applied {
		return nil, &InvalidDeliveryStateError{OrderID: orderID, Status: order.Status}
	}

	if err := s.store.AppendTransactionLog(ctx, orderID, "", models.ActionDeliveryStarted,
		map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)}); err != nil {
		s.logger.Error("Failed to log delivery start", zap.Error(err))
	}

	start := time.Now()
	result, err := s.backend.Deliver(ctx, order, pkg)
	util.DeliveryLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.DeliveriesTotal.WithLabelValues("error").Inc()
		if _, ferr := s.store.FailOrderDelivery(ctx, orderID, err.Error()); ferr != nil {
			s.logger.Error("Failed to record delivery error", zap.Error(ferr))
		}
		if lerr := s.store.AppendTransactionLog(ctx, orderID, "", models.ActionDeliveryFailed,
			map[string]string{"error": err.Error()}); lerr != nil {
			s.logger.Error("Failed to log delivery error", zap.Error(lerr))
		}
		return nil, fmt.Errorf("delivery backend: %w", err)
	}

	if result.Success {
		if _, err := s.store.CompleteOrderDelivery(ctx, orderID, result.Reference); err != nil {
			return nil, fmt.Errorf("failed to complete delivery: %w", err)
		}
		if err := s.store.AppendTransactionLog(ctx, orderID, "", models.ActionDeliveryCompleted, result); err != nil {
			s.logger.Error("Failed to log completed delivery", zap.Error(err))
		}

		util.DeliveriesTotal.WithLabelValues("success").Inc()
		s.logger.Info("Bundle delivered",
			zap.String("order_id", orderID),
			zap.String("reference", result.Reference))

		event := &models.DeliveryCompletedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeDeliveryCompleted,
				Timestamp: time.Now(),
			},
			OrderID:   orderID,
			Reference: result.Reference,
		}
		if err := s.events.PublishDeliveryCompleted(ctx, event); err != nil {
			s.logger.Error("Failed to publish DeliveryCompleted event", zap.Error(err))
		}
		return result, nil
	}

	if _, err := s.store.FailOrderDelivery(ctx, orderID, result.Error); err != nil {
		return nil, fmt.Errorf("failed to record delivery failure: %w", err)
	}
	if err := s.store.AppendTransactionLog(ctx, orderID, "", models.ActionDeliveryFailed, result); err != nil {
		s.logger.Error("Failed to log failed delivery", zap.Error(err))
	}

	util.DeliveriesTotal.WithLabelValues("failure").Inc()
	s.logger.Warn("Bundle delivery failed",
		zap.String("order_id", orderID),
		zap.String("error", result.Error))

	event := &models.DeliveryFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeDeliveryFailed,
			Timestamp: time.Now(),
		},
		OrderID: orderID,
		Reason:  result.Error,
	}
	if err := s.events.PublishDeliveryFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish DeliveryFailed event", zap.Error(err))
	}
	return result, nil
}

// RetryDelivery re-attempts delivery for an order in delivery_failed. The
// order is reset to paid first so DeliverBundle sees a consistent state.
func (s *DeliveryService) RetryDelivery(ctx context.Context, orderID string) (*DeliveryResult, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryService.RetryDelivery")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if order.Status != models.OrderDeliveryFailed {
		return nil, &InvalidDeliveryStateError{OrderID: orderID, Status: order.Status}
	}

	applied, err := s.store.ResetOrderForRetry(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset order: %w", err)
	}
	if !applied {
		return nil, &InvalidDeliveryStateError{OrderID: orderID, Status: order.Status}
	}

	return s.DeliverBundle(ctx, orderID)
}
