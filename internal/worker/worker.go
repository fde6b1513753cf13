package worker

import (
	"context"
	"errors"

	"bingwa-sokoni/internal/broker"
	"bingwa-sokoni/internal/models"
	"bingwa-sokoni/internal/service"
	"bingwa-sokoni/internal/store"
	"bingwa-sokoni/internal/util"

	"go.uber.org/zap"
)

// DeliveryWorker consumes payment events and delivers bundles for
// completed payments. Events are deduplicated through the
// processed_events table so redeliveries from the broker are no-ops.
type DeliveryWorker struct {
	consumer *broker.Consumer
	store    *store.Store
	delivery *service.DeliveryService
	logger   *zap.Logger
}

// NewDeliveryWorker creates a new delivery worker.
func NewDeliveryWorker(consumer *broker.Consumer, store *store.Store, delivery *service.DeliveryService) *DeliveryWorker {
	return &DeliveryWorker{
		consumer: consumer,
		store:    store,
		delivery: delivery,
		logger:   util.GetLogger(),
	}
}

// Start runs the consume loop until the context is cancelled.
func (w *DeliveryWorker) Start(ctx context.Context) error {
	handler := broker.NewEventHandler()
	handler.OnPaymentCompleted(w.handlePaymentCompleted)

	w.logger.Info("Delivery worker starting")
	return w.consumer.StartConsuming(ctx, handler.HandleMessage)
}

func (w *DeliveryWorker) handlePaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Debug("Skipping already processed event",
			zap.String("event_id", event.EventID))
		return nil
	}

	w.logger.Info("Delivering bundle for completed payment",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID))

	result, err := w.delivery.DeliverBundle(ctx, event.OrderID)
	if err != nil {
		// The order already moved past paid, or another attempt holds
		// the lock. Either way redelivering the event cannot help.
		var stateErr *service.InvalidDeliveryStateError
		if errors.As(err, &stateErr) || errors.Is(err, service.ErrDeliveryInProgress) {
			w.logger.Warn("Skipping undeliverable order",
				zap.String("order_id", event.OrderID),
				zap.Error(err))
			return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
		}
		return err
	}

	if !result.Success {
		w.logger.Warn("Delivery attempt failed, order left retryable",
			zap.String("order_id", event.OrderID),
			zap.String("error", result.Error))
	}

	return w.store.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
