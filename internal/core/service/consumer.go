package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Consume applies one queued reservation. It is safe to call more than once
// for the same (order, inventory): orders no longer PROCESSING are skipped and
// an existing hold is reported as success. A returned error asks the queue to
// redeliver.
func (c *Coordinator) Consume(ctx context.Context, req domain.ReservationRequest) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Consume", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("inventory.id", req.InventoryID),
	))
	defer span.End()

	order, err := c.store.GetOrder(ctx, req.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		c.logger.Warn("dropping reservation for unknown order", zap.String("order_id", req.OrderID))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if order.Status != domain.StateProcessing {
		c.logger.Debug("order already resolved, skipping",
			zap.String("order_id", req.OrderID), zap.String("status", string(order.Status)))
		if req.CacheAdmitted {
			c.cache.Compensate(ctx, req.InventoryID)
		}
		return nil
	}

	outcome, err := c.apply(ctx, req)
	if errors.Is(err, domain.ErrInventoryNotFound) {
		outcome, err = domain.OutcomeInsufficientStock, nil
	}
	if err != nil {
		if errors.Is(err, domain.ErrStoreBusy) {
			c.regime.MarkBusy()
		}
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.String("reservation.outcome", string(outcome)))
	c.finish(ctx, req, outcome)
	return nil
}

// Consumer drains the reservation queue into the coordinator.
type Consumer struct {
	queue  port.ReservationQueue
	coord  *Coordinator
	logger *zap.Logger
}

func NewConsumer(queue port.ReservationQueue, coord *Coordinator, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{queue: queue, coord: coord, logger: logger}
}

// Run blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("reservation consumer started")
	err := c.queue.Subscribe(ctx, c.coord.Consume)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("reservation consumer stopped")
	return err
}
