package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const tracerName = "github.com/rl1809/stock-reservation/internal/core/service"

const defaultMaxRetries = 3

type CoordinatorDeps struct {
	Store   port.DatabaseRepository
	Queue   port.ReservationQueue
	Cache   *CacheLayer
	Orders  *OrderStateMachine
	IDs     port.OrderIDAllocator
	Regime  *LoadRegime
	Metrics port.Metrics
	Logger  *zap.Logger
}

// Coordinator runs the reservation protocol: order first, then an optimistic
// versioned decrement with bounded retries, falling back to the partitioned
// queue when contention or load gets in the way.
type Coordinator struct {
	store      port.DatabaseRepository
	queue      port.ReservationQueue
	cache      *CacheLayer
	orders     *OrderStateMachine
	ids        port.OrderIDAllocator
	regime     *LoadRegime
	metrics    port.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	maxRetries int
	now        func() time.Time
}

func NewCoordinator(deps CoordinatorDeps, maxRetries int) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = port.NopMetrics{}
	}
	if deps.Regime == nil {
		deps.Regime = NewLoadRegime(PeakNever, 0, 0)
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	return &Coordinator{
		store:      deps.Store,
		queue:      deps.Queue,
		cache:      deps.Cache,
		orders:     deps.Orders,
		ids:        deps.IDs,
		regime:     deps.Regime,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		tracer:     otel.Tracer(tracerName),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Reserve records the order and attempts the reservation. An error means no
// order could be recorded, every other result is reported as an outcome.
func (c *Coordinator) Reserve(ctx context.Context, req domain.ReservationRequest) (domain.Reservation, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Reserve", trace.WithAttributes(
		attribute.String("inventory.id", req.InventoryID),
		attribute.Int("reservation.quantity", req.Quantity),
	))
	defer span.End()

	done := c.regime.Enter()
	defer done()

	if err := req.Validate(); err != nil {
		return domain.Reservation{}, err
	}

	if req.RequestID != "" {
		ok, err := c.cache.ClaimRequest(ctx, req.RequestID)
		if err != nil {
			c.logger.Warn("idempotency check failed, proceeding",
				zap.String("request_id", req.RequestID), zap.Error(err))
		} else if !ok {
			return domain.Reservation{}, domain.ErrDuplicateRequest
		}
	}

	orderID, err := c.ids.AllocateOrderID(ctx)
	if err != nil {
		c.forgetRequest(ctx, req.RequestID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocate order id")
		return domain.Reservation{Outcome: domain.OutcomeSystemUnavailable}, fmt.Errorf("allocate order id: %w", err)
	}

	now := c.now()
	req.OrderID = orderID
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	span.SetAttributes(attribute.String("order.id", orderID))

	order := domain.NewOrder(orderID, req.CustomerID, now)
	if err := c.store.PersistOrder(ctx, order, []domain.OrderItem{req.Item()}); err != nil {
		c.forgetRequest(ctx, req.RequestID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist order")
		c.logger.Error("failed to persist order", zap.String("order_id", orderID), zap.Error(err))
		return domain.Reservation{OrderID: orderID, Outcome: domain.OutcomeSystemUnavailable}, fmt.Errorf("persist order %s: %w", orderID, err)
	}

	var outcome domain.ReservationOutcome
	if c.regime.Peak() && c.cache.Policy() == PeakPolicyCounter {
		outcome = c.reservePeak(ctx, req)
	}
	if outcome == "" {
		outcome = c.reserveNormal(ctx, req)
	}

	span.SetAttributes(attribute.String("reservation.outcome", string(outcome)))
	return domain.Reservation{OrderID: orderID, Outcome: outcome}, nil
}

// forgetRequest lets a checkout that recorded no order be retried under the
// same request id.
func (c *Coordinator) forgetRequest(ctx context.Context, requestID string) {
	if requestID != "" {
		c.cache.ForgetRequest(ctx, requestID)
	}
}

func (c *Coordinator) reserveNormal(ctx context.Context, req domain.ReservationRequest) domain.ReservationOutcome {
	outcome, err := c.apply(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStoreBusy):
		c.regime.MarkBusy()
		outcome = c.enqueue(ctx, req)
	case errors.Is(err, domain.ErrVersionConflict):
		outcome = c.enqueue(ctx, req)
	case errors.Is(err, domain.ErrInventoryNotFound):
		outcome = domain.OutcomeInsufficientStock
	default:
		c.logger.Error("store unreachable during reservation",
			zap.String("order_id", req.OrderID),
			zap.String("inventory_id", req.InventoryID),
			zap.Error(err),
		)
		outcome = domain.OutcomeSystemUnavailable
	}

	c.finish(ctx, req, outcome)
	return outcome
}

// reservePeak runs counter-then-log. An empty outcome means the cache could
// not decide and the caller falls back to the normal path.
func (c *Coordinator) reservePeak(ctx context.Context, req domain.ReservationRequest) domain.ReservationOutcome {
	admitted, err := c.cache.Admit(ctx, req.InventoryID, req.Quantity)
	if err != nil {
		c.logger.Warn("cache admission failed, using store path",
			zap.String("order_id", req.OrderID), zap.Error(err))
		return ""
	}
	if !admitted {
		c.finish(ctx, req, domain.OutcomeInsufficientStock)
		return domain.OutcomeInsufficientStock
	}

	req.CacheAdmitted = true
	outcome := c.enqueue(ctx, req)
	if outcome != domain.OutcomeQueued {
		c.cache.Compensate(ctx, req.InventoryID)
	}
	c.finish(ctx, req, outcome)
	return outcome
}

func (c *Coordinator) enqueue(ctx context.Context, req domain.ReservationRequest) domain.ReservationOutcome {
	if err := c.queue.Publish(ctx, req.InventoryID, req); err != nil {
		c.logger.Error("failed to publish reservation",
			zap.String("order_id", req.OrderID),
			zap.String("inventory_id", req.InventoryID),
			zap.Error(err),
		)
		return domain.OutcomeSystemUnavailable
	}
	c.metrics.Published()
	return domain.OutcomeQueued
}

// apply reads the line and CAS-writes the decrement together with its hold.
// An existing hold for (order, inventory) means the decrement was applied
// before and is reported as success.
func (c *Coordinator) apply(ctx context.Context, req domain.ReservationRequest) (domain.ReservationOutcome, error) {
	hold, err := c.store.GetHold(ctx, req.OrderID, req.InventoryID)
	if err != nil {
		return "", err
	}
	if hold != nil {
		return domain.OutcomeSuccess, nil
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		line, err := c.store.GetInventory(ctx, req.InventoryID)
		if err != nil {
			return "", err
		}
		if !line.CanSatisfy(req.Quantity) {
			return domain.OutcomeInsufficientStock, nil
		}

		next := line.Decremented(req.Quantity)
		ok, err := c.store.PersistInventoryLine(ctx, next, line.Version, req.Hold(next.Version, c.now()))
		switch {
		case errors.Is(err, domain.ErrHoldExists):
			return domain.OutcomeSuccess, nil
		case err != nil:
			return "", err
		case ok:
			return domain.OutcomeSuccess, nil
		}

		c.metrics.VersionConflict()
		c.logger.Debug("version conflict",
			zap.String("inventory_id", req.InventoryID),
			zap.Int64("version", line.Version),
			zap.Int("attempt", attempt+1),
		)
	}
	return "", fmt.Errorf("inventory %s after %d attempts: %w", req.InventoryID, c.maxRetries+1, domain.ErrVersionConflict)
}

// finish appends the outcome and resolves the order and inventory action.
func (c *Coordinator) finish(ctx context.Context, req domain.ReservationRequest, outcome domain.ReservationOutcome) {
	record := domain.OutcomeRecord{
		OrderID:       req.OrderID,
		InventoryID:   req.InventoryID,
		Quantity:      req.Quantity,
		Outcome:       outcome,
		CacheAdmitted: req.CacheAdmitted,
		RecordedAt:    c.now(),
	}
	if err := c.store.AppendOutcome(ctx, record); err != nil {
		c.logger.Warn("failed to append outcome",
			zap.String("order_id", req.OrderID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}
	c.metrics.OutcomeRecorded(outcome)

	target, action := domain.Resolve(outcome)
	if target != domain.StateProcessing {
		err := c.orders.Advance(ctx, req.OrderID, domain.StateProcessing, target)
		if err != nil {
			c.logger.Warn("order left for reconciliation",
				zap.String("order_id", req.OrderID),
				zap.String("target", string(target)),
				zap.Error(err),
			)
		}
		var changed *StatusChangedError
		if target == domain.StateToBePaid && errors.As(err, &changed) {
			// only an order expired meanwhile gives its stock back
			if changed.Current == domain.StateExpired {
				c.release(ctx, req.OrderID, req.InventoryID)
			}
			return
		}
	}

	switch action {
	case domain.ActionCommit:
		c.cache.AfterCommit(ctx, req.InventoryID)
	case domain.ActionCompensate:
		if req.CacheAdmitted {
			c.cache.Compensate(ctx, req.InventoryID)
		}
	}
}

// release gives back the hold of one order line. It reports whether stock
// was returned.
func (c *Coordinator) release(ctx context.Context, orderID, inventoryID string) (bool, error) {
	released, err := c.store.ReleaseHold(ctx, orderID, inventoryID)
	if err != nil {
		c.logger.Error("failed to release hold",
			zap.String("order_id", orderID),
			zap.String("inventory_id", inventoryID),
			zap.Error(err),
		)
		return false, err
	}
	if released {
		c.cache.AfterCommit(ctx, inventoryID)
		c.logger.Info("hold released", zap.String("order_id", orderID), zap.String("inventory_id", inventoryID))
	}
	return released, nil
}

// releaseOrder gives back every hold of an expired order.
func (c *Coordinator) releaseOrder(ctx context.Context, orderID string) (int, error) {
	items, err := c.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return 0, fmt.Errorf("load items of order %s: %w", orderID, err)
	}

	var released int
	var errs []error
	for _, item := range items {
		ok, err := c.release(ctx, orderID, item.InventoryID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}

// ApplyOrderEvent drives the state machine from a payment or delivery event.
// Expiring an order releases its holds.
func (c *Coordinator) ApplyOrderEvent(ctx context.Context, orderID string, event domain.OrderEvent) (*domain.Order, error) {
	target, ok := event.Target()
	if !ok {
		return nil, fmt.Errorf("%w: unknown order event %q", domain.ErrInvalidRequest, event)
	}

	order, err := c.orders.Transition(ctx, orderID, target)
	if err != nil {
		return nil, err
	}

	if target == domain.StateExpired {
		if _, err := c.releaseOrder(ctx, orderID); err != nil {
			c.logger.Warn("holds left for the orphan sweep", zap.String("order_id", orderID), zap.Error(err))
		}
		if err := c.compensateAdmission(ctx, orderID); err != nil {
			c.logger.Warn("cache left to expire by ttl", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return order, nil
}

// compensateAdmission invalidates the cache lines an order was admitted
// through under peak load.
func (c *Coordinator) compensateAdmission(ctx context.Context, orderID string) error {
	records, err := c.store.ListOutcomes(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list outcomes of %s: %w", orderID, err)
	}
	for _, rec := range records {
		if rec.CacheAdmitted {
			c.cache.Compensate(ctx, rec.InventoryID)
		}
	}
	return nil
}

func (c *Coordinator) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	return c.orders.GetOrderStatus(ctx, orderID)
}

// GetOrder returns the order with its outcome history.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (*domain.Order, []domain.OutcomeRecord, error) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	records, err := c.store.ListOutcomes(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, records, nil
}
