package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const defaultBatchSize = 100

type ReconcilerConfig struct {
	Interval time.Duration
	// Deadline is how long an order may stay PROCESSING before it is examined
	Deadline time.Duration
	// HardDeadline expires PROCESSING orders that are still unresolved
	HardDeadline time.Duration
	// PaymentTimeout expires TO_BE_PAID orders and releases their holds
	PaymentTimeout time.Duration
	BatchSize      int
}

// Report counts what one pass changed.
type Report struct {
	Examined int
	Advanced int
	Retried  int
	Expired  int
	Released int
}

func (r Report) Changed() bool {
	return r.Advanced+r.Retried+r.Expired+r.Released > 0
}

// Reconciler drives stuck orders to a resolution by re-deriving the truth
// from the outcome log. Every pass checks current status before acting, so
// running it again changes nothing.
type Reconciler struct {
	coord   *Coordinator
	store   port.DatabaseRepository
	cfg     ReconcilerConfig
	metrics port.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewReconciler(coord *Coordinator, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reconciler{
		coord:   coord,
		store:   coord.store,
		cfg:     cfg,
		metrics: coord.metrics,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
}

// Run reconciles every interval until ctx is done. Failed passes are retried
// on the next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Error("reconciliation pass failed", zap.Error(err))
			}
			if report.Changed() {
				r.logger.Info("reconciliation pass",
					zap.Int("examined", report.Examined),
					zap.Int("advanced", report.Advanced),
					zap.Int("retried", report.Retried),
					zap.Int("expired", report.Expired),
					zap.Int("released", report.Released),
				)
			}
		}
	}
}

func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.RunOnce")
	defer span.End()

	var report Report
	var errs []error
	now := r.now()

	errs = append(errs, r.scanProcessing(ctx, now, &report)...)

	if r.cfg.PaymentTimeout > 0 {
		unpaid, err := r.store.ListOrders(ctx, domain.StateToBePaid, now.Add(-r.cfg.PaymentTimeout), domain.OrderCursor{}, r.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list unpaid orders: %w", err))
		}
		for _, order := range unpaid {
			report.Examined++
			if err := r.expire(ctx, order, domain.StateToBePaid, nil, &report); err != nil {
				errs = append(errs, err)
			}
		}
	}

	holds, err := r.store.ListOrphanedHolds(ctx, r.cfg.BatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list orphaned holds: %w", err))
	}
	for _, hold := range holds {
		released, err := r.coord.release(ctx, hold.OrderID, hold.InventoryID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if released {
			report.Released++
			r.metrics.Reconciled("release")
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.examined", report.Examined),
		attribute.Int("reconcile.expired", report.Expired),
	)
	return report, errors.Join(errs...)
}

// scanProcessing pages through PROCESSING orders past the soft deadline until
// BatchSize of them needed action. Orders still waiting on the queue are
// stepped over so a backlog of them cannot hold back retries.
func (r *Reconciler) scanProcessing(ctx context.Context, now time.Time, report *Report) []error {
	var errs []error
	var cursor domain.OrderCursor
	acted := 0

	for acted < r.cfg.BatchSize {
		page, err := r.store.ListOrders(ctx, domain.StateProcessing, now.Add(-r.cfg.Deadline), cursor, r.cfg.BatchSize)
		if err != nil {
			return append(errs, fmt.Errorf("list processing orders: %w", err))
		}
		for _, order := range page {
			if acted == r.cfg.BatchSize {
				break
			}
			report.Examined++
			ok, err := r.reconcileProcessing(ctx, order, now, report)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				acted++
			}
		}
		if len(page) < r.cfg.BatchSize {
			break
		}
		cursor = domain.CursorOf(page[len(page)-1])
	}
	return errs
}

// reconcileProcessing reports whether the order needed action.
func (r *Reconciler) reconcileProcessing(ctx context.Context, order domain.Order, now time.Time, report *Report) (bool, error) {
	records, err := r.store.ListOutcomes(ctx, order.ID)
	if err != nil {
		return true, fmt.Errorf("list outcomes of %s: %w", order.ID, err)
	}
	outcome, _ := domain.Derive(records)
	pastHard := now.Sub(order.CreatedAt) >= r.cfg.HardDeadline

	switch {
	case outcome == domain.OutcomeSuccess:
		return true, r.advance(ctx, order, report)
	case outcome == domain.OutcomeInsufficientStock, pastHard:
		return true, r.expire(ctx, order, domain.StateProcessing, records, report)
	case outcome == domain.OutcomeSystemUnavailable:
		return true, r.retry(ctx, order, report)
	default:
		// queued or nothing recorded yet, wait for the consumer or the hard deadline
		return false, nil
	}
}

func (r *Reconciler) advance(ctx context.Context, order domain.Order, report *Report) error {
	err := r.coord.orders.Advance(ctx, order.ID, domain.StateProcessing, domain.StateToBePaid)
	if errors.Is(err, ErrStatusChanged) {
		return nil
	}
	if err != nil {
		return err
	}

	items, err := r.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("load items of order %s: %w", order.ID, err)
	}
	for _, item := range items {
		r.coord.cache.AfterCommit(ctx, item.InventoryID)
	}
	report.Advanced++
	r.metrics.Reconciled("advance")
	return nil
}

// retry re-runs the reservation of an order whose store attempt failed.
func (r *Reconciler) retry(ctx context.Context, order domain.Order, report *Report) error {
	items, err := r.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("load items of order %s: %w", order.ID, err)
	}

	for _, item := range items {
		req := domain.RequestForItem(order, item)
		outcome, err := r.coord.apply(ctx, req)
		if errors.Is(err, domain.ErrInventoryNotFound) {
			outcome, err = domain.OutcomeInsufficientStock, nil
		}
		if err != nil {
			return fmt.Errorf("retry order %s: %w", order.ID, err)
		}
		r.coord.finish(ctx, req, outcome)
	}
	report.Retried++
	r.metrics.Reconciled("retry")
	return nil
}

// expire moves the order to EXPIRED first and compensates after. A failed
// compensation is picked up again by the orphaned hold sweep.
func (r *Reconciler) expire(ctx context.Context, order domain.Order, from domain.OrderState, records []domain.OutcomeRecord, report *Report) error {
	err := r.coord.orders.Advance(ctx, order.ID, from, domain.StateExpired)
	if errors.Is(err, ErrStatusChanged) {
		return nil
	}
	if err != nil {
		return err
	}
	report.Expired++
	r.metrics.Reconciled("expire")

	released, err := r.coord.releaseOrder(ctx, order.ID)
	report.Released += released
	if domain.CacheAdmitted(records) {
		items, itemsErr := r.store.GetOrderItems(ctx, order.ID)
		if itemsErr != nil {
			return errors.Join(err, itemsErr)
		}
		for _, item := range items {
			r.coord.cache.Compensate(ctx, item.InventoryID)
		}
	}
	return err
}
