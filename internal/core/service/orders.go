package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// ErrStatusChanged is returned when an order left the expected state before
// the update was applied.
var ErrStatusChanged = errors.New("order status changed concurrently")

// StatusChangedError carries the status an order was found in when a
// conditional transition did not apply.
type StatusChangedError struct {
	OrderID  string
	Expected domain.OrderState
	Current  domain.OrderState
}

func (e *StatusChangedError) Error() string {
	return fmt.Sprintf("order %s is %s, expected %s: %v", e.OrderID, e.Current, e.Expected, ErrStatusChanged)
}

func (e *StatusChangedError) Unwrap() error {
	return ErrStatusChanged
}

// OrderStateMachine applies transitions from the fixed table. Illegal
// transitions are logged and returned, never coerced.
type OrderStateMachine struct {
	orders port.OrderRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewOrderStateMachine(orders port.OrderRepository, logger *zap.Logger) *OrderStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderStateMachine{orders: orders, logger: logger, now: time.Now}
}

// Advance moves the order from -> to. Finding the order already in to counts
// as success so replays stay idempotent.
func (m *OrderStateMachine) Advance(ctx context.Context, orderID string, from, to domain.OrderState) error {
	if err := domain.Transition(from, to); err != nil {
		m.logger.Error("illegal order transition rejected",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return err
	}

	ok, err := m.orders.UpdateOrderStatus(ctx, orderID, from, to, m.now())
	if err != nil {
		return fmt.Errorf("advance order %s to %s: %w", orderID, to, err)
	}
	if ok {
		m.logger.Info("order transitioned",
			zap.String("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return nil
	}

	current, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("advance order %s to %s: %w", orderID, to, err)
	}
	if current.Status == to {
		return nil
	}
	return &StatusChangedError{OrderID: orderID, Expected: from, Current: current.Status}
}

// Transition moves the order from its current state to to.
func (m *OrderStateMachine) Transition(ctx context.Context, orderID string, to domain.OrderState) (*domain.Order, error) {
	order, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if err := m.Advance(ctx, orderID, from, to); err != nil {
		return nil, err
	}
	return m.orders.GetOrder(ctx, orderID)
}

func (m *OrderStateMachine) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	order, err := m.orders.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return order.Status, nil
}
