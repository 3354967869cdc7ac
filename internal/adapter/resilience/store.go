package resilience

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Store guards every call to the authoritative store with one policy.
type Store struct {
	next   port.DatabaseRepository
	policy *Policy
}

func NewStore(next port.DatabaseRepository, policy *Policy) *Store {
	return &Store{next: next, policy: policy}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.policy.Do(func() error { return s.next.Ping(ctx) })
}

func (s *Store) GetInventory(ctx context.Context, inventoryID string) (*domain.InventoryLine, error) {
	return call(s.policy, func() (*domain.InventoryLine, error) { return s.next.GetInventory(ctx, inventoryID) })
}

func (s *Store) PersistInventoryLine(ctx context.Context, line domain.InventoryLine, expectedVersion int64, hold domain.Hold) (bool, error) {
	return call(s.policy, func() (bool, error) { return s.next.PersistInventoryLine(ctx, line, expectedVersion, hold) })
}

func (s *Store) GetHold(ctx context.Context, orderID, inventoryID string) (*domain.Hold, error) {
	return call(s.policy, func() (*domain.Hold, error) { return s.next.GetHold(ctx, orderID, inventoryID) })
}

func (s *Store) ReleaseHold(ctx context.Context, orderID, inventoryID string) (bool, error) {
	return call(s.policy, func() (bool, error) { return s.next.ReleaseHold(ctx, orderID, inventoryID) })
}

func (s *Store) ListOrphanedHolds(ctx context.Context, limit int) ([]domain.Hold, error) {
	return call(s.policy, func() ([]domain.Hold, error) { return s.next.ListOrphanedHolds(ctx, limit) })
}

func (s *Store) PersistOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) error {
	return s.policy.Do(func() error { return s.next.PersistOrder(ctx, order, items) })
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return call(s.policy, func() (*domain.Order, error) { return s.next.GetOrder(ctx, orderID) })
}

func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	return call(s.policy, func() ([]domain.OrderItem, error) { return s.next.GetOrderItems(ctx, orderID) })
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderState, at time.Time) (bool, error) {
	return call(s.policy, func() (bool, error) { return s.next.UpdateOrderStatus(ctx, orderID, from, to, at) })
}

func (s *Store) ListOrders(ctx context.Context, status domain.OrderState, olderThan time.Time, after domain.OrderCursor, limit int) ([]domain.Order, error) {
	return call(s.policy, func() ([]domain.Order, error) { return s.next.ListOrders(ctx, status, olderThan, after, limit) })
}

func (s *Store) AppendOutcome(ctx context.Context, record domain.OutcomeRecord) error {
	return s.policy.Do(func() error { return s.next.AppendOutcome(ctx, record) })
}

func (s *Store) ListOutcomes(ctx context.Context, orderID string) ([]domain.OutcomeRecord, error) {
	return call(s.policy, func() ([]domain.OutcomeRecord, error) { return s.next.ListOutcomes(ctx, orderID) })
}

// Queue guards publishing. Subscribe is not wrapped, consumers handle their own retries.
type Queue struct {
	port.ReservationQueue
	policy *Policy
}

func NewQueue(next port.ReservationQueue, policy *Policy) *Queue {
	return &Queue{ReservationQueue: next, policy: policy}
}

func (q *Queue) Publish(ctx context.Context, partitionKey string, req domain.ReservationRequest) error {
	return q.policy.Do(func() error { return q.ReservationQueue.Publish(ctx, partitionKey, req) })
}
