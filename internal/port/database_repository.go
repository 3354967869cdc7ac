package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type InventoryRepository interface {
	// GetInventory returns domain.ErrInventoryNotFound for unknown lines
	GetInventory(ctx context.Context, inventoryID string) (*domain.InventoryLine, error)

	// PersistInventoryLine writes line guarded by version == expectedVersion and
	// records hold in the same atomic unit. ok is false on a version conflict.
	PersistInventoryLine(ctx context.Context, line domain.InventoryLine, expectedVersion int64, hold domain.Hold) (bool, error)

	// GetHold returns nil when no hold exists for (orderID, inventoryID)
	GetHold(ctx context.Context, orderID, inventoryID string) (*domain.Hold, error)

	// ReleaseHold gives the held quantity back to the inventory line. Releasing
	// an already released or missing hold is a no-op returning false.
	ReleaseHold(ctx context.Context, orderID, inventoryID string) (bool, error)

	// ListOrphanedHolds returns unreleased holds whose order has EXPIRED
	ListOrphanedHolds(ctx context.Context, limit int) ([]domain.Hold, error)
}

type OrderRepository interface {
	// PersistOrder stores the order and its items in one atomic unit
	PersistOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) error

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	GetOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error)

	// UpdateOrderStatus moves the order from -> to only if its current status is from
	UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderState, at time.Time) (bool, error)

	// ListOrders returns orders in status whose last transition is before
	// olderThan, ordered by last transition then id, starting after the cursor
	ListOrders(ctx context.Context, status domain.OrderState, olderThan time.Time, after domain.OrderCursor, limit int) ([]domain.Order, error)
}

type OutcomeLog interface {
	AppendOutcome(ctx context.Context, record domain.OutcomeRecord) error

	// ListOutcomes returns the records of an order in append order
	ListOutcomes(ctx context.Context, orderID string) ([]domain.OutcomeRecord, error)
}

type DatabaseRepository interface {
	InventoryRepository
	OrderRepository
	OutcomeLog
	Ping(ctx context.Context) error
}
