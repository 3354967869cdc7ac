package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type holdKey struct {
	orderID     string
	inventoryID string
}

// MemoryAdapter is an in-process implementation of port.DatabaseRepository.
// Every method is atomic under one mutex, which gives the same CAS semantics
// as the MySQL adapter.
type MemoryAdapter struct {
	mu        sync.Mutex
	inventory map[string]domain.InventoryLine
	orders    map[string]domain.Order
	items     map[string][]domain.OrderItem
	outcomes  map[string][]domain.OutcomeRecord
	holds     map[holdKey]domain.Hold
	nextID    int64
	now       func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		inventory: make(map[string]domain.InventoryLine),
		orders:    make(map[string]domain.Order),
		items:     make(map[string][]domain.OrderItem),
		outcomes:  make(map[string][]domain.OutcomeRecord),
		holds:     make(map[holdKey]domain.Hold),
		now:       time.Now,
	}
}

// SetInventory creates or replaces an inventory line, used for on-boarding.
func (m *MemoryAdapter) SetInventory(inventoryID string, available int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	line, ok := m.inventory[inventoryID]
	if ok {
		line.Version++
	} else {
		line = domain.InventoryLine{InventoryID: inventoryID, CreatedAt: now}
	}
	line.Available = available
	line.UpdatedAt = now
	m.inventory[inventoryID] = line
}

func (m *MemoryAdapter) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryAdapter) GetInventory(ctx context.Context, inventoryID string) (*domain.InventoryLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	line, ok := m.inventory[inventoryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInventoryNotFound, inventoryID)
	}
	return &line, nil
}

func (m *MemoryAdapter) PersistInventoryLine(ctx context.Context, line domain.InventoryLine, expectedVersion int64, hold domain.Hold) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.inventory[line.InventoryID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrInventoryNotFound, line.InventoryID)
	}
	if current.Version != expectedVersion {
		return false, nil
	}
	if line.Available < 0 {
		return false, domain.ErrInsufficientStock
	}
	key := holdKey{hold.OrderID, hold.InventoryID}
	if hold.OrderID != "" {
		if _, exists := m.holds[key]; exists {
			return false, domain.ErrHoldExists
		}
	}

	current.Available = line.Available
	current.Version = expectedVersion + 1
	current.UpdatedAt = m.now()
	m.inventory[line.InventoryID] = current

	if hold.OrderID != "" {
		hold.Version = current.Version
		m.holds[key] = hold
	}
	return true, nil
}

func (m *MemoryAdapter) GetHold(ctx context.Context, orderID, inventoryID string) (*domain.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hold, ok := m.holds[holdKey{orderID, inventoryID}]
	if !ok {
		return nil, nil
	}
	return &hold, nil
}

func (m *MemoryAdapter) ReleaseHold(ctx context.Context, orderID, inventoryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := holdKey{orderID, inventoryID}
	hold, ok := m.holds[key]
	if !ok || hold.Released {
		return false, nil
	}
	line, ok := m.inventory[inventoryID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrInventoryNotFound, inventoryID)
	}

	line.Available += hold.Quantity
	line.Version++
	line.UpdatedAt = m.now()
	m.inventory[inventoryID] = line

	hold.Released = true
	m.holds[key] = hold
	return true, nil
}

func (m *MemoryAdapter) ListOrphanedHolds(ctx context.Context, limit int) ([]domain.Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var holds []domain.Hold
	for _, hold := range m.holds {
		if hold.Released || m.orders[hold.OrderID].Status != domain.StateExpired {
			continue
		}
		holds = append(holds, hold)
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].CreatedAt.Before(holds[j].CreatedAt) })
	if limit > 0 && len(holds) > limit {
		holds = holds[:limit]
	}
	return holds, nil
}

func (m *MemoryAdapter) PersistOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	m.orders[order.ID] = order
	m.items[order.ID] = append([]domain.OrderItem(nil), items...)
	return nil
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return &order, nil
}

func (m *MemoryAdapter) GetOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]domain.OrderItem(nil), m.items[orderID]...), nil
}

func (m *MemoryAdapter) UpdateOrderStatus(ctx context.Context, orderID string, from, to domain.OrderState, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	if order.Status != from {
		return false, nil
	}
	order.Status = to
	order.LastTransitionAt = at
	m.orders[orderID] = order
	return true, nil
}

func (m *MemoryAdapter) ListOrders(ctx context.Context, status domain.OrderState, olderThan time.Time, after domain.OrderCursor, limit int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var orders []domain.Order
	for _, order := range m.orders {
		if order.Status == status && order.LastTransitionAt.Before(olderThan) && after.Before(order) {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return domain.CursorOf(orders[i]).Before(orders[j])
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (m *MemoryAdapter) AppendOutcome(ctx context.Context, record domain.OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	record.ID = m.nextID
	m.outcomes[record.OrderID] = append(m.outcomes[record.OrderID], record)
	return nil
}

func (m *MemoryAdapter) ListOutcomes(ctx context.Context, orderID string) ([]domain.OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]domain.OutcomeRecord(nil), m.outcomes[orderID]...), nil
}
