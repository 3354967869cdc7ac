package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) AllocateOrderID(ctx context.Context) (string, error) {
	return fmt.Sprintf("order-%06d", s.next.Add(1)), nil
}

// faultyStore injects store faults on the inventory path. Order and outcome
// writes keep working so the order-first behavior can be observed.
type faultyStore struct {
	*storage.MemoryAdapter
	down       atomic.Bool
	busy       atomic.Bool
	ordersDown atomic.Bool
	conflicts  atomic.Int32

	hookMu    sync.Mutex
	onGetHold func()
}

// beforeGetHold runs fn once, at the start of the next GetHold call.
func (s *faultyStore) beforeGetHold(fn func()) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onGetHold = fn
}

func (s *faultyStore) takeHook() func() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	fn := s.onGetHold
	s.onGetHold = nil
	return fn
}

func (s *faultyStore) fault() error {
	if s.down.Load() {
		return fmt.Errorf("dial tcp 127.0.0.1:3306: %w", domain.ErrStoreUnavailable)
	}
	if s.busy.Load() {
		return domain.ErrStoreBusy
	}
	return nil
}

func (s *faultyStore) GetHold(ctx context.Context, orderID, inventoryID string) (*domain.Hold, error) {
	if fn := s.takeHook(); fn != nil {
		fn()
	}
	if err := s.fault(); err != nil {
		return nil, err
	}
	return s.MemoryAdapter.GetHold(ctx, orderID, inventoryID)
}

func (s *faultyStore) GetInventory(ctx context.Context, inventoryID string) (*domain.InventoryLine, error) {
	if err := s.fault(); err != nil {
		return nil, err
	}
	return s.MemoryAdapter.GetInventory(ctx, inventoryID)
}

func (s *faultyStore) PersistInventoryLine(ctx context.Context, line domain.InventoryLine, expectedVersion int64, hold domain.Hold) (bool, error) {
	if err := s.fault(); err != nil {
		return false, err
	}
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return false, nil
	}
	return s.MemoryAdapter.PersistInventoryLine(ctx, line, expectedVersion, hold)
}

func (s *faultyStore) PersistOrder(ctx context.Context, order domain.Order, items []domain.OrderItem) error {
	if s.ordersDown.Load() {
		return fmt.Errorf("dial tcp 127.0.0.1:3306: %w", domain.ErrStoreUnavailable)
	}
	return s.MemoryAdapter.PersistOrder(ctx, order, items)
}

func (s *faultyStore) ReleaseHold(ctx context.Context, orderID, inventoryID string) (bool, error) {
	if err := s.fault(); err != nil {
		return false, err
	}
	return s.MemoryAdapter.ReleaseHold(ctx, orderID, inventoryID)
}

type published struct {
	key string
	req domain.ReservationRequest
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []published
	fail atomic.Bool
}

func (q *fakeQueue) Publish(ctx context.Context, partitionKey string, req domain.ReservationRequest) error {
	if q.fail.Load() {
		return fmt.Errorf("broker down: %w", domain.ErrQueueUnavailable)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, published{key: partitionKey, req: req})
	return nil
}

func (q *fakeQueue) Subscribe(ctx context.Context, handler port.ReservationHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (q *fakeQueue) Close() error { return nil }

// drain hands every published request to the handler in publish order.
func (q *fakeQueue) drain(t *testing.T, handler func(context.Context, domain.ReservationRequest) error) {
	t.Helper()
	q.mu.Lock()
	msgs := q.msgs
	q.msgs = nil
	q.mu.Unlock()

	for _, msg := range msgs {
		if err := handler(context.Background(), msg.req); err != nil {
			t.Fatalf("consume %s: %v", msg.req.OrderID, err)
		}
	}
}

func (q *fakeQueue) messages() []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]published(nil), q.msgs...)
}

type countingMetrics struct {
	mu         sync.Mutex
	outcomes   map[domain.ReservationOutcome]int
	conflicts  int
	publishes  int
	reconciled map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		outcomes:   make(map[domain.ReservationOutcome]int),
		reconciled: make(map[string]int),
	}
}

func (m *countingMetrics) OutcomeRecorded(outcome domain.ReservationOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *countingMetrics) VersionConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts++
}

func (m *countingMetrics) Published() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes++
}

func (m *countingMetrics) Reconciled(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled[action]++
}

const (
	testDeadline       = time.Minute
	testHardDeadline   = 10 * time.Minute
	testPaymentTimeout = 30 * time.Minute
)

type harness struct {
	store   *faultyStore
	cache   *storage.MemoryCache
	queue   *fakeQueue
	clock   *fakeClock
	regime  *LoadRegime
	metrics *countingMetrics
	coord   *Coordinator
	recon   *Reconciler
	oracle  *AvailabilityOracle
}

func newHarness(t *testing.T, mode PeakMode) *harness {
	t.Helper()

	h := &harness{
		store:   &faultyStore{MemoryAdapter: storage.NewMemoryAdapter()},
		cache:   storage.NewMemoryCache(),
		queue:   &fakeQueue{},
		clock:   newFakeClock(),
		metrics: newCountingMetrics(),
	}
	h.regime = NewLoadRegime(mode, 0, time.Minute)
	h.regime.now = h.clock.Now

	layer := NewCacheLayer(h.cache, h.store, time.Minute, PeakPolicyCounter, nil)
	orders := NewOrderStateMachine(h.store, nil)
	orders.now = h.clock.Now

	h.coord = NewCoordinator(CoordinatorDeps{
		Store:   h.store,
		Queue:   h.queue,
		Cache:   layer,
		Orders:  orders,
		IDs:     &sequenceIDs{},
		Regime:  h.regime,
		Metrics: h.metrics,
	}, 3)
	h.coord.now = h.clock.Now

	h.recon = NewReconciler(h.coord, ReconcilerConfig{
		Interval:       time.Second,
		Deadline:       testDeadline,
		HardDeadline:   testHardDeadline,
		PaymentTimeout: testPaymentTimeout,
		BatchSize:      100,
	}, nil)
	h.recon.now = h.clock.Now

	h.oracle = NewAvailabilityOracle(h.store, h.cache, time.Minute, nil)
	return h
}

func (h *harness) available(t *testing.T, inventoryID string) int {
	t.Helper()
	line, err := h.store.MemoryAdapter.GetInventory(context.Background(), inventoryID)
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	return line.Available
}

func (h *harness) status(t *testing.T, orderID string) domain.OrderState {
	t.Helper()
	order, err := h.store.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return order.Status
}

func checkout(inventoryID string, quantity int) domain.ReservationRequest {
	return domain.ReservationRequest{
		CustomerID:  "customer-1",
		ProductID:   "product-1",
		CartItemID:  "cart-1",
		InventoryID: inventoryID,
		Quantity:    quantity,
	}
}

func (h *harness) reserve(t *testing.T, inventoryID string, quantity int) domain.Reservation {
	t.Helper()
	res, err := h.coord.Reserve(context.Background(), checkout(inventoryID, quantity))
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return res
}
