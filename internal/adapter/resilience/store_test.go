package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

type flakyStore struct {
	*storage.MemoryAdapter
	down  atomic.Bool
	calls atomic.Int32
}

func (s *flakyStore) GetInventory(ctx context.Context, inventoryID string) (*domain.InventoryLine, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return nil, errDown
	}
	return s.MemoryAdapter.GetInventory(ctx, inventoryID)
}

func TestStoreBreakerShortCircuits(t *testing.T) {
	inner := &flakyStore{MemoryAdapter: storage.NewMemoryAdapter()}
	inner.SetInventory("sku-1", 5)
	policy := NewPolicy("store", Config{MaxFailures: 2, OpenTimeout: time.Hour}, domain.ErrStoreUnavailable, nil, nil)
	var store port.DatabaseRepository = NewStore(inner, policy)
	ctx := context.Background()

	if line, err := store.GetInventory(ctx, "sku-1"); err != nil || line.Available != 5 {
		t.Fatalf("expected pass-through read, got %+v %v", line, err)
	}

	// not-found is a business answer and keeps the breaker closed
	for i := 0; i < 3; i++ {
		if _, err := store.GetInventory(ctx, "missing"); !errors.Is(err, domain.ErrInventoryNotFound) {
			t.Fatalf("expected ErrInventoryNotFound, got %v", err)
		}
	}

	inner.down.Store(true)
	store.GetInventory(ctx, "sku-1")
	store.GetInventory(ctx, "sku-1")
	before := inner.calls.Load()

	_, err := store.GetInventory(ctx, "sku-1")
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if inner.calls.Load() != before {
		t.Fatal("open breaker must not reach the store")
	}
	if !domain.IsUnavailable(err) {
		t.Fatal("short-circuited call must read as unavailable")
	}
}

type failingQueue struct {
	port.ReservationQueue
	err error
}

func (q failingQueue) Publish(ctx context.Context, partitionKey string, req domain.ReservationRequest) error {
	return q.err
}

func TestQueueBreaker(t *testing.T) {
	policy := NewPolicy("queue", Config{MaxFailures: 1, OpenTimeout: time.Hour}, domain.ErrQueueUnavailable, nil, nil)
	q := NewQueue(failingQueue{err: errDown}, policy)

	if err := q.Publish(context.Background(), "sku-1", domain.ReservationRequest{}); !errors.Is(err, errDown) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if err := q.Publish(context.Background(), "sku-1", domain.ReservationRequest{}); !errors.Is(err, domain.ErrQueueUnavailable) {
		t.Fatalf("expected ErrQueueUnavailable, got %v", err)
	}
}
