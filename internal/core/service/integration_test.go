package service_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/adapter/idgen"
	"github.com/rl1809/stock-reservation/internal/adapter/queue"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/port"
)

type stack struct {
	store port.DatabaseRepository
	cache port.CacheRepository
	queue *queue.MemoryQueue
	coord *service.Coordinator
}

func newStack(t *testing.T, store port.DatabaseRepository, cache port.CacheRepository, mode service.PeakMode) *stack {
	t.Helper()
	q := queue.NewMemoryQueue(4, 1000, queue.RetryPolicy{MaxAttempts: 10, Backoff: 5 * time.Millisecond}, nil)
	t.Cleanup(func() { q.Close() })

	layer := service.NewCacheLayer(cache, store, time.Minute, service.PeakPolicyCounter, nil)
	coord := service.NewCoordinator(service.CoordinatorDeps{
		Store:  store,
		Queue:  q,
		Cache:  layer,
		Orders: service.NewOrderStateMachine(store, nil),
		IDs:    idgen.NewUUIDAllocator(),
		Regime: service.NewLoadRegime(mode, 0, time.Second),
	}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		service.NewConsumer(q, coord, nil).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &stack{store: store, cache: cache, queue: q, coord: coord}
}

// checkoutAll fires buyers concurrent checkouts of one unit and waits until
// every order left PROCESSING.
func checkoutAll(t *testing.T, s *stack, inventoryID string, buyers int) map[domain.OrderState]int {
	t.Helper()
	ctx := context.Background()

	ids := make(chan string, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.coord.Reserve(ctx, domain.ReservationRequest{
				RequestID:   uuid.NewString(),
				CustomerID:  fmt.Sprintf("customer-%d", i),
				InventoryID: inventoryID,
				Quantity:    1,
			})
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			ids <- res.OrderID
		}(i)
	}
	wg.Wait()
	close(ids)

	states := make(map[domain.OrderState]int)
	deadline := time.Now().Add(10 * time.Second)
	for id := range ids {
		for {
			state, err := s.coord.GetOrderStatus(ctx, id)
			if err != nil {
				t.Fatalf("status of %s: %v", id, err)
			}
			if state != domain.StateProcessing {
				states[state]++
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("order %s still PROCESSING", id)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	return states
}

func TestEndToEndInMemory(t *testing.T) {
	for _, mode := range []service.PeakMode{service.PeakNever, service.PeakAlways} {
		t.Run(string(mode), func(t *testing.T) {
			store := storage.NewMemoryAdapter()
			store.SetInventory("sku-1", 20)
			s := newStack(t, store, storage.NewMemoryCache(), mode)

			states := checkoutAll(t, s, "sku-1", 60)

			if states[domain.StateToBePaid] != 20 || states[domain.StateExpired] != 40 {
				t.Fatalf("expected 20 reserved and 40 expired, got %v", states)
			}
			line, _ := store.GetInventory(context.Background(), "sku-1")
			if line.Available != 0 {
				t.Fatalf("expected stock 0, got %d", line.Available)
			}
		})
	}
}

func setupBackends(t *testing.T) (*storage.MySQLAdapter, *sql.DB, *redis.Client) {
	t.Helper()
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/reservation?parseTime=true"
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })

	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return adapter, db, rdb
}

func TestIntegrationMySQLRedis(t *testing.T) {
	adapter, db, rdb := setupBackends(t)

	for _, mode := range []service.PeakMode{service.PeakNever, service.PeakAlways} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			inventoryID := "integration-" + uuid.NewString()
			const initialStock = 10

			if err := adapter.SetInventory(ctx, inventoryID, initialStock); err != nil {
				t.Fatalf("seed: %v", err)
			}
			rdb.Del(ctx, "stock:"+inventoryID)

			s := newStack(t, adapter, storage.NewRedisAdapter(rdb), mode)
			states := checkoutAll(t, s, inventoryID, 25)

			if states[domain.StateToBePaid] != initialStock {
				t.Errorf("expected %d reserved orders, got %v", initialStock, states)
			}

			var available int
			db.QueryRowContext(ctx, `SELECT available FROM inventory WHERE inventory_id = ?`, inventoryID).Scan(&available)
			if available != 0 {
				t.Errorf("expected MySQL stock 0, got %d", available)
			}

			var holds int
			db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_holds WHERE inventory_id = ? AND released = FALSE`, inventoryID).Scan(&holds)
			if holds != initialStock {
				t.Errorf("expected %d holds, got %d", initialStock, holds)
			}
		})
	}
}
