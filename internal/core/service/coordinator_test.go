package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

func TestReserveSuccess(t *testing.T) {
	h := newHarness(t, PeakNever)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)
	h.cache.Populate(ctx, "sku-1", 10, time.Minute)

	res := h.reserve(t, "sku-1", 3)

	if res.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected SUCCESS, got %s", res.Outcome)
	}
	if got := h.status(t, res.OrderID); got != domain.StateToBePaid {
		t.Fatalf("expected TO_BE_PAID, got %s", got)
	}
	if got := h.available(t, "sku-1"); got != 7 {
		t.Fatalf("expected 7 available, got %d", got)
	}

	hold, _ := h.store.GetHold(ctx, res.OrderID, "sku-1")
	if hold == nil || hold.Quantity != 3 {
		t.Fatalf("expected hold of 3, got %+v", hold)
	}

	if _, found, _ := h.cache.Get(ctx, "sku-1"); found {
		t.Fatal("cache entry must be invalidated after commit")
	}

	records, _ := h.store.ListOutcomes(ctx, res.OrderID)
	if len(records) != 1 || records[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected one SUCCESS record, got %+v", records)
	}
}

func TestReserveInsufficientStock(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 2)

	res := h.reserve(t, "sku-1", 3)

	if res.Outcome != domain.OutcomeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %s", res.Outcome)
	}
	if got := h.status(t, res.OrderID); got != domain.StateExpired {
		t.Fatalf("expected EXPIRED, got %s", got)
	}
	if got := h.available(t, "sku-1"); got != 2 {
		t.Fatalf("stock must be untouched, got %d", got)
	}
}

func TestReserveUnknownInventory(t *testing.T) {
	h := newHarness(t, PeakNever)

	res := h.reserve(t, "missing", 1)

	if res.Outcome != domain.OutcomeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %s", res.Outcome)
	}
}

func TestReserveRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, PeakNever)

	_, err := h.coord.Reserve(context.Background(), domain.ReservationRequest{CustomerID: "c", InventoryID: "sku-1"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestReserveDuplicateRequestID(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 10)

	req := domain.ReservationRequest{RequestID: "req-1", CustomerID: "c", InventoryID: "sku-1", Quantity: 1}
	if _, err := h.coord.Reserve(context.Background(), req); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := h.coord.Reserve(context.Background(), req); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if got := h.available(t, "sku-1"); got != 9 {
		t.Fatalf("expected one decrement, got %d available", got)
	}
}

func TestReserveNoOversell(t *testing.T) {
	h := newHarness(t, PeakNever)
	const stock, buyers = 50, 200
	h.store.SetInventory("sku-1", stock)

	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.coord.Reserve(context.Background(), checkout("sku-1", 1)); err != nil {
				t.Errorf("reserve: %v", err)
			}
		}()
	}
	wg.Wait()

	h.queue.drain(t, h.coord.Consume)

	if got := h.available(t, "sku-1"); got != 0 {
		t.Fatalf("expected stock exhausted, got %d", got)
	}
	paid, _ := h.store.ListOrders(context.Background(), domain.StateToBePaid, h.clock.Now().Add(time.Hour), domain.OrderCursor{}, 0)
	if len(paid) != stock {
		t.Fatalf("expected %d reserved orders, got %d", stock, len(paid))
	}
	expired, _ := h.store.ListOrders(context.Background(), domain.StateExpired, h.clock.Now().Add(time.Hour), domain.OrderCursor{}, 0)
	if len(expired) != buyers-stock {
		t.Fatalf("expected %d expired orders, got %d", buyers-stock, len(expired))
	}
}

// Two concurrent requests for 3 against a stock of 5: exactly one wins.
func TestReserveTwoConcurrentBuyers(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 5)

	results := make([]domain.Reservation, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.coord.Reserve(context.Background(), checkout("sku-1", 3))
			if err != nil {
				t.Errorf("reserve: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	h.queue.drain(t, h.coord.Consume)

	var won, lost int
	for _, res := range results {
		switch h.status(t, res.OrderID) {
		case domain.StateToBePaid:
			won++
		case domain.StateExpired:
			lost++
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected one winner and one loser, got %d/%d", won, lost)
	}
	if got := h.available(t, "sku-1"); got != 2 {
		t.Fatalf("expected 2 left, got %d", got)
	}
}

func TestReserveQueuesAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 10)
	h.store.conflicts.Store(4)

	res := h.reserve(t, "sku-1", 2)

	if res.Outcome != domain.OutcomeQueued {
		t.Fatalf("expected QUEUED, got %s", res.Outcome)
	}
	if got := h.status(t, res.OrderID); got != domain.StateProcessing {
		t.Fatalf("expected PROCESSING, got %s", got)
	}
	msgs := h.queue.messages()
	if len(msgs) != 1 || msgs[0].key != "sku-1" || msgs[0].req.OrderID != res.OrderID {
		t.Fatalf("expected one message keyed by inventory, got %+v", msgs)
	}
	if h.metrics.conflicts != 4 {
		t.Fatalf("expected 4 conflicts, got %d", h.metrics.conflicts)
	}

	h.queue.drain(t, h.coord.Consume)

	if got := h.status(t, res.OrderID); got != domain.StateToBePaid {
		t.Fatalf("expected TO_BE_PAID after consume, got %s", got)
	}
	if got := h.available(t, "sku-1"); got != 8 {
		t.Fatalf("expected 8 available, got %d", got)
	}
}

func TestConsumeIsIdempotent(t *testing.T) {
	h := newHarness(t, PeakNever)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)
	h.store.conflicts.Store(4)

	h.reserve(t, "sku-1", 2)
	req := h.queue.messages()[0].req

	for i := 0; i < 3; i++ {
		if err := h.coord.Consume(ctx, req); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if got := h.available(t, "sku-1"); got != 8 {
		t.Fatalf("redelivery must not decrement again, got %d", got)
	}

	// a hold already recorded short-circuits even while PROCESSING
	outcome, err := h.coord.apply(ctx, req)
	if err != nil || outcome != domain.OutcomeSuccess {
		t.Fatalf("expected SUCCESS from existing hold, got %s %v", outcome, err)
	}
	if got := h.available(t, "sku-1"); got != 8 {
		t.Fatalf("expected 8 available, got %d", got)
	}
}

func TestConsumeUnknownOrderIsDropped(t *testing.T) {
	h := newHarness(t, PeakNever)

	err := h.coord.Consume(context.Background(), domain.ReservationRequest{OrderID: "nope", InventoryID: "sku-1", Quantity: 1})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestConsumeRetriesWhenStoreDown(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 10)
	h.store.conflicts.Store(4)
	res := h.reserve(t, "sku-1", 1)

	h.store.down.Store(true)
	err := h.coord.Consume(context.Background(), h.queue.messages()[0].req)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := h.status(t, res.OrderID); got != domain.StateProcessing {
		t.Fatalf("expected PROCESSING, got %s", got)
	}
}

func TestReserveStoreBusyQueuesAndEntersPeak(t *testing.T) {
	h := newHarness(t, PeakAuto)
	h.store.SetInventory("sku-1", 10)
	h.store.busy.Store(true)

	res := h.reserve(t, "sku-1", 1)

	if res.Outcome != domain.OutcomeQueued {
		t.Fatalf("expected QUEUED, got %s", res.Outcome)
	}
	if !h.regime.Peak() {
		t.Fatal("busy store must switch the regime to peak")
	}
	h.clock.Advance(2 * time.Minute)
	if h.regime.Peak() {
		t.Fatal("regime must return to normal after the cooldown")
	}
}

func TestReserveQueueUnavailable(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 10)
	h.store.conflicts.Store(4)
	h.queue.fail.Store(true)

	res := h.reserve(t, "sku-1", 1)

	if res.Outcome != domain.OutcomeSystemUnavailable {
		t.Fatalf("expected SYSTEM_UNAVAILABLE, got %s", res.Outcome)
	}
	if got := h.status(t, res.OrderID); got != domain.StateProcessing {
		t.Fatalf("expected PROCESSING, got %s", got)
	}
}

func TestReserveStoreUnavailable(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 10)
	h.store.down.Store(true)

	res := h.reserve(t, "sku-1", 1)

	if res.Outcome != domain.OutcomeSystemUnavailable {
		t.Fatalf("expected SYSTEM_UNAVAILABLE, got %s", res.Outcome)
	}
	if got := h.status(t, res.OrderID); got != domain.StateProcessing {
		t.Fatalf("order must stay PROCESSING, got %s", got)
	}
	records, _ := h.store.ListOutcomes(context.Background(), res.OrderID)
	if len(records) != 1 || records[0].Outcome != domain.OutcomeSystemUnavailable {
		t.Fatalf("expected SYSTEM_UNAVAILABLE record, got %+v", records)
	}
}

func TestReservePeakCounterThenLog(t *testing.T) {
	h := newHarness(t, PeakAlways)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)

	res := h.reserve(t, "sku-1", 3)

	if res.Outcome != domain.OutcomeQueued {
		t.Fatalf("expected QUEUED, got %s", res.Outcome)
	}
	if amount, found, _ := h.cache.Get(ctx, "sku-1"); !found || amount != 7 {
		t.Fatalf("expected cache counter 7, got %d found=%v", amount, found)
	}
	if got := h.available(t, "sku-1"); got != 10 {
		t.Fatalf("store must not change before the log is applied, got %d", got)
	}
	msgs := h.queue.messages()
	if len(msgs) != 1 || !msgs[0].req.CacheAdmitted {
		t.Fatalf("expected one cache-admitted message, got %+v", msgs)
	}

	h.queue.drain(t, h.coord.Consume)

	if got := h.available(t, "sku-1"); got != 7 {
		t.Fatalf("expected 7 after apply, got %d", got)
	}
	if got := h.status(t, res.OrderID); got != domain.StateToBePaid {
		t.Fatalf("expected TO_BE_PAID, got %s", got)
	}
}

func TestReservePeakRejectsFromCounter(t *testing.T) {
	h := newHarness(t, PeakAlways)
	h.store.SetInventory("sku-1", 2)

	res := h.reserve(t, "sku-1", 3)

	if res.Outcome != domain.OutcomeInsufficientStock {
		t.Fatalf("expected INSUFFICIENT_STOCK, got %s", res.Outcome)
	}
	if got := h.status(t, res.OrderID); got != domain.StateExpired {
		t.Fatalf("expected EXPIRED, got %s", got)
	}
	if len(h.queue.messages()) != 0 {
		t.Fatal("rejected request must not be published")
	}
}

func TestReservePeakPublishFailureRestoresCache(t *testing.T) {
	h := newHarness(t, PeakAlways)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)
	h.queue.fail.Store(true)

	res := h.reserve(t, "sku-1", 3)

	if res.Outcome != domain.OutcomeSystemUnavailable {
		t.Fatalf("expected SYSTEM_UNAVAILABLE, got %s", res.Outcome)
	}
	if _, found, _ := h.cache.Get(ctx, "sku-1"); found {
		t.Fatal("cache-admitted decrement must be compensated")
	}
}

func TestFinishReleasesHoldOfExpiredOrder(t *testing.T) {
	h := newHarness(t, PeakNever)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)
	h.store.conflicts.Store(4)

	res := h.reserve(t, "sku-1", 4)
	req := h.queue.messages()[0].req

	outcome, err := h.coord.apply(ctx, req)
	if err != nil || outcome != domain.OutcomeSuccess {
		t.Fatalf("apply: %s %v", outcome, err)
	}
	// the reconciler expires the order while the decrement is in flight
	if _, err := h.store.UpdateOrderStatus(ctx, res.OrderID, domain.StateProcessing, domain.StateExpired, h.clock.Now()); err != nil {
		t.Fatalf("expire: %v", err)
	}

	h.coord.finish(ctx, req, outcome)

	if got := h.status(t, res.OrderID); got != domain.StateExpired {
		t.Fatalf("expected EXPIRED, got %s", got)
	}
	if got := h.available(t, "sku-1"); got != 10 {
		t.Fatalf("expected stock restored, got %d", got)
	}
}

func TestApplyOrderEvent(t *testing.T) {
	h := newHarness(t, PeakNever)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)

	res := h.reserve(t, "sku-1", 2)

	order, err := h.coord.ApplyOrderEvent(ctx, res.OrderID, domain.EventPay)
	if err != nil || order.Status != domain.StatePaid {
		t.Fatalf("pay: %+v %v", order, err)
	}

	_, err = h.coord.ApplyOrderEvent(ctx, res.OrderID, domain.EventExpire)
	var illegal *domain.IllegalTransitionError
	if !errors.As(err, &illegal) || illegal.From != domain.StatePaid {
		t.Fatalf("expected illegal transition from PAID, got %v", err)
	}
	if got := h.status(t, res.OrderID); got != domain.StatePaid {
		t.Fatalf("illegal transition must not be applied, got %s", got)
	}

	for _, event := range []domain.OrderEvent{domain.EventShip, domain.EventDeliver, domain.EventRefund, domain.EventComplete} {
		if _, err := h.coord.ApplyOrderEvent(ctx, res.OrderID, event); err != nil {
			t.Fatalf("%s: %v", event, err)
		}
	}
	if got := h.status(t, res.OrderID); got != domain.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}

	if _, err := h.coord.ApplyOrderEvent(ctx, res.OrderID, "teleport"); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestExpireEventReleasesHold(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 10)

	res := h.reserve(t, "sku-1", 4)
	if _, err := h.coord.ApplyOrderEvent(context.Background(), res.OrderID, domain.EventExpire); err != nil {
		t.Fatalf("expire: %v", err)
	}

	if got := h.available(t, "sku-1"); got != 10 {
		t.Fatalf("expected stock restored, got %d", got)
	}
}

func TestGetOrderStatus(t *testing.T) {
	h := newHarness(t, PeakNever)
	h.store.SetInventory("sku-1", 1)
	res := h.reserve(t, "sku-1", 1)

	status, err := h.coord.GetOrderStatus(context.Background(), res.OrderID)
	if err != nil || status != domain.StateToBePaid {
		t.Fatalf("expected TO_BE_PAID, got %s %v", status, err)
	}

	if _, err := h.coord.GetOrderStatus(context.Background(), "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestReserveRequestIDFreedWhenNoOrderRecorded(t *testing.T) {
	h := newHarness(t, PeakNever)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)
	h.store.ordersDown.Store(true)

	req := domain.ReservationRequest{RequestID: "req-42", CustomerID: "c", InventoryID: "sku-1", Quantity: 1}
	if _, err := h.coord.Reserve(ctx, req); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	h.store.ordersDown.Store(false)
	res, err := h.coord.Reserve(ctx, req)
	if err != nil {
		t.Fatalf("retry with the same request id: %v", err)
	}
	if res.Outcome != domain.OutcomeSuccess {
		t.Fatalf("expected SUCCESS, got %s", res.Outcome)
	}

	if _, err := h.coord.Reserve(ctx, req); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("a recorded checkout keeps its request id, got %v", err)
	}
}

// A second delivery of the same request passes the PROCESSING check, then the
// first delivery commits and the order is paid before the second finishes.
func TestRedeliveryAfterPaymentKeepsHold(t *testing.T) {
	h := newHarness(t, PeakAlways)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 5)

	res := h.reserve(t, "sku-1", 3)
	if res.Outcome != domain.OutcomeQueued {
		t.Fatalf("expected QUEUED, got %s", res.Outcome)
	}
	req := h.queue.messages()[0].req

	h.store.beforeGetHold(func() {
		if err := h.coord.Consume(ctx, req); err != nil {
			t.Errorf("first delivery: %v", err)
		}
		if _, err := h.coord.ApplyOrderEvent(ctx, res.OrderID, domain.EventPay); err != nil {
			t.Errorf("pay: %v", err)
		}
	})
	if err := h.coord.Consume(ctx, req); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if got := h.status(t, res.OrderID); got != domain.StatePaid {
		t.Fatalf("expected PAID, got %s", got)
	}
	if got := h.available(t, "sku-1"); got != 2 {
		t.Fatalf("paid order must keep its stock, got %d available", got)
	}
	hold, _ := h.store.GetHold(ctx, res.OrderID, "sku-1")
	if hold == nil || hold.Released {
		t.Fatalf("expected an unreleased hold, got %+v", hold)
	}
}

func TestConsumeSkipCompensatesCacheAdmission(t *testing.T) {
	h := newHarness(t, PeakAlways)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)

	res := h.reserve(t, "sku-1", 3)
	if amount, _, _ := h.cache.Get(ctx, "sku-1"); amount != 7 {
		t.Fatalf("expected cache counter 7, got %d", amount)
	}

	// resolved elsewhere without touching the cache
	if _, err := h.store.UpdateOrderStatus(ctx, res.OrderID, domain.StateProcessing, domain.StateExpired, h.clock.Now()); err != nil {
		t.Fatalf("expire: %v", err)
	}

	if err := h.coord.Consume(ctx, h.queue.messages()[0].req); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if _, found, _ := h.cache.Get(ctx, "sku-1"); found {
		t.Fatal("skipped cache-admitted request must invalidate the counter")
	}
	if got := h.available(t, "sku-1"); got != 10 {
		t.Fatalf("store must be untouched, got %d", got)
	}
}

func TestExpireEventCompensatesCacheAdmission(t *testing.T) {
	h := newHarness(t, PeakAlways)
	ctx := context.Background()
	h.store.SetInventory("sku-1", 10)

	res := h.reserve(t, "sku-1", 3)
	if _, err := h.coord.ApplyOrderEvent(ctx, res.OrderID, domain.EventExpire); err != nil {
		t.Fatalf("expire: %v", err)
	}

	if _, found, _ := h.cache.Get(ctx, "sku-1"); found {
		t.Fatal("expiring a cache-admitted order must invalidate the counter")
	}
	if got := h.available(t, "sku-1"); got != 10 {
		t.Fatalf("store must be untouched, got %d", got)
	}
}
