// Package queue implements the partitioned reservation queue on Kafka and in
// process memory.
package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond}
}

// deliver calls handler until it succeeds, the attempts run out or ctx is
// done. Retrying in place keeps later messages of the partition behind this
// one. A message that exhausts its attempts is dropped and left to the
// reconciler. It returns false only when ctx ended first.
func deliver(ctx context.Context, handler port.ReservationHandler, req domain.ReservationRequest, policy RetryPolicy, logger *zap.Logger) bool {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := policy.Backoff

	for attempt := 1; ; attempt++ {
		err := handler(ctx, req)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= attempts {
			logger.Error("giving up on reservation, left for reconciliation",
				zap.String("order_id", req.OrderID),
				zap.String("inventory_id", req.InventoryID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return true
		}

		logger.Warn("reservation handler failed, retrying",
			zap.String("order_id", req.OrderID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
	}
}

// sleep waits for d and returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
