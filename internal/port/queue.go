package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type ReservationHandler func(ctx context.Context, req domain.ReservationRequest) error

// ReservationQueue is a durable channel partitioned by key. Requests sharing a
// partition key are delivered in publish order to a single consumer.
type ReservationQueue interface {
	Publish(ctx context.Context, partitionKey string, req domain.ReservationRequest) error

	// Subscribe consumes every partition assigned to this process and blocks
	// until ctx is done. Delivery is at-least-once.
	Subscribe(ctx context.Context, handler ReservationHandler) error

	Close() error
}
