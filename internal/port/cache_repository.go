package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// Get returns found=false on miss or expiry
	Get(ctx context.Context, inventoryID string) (amount int, found bool, err error)

	// Populate sets the entry only if it is absent
	Populate(ctx context.Context, inventoryID string, amount int, ttl time.Duration) error

	Invalidate(ctx context.Context, inventoryID string) error

	// DecrementLocal atomically decreases the cached amount, returns false if
	// insufficient and domain.ErrCacheMiss if there is no entry
	DecrementLocal(ctx context.Context, inventoryID string, quantity int) (bool, error)

	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ClearIdempotency frees a key so the same request can be tried again
	ClearIdempotency(ctx context.Context, key string) error
}
