package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// PeakPolicy selects how the cache takes part in reservations under peak load.
type PeakPolicy string

const (
	// PeakPolicyCounter admits requests by decrementing the cache counter and
	// logs them to the queue for asynchronous application.
	PeakPolicyCounter PeakPolicy = "counter"
	// PeakPolicyInvalidate keeps invalidate-after-commit even under peak load.
	PeakPolicyInvalidate PeakPolicy = "invalidate"
)

func ParsePeakPolicy(s string) (PeakPolicy, error) {
	switch policy := PeakPolicy(s); policy {
	case PeakPolicyCounter, PeakPolicyInvalidate:
		return policy, nil
	case "":
		return PeakPolicyCounter, nil
	default:
		return "", fmt.Errorf("unknown cache peak policy %q", s)
	}
}

// CacheLayer mediates between the authoritative store and the cache. The cache
// is only ever invalidated after a store mutation, never updated.
type CacheLayer struct {
	cache  port.CacheRepository
	store  port.InventoryRepository
	ttl    time.Duration
	policy PeakPolicy
	logger *zap.Logger
}

func NewCacheLayer(cache port.CacheRepository, store port.InventoryRepository, ttl time.Duration, policy PeakPolicy, logger *zap.Logger) *CacheLayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheLayer{cache: cache, store: store, ttl: ttl, policy: policy, logger: logger}
}

func (c *CacheLayer) Policy() PeakPolicy {
	return c.policy
}

// ClaimRequest returns false when requestID was already seen.
func (c *CacheLayer) ClaimRequest(ctx context.Context, requestID string) (bool, error) {
	return c.cache.SetIdempotency(ctx, requestKey(requestID))
}

// ForgetRequest frees a claimed requestID whose checkout recorded no order.
func (c *CacheLayer) ForgetRequest(ctx context.Context, requestID string) {
	if err := c.cache.ClearIdempotency(ctx, requestKey(requestID)); err != nil {
		c.logger.Warn("failed to free request id",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

func requestKey(requestID string) string {
	return "reserve:" + requestID
}

// AfterCommit invalidates the entry of a line the store just mutated.
func (c *CacheLayer) AfterCommit(ctx context.Context, inventoryID string) {
	if err := c.cache.Invalidate(ctx, inventoryID); err != nil {
		c.logger.Warn("cache invalidation failed, entry expires by ttl",
			zap.String("inventory_id", inventoryID), zap.Error(err))
	}
}

// Compensate undoes a cache-admitted decrement that never reached the store.
// Invalidation makes the next read repopulate from the store, so repeating it
// is harmless.
func (c *CacheLayer) Compensate(ctx context.Context, inventoryID string) {
	if err := c.cache.Invalidate(ctx, inventoryID); err != nil {
		c.logger.Error("cache compensation failed",
			zap.String("inventory_id", inventoryID), zap.Error(err))
	}
}

// Admit decrements the cache counter for a peak-load reservation. On a miss
// the entry is populated from the store and the decrement retried once.
func (c *CacheLayer) Admit(ctx context.Context, inventoryID string, quantity int) (bool, error) {
	ok, err := c.cache.DecrementLocal(ctx, inventoryID, quantity)
	if !errors.Is(err, domain.ErrCacheMiss) {
		return ok, err
	}

	line, err := c.store.GetInventory(ctx, inventoryID)
	if errors.Is(err, domain.ErrInventoryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("populate cache for %s: %w", inventoryID, err)
	}
	if err := c.cache.Populate(ctx, inventoryID, line.Available, c.ttl); err != nil {
		return false, fmt.Errorf("populate cache for %s: %w", inventoryID, err)
	}
	return c.cache.DecrementLocal(ctx, inventoryID, quantity)
}
