package storage

import (
	"context"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// MemoryCache is a process-local port.CacheRepository with TTL entries.
type MemoryCache struct {
	mu          sync.Mutex
	entries     map[string]domain.CacheEntry
	idempotency map[string]time.Time
	now         func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries:     make(map[string]domain.CacheEntry),
		idempotency: make(map[string]time.Time),
		now:         time.Now,
	}
}

// live returns the entry if it exists and has not expired. Caller holds mu.
func (c *MemoryCache) live(inventoryID string) (domain.CacheEntry, bool) {
	entry, ok := c.entries[inventoryID]
	if !ok {
		return entry, false
	}
	if !entry.ExpiresAt.IsZero() && !c.now().Before(entry.ExpiresAt) {
		delete(c.entries, inventoryID)
		return entry, false
	}
	return entry, true
}

func (c *MemoryCache) Get(ctx context.Context, inventoryID string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.live(inventoryID)
	return entry.Amount, ok, nil
}

func (c *MemoryCache) Populate(ctx context.Context, inventoryID string, amount int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live(inventoryID); ok {
		return nil
	}
	entry := domain.CacheEntry{InventoryID: inventoryID, Amount: amount}
	if ttl > 0 {
		entry.ExpiresAt = c.now().Add(ttl)
	}
	c.entries[inventoryID] = entry
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, inventoryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, inventoryID)
	return nil
}

func (c *MemoryCache) DecrementLocal(ctx context.Context, inventoryID string, quantity int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.live(inventoryID)
	if !ok {
		return false, domain.ErrCacheMiss
	}
	if entry.Amount < quantity {
		return false, nil
	}
	entry.Amount -= quantity
	c.entries[inventoryID] = entry
	return true, nil
}

func (c *MemoryCache) SetIdempotency(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expires, ok := c.idempotency[key]; ok && c.now().Before(expires) {
		return false, nil
	}
	c.idempotency[key] = c.now().Add(idempotencyKeyTTL)
	return true, nil
}

func (c *MemoryCache) ClearIdempotency(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.idempotency, key)
	return nil
}
