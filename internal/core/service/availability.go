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

// AvailabilityOracle answers "probably available" from the cache and falls
// back to the store on a miss. It never locks or mutates inventory.
type AvailabilityOracle struct {
	store  port.InventoryRepository
	cache  port.CacheRepository
	ttl    time.Duration
	logger *zap.Logger
}

func NewAvailabilityOracle(store port.InventoryRepository, cache port.CacheRepository, ttl time.Duration, logger *zap.Logger) *AvailabilityOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AvailabilityOracle{store: store, cache: cache, ttl: ttl, logger: logger}
}

func (o *AvailabilityOracle) CheckAvailable(ctx context.Context, inventoryID string, quantity int) (bool, error) {
	if inventoryID == "" || quantity <= 0 {
		return false, fmt.Errorf("%w: inventory_id and a positive quantity are required", domain.ErrInvalidRequest)
	}

	amount, found, err := o.cache.Get(ctx, inventoryID)
	if err != nil {
		o.logger.Warn("cache read failed, falling back to store",
			zap.String("inventory_id", inventoryID), zap.Error(err))
	}
	if err == nil && found {
		return amount >= quantity, nil
	}

	line, err := o.store.GetInventory(ctx, inventoryID)
	if errors.Is(err, domain.ErrInventoryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check availability of %s: %w", inventoryID, err)
	}

	if err := o.cache.Populate(ctx, inventoryID, line.Available, o.ttl); err != nil {
		o.logger.Warn("cache populate failed", zap.String("inventory_id", inventoryID), zap.Error(err))
	}
	return line.Available >= quantity, nil
}
