// Package idgen allocates order identifiers.
package idgen

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UUIDAllocator hands out UUIDv7 identifiers, which sort by creation time.
type UUIDAllocator struct{}

func NewUUIDAllocator() *UUIDAllocator {
	return &UUIDAllocator{}
}

func (a *UUIDAllocator) AllocateOrderID(ctx context.Context) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("allocate order id: %w", err)
	}
	return id.String(), nil
}
