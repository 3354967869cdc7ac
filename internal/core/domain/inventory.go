package domain

import "time"

type InventoryLine struct {
	InventoryID string
	Available   int
	Version     int64 // optimistic locking
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (l InventoryLine) CanSatisfy(quantity int) bool {
	return quantity > 0 && l.Available >= quantity
}

// Decremented returns the line as it looks after a successful CAS write.
func (l InventoryLine) Decremented(quantity int) InventoryLine {
	l.Available -= quantity
	l.Version++
	return l
}

type CacheEntry struct {
	InventoryID string
	Amount      int
	ExpiresAt   time.Time
}

// Hold records that a decrement was applied to an inventory line on behalf of
// an order. It is written in the same atomic unit as the CAS write.
type Hold struct {
	OrderID     string
	InventoryID string
	Quantity    int
	Version     int64
	Released    bool
	CreatedAt   time.Time
}
