package domain

import (
	"fmt"
	"time"
)

type ReservationRequest struct {
	RequestID   string    `json:"request_id,omitempty"`
	CartItemID  string    `json:"cart_item_id"`
	OrderID     string    `json:"order_id"`
	CustomerID  string    `json:"customer_id"`
	ProductID   string    `json:"product_id"`
	InventoryID string    `json:"inventory_id"`
	Quantity    int       `json:"quantity"`
	SubmittedAt time.Time `json:"submitted_at"`

	// CacheAdmitted is set when the cache counter was already decremented for
	// this request by the peak-load path.
	CacheAdmitted bool `json:"cache_admitted,omitempty"`
}

func (r ReservationRequest) Validate() error {
	switch {
	case r.InventoryID == "":
		return fmt.Errorf("%w: inventory_id is required", ErrInvalidRequest)
	case r.CustomerID == "":
		return fmt.Errorf("%w: customer_id is required", ErrInvalidRequest)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	return nil
}

func (r ReservationRequest) Item() OrderItem {
	return OrderItem{
		OrderID:     r.OrderID,
		ProductID:   r.ProductID,
		InventoryID: r.InventoryID,
		CartItemID:  r.CartItemID,
		Quantity:    r.Quantity,
	}
}

func (r ReservationRequest) Hold(version int64, now time.Time) Hold {
	return Hold{
		OrderID:     r.OrderID,
		InventoryID: r.InventoryID,
		Quantity:    r.Quantity,
		Version:     version,
		CreatedAt:   now,
	}
}

// RequestForItem rebuilds the reservation request of a persisted order item.
func RequestForItem(order Order, item OrderItem) ReservationRequest {
	return ReservationRequest{
		CartItemID:  item.CartItemID,
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		ProductID:   item.ProductID,
		InventoryID: item.InventoryID,
		Quantity:    item.Quantity,
		SubmittedAt: order.CreatedAt,
	}
}

type ReservationOutcome string

const (
	OutcomeSuccess           ReservationOutcome = "SUCCESS"
	OutcomeInsufficientStock ReservationOutcome = "INSUFFICIENT_STOCK"
	OutcomeQueued            ReservationOutcome = "QUEUED"
	OutcomeSystemUnavailable ReservationOutcome = "SYSTEM_UNAVAILABLE"
)

// OutcomeRecord is one entry of the append-only outcome log.
type OutcomeRecord struct {
	ID            int64
	OrderID       string
	InventoryID   string
	Quantity      int
	Outcome       ReservationOutcome
	CacheAdmitted bool
	RecordedAt    time.Time
}

// Reservation is what a checkout caller gets back from Reserve.
type Reservation struct {
	OrderID string
	Outcome ReservationOutcome
}

type InventoryAction int

const (
	ActionNone InventoryAction = iota
	// ActionCommit keeps the applied decrement and invalidates the cache entry.
	ActionCommit
	// ActionCompensate gives back any applied or cache-admitted decrement.
	ActionCompensate
)

func (a InventoryAction) String() string {
	switch a {
	case ActionCommit:
		return "commit"
	case ActionCompensate:
		return "compensate"
	default:
		return "none"
	}
}

// Resolve maps an outcome to the order state it implies and the inventory
// action that goes with it.
func Resolve(outcome ReservationOutcome) (OrderState, InventoryAction) {
	switch outcome {
	case OutcomeSuccess:
		return StateToBePaid, ActionCommit
	case OutcomeInsufficientStock:
		return StateExpired, ActionCompensate
	default:
		return StateProcessing, ActionNone
	}
}

// Derive reads the outcome log of one order and returns the outcome that
// decides it. A SUCCESS anywhere in the log wins, then INSUFFICIENT_STOCK,
// otherwise the most recent record. Empty when nothing was recorded.
func Derive(records []OutcomeRecord) (ReservationOutcome, bool) {
	var latest ReservationOutcome
	var insufficient bool
	for _, rec := range records {
		switch rec.Outcome {
		case OutcomeSuccess:
			return OutcomeSuccess, true
		case OutcomeInsufficientStock:
			insufficient = true
		}
		latest = rec.Outcome
	}
	if insufficient {
		return OutcomeInsufficientStock, true
	}
	return latest, latest != ""
}

// CacheAdmitted reports whether any attempt in the log went through the
// peak-load cache counter.
func CacheAdmitted(records []OutcomeRecord) bool {
	for _, rec := range records {
		if rec.CacheAdmitted {
			return true
		}
	}
	return false
}
