package domain

import "time"

type OrderState string

const (
	StateProcessing OrderState = "PROCESSING"
	StateToBePaid   OrderState = "TO_BE_PAID"
	StateExpired    OrderState = "EXPIRED"
	StatePaid       OrderState = "PAID"
	StateDelivering OrderState = "DELIVERING"
	StateDelivered  OrderState = "DELIVERED"
	StateRefund     OrderState = "REFUND"
	StateCompleted  OrderState = "COMPLETED"
)

var transitions = map[OrderState][]OrderState{
	StateProcessing: {StateToBePaid, StateExpired},
	StateToBePaid:   {StatePaid, StateExpired},
	StatePaid:       {StateDelivering},
	StateDelivering: {StateDelivered},
	StateDelivered:  {StateCompleted, StateRefund},
	StateRefund:     {StateCompleted},
	StateExpired:    nil,
	StateCompleted:  nil,
}

func ParseOrderState(s string) (OrderState, bool) {
	state := OrderState(s)
	return state, state.Valid()
}

func (s OrderState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s OrderState) Terminal() bool {
	return s == StateExpired || s == StateCompleted
}

func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to against the transition table.
func Transition(from, to OrderState) error {
	if !from.CanTransition(to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	return nil
}

type Order struct {
	ID               string
	CustomerID       string
	Status           OrderState
	CreatedAt        time.Time
	LastTransitionAt time.Time
}

// OrderCursor is a position in a scan ordered by last transition, then id.
// The zero value starts at the beginning.
type OrderCursor struct {
	LastTransitionAt time.Time
	OrderID          string
}

func CursorOf(o Order) OrderCursor {
	return OrderCursor{LastTransitionAt: o.LastTransitionAt, OrderID: o.ID}
}

func (c OrderCursor) IsZero() bool {
	return c.OrderID == ""
}

// Before reports whether o sorts after the cursor position.
func (c OrderCursor) Before(o Order) bool {
	if c.IsZero() {
		return true
	}
	if !o.LastTransitionAt.Equal(c.LastTransitionAt) {
		return o.LastTransitionAt.After(c.LastTransitionAt)
	}
	return o.ID > c.OrderID
}

func NewOrder(id, customerID string, now time.Time) Order {
	return Order{
		ID:               id,
		CustomerID:       customerID,
		Status:           StateProcessing,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
}

func (o *Order) TransitionTo(to OrderState, at time.Time) error {
	if err := Transition(o.Status, to); err != nil {
		return err
	}
	o.Status = to
	o.LastTransitionAt = at
	return nil
}

type OrderItem struct {
	OrderID     string
	ProductID   string
	InventoryID string
	CartItemID  string
	Quantity    int
}

// OrderEvent is an externally reported payment or delivery event.
type OrderEvent string

const (
	EventPay      OrderEvent = "pay"
	EventShip     OrderEvent = "ship"
	EventDeliver  OrderEvent = "deliver"
	EventComplete OrderEvent = "complete"
	EventRefund   OrderEvent = "refund"
	EventExpire   OrderEvent = "expire"
)

func (e OrderEvent) Target() (OrderState, bool) {
	switch e {
	case EventPay:
		return StatePaid, true
	case EventShip:
		return StateDelivering, true
	case EventDeliver:
		return StateDelivered, true
	case EventComplete:
		return StateCompleted, true
	case EventRefund:
		return StateRefund, true
	case EventExpire:
		return StateExpired, true
	default:
		return "", false
	}
}
