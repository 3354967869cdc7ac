package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest    = errors.New("invalid reservation request")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInventoryNotFound = errors.New("inventory line not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrHoldExists        = errors.New("hold already recorded")
	ErrCacheMiss         = errors.New("cache miss")
	ErrStoreBusy         = errors.New("store under peak load")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrIllegalTransition = errors.New("illegal order transition")
)

type IllegalTransitionError struct {
	From OrderState
	To   OrderState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal order transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// IsUnavailable reports infrastructure faults that leave an order PROCESSING.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrQueueUnavailable)
}
