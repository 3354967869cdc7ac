package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type OrderIDAllocator interface {
	// AllocateOrderID returns globally unique, time-ordered identifiers
	AllocateOrderID(ctx context.Context) (string, error)
}

type Metrics interface {
	OutcomeRecorded(outcome domain.ReservationOutcome)
	VersionConflict()
	Published()
	Reconciled(action string)
}

type NopMetrics struct{}

func (NopMetrics) OutcomeRecorded(domain.ReservationOutcome) {}
func (NopMetrics) VersionConflict()                          {}
func (NopMetrics) Published()                                {}
func (NopMetrics) Reconciled(string)                         {}
