package service

import (
	"fmt"
	"sync/atomic"
	"time"
)

type PeakMode string

const (
	PeakAuto   PeakMode = "auto"
	PeakAlways PeakMode = "always"
	PeakNever  PeakMode = "never"
)

func ParsePeakMode(s string) (PeakMode, error) {
	switch mode := PeakMode(s); mode {
	case PeakAuto, PeakAlways, PeakNever:
		return mode, nil
	case "":
		return PeakAuto, nil
	default:
		return "", fmt.Errorf("unknown peak mode %q", s)
	}
}

// LoadRegime tracks whether the service runs under normal or peak load.
// In auto mode the regime is peak while in-flight reservations exceed the
// threshold or the store reported busy within the cooldown window.
type LoadRegime struct {
	mode      PeakMode
	threshold int64
	cooldown  time.Duration
	inFlight  atomic.Int64
	busyUntil atomic.Int64
	now       func() time.Time
}

func NewLoadRegime(mode PeakMode, threshold int, cooldown time.Duration) *LoadRegime {
	return &LoadRegime{
		mode:      mode,
		threshold: int64(threshold),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Enter counts one reservation in flight. Call the returned func when done.
func (r *LoadRegime) Enter() func() {
	r.inFlight.Add(1)
	return func() { r.inFlight.Add(-1) }
}

func (r *LoadRegime) InFlight() int64 {
	return r.inFlight.Load()
}

func (r *LoadRegime) MarkBusy() {
	r.busyUntil.Store(r.now().Add(r.cooldown).UnixNano())
}

func (r *LoadRegime) Peak() bool {
	switch r.mode {
	case PeakAlways:
		return true
	case PeakNever:
		return false
	}
	if r.threshold > 0 && r.inFlight.Load() > r.threshold {
		return true
	}
	return r.now().UnixNano() < r.busyUntil.Load()
}
