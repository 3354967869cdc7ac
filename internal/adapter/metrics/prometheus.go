// Package metrics exports reservation counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const namespace = "reservation"

// Recorder implements port.Metrics.
type Recorder struct {
	outcomes     *prometheus.CounterVec
	conflicts    prometheus.Counter
	publishes    prometheus.Counter
	reconciled   *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Reservation outcomes appended to the outcome log.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Lost optimistic CAS writes on inventory lines.",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_publishes_total",
			Help:      "Reservations handed to the partitioned queue.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Actions taken by the reconciliation worker.",
		}, []string{"action"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
	}
	reg.MustRegister(r.outcomes, r.conflicts, r.publishes, r.reconciled, r.breakerState)
	return r
}

func (r *Recorder) OutcomeRecorded(outcome domain.ReservationOutcome) {
	r.outcomes.WithLabelValues(string(outcome)).Inc()
}

func (r *Recorder) VersionConflict() {
	r.conflicts.Inc()
}

func (r *Recorder) Published() {
	r.publishes.Inc()
}

func (r *Recorder) Reconciled(action string) {
	r.reconciled.WithLabelValues(action).Inc()
}

// BreakerStateChanged matches the resilience.Policy state hook.
func (r *Recorder) BreakerStateChanged(name, state string) {
	var value float64
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	r.breakerState.WithLabelValues(name).Set(value)
}
