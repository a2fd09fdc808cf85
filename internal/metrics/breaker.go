// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Breaker state values exported by ingestbridge_breaker_state.
const (
	breakerClosed   = 0
	breakerHalfOpen = 1
	breakerOpen     = 2
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestbridge_breaker_state",
		Help: "Breaker state per breaker: 0 closed, 1 half-open, 2 open",
	}, []string{"breaker"})

	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_breaker_trips_total",
		Help: "Transitions of a breaker into the open state, by reason",
	}, []string{"breaker", "reason"})

	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_breaker_rejections_total",
		Help: "Requests refused without reaching the backend because the breaker was open",
	}, []string{"breaker"})
)

// SetCircuitBreakerState publishes the state ("closed", "half-open" or
// "open") of the named breaker. Unknown states are ignored.
func SetCircuitBreakerState(name, state string) {
	var v float64
	switch state {
	case "closed":
		v = breakerClosed
	case "half-open":
		v = breakerHalfOpen
	case "open":
		v = breakerOpen
	default:
		return
	}
	breakerState.WithLabelValues(name).Set(v)
}

func RecordCircuitBreakerTrip(name, reason string) {
	breakerTrips.WithLabelValues(name, reason).Inc()
}

func RecordBreakerRejection(name string) {
	breakerRejections.WithLabelValues(name).Inc()
}
