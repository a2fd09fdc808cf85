// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serviceCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_service_calls_total",
		Help: "Out-of-band service calls by call name and reported status class",
	}, []string{"call", "status"})

	serviceCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestbridge_service_call_duration_seconds",
		Help:    "Latency of out-of-band service calls, from scheduling to result report",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"call"})

	serviceCallsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestbridge_service_calls_in_flight",
		Help: "Service calls scheduled but not yet reported",
	})

	uploadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_upload_bytes_total",
		Help: "Media bytes handed to the upload backend per stream",
	}, []string{"stream"})
)

// ServiceCallStarted marks a service call as in flight.
func ServiceCallStarted() {
	serviceCallsInFlight.Inc()
}

// ServiceCallFinished records the outcome of a service call.
func ServiceCallFinished(call string, status int, d time.Duration) {
	serviceCallsInFlight.Dec()
	serviceCallsTotal.WithLabelValues(call, statusClass(status)).Inc()
	serviceCallDuration.WithLabelValues(call).Observe(d.Seconds())
}

// AddUploadBytes records media bytes sent for a stream.
func AddUploadBytes(stream string, n int) {
	if n > 0 {
		uploadBytesTotal.WithLabelValues(stream).Add(float64(n))
	}
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
