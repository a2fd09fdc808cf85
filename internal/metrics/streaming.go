// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics holds the Prometheus collectors of the ingest bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallbacksTotal counts engine callbacks by name and dispatch result.
	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_callbacks_total",
		Help: "Engine callbacks dispatched by callback name and result (ok, unknown_handle, deferred, error)",
	}, []string{"callback", "result"})

	// FramesTotal counts frame submissions by result.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_frames_total",
		Help: "Frames submitted to the engine by result",
	}, []string{"result"})

	// FrameBytesTotal counts payload bytes accepted by the engine.
	FrameBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestbridge_frame_bytes_total",
		Help: "Frame payload bytes accepted by the engine",
	})

	// StreamsActive tracks registered stream sessions.
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestbridge_streams_active",
		Help: "Stream sessions currently registered with the client",
	})

	// StreamTransitionsTotal counts lifecycle transitions of stream sessions.
	StreamTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_stream_transitions_total",
		Help: "Stream session state transitions",
	}, []string{"state_from", "state_to"})

	// DataChannelsOpen tracks data channels not yet closed.
	DataChannelsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestbridge_data_channels_open",
		Help: "Data channels currently open",
	})

	// DataChannelBytesTotal counts bytes drained from the engine by consumers.
	DataChannelBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestbridge_data_channel_bytes_total",
		Help: "Bytes read through data channels",
	})

	// DataChannelIdleWaitsTotal counts bounded waits that expired without a notification.
	DataChannelIdleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestbridge_data_channel_idle_waits_total",
		Help: "Data channel waits that elapsed without a data-available notification",
	})

	// ObserverPanicsTotal counts panics recovered from stream observers.
	ObserverPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestbridge_observer_panics_total",
		Help: "Panics recovered while invoking stream observers",
	}, []string{"callback"})

	// SyncWaitDuration tracks how long synchronous wrappers blocked.
	SyncWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestbridge_sync_wait_seconds",
		Help:    "Time spent in createSync/createStreamSync/stopStreamSync waits",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op", "result"})
)

// RecordCallback records one dispatched engine callback.
func RecordCallback(callback, result string) {
	CallbacksTotal.WithLabelValues(callback, result).Inc()
}

// RecordFrame records a frame submission outcome.
func RecordFrame(result string, size int) {
	FramesTotal.WithLabelValues(result).Inc()
	if result == "ok" && size > 0 {
		FrameBytesTotal.Add(float64(size))
	}
}

// RecordStreamTransition records a lifecycle transition.
func RecordStreamTransition(from, to string) {
	StreamTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveSyncWait records the blocking time of a synchronous wrapper.
func ObserveSyncWait(op, result string, d time.Duration) {
	SyncWaitDuration.WithLabelValues(op, result).Observe(d.Seconds())
}
