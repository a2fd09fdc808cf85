// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"fmt"
	"time"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/metrics"
)

// StreamObserver receives the lifecycle and transport events of one stream.
// Methods run on engine goroutines under the client's CallbackLock, after the
// session's own bookkeeping is done, so they may call back into the session.
// They must not block on the session's latches.
type StreamObserver interface {
	StreamReady(s *StreamSession)
	StreamClosed(s *StreamSession, upload engine.UploadHandle)
	StreamDataAvailable(s *StreamSession, upload engine.UploadHandle, duration time.Duration, size uint64)
	StreamUnderflowReport(s *StreamSession)
	BufferDurationOverflowPressure(s *StreamSession, remaining time.Duration)
	StreamLatencyPressure(s *StreamSession, bufferDuration time.Duration)
	StreamConnectionStale(s *StreamSession, sinceLastAck time.Duration)
	FragmentAckReceived(s *StreamSession, upload engine.UploadHandle, ack engine.FragmentAck)
	DroppedFrameReport(s *StreamSession, timecode time.Duration)
	DroppedFragmentReport(s *StreamSession, timecode time.Duration)
	StreamErrorReport(s *StreamSession, upload engine.UploadHandle, fragmentTimecode time.Duration, status engine.Status)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) StreamReady(*StreamSession)                                                     {}
func (NopObserver) StreamClosed(*StreamSession, engine.UploadHandle)                               {}
func (NopObserver) StreamDataAvailable(*StreamSession, engine.UploadHandle, time.Duration, uint64) {}
func (NopObserver) StreamUnderflowReport(*StreamSession)                                           {}
func (NopObserver) BufferDurationOverflowPressure(*StreamSession, time.Duration)                   {}
func (NopObserver) StreamLatencyPressure(*StreamSession, time.Duration)                            {}
func (NopObserver) StreamConnectionStale(*StreamSession, time.Duration)                            {}
func (NopObserver) FragmentAckReceived(*StreamSession, engine.UploadHandle, engine.FragmentAck)    {}
func (NopObserver) DroppedFrameReport(*StreamSession, time.Duration)                               {}
func (NopObserver) DroppedFragmentReport(*StreamSession, time.Duration)                            {}
func (NopObserver) StreamErrorReport(*StreamSession, engine.UploadHandle, time.Duration, engine.Status) {
}

var _ StreamObserver = NopObserver{}

// notifyObserver runs fn against the observer, if any. A panicking observer
// is logged and counted; it cannot undo bookkeeping already done.
func (s *StreamSession) notifyObserver(callback string, fn func(StreamObserver)) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserverPanicsTotal.WithLabelValues(callback).Inc()
			s.logger.Error().
				Str(xglog.FieldEvent, "observer.panic").
				Str(xglog.FieldCallback, callback).
				Str("panic", fmt.Sprint(r)).
				Msg("stream observer panicked")
		}
	}()
	fn(s.observer)
}
