// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"time"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
)

// Event handlers below run under the client's CallbackLock. Each one updates
// the session first and then tells the observer.

func (s *StreamSession) streamReady() error {
	if moved, err := s.lifecycle.fire(eventReady); err != nil {
		// Ready after a stop request or a reconnect; nothing to change.
		s.logger.Debug().Err(err).
			Str(xglog.FieldEvent, "stream.ready_late").
			Msg("ready notification in a later state")
	} else if moved {
		s.logger.Info().
			Str(xglog.FieldEvent, "stream.ready").
			Msg("stream ready")
	}
	s.readyLatch.Release()
	s.notifyObserver("stream_ready", func(o StreamObserver) { o.StreamReady(s) })
	return nil
}

// streamClosed closes the channel of upload and remembers the upload as
// ended, so a later GetDataStream cannot reopen it. InvalidUploadHandle means
// the whole stream closed: every channel is closed and the stream is stopped.
// Otherwise the stream is stopped once a stop was requested and no channel
// remains.
func (s *StreamSession) streamClosed(upload engine.UploadHandle) error {
	s.mu.Lock()
	if upload == engine.InvalidUploadHandle {
		s.closeAllChannelsLocked()
		clear(s.available)
	} else {
		if ch, ok := s.channels[upload]; ok {
			_ = ch.Close()
			delete(s.channels, upload)
		}
		if !s.freed {
			s.rememberClosedLocked(upload)
		}
		delete(s.available, upload)
	}
	remaining := len(s.channels)
	s.mu.Unlock()

	if upload == engine.InvalidUploadHandle || (remaining == 0 && s.State() == StateStopping) {
		if moved, _ := s.lifecycle.fire(eventClose); moved {
			s.logger.Info().
				Str(xglog.FieldEvent, "stream.stopped").
				Msg("stream stopped")
		}
		s.stoppedLatch.Release()
	}

	s.logger.Debug().
		Str(xglog.FieldEvent, "stream.closed").
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Int("open_channels", remaining).
		Msg("upload closed")
	s.notifyObserver("stream_closed", func(o StreamObserver) { o.StreamClosed(s, upload) })
	return nil
}

func (s *StreamSession) streamDataAvailable(upload engine.UploadHandle, duration time.Duration, size uint64) error {
	s.mu.Lock()
	if !s.freed && upload != engine.InvalidUploadHandle {
		if ch, ok := s.channels[upload]; ok {
			ch.notify(size)
		} else if _, ended := s.closed[upload]; !ended {
			s.available[upload] = size
		}
	}
	s.mu.Unlock()

	s.notifyObserver("stream_data_available", func(o StreamObserver) {
		o.StreamDataAvailable(s, upload, duration, size)
	})
	return nil
}

func (s *StreamSession) streamUnderflowReport() error {
	s.logger.Debug().
		Str(xglog.FieldEvent, "stream.underflow").
		Msg("stream buffer underflow")
	s.notifyObserver("stream_underflow_report", func(o StreamObserver) { o.StreamUnderflowReport(s) })
	return nil
}

func (s *StreamSession) bufferDurationOverflowPressure(remaining time.Duration) error {
	s.logger.Warn().
		Str(xglog.FieldEvent, "stream.buffer_pressure").
		Dur("remaining", remaining).
		Msg("buffer duration near its limit")
	s.notifyObserver("buffer_duration_overflow_pressure", func(o StreamObserver) {
		o.BufferDurationOverflowPressure(s, remaining)
	})
	return nil
}

func (s *StreamSession) streamLatencyPressure(bufferDuration time.Duration) error {
	s.logger.Warn().
		Str(xglog.FieldEvent, "stream.latency_pressure").
		Dur("buffer_duration", bufferDuration).
		Msg("stream latency above threshold")
	s.notifyObserver("stream_latency_pressure", func(o StreamObserver) {
		o.StreamLatencyPressure(s, bufferDuration)
	})
	return nil
}

func (s *StreamSession) streamConnectionStale(sinceLastAck time.Duration) error {
	s.logger.Warn().
		Str(xglog.FieldEvent, "stream.connection_stale").
		Dur("since_last_ack", sinceLastAck).
		Msg("no acks received recently")
	s.notifyObserver("stream_connection_stale", func(o StreamObserver) {
		o.StreamConnectionStale(s, sinceLastAck)
	})
	return nil
}

func (s *StreamSession) fragmentAckReceived(upload engine.UploadHandle, ack engine.FragmentAck) error {
	s.logger.Trace().
		Str(xglog.FieldEvent, "stream.ack").
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Stringer("ack_type", ack.Type).
		Dur(xglog.FieldTimecode, ack.Timecode).
		Msg("fragment ack")
	s.notifyObserver("fragment_ack_received", func(o StreamObserver) {
		o.FragmentAckReceived(s, upload, ack)
	})
	return nil
}

func (s *StreamSession) droppedFrameReport(timecode time.Duration) error {
	s.logger.Warn().
		Str(xglog.FieldEvent, "stream.frame_dropped").
		Dur(xglog.FieldTimecode, timecode).
		Msg("engine dropped a frame")
	s.notifyObserver("dropped_frame_report", func(o StreamObserver) { o.DroppedFrameReport(s, timecode) })
	return nil
}

func (s *StreamSession) droppedFragmentReport(timecode time.Duration) error {
	s.logger.Warn().
		Str(xglog.FieldEvent, "stream.fragment_dropped").
		Dur(xglog.FieldTimecode, timecode).
		Msg("engine dropped a fragment")
	s.notifyObserver("dropped_fragment_report", func(o StreamObserver) { o.DroppedFragmentReport(s, timecode) })
	return nil
}

// streamErrorReport never changes the lifecycle state; recovery is up to the
// engine and the observer.
func (s *StreamSession) streamErrorReport(upload engine.UploadHandle, fragmentTimecode time.Duration, status engine.Status) error {
	s.logger.Error().
		Str(xglog.FieldEvent, "stream.error").
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Dur(xglog.FieldTimecode, fragmentTimecode).
		Stringer(xglog.FieldStatus, status).
		Msg("engine reported a stream error")
	s.notifyObserver("stream_error_report", func(o StreamObserver) {
		o.StreamErrorReport(s, upload, fragmentTimecode, status)
	})
	return nil
}
