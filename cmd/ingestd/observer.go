// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/producer"
)

// logObserver turns stream events into log entries. Pressure and ack
// events are frequent and logged at debug.
type logObserver struct {
	producer.NopObserver
	logger zerolog.Logger
}

func newLogObserver(stream string) *logObserver {
	return &logObserver{
		logger: xglog.WithComponent("stream").With().Str(xglog.FieldStreamName, stream).Logger(),
	}
}

func (o *logObserver) StreamClosed(_ *producer.StreamSession, upload engine.UploadHandle) {
	o.logger.Debug().
		Str(xglog.FieldEvent, "stream.upload_closed").
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Msg("upload closed")
}

func (o *logObserver) StreamConnectionStale(_ *producer.StreamSession, sinceLastAck time.Duration) {
	o.logger.Warn().
		Str(xglog.FieldEvent, "stream.connection_stale").
		Dur(xglog.FieldDuration, sinceLastAck).
		Msg("no acknowledgement received recently")
}

func (o *logObserver) StreamLatencyPressure(_ *producer.StreamSession, bufferDuration time.Duration) {
	o.logger.Debug().
		Str(xglog.FieldEvent, "stream.latency_pressure").
		Dur(xglog.FieldDuration, bufferDuration).
		Msg("buffer latency above target")
}

func (o *logObserver) FragmentAckReceived(_ *producer.StreamSession, upload engine.UploadHandle, ack engine.FragmentAck) {
	o.logger.Debug().
		Str(xglog.FieldEvent, "stream.fragment_ack").
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Str("ack", ack.Type.String()).
		Dur(xglog.FieldTimecode, ack.Timecode).
		Msg("fragment acknowledged")
}

func (o *logObserver) DroppedFrameReport(_ *producer.StreamSession, timecode time.Duration) {
	o.logger.Warn().
		Str(xglog.FieldEvent, "stream.frame_dropped").
		Dur(xglog.FieldTimecode, timecode).
		Msg("engine dropped a frame")
}

func (o *logObserver) DroppedFragmentReport(_ *producer.StreamSession, timecode time.Duration) {
	o.logger.Warn().
		Str(xglog.FieldEvent, "stream.fragment_dropped").
		Dur(xglog.FieldTimecode, timecode).
		Msg("engine dropped a fragment")
}

func (o *logObserver) StreamErrorReport(_ *producer.StreamSession, upload engine.UploadHandle, fragmentTimecode time.Duration, status engine.Status) {
	o.logger.Error().
		Str(xglog.FieldEvent, "stream.error").
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Dur(xglog.FieldTimecode, fragmentTimecode).
		Str(xglog.FieldStatus, status.String()).
		Msg("stream error reported")
}
