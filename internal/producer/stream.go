// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ingestbridge/internal/arena"
	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/metrics"
)

// StreamSession is one engine stream: frames go in, upload bytes come out
// through per-upload DataChannels.
type StreamSession struct {
	client   *Client
	info     engine.StreamInfo
	observer StreamObserver
	logger   zerolog.Logger

	ref       arena.Ref
	handle    atomic.Uint64
	lifecycle *streamLifecycle

	readyLatch   *latch
	stoppedLatch *latch

	mu       sync.Mutex
	channels map[engine.UploadHandle]*DataChannel
	// available remembers data notifications for uploads whose channel was
	// not opened yet.
	available map[engine.UploadHandle]uint64
	// closed remembers uploads the engine ended, oldest first in
	// closedOrder.
	closed      map[engine.UploadHandle]struct{}
	closedOrder []engine.UploadHandle
	freed       bool

	metricsMu sync.RWMutex
	snapshot  engine.StreamMetrics
}

func newStreamSession(c *Client, h engine.Handle, info engine.StreamInfo, observer StreamObserver) *StreamSession {
	logger := c.logger.With().
		Stringer(xglog.FieldStreamHandle, h).
		Str(xglog.FieldStreamName, info.Name).
		Logger()
	s := &StreamSession{
		client:       c,
		info:         info,
		observer:     observer,
		logger:       logger,
		lifecycle:    newStreamLifecycle(logger),
		readyLatch:   newLatch(),
		stoppedLatch: newLatch(),
		channels:     make(map[engine.UploadHandle]*DataChannel),
		available:    make(map[engine.UploadHandle]uint64),
		closed:       make(map[engine.UploadHandle]struct{}),
	}
	s.handle.Store(uint64(h))
	return s
}

// Handle returns the stream handle, InvalidHandle once freed.
func (s *StreamSession) Handle() engine.Handle {
	return engine.Handle(s.handle.Load())
}

// Name returns the stream name given at creation.
func (s *StreamSession) Name() string { return s.info.Name }

func (s *StreamSession) Info() engine.StreamInfo { return s.info }

// State returns the current lifecycle state.
func (s *StreamSession) State() StreamState { return s.lifecycle.Current() }

// Metrics returns the last buffer statistics snapshot. It is refreshed on
// every key frame and by RefreshMetrics.
func (s *StreamSession) Metrics() engine.StreamMetrics {
	s.metricsMu.RLock()
	defer s.metricsMu.RUnlock()
	return s.snapshot
}

// RefreshMetrics pulls fresh statistics from the engine.
func (s *StreamSession) RefreshMetrics() (engine.StreamMetrics, error) {
	h, err := s.live("stream metrics")
	if err != nil {
		return engine.StreamMetrics{}, err
	}
	m, err := s.client.StreamMetrics(h)
	if err != nil {
		return engine.StreamMetrics{}, err
	}
	s.metricsMu.Lock()
	s.snapshot = m
	s.metricsMu.Unlock()
	return m, nil
}

// live returns the handle of a session that was not freed.
func (s *StreamSession) live(op string) (engine.Handle, error) {
	h := s.Handle()
	if !h.Valid() {
		return engine.InvalidHandle, invalidStatef("%s: stream %q was freed", op, s.info.Name)
	}
	return h, nil
}

// PutFrame submits one frame. Frames are accepted until the stream stopped.
func (s *StreamSession) PutFrame(frame engine.Frame) error {
	h, err := s.live("put frame")
	if err != nil {
		metrics.RecordFrame("rejected", 0)
		return err
	}
	if st := s.State(); !st.AcceptsFrames() {
		metrics.RecordFrame("rejected", 0)
		return invalidStatef("put frame: stream %q is %s", s.info.Name, st)
	}
	if err := s.client.PutFrame(h, frame); err != nil {
		metrics.RecordFrame("error", 0)
		return err
	}
	metrics.RecordFrame("ok", len(frame.Data))

	if frame.IsKeyFrame() {
		if _, err := s.RefreshMetrics(); err != nil {
			s.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "stream.metrics_failed").
				Msg("could not refresh stream metrics")
		}
	}
	return nil
}

// maxClosedUploads bounds how many ended uploads a session remembers.
const maxClosedUploads = 256

// GetDataStream returns the DataChannel of upload, opening it on first use.
// An upload the engine already closed yields a channel at EOF that is not
// registered with the session.
func (s *StreamSession) GetDataStream(upload engine.UploadHandle) (*DataChannel, error) {
	if upload == engine.InvalidUploadHandle || upload < 0 {
		return nil, preconditionf("get data stream: invalid upload handle %d", upload)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return nil, invalidStatef("get data stream: stream %q was freed", s.info.Name)
	}
	if ch, ok := s.channels[upload]; ok {
		return ch, nil
	}
	ch := newDataChannel(upload, func(buf []byte) (int, bool, error) {
		return s.getStreamData(upload, buf)
	}, s.client.opts.dataWait, s.logger)
	if _, ok := s.closed[upload]; ok {
		_ = ch.Close()
		s.logger.Debug().
			Str(xglog.FieldEvent, "datachannel.already_closed").
			Int64(xglog.FieldUploadHandle, int64(upload)).
			Msg("upload already closed by the engine")
		return ch, nil
	}
	s.channels[upload] = ch
	if size, ok := s.available[upload]; ok {
		delete(s.available, upload)
		ch.notify(size)
	}
	s.logger.Debug().
		Str(xglog.FieldEvent, "datachannel.opened").
		Int64(xglog.FieldUploadHandle, int64(upload)).
		Msg("data channel opened")
	return ch, nil
}

func (s *StreamSession) getStreamData(upload engine.UploadHandle, buf []byte) (int, bool, error) {
	h, err := s.live("get stream data")
	if err != nil {
		return 0, false, err
	}
	return s.client.GetStreamData(h, upload, buf)
}

// FragmentAck hands a decoded acknowledgement for upload to the engine.
func (s *StreamSession) FragmentAck(upload engine.UploadHandle, ack engine.FragmentAck) error {
	h, err := s.live("fragment ack")
	if err != nil {
		return err
	}
	return s.client.FragmentAck(h, upload, ack)
}

// ParseFragmentAck hands a raw JSON acknowledgement for upload to the engine.
func (s *StreamSession) ParseFragmentAck(upload engine.UploadHandle, ack string) error {
	h, err := s.live("parse fragment ack")
	if err != nil {
		return err
	}
	return s.client.ParseFragmentAck(h, upload, ack)
}

// PutFragmentMetadata tags the current fragment, or every following one when
// persistent.
func (s *StreamSession) PutFragmentMetadata(name, value string, persistent bool) error {
	h, err := s.live("put fragment metadata")
	if err != nil {
		return err
	}
	return s.client.PutFragmentMetadata(h, name, value, persistent)
}

// StreamFormatChanged replaces the codec private data of trackID.
func (s *StreamSession) StreamFormatChanged(codecPrivateData []byte, trackID uint64) error {
	h, err := s.live("stream format changed")
	if err != nil {
		return err
	}
	return s.client.StreamFormatChanged(h, codecPrivateData, trackID)
}

// StreamTerminated reports that upload ended with status.
func (s *StreamSession) StreamTerminated(upload engine.UploadHandle, status engine.ServiceStatus) error {
	h, err := s.live("stream terminated")
	if err != nil {
		return err
	}
	return s.client.StreamTerminated(h, upload, status)
}

// ResetConnection asks the engine to drop the current upload and reconnect.
func (s *StreamSession) ResetConnection() error {
	s.logger.Info().
		Str(xglog.FieldEvent, "stream.reset").
		Msg("resetting stream connection")
	return s.StreamTerminated(engine.InvalidUploadHandle, engine.ServiceStatusOK)
}

// StopStream asks the engine to flush and stop. The stream reaches stopped
// once the engine closed it.
func (s *StreamSession) StopStream() error {
	h, err := s.live("stop stream")
	if err != nil {
		return err
	}
	switch s.State() {
	case StateStopped:
		return nil
	case StateStopping:
		// Already requested; ask again.
	default:
		if _, err := s.lifecycle.fire(eventStop); err != nil {
			return err
		}
	}
	s.logger.Info().
		Str(xglog.FieldEvent, "stream.stop").
		Msg("stopping stream")
	return s.client.StopStream(h)
}

// StopStreamSync stops the stream and waits until the engine closed it. The
// data channels are closed on return, also on timeout.
func (s *StreamSession) StopStreamSync(ctx context.Context) error {
	defer s.closeAllChannels()
	if err := s.StopStream(); err != nil {
		return err
	}
	return s.AwaitStopped(ctx)
}

// AwaitReady blocks until the engine reported the stream ready.
func (s *StreamSession) AwaitReady(ctx context.Context) error {
	if err := s.readyLatch.await(ctx, "stream_ready"); err != nil {
		return err
	}
	if s.State() == StateInvalid {
		return invalidStatef("stream %q was freed before it became ready", s.info.Name)
	}
	return nil
}

// AwaitStopped blocks until the stream stopped or was freed.
func (s *StreamSession) AwaitStopped(ctx context.Context) error {
	return s.stoppedLatch.await(ctx, "stream_stopped")
}

// streamFreed invalidates the session: channels are closed and dropped,
// waiters released and the handle cleared. Safe to call more than once.
func (s *StreamSession) streamFreed() {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return
	}
	s.freed = true
	s.closeAllChannelsLocked()
	clear(s.available)
	clear(s.closed)
	s.closedOrder = nil
	s.mu.Unlock()

	_, _ = s.lifecycle.fire(eventFree)
	s.handle.Store(uint64(engine.InvalidHandle))
	s.readyLatch.Release()
	s.stoppedLatch.Release()
}

// rememberClosedLocked records that the engine ended upload.
func (s *StreamSession) rememberClosedLocked(upload engine.UploadHandle) {
	if _, ok := s.closed[upload]; ok {
		return
	}
	if len(s.closedOrder) == maxClosedUploads {
		delete(s.closed, s.closedOrder[0])
		s.closedOrder = s.closedOrder[1:]
	}
	s.closed[upload] = struct{}{}
	s.closedOrder = append(s.closedOrder, upload)
}

func (s *StreamSession) closeAllChannels() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllChannelsLocked()
}

func (s *StreamSession) closeAllChannelsLocked() {
	for upload, ch := range s.channels {
		_ = ch.Close()
		delete(s.channels, upload)
	}
}

// OpenChannels returns the number of data channels not yet closed.
func (s *StreamSession) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}
