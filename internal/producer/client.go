// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package producer bridges an application to the handle-based ingestion
// engine: a Client owns the engine client handle and the stream registry,
// StreamSessions own stream handles, and DataChannels hand upload bytes to a
// transport.
package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/metrics"
)

type engineRef struct {
	eng engine.Engine
}

// Client is the root session: one engine client handle and its streams.
type Client struct {
	lib    *engine.Library
	opts   options
	logger zerolog.Logger

	structural StructuralLock
	callbacks  CallbackLock

	eng        atomic.Pointer[engineRef]
	handle     atomic.Uint64
	creating   atomic.Bool
	ready      atomic.Bool
	readyLatch atomic.Pointer[latch]
	// pending is the client handle claimed by the first client-scoped
	// callback while Create is still inside the engine.
	pending atomic.Uint64

	// results is held shared by every result entry point while it is inside
	// the engine. Free takes it exclusively before freeing the handle.
	results sync.RWMutex
	freeing atomic.Int32

	registry *streamRegistry
	inbound  *engineCallbacks
}

// NewClient returns an uninitialised client. The engine is not loaded until
// Create.
func NewClient(lib *engine.Library, opts ...Option) *Client {
	o := options{dataWait: DefaultDataWait}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasLogger {
		o.logger = xglog.WithComponent("producer")
	}
	c := &Client{
		lib:      lib,
		opts:     o,
		logger:   o.logger,
		registry: newStreamRegistry(),
	}
	c.readyLatch.Store(newLatch())
	c.inbound = &engineCallbacks{c: c}
	if o.service != nil {
		o.service.Bind(c)
	}
	return c
}

// Handle returns the engine client handle, InvalidHandle when uninitialised.
func (c *Client) Handle() engine.Handle {
	return engine.Handle(c.handle.Load())
}

// IsInitialized reports whether the engine has allocated a client handle.
func (c *Client) IsInitialized() bool {
	return c.Handle().Valid()
}

// IsReady reports whether the engine acknowledged the client.
func (c *Client) IsReady() bool {
	return c.IsInitialized() && c.ready.Load()
}

func (c *Client) loadedEngine() engine.Engine {
	if ref := c.eng.Load(); ref != nil {
		return ref.eng
	}
	return nil
}

// Create loads the engine (once per Library) and allocates a client handle.
func (c *Client) Create(device engine.DeviceInfo) error {
	if err := device.Validate(); err != nil {
		return preconditionf("create client: %v", err)
	}
	return c.structural.Do(func(StructuralScope) error {
		if c.IsInitialized() {
			return invalidStatef("client already initialized with handle %s", c.Handle())
		}
		eng, err := c.lib.Acquire()
		if err != nil {
			c.logger.Error().Err(err).
				Str(xglog.FieldEvent, "client.init_failed").
				Msg("engine initialization failed")
			return err
		}
		c.eng.Store(&engineRef{eng: eng})
		c.ready.Store(false)
		c.readyLatch.Store(newLatch())

		// The ready callback may arrive before CreateClient returns.
		c.pending.Store(uint64(engine.InvalidHandle))
		c.creating.Store(true)
		defer c.creating.Store(false)

		h, err := eng.CreateClient(device, c.inbound)
		if err != nil {
			return engineErr("create client", err)
		}
		if !h.Valid() {
			return invalidOperationf("engine returned an invalid client handle")
		}
		if p := engine.Handle(c.pending.Load()); p.Valid() && p != h {
			c.logger.Warn().
				Str(xglog.FieldEvent, "client.handle_mismatch").
				Stringer(xglog.FieldClientHandle, h).
				Stringer("callback_handle", p).
				Msg("callbacks during create named a different client handle")
		}
		c.handle.Store(uint64(h))
		c.logger.Info().
			Str(xglog.FieldEvent, "client.created").
			Stringer(xglog.FieldClientHandle, h).
			Str(xglog.FieldDeviceName, device.Name).
			Msg("engine client created")
		return nil
	})
}

// CreateSync creates the client and waits for the engine's ready callback.
func (c *Client) CreateSync(ctx context.Context, device engine.DeviceInfo) error {
	if err := c.Create(device); err != nil {
		return err
	}
	return c.AwaitReady(ctx)
}

// AwaitReady blocks until the client-ready callback or ctx expiry.
func (c *Client) AwaitReady(ctx context.Context) error {
	return c.readyLatch.Load().await(ctx, "client_ready")
}

// CreateStream allocates a stream handle and registers its session. The engine
// call and the registration form one structural step, and callbacks for the
// new handle that race with it are replayed rather than dropped.
func (c *Client) CreateStream(info engine.StreamInfo, observer StreamObserver) (*StreamSession, error) {
	if err := info.Validate(); err != nil {
		return nil, preconditionf("create stream: %v", err)
	}

	var (
		s      *StreamSession
		handle engine.Handle
	)
	err := c.structural.Do(func(scope StructuralScope) error {
		if !c.IsInitialized() {
			return preconditionf("create stream %q: client not initialized", info.Name)
		}
		eng := c.loadedEngine()

		c.registry.beginCreate(scope)
		h, err := eng.CreateStream(c.Handle(), info)
		if err != nil {
			c.dropParked(c.registry.abortCreate(scope))
			return engineErr("create stream", err)
		}
		if !h.Valid() {
			c.dropParked(c.registry.abortCreate(scope))
			return invalidOperationf("engine returned an invalid handle for stream %q", info.Name)
		}

		s = newStreamSession(c, h, info, observer)
		n, err := c.registry.commitCreate(scope, h, s)
		if err != nil {
			// The engine handed out a live handle twice; release ours.
			_ = eng.FreeStream(h)
			return invalidOperationf("register stream %q: %v", info.Name, err)
		}
		metrics.StreamsActive.Set(float64(n))
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.drainParked(handle, s)
	s.logger.Info().
		Str(xglog.FieldEvent, "stream.created").
		Msg("stream session created")
	return s, nil
}

// CreateStreamSync creates a stream and waits until it is ready.
func (c *Client) CreateStreamSync(ctx context.Context, info engine.StreamInfo, observer StreamObserver) (*StreamSession, error) {
	s, err := c.CreateStream(info, observer)
	if err != nil {
		return nil, err
	}
	if err := s.AwaitReady(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// FreeStream releases the session's channels, frees the engine handle and
// unregisters the session. It is a no-op once the client is uninitialised or
// the session was already freed. The registry entry is removed even if the
// engine call fails.
func (c *Client) FreeStream(s *StreamSession) error {
	if s == nil {
		return preconditionf("free stream: nil session")
	}
	return c.structural.Do(func(scope StructuralScope) error {
		return c.freeStreamLocked(scope, s)
	})
}

func (c *Client) freeStreamLocked(scope StructuralScope, s *StreamSession) (err error) {
	if !c.IsInitialized() {
		return nil
	}
	if !c.registry.owns(s) {
		return nil
	}
	h := s.Handle()

	defer func() {
		_, n := c.registry.remove(scope, s)
		metrics.StreamsActive.Set(float64(n))
		ev := s.logger.Info()
		if err != nil {
			ev = s.logger.Warn().Err(err)
		}
		ev.Str(xglog.FieldEvent, "stream.freed").Msg("stream session freed")
	}()

	s.streamFreed()
	return engineErr("free stream", c.loadedEngine().FreeStream(h))
}

// FreeStreams frees every registered stream and clears the registry
// regardless of individual failures.
func (c *Client) FreeStreams() error {
	return c.structural.Do(func(scope StructuralScope) error {
		return c.freeStreamsLocked(scope)
	})
}

func (c *Client) freeStreamsLocked(scope StructuralScope) error {
	var errs []error
	for _, s := range c.registry.snapshot() {
		if err := c.freeStreamLocked(scope, s); err != nil {
			errs = append(errs, err)
		}
	}
	c.registry.clear(scope)
	metrics.StreamsActive.Set(0)
	return errors.Join(errs...)
}

// Free releases the client handle. Streams still registered are freed first.
// The handle is marked invalid even if the engine call fails.
//
// Free waits for result calls already inside the engine and rejects new ones
// until it returns. It must not be called from inside a result call or a
// stream callback.
func (c *Client) Free() error {
	c.results.Lock()
	c.freeing.Add(1)
	c.results.Unlock()
	defer c.freeing.Add(-1)

	return c.structural.Do(func(scope StructuralScope) error {
		if !c.IsInitialized() {
			return preconditionf("free client: not initialized")
		}
		var errs []error
		if c.registry.count() > 0 {
			c.logger.Warn().
				Str(xglog.FieldEvent, "client.free_with_streams").
				Int("streams", c.registry.count()).
				Msg("freeing client with registered streams")
			if err := c.freeStreamsLocked(scope); err != nil {
				errs = append(errs, err)
			}
		}

		h := c.Handle()
		err := c.loadedEngine().FreeClient(h)
		c.handle.Store(uint64(engine.InvalidHandle))
		c.ready.Store(false)
		if err != nil {
			errs = append(errs, engineErr("free client", err))
		}
		c.logger.Info().
			Str(xglog.FieldEvent, "client.freed").
			Stringer(xglog.FieldClientHandle, h).
			Msg("engine client freed")
		return errors.Join(errs...)
	})
}

// StreamByHandle resolves a registered stream session.
func (c *Client) StreamByHandle(h engine.Handle) (*StreamSession, error) {
	if s, ok := c.registry.lookup(h); ok {
		return s, nil
	}
	return nil, invalidOperationf("unknown stream handle %s", h)
}

// Streams returns a snapshot of the registered sessions.
func (c *Client) Streams() []*StreamSession {
	return c.registry.snapshot()
}

// require checks the forwarder preconditions and returns the engine.
func (c *Client) require(op string, stream engine.Handle) (engine.Engine, error) {
	if !c.IsInitialized() {
		return nil, preconditionf("%s: client not initialized", op)
	}
	if !stream.Valid() {
		return nil, preconditionf("%s: invalid stream handle", op)
	}
	eng := c.loadedEngine()
	if eng == nil {
		return nil, preconditionf("%s: engine not loaded", op)
	}
	return eng, nil
}

// PutFrame submits one frame to the stream.
func (c *Client) PutFrame(stream engine.Handle, frame engine.Frame) error {
	eng, err := c.require("put frame", stream)
	if err != nil {
		return err
	}
	if len(frame.Data) == 0 {
		return preconditionf("put frame: empty frame")
	}
	return engineErr("put frame", eng.PutFrame(stream, frame))
}

// PutFragmentMetadata attaches a name/value tag to the current or every
// following fragment when persistent.
func (c *Client) PutFragmentMetadata(stream engine.Handle, name, value string, persistent bool) error {
	eng, err := c.require("put fragment metadata", stream)
	if err != nil {
		return err
	}
	if name == "" {
		return preconditionf("put fragment metadata: empty name")
	}
	return engineErr("put fragment metadata", eng.PutFragmentMetadata(stream, name, value, persistent))
}

// FragmentAck passes a decoded service acknowledgement for upload to the engine.
func (c *Client) FragmentAck(stream engine.Handle, upload engine.UploadHandle, ack engine.FragmentAck) error {
	eng, err := c.require("fragment ack", stream)
	if err != nil {
		return err
	}
	if ack.Type == engine.AckUndefined {
		return preconditionf("fragment ack: undefined ack type")
	}
	return engineErr("fragment ack", eng.FragmentAck(stream, upload, ack))
}

// ParseFragmentAck passes a raw JSON acknowledgement for upload to the engine.
func (c *Client) ParseFragmentAck(stream engine.Handle, upload engine.UploadHandle, ack string) error {
	eng, err := c.require("parse fragment ack", stream)
	if err != nil {
		return err
	}
	if ack == "" {
		return preconditionf("parse fragment ack: empty ack")
	}
	return engineErr("parse fragment ack", eng.ParseFragmentAck(stream, upload, ack))
}

// GetStreamData copies pending upload bytes into buf and reports end-of-stream.
func (c *Client) GetStreamData(stream engine.Handle, upload engine.UploadHandle, buf []byte) (int, bool, error) {
	eng, err := c.require("get stream data", stream)
	if err != nil {
		return 0, false, err
	}
	if buf == nil {
		return 0, false, preconditionf("get stream data: nil buffer")
	}
	n, eos, err := eng.GetStreamData(stream, upload, buf)
	return n, eos, engineErr("get stream data", err)
}

// StreamFormatChanged replaces the codec private data of trackID.
func (c *Client) StreamFormatChanged(stream engine.Handle, codecPrivateData []byte, trackID uint64) error {
	eng, err := c.require("stream format changed", stream)
	if err != nil {
		return err
	}
	if codecPrivateData == nil {
		return preconditionf("stream format changed: nil codec private data")
	}
	return engineErr("stream format changed", eng.StreamFormatChanged(stream, codecPrivateData, trackID))
}

// StreamTerminated tells the engine that upload ended with status.
// InvalidUploadHandle resets the current connection.
func (c *Client) StreamTerminated(stream engine.Handle, upload engine.UploadHandle, status engine.ServiceStatus) error {
	eng, err := c.require("stream terminated", stream)
	if err != nil {
		return err
	}
	return engineErr("stream terminated", eng.StreamTerminated(stream, upload, status))
}

// StopStream asks the engine to flush the stream and close it.
func (c *Client) StopStream(stream engine.Handle) error {
	eng, err := c.require("stop stream", stream)
	if err != nil {
		return err
	}
	return engineErr("stop stream", eng.StopStream(stream))
}

// Metrics returns engine-wide buffer statistics.
func (c *Client) Metrics() (engine.ClientMetrics, error) {
	if !c.IsInitialized() {
		return engine.ClientMetrics{}, preconditionf("client metrics: client not initialized")
	}
	m, err := c.loadedEngine().ClientMetrics(c.Handle())
	return m, engineErr("client metrics", err)
}

// StreamMetrics returns buffer statistics of one stream.
func (c *Client) StreamMetrics(stream engine.Handle) (engine.StreamMetrics, error) {
	eng, err := c.require("stream metrics", stream)
	if err != nil {
		return engine.StreamMetrics{}, err
	}
	m, err := eng.StreamMetrics(stream)
	return m, engineErr("stream metrics", err)
}
