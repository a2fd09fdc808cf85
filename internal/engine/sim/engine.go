// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package sim is an in-process ingestion engine. It keeps per-stream byte
// buffers, walks every stream through the describe/create/endpoint/token
// service flow and delivers all callbacks from one dispatcher goroutine, in
// order, never from inside the call that caused them.
package sim

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
)

const (
	defaultMaxBuffer   = 8 << 20
	defaultCallTimeout = 5 * time.Second
)

// Options tunes the simulator.
type Options struct {
	Logger *zerolog.Logger
	// MaxBuffer caps the bytes buffered per stream; further frames are dropped.
	MaxBuffer int
	// Provision creates the device through a CreateDevice service call before
	// the client becomes ready.
	Provision bool
	// StaleAfter reports a stale connection when an ack-required upload went
	// this long without an ack. Zero disables the check.
	StaleAfter time.Duration
	// CallTimeout is passed to the application with every service request.
	CallTimeout time.Duration
}

// Engine implements engine.Engine.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	next    uint64
	clients map[engine.Handle]*simClient
	streams map[engine.Handle]*simStream

	qmu    sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

type simClient struct {
	handle    engine.Handle
	device    engine.DeviceInfo
	callbacks engine.Callbacks
	ready     bool
	deviceARN string
	token     engine.Credential
}

var _ engine.Engine = (*Engine)(nil)

// New starts the simulator's dispatcher. Close stops it.
func New(opts Options) *Engine {
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = defaultMaxBuffer
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	logger := xglog.WithComponent("sim")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	e := &Engine{
		opts:    opts,
		logger:  logger,
		clients: make(map[engine.Handle]*simClient),
		streams: make(map[engine.Handle]*simStream),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	e.wg.Add(1)
	go e.dispatch()
	return e
}

// Opener adapts e for engine.NewLibrary.
func (e *Engine) Opener() engine.Opener {
	return func() (engine.Engine, error) { return e, nil }
}

// Close stops the dispatcher. Queued callbacks are discarded.
func (e *Engine) Close() {
	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	close(e.done)
	e.qmu.Unlock()
	e.wg.Wait()
}

func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}
		for {
			fn := e.pop()
			if fn == nil {
				break
			}
			fn()
		}
	}
}

func (e *Engine) pop() func() {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.closed || len(e.queue) == 0 {
		return nil
	}
	fn := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return fn
}

// deliver queues fn for the dispatcher. Safe to call with e.mu held.
func (e *Engine) deliver(fn func()) {
	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		return
	}
	e.queue = append(e.queue, fn)
	e.qmu.Unlock()
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// emit queues a callback. Errors from the bridge are logged; an unknown
// handle after a free is an expected race.
func (e *Engine) emit(callback string, cb engine.Callbacks, fn func(engine.Callbacks) error) {
	e.deliver(func() {
		if err := fn(cb); err != nil {
			e.logger.Debug().Err(err).
				Str(xglog.FieldEvent, "sim.callback_rejected").
				Str(xglog.FieldCallback, callback).
				Msg("bridge rejected callback")
		}
	})
}

func (e *Engine) Version() uint32 { return engine.ExpectedVersion }

func (e *Engine) CreateClient(device engine.DeviceInfo, callbacks engine.Callbacks) (engine.Handle, error) {
	if callbacks == nil {
		return engine.InvalidHandle, engine.NewStatusError("create client", engine.StatusNullArg)
	}
	if err := device.Validate(); err != nil {
		return engine.InvalidHandle, engine.NewStatusError("create client", engine.StatusInvalidArg)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	h := engine.Handle(e.next)
	e.clients[h] = &simClient{handle: h, device: device, callbacks: callbacks}
	e.deliver(func() { e.bootClient(h) })
	return h, nil
}

// bootClient authenticates the client and, if configured, provisions the
// device before reporting ready.
func (e *Engine) bootClient(h engine.Handle) {
	e.mu.Lock()
	c, ok := e.clients[h]
	e.mu.Unlock()
	if !ok {
		return
	}

	if tok, err := c.callbacks.GetSecurityToken(h); err != nil {
		e.logger.Debug().Err(err).
			Str(xglog.FieldEvent, "sim.no_token").
			Stringer(xglog.FieldClientHandle, h).
			Msg("no security token from application, continuing anonymously")
	} else {
		e.mu.Lock()
		c.token = tok
		e.mu.Unlock()
	}

	if e.opts.Provision {
		err := c.callbacks.CreateDevice(engine.CreateDeviceCall{
			Ctx:        e.callContext(h),
			DeviceName: c.device.Name,
		})
		if err != nil {
			e.logger.Error().Err(err).
				Str(xglog.FieldEvent, "sim.provision_failed").
				Stringer(xglog.FieldClientHandle, h).
				Msg("device provisioning could not be requested")
		}
		return
	}
	e.clientReady(h)
}

func (e *Engine) clientReady(h engine.Handle) {
	e.mu.Lock()
	c, ok := e.clients[h]
	if ok {
		c.ready = true
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := c.callbacks.ClientReady(h); err != nil {
		e.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "sim.client_ready_rejected").
			Stringer(xglog.FieldClientHandle, h).
			Msg("bridge rejected client ready")
	}
}

func (e *Engine) callContext(custom engine.Handle) engine.ServiceCallContext {
	return engine.ServiceCallContext{
		Custom:    custom,
		CallAfter: time.Now(),
		Timeout:   e.opts.CallTimeout,
	}
}

func (e *Engine) FreeClient(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.clients[h]; !ok {
		return engine.NewStatusError("free client", engine.StatusInvalidHandle)
	}
	delete(e.clients, h)
	for sh, st := range e.streams {
		if st.client == h {
			delete(e.streams, sh)
		}
	}
	return nil
}

func (e *Engine) StopStreams(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.clients[h]; !ok {
		return engine.NewStatusError("stop streams", engine.StatusInvalidHandle)
	}
	for _, st := range e.streams {
		if st.client == h {
			e.stopLocked(st)
		}
	}
	return nil
}

func (e *Engine) ClientMetrics(h engine.Handle) (engine.ClientMetrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[h]
	if !ok {
		return engine.ClientMetrics{}, engine.NewStatusError("client metrics", engine.StatusInvalidHandle)
	}
	m := engine.ClientMetrics{ContentStoreSize: c.device.StorageSize}
	for _, st := range e.streams {
		if st.client != h {
			continue
		}
		m.ContentStoreAllocatedSize += uint64(st.buffered())
		m.TotalContentViewsSize += st.totalBytes
		m.TotalFrameRate += uint64(st.info.FrameRate)
		m.TotalTransferRate += st.sentBytes
	}
	if m.ContentStoreSize > m.ContentStoreAllocatedSize {
		m.ContentStoreAvailableSize = m.ContentStoreSize - m.ContentStoreAllocatedSize
	}
	return m, nil
}

func (e *Engine) CreateDeviceResult(h engine.Handle, status engine.ServiceStatus, deviceARN string) error {
	e.mu.Lock()
	c, ok := e.clients[h]
	if ok && status.OK() {
		c.deviceARN = deviceARN
	}
	e.mu.Unlock()
	if !ok {
		return engine.NewStatusError("create device result", engine.StatusInvalidHandle)
	}
	if !status.OK() {
		e.logger.Error().
			Str(xglog.FieldEvent, "sim.provision_failed").
			Stringer(xglog.FieldClientHandle, h).
			Int(xglog.FieldStatus, int(status)).
			Msg("device provisioning failed")
		return nil
	}
	e.deliver(func() { e.clientReady(h) })
	return nil
}

func (e *Engine) DeviceCertToTokenResult(h engine.Handle, status engine.ServiceStatus, token engine.Credential) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[h]
	if !ok {
		return engine.NewStatusError("device cert to token result", engine.StatusInvalidHandle)
	}
	if status.OK() {
		c.token = token
	}
	return nil
}

// TagResourceResult only checks that custom names a live stream or client.
func (e *Engine) TagResourceResult(custom engine.Handle, status engine.ServiceStatus) error {
	e.mu.Lock()
	_, isStream := e.streams[custom]
	_, isClient := e.clients[custom]
	e.mu.Unlock()
	if !isStream && !isClient {
		return engine.NewStatusError("tag resource result", engine.StatusInvalidHandle)
	}
	if !status.OK() {
		e.logger.Warn().
			Str(xglog.FieldEvent, "sim.tagging_failed").
			Stringer(xglog.FieldStreamHandle, custom).
			Int(xglog.FieldStatus, int(status)).
			Msg("resource tagging failed")
	}
	return nil
}
