// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/ingestbridge/internal/engine"
)

// fakeEngine is a scripted engine. Callbacks are only delivered when a test
// invokes them through cb(); nothing runs on background goroutines.
type fakeEngine struct {
	mu sync.Mutex

	version        uint32
	callbacks      engine.Callbacks
	next           uint64
	readyInline    bool
	createClientFn func() (engine.Handle, error)
	createStreamFn func(info engine.StreamInfo) (engine.Handle, error)
	freeStreamErr  error
	freeClientErr  error
	putFrameErr    error
	metricsErr     error
	// resultHook runs before a result is recorded, outside the engine lock.
	resultHook func(name string)
	// freeClientHook runs inside FreeClient, outside the engine lock.
	freeClientHook func()

	streams map[engine.Handle]engine.StreamInfo
	uploads map[engine.UploadHandle]*fakeUpload
	frames  map[engine.Handle]int
	calls   []string
	results []string
}

type fakeUpload struct {
	data []byte
	eos  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		version: engine.ExpectedVersion,
		streams: make(map[engine.Handle]engine.StreamInfo),
		uploads: make(map[engine.UploadHandle]*fakeUpload),
		frames:  make(map[engine.Handle]int),
	}
}

func (f *fakeEngine) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) cb() engine.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks
}

func (f *fakeEngine) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// feed queues bytes for an upload.
func (f *fakeEngine) feed(upload engine.UploadHandle, data []byte, eos bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[upload]
	if !ok {
		u = &fakeUpload{}
		f.uploads[upload] = u
	}
	u.data = append(u.data, data...)
	u.eos = u.eos || eos
}

func (f *fakeEngine) Version() uint32 { return f.version }

func (f *fakeEngine) CreateClient(_ engine.DeviceInfo, cb engine.Callbacks) (engine.Handle, error) {
	f.mu.Lock()
	f.callbacks = cb
	f.record("create_client")
	fn := f.createClientFn
	inline := f.readyInline
	f.next++
	h := engine.Handle(f.next)
	f.mu.Unlock()

	if fn != nil {
		return fn()
	}
	if inline {
		// The handle is not published yet; the bridge must accept this.
		if err := cb.ClientReady(h); err != nil {
			return engine.InvalidHandle, err
		}
	}
	return h, nil
}

func (f *fakeEngine) FreeClient(engine.Handle) error {
	f.mu.Lock()
	hook := f.freeClientHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("free_client")
	return f.freeClientErr
}

func (f *fakeEngine) StopStreams(engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop_streams")
	return nil
}

func (f *fakeEngine) ClientMetrics(engine.Handle) (engine.ClientMetrics, error) {
	return engine.ClientMetrics{ContentStoreSize: 1 << 20}, nil
}

func (f *fakeEngine) CreateStream(_ engine.Handle, info engine.StreamInfo) (engine.Handle, error) {
	f.mu.Lock()
	f.record("create_stream")
	fn := f.createStreamFn
	f.mu.Unlock()
	if fn != nil {
		return fn(info)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := engine.Handle(f.next)
	f.streams[h] = info
	return h, nil
}

func (f *fakeEngine) StopStream(engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop_stream")
	return nil
}

func (f *fakeEngine) FreeStream(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("free_stream")
	delete(f.streams, h)
	return f.freeStreamErr
}

func (f *fakeEngine) StreamMetrics(engine.Handle) (engine.StreamMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stream_metrics")
	if f.metricsErr != nil {
		return engine.StreamMetrics{}, f.metricsErr
	}
	return engine.StreamMetrics{CurrentViewSize: 4096, CurrentFrameRate: 25}, nil
}

func (f *fakeEngine) PutFrame(h engine.Handle, _ engine.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("put_frame")
	if f.putFrameErr != nil {
		return f.putFrameErr
	}
	f.frames[h]++
	return nil
}

func (f *fakeEngine) PutFragmentMetadata(engine.Handle, string, string, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("put_fragment_metadata")
	return nil
}

func (f *fakeEngine) FragmentAck(engine.Handle, engine.UploadHandle, engine.FragmentAck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fragment_ack")
	return nil
}

func (f *fakeEngine) ParseFragmentAck(engine.Handle, engine.UploadHandle, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("parse_fragment_ack")
	return nil
}

func (f *fakeEngine) StreamFormatChanged(engine.Handle, []byte, uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stream_format_changed")
	return nil
}

func (f *fakeEngine) StreamTerminated(engine.Handle, engine.UploadHandle, engine.ServiceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stream_terminated")
	return nil
}

func (f *fakeEngine) GetStreamData(_ engine.Handle, upload engine.UploadHandle, buf []byte) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[upload]
	if !ok {
		return 0, false, nil
	}
	n := copy(buf, u.data)
	u.data = u.data[n:]
	return n, u.eos && len(u.data) == 0, nil
}

func (f *fakeEngine) result(name string) error {
	f.mu.Lock()
	hook := f.resultHook
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, name)
	f.record(name + "_result")
	return nil
}

// callOrder returns the position of the first call named call, -1 if absent.
func (f *fakeEngine) callOrder(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func (f *fakeEngine) CreateStreamResult(engine.Handle, engine.ServiceStatus, string) error {
	return f.result("create_stream")
}

func (f *fakeEngine) DescribeStreamResult(engine.Handle, engine.ServiceStatus, *engine.StreamDescription) error {
	return f.result("describe_stream")
}

func (f *fakeEngine) GetStreamingEndpointResult(engine.Handle, engine.ServiceStatus, string) error {
	return f.result("get_streaming_endpoint")
}

func (f *fakeEngine) GetStreamingTokenResult(engine.Handle, engine.ServiceStatus, engine.Credential) error {
	return f.result("get_streaming_token")
}

func (f *fakeEngine) PutStreamResult(engine.Handle, engine.ServiceStatus, engine.UploadHandle) error {
	return f.result("put_stream")
}

func (f *fakeEngine) TagResourceResult(engine.Handle, engine.ServiceStatus) error {
	return f.result("tag_resource")
}

func (f *fakeEngine) CreateDeviceResult(engine.Handle, engine.ServiceStatus, string) error {
	return f.result("create_device")
}

func (f *fakeEngine) DeviceCertToTokenResult(engine.Handle, engine.ServiceStatus, engine.Credential) error {
	return f.result("device_cert_to_token")
}

var _ engine.Engine = (*fakeEngine)(nil)

var errBoom = errors.New("boom")

func testDevice() engine.DeviceInfo {
	return engine.DeviceInfo{Name: "camera-1", StorageSize: 1 << 20, StreamCount: 4}
}

func testStream(name string) engine.StreamInfo {
	return engine.StreamInfo{
		Name:        name,
		ContentType: "video/h264",
		FrameRate:   25,
		Retention:   time.Hour,
	}
}

func newTestClient(t *testing.T, fe *fakeEngine, opts ...Option) *Client {
	t.Helper()
	lib := engine.NewLibrary(func() (engine.Engine, error) { return fe, nil })
	opts = append([]Option{WithLogger(zerolog.Nop()), WithDataChannelWait(50 * time.Millisecond)}, opts...)
	return NewClient(lib, opts...)
}

// readyClient returns a created client that already received ClientReady.
func readyClient(t *testing.T, fe *fakeEngine, opts ...Option) *Client {
	t.Helper()
	c := newTestClient(t, fe, opts...)
	require.NoError(t, c.Create(testDevice()))
	require.NoError(t, fe.cb().ClientReady(c.Handle()))
	require.True(t, c.IsReady())
	return c
}
