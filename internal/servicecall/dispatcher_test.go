// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package servicecall

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/ManuGH/ingestbridge/internal/engine"
	"github.com/ManuGH/ingestbridge/internal/producer"
	"github.com/ManuGH/ingestbridge/internal/resilience"
	"github.com/ManuGH/ingestbridge/internal/telemetry"
)

type result struct {
	call   string
	handle engine.Handle
	status engine.ServiceStatus
	value  any
}

// hostSpy records every result the dispatcher reports.
type hostSpy struct {
	results chan result
}

func newHostSpy() *hostSpy { return &hostSpy{results: make(chan result, 32)} }

func (h *hostSpy) push(call string, handle engine.Handle, status engine.ServiceStatus, v any) error {
	h.results <- result{call: call, handle: handle, status: status, value: v}
	return nil
}

func (h *hostSpy) next(t *testing.T) result {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result reported")
		return result{}
	}
}

func (h *hostSpy) CreateStreamResult(s engine.Handle, st engine.ServiceStatus, arn string) error {
	return h.push("create_stream", s, st, arn)
}
func (h *hostSpy) DescribeStreamResult(s engine.Handle, st engine.ServiceStatus, d *engine.StreamDescription) error {
	return h.push("describe_stream", s, st, d)
}
func (h *hostSpy) GetStreamingEndpointResult(s engine.Handle, st engine.ServiceStatus, ep string) error {
	return h.push("get_streaming_endpoint", s, st, ep)
}
func (h *hostSpy) GetStreamingTokenResult(s engine.Handle, st engine.ServiceStatus, c engine.Credential) error {
	return h.push("get_streaming_token", s, st, c)
}
func (h *hostSpy) PutStreamResult(s engine.Handle, st engine.ServiceStatus, u engine.UploadHandle) error {
	return h.push("put_stream", s, st, u)
}
func (h *hostSpy) TagResourceResult(c engine.Handle, st engine.ServiceStatus) error {
	return h.push("tag_resource", c, st, nil)
}
func (h *hostSpy) CreateDeviceResult(c engine.Handle, st engine.ServiceStatus, arn string) error {
	return h.push("create_device", c, st, arn)
}
func (h *hostSpy) DeviceCertToTokenResult(c engine.Handle, st engine.ServiceStatus, cred engine.Credential) error {
	return h.push("device_cert_to_token", c, st, cred)
}
func (h *hostSpy) StreamByHandle(engine.Handle) (*producer.StreamSession, error) {
	return nil, producer.ErrInvalidOperation
}

// stubBackend delegates to a Loopback unless a hook overrides the call.
type stubBackend struct {
	*Loopback
	describe func(ctx context.Context, name string) (*engine.StreamDescription, error)
	token    func(ctx context.Context, name string) (engine.Credential, error)
	calls    atomic.Int32
}

func newStubBackend() *stubBackend { return &stubBackend{Loopback: NewLoopback(nil, time.Minute)} }

func (b *stubBackend) DescribeStream(ctx context.Context, name string) (*engine.StreamDescription, error) {
	b.calls.Add(1)
	if b.describe != nil {
		return b.describe(ctx, name)
	}
	return b.Loopback.DescribeStream(ctx, name)
}

func (b *stubBackend) GetStreamingToken(ctx context.Context, name string) (engine.Credential, error) {
	b.calls.Add(1)
	if b.token != nil {
		return b.token(ctx, name)
	}
	return b.Loopback.GetStreamingToken(ctx, name)
}

func (b *stubBackend) PutMedia(context.Context, PutMediaRequest, io.Reader, func(string)) error {
	return nil
}

func newTestDispatcher(t *testing.T, b Backend, mutate ...func(*Options)) (*Dispatcher, *hostSpy) {
	t.Helper()
	nop := zerolog.Nop()
	opts := Options{Backend: b, Logger: &nop, Timeout: time.Second}
	for _, m := range mutate {
		m(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	host := newHostSpy()
	d.Bind(host)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, d.Close(ctx))
	})
	return d, host
}

func callCtx(custom engine.Handle) engine.ServiceCallContext {
	return engine.ServiceCallContext{Custom: custom, CallAfter: time.Now()}
}

func TestDispatcher_RequiresBackend(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestDispatcher_UnboundRejects(t *testing.T) {
	defer goleak.VerifyNone(t)
	nop := zerolog.Nop()
	d, err := New(Options{Backend: NewLoopback(nil, 0), Logger: &nop})
	require.NoError(t, err)
	defer func() { _ = d.Close(context.Background()) }()

	err = d.DescribeStream(engine.DescribeStreamCall{Ctx: callCtx(7), StreamName: "cam"})
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestDispatcher_StreamFlow(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, host := newTestDispatcher(t, NewLoopback(nil, time.Minute))

	require.NoError(t, d.DescribeStream(engine.DescribeStreamCall{Ctx: callCtx(7), StreamName: "cam"}))
	r := host.next(t)
	assert.Equal(t, "describe_stream", r.call)
	assert.Equal(t, engine.Handle(7), r.handle)
	assert.Equal(t, engine.ServiceStatusNotFound, r.status)

	require.NoError(t, d.CreateStream(engine.CreateStreamCall{Ctx: callCtx(7), DeviceName: "dev", StreamName: "cam"}))
	r = host.next(t)
	require.Equal(t, engine.ServiceStatusOK, r.status)
	arn := r.value.(string)
	assert.Contains(t, arn, "stream/cam/")

	require.NoError(t, d.TagResource(engine.TagResourceCall{Ctx: callCtx(7), ResourceARN: arn, Tags: []engine.Tag{{Key: "k", Value: "v"}}}))
	assert.Equal(t, engine.ServiceStatusOK, host.next(t).status)

	require.NoError(t, d.GetStreamingEndpoint(engine.GetStreamingEndpointCall{Ctx: callCtx(7), StreamName: "cam", APIName: "PUT_MEDIA"}))
	r = host.next(t)
	assert.Equal(t, engine.ServiceStatusOK, r.status)
	assert.Equal(t, loopbackEndpoint, r.value)

	require.NoError(t, d.GetStreamingToken(engine.GetStreamingTokenCall{Ctx: callCtx(7), StreamName: "cam"}))
	r = host.next(t)
	assert.Equal(t, engine.ServiceStatusOK, r.status)
	assert.NotEmpty(t, r.value.(engine.Credential).Data)
}

func TestDispatcher_DeviceCalls(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, host := newTestDispatcher(t, NewLoopback(nil, time.Minute))

	require.NoError(t, d.CreateDevice(engine.CreateDeviceCall{Ctx: callCtx(1), DeviceName: "dev"}))
	r := host.next(t)
	assert.Equal(t, "create_device", r.call)
	assert.Equal(t, "arn:ingest:loopback:device/dev", r.value)

	require.NoError(t, d.DeviceCertToToken(engine.DeviceCertToTokenCall{Ctx: callCtx(1), DeviceName: ""}))
	assert.Equal(t, engine.ServiceStatusBadRequest, host.next(t).status)
}

func TestDispatcher_HonoursCallAfter(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, host := newTestDispatcher(t, NewLoopback(nil, time.Minute))

	start := time.Now()
	sc := engine.ServiceCallContext{Custom: 3, CallAfter: start.Add(60 * time.Millisecond)}
	require.NoError(t, d.DescribeStream(engine.DescribeStreamCall{Ctx: sc, StreamName: "cam"}))
	host.next(t)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestDispatcher_TimeoutReportsRequestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newStubBackend()
	b.describe = func(ctx context.Context, _ string) (*engine.StreamDescription, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d, host := newTestDispatcher(t, b)

	sc := engine.ServiceCallContext{Custom: 3, Timeout: 20 * time.Millisecond}
	require.NoError(t, d.DescribeStream(engine.DescribeStreamCall{Ctx: sc, StreamName: "cam"}))
	assert.Equal(t, engine.ServiceStatusRequestTimeout, host.next(t).status)
}

func TestDispatcher_BreakerOpensOnServerErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newStubBackend()
	b.describe = func(context.Context, string) (*engine.StreamDescription, error) {
		return nil, Errorf(engine.ServiceStatusInternalError, "down")
	}
	d, host := newTestDispatcher(t, b, func(o *Options) {
		o.BreakerThreshold = 2
		o.BreakerReset = time.Hour
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, d.DescribeStream(engine.DescribeStreamCall{Ctx: callCtx(3), StreamName: "cam"}))
		assert.Equal(t, engine.ServiceStatusInternalError, host.next(t).status)
	}
	assert.Equal(t, resilience.StateOpen, d.BreakerState())

	require.NoError(t, d.DescribeStream(engine.DescribeStreamCall{Ctx: callCtx(3), StreamName: "cam"}))
	assert.Equal(t, engine.ServiceStatusServiceUnavailable, host.next(t).status)
	assert.Equal(t, int32(2), b.calls.Load())

	require.NoError(t, d.PutStream(engine.PutStreamCall{Ctx: callCtx(3), StreamName: "cam"}))
	r := host.next(t)
	assert.Equal(t, engine.ServiceStatusServiceUnavailable, r.status)
	assert.Equal(t, engine.InvalidUploadHandle, r.value)
}

func TestDispatcher_ClientErrorsKeepBreakerClosed(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, host := newTestDispatcher(t, NewLoopback(nil, time.Minute), func(o *Options) {
		o.BreakerThreshold = 1
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, d.DescribeStream(engine.DescribeStreamCall{Ctx: callCtx(3), StreamName: "missing"}))
		assert.Equal(t, engine.ServiceStatusNotFound, host.next(t).status)
	}
	assert.Equal(t, resilience.StateClosed, d.BreakerState())
}

func TestDispatcher_PutStreamWithoutSessionReportsUploadThenFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	d, host := newTestDispatcher(t, newStubBackend())

	require.NoError(t, d.PutStream(engine.PutStreamCall{Ctx: callCtx(9), StreamName: "cam"}))
	r := host.next(t)
	assert.Equal(t, engine.ServiceStatusOK, r.status)
	assert.Equal(t, engine.UploadHandle(0), r.value)

	require.NoError(t, d.PutStream(engine.PutStreamCall{Ctx: callCtx(9), StreamName: "cam"}))
	assert.Equal(t, engine.UploadHandle(1), host.next(t).value)
}

func TestDispatcher_ClosedRejects(t *testing.T) {
	defer goleak.VerifyNone(t)
	nop := zerolog.Nop()
	d, err := New(Options{Backend: NewLoopback(nil, 0), Logger: &nop})
	require.NoError(t, err)
	d.Bind(newHostSpy())
	require.NoError(t, d.Close(context.Background()))

	err = d.CreateDevice(engine.CreateDeviceCall{Ctx: callCtx(1), DeviceName: "dev"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDispatcher_RecordsSpans(t *testing.T) {
	defer goleak.VerifyNone(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	d, host := newTestDispatcher(t, NewLoopback(nil, time.Minute), func(o *Options) {
		o.Tracer = tp.Tracer("test")
	})
	require.NoError(t, d.DescribeStream(engine.DescribeStreamCall{Ctx: callCtx(5), StreamName: "cam"}))
	host.next(t)

	require.Eventually(t, func() bool { return len(rec.Ended()) == 1 }, time.Second, 5*time.Millisecond)
	span := rec.Ended()[0]
	assert.Equal(t, "servicecall.describe_stream", span.Name())

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "describe_stream", attrs[telemetry.ServiceCallKey].AsString())
	assert.Equal(t, "loopback", attrs[telemetry.BackendNameKey].AsString())
	assert.Equal(t, int64(404), attrs[telemetry.ServiceStatusKey].AsInt64())
	assert.Equal(t, int64(5), attrs[telemetry.StreamHandleKey].AsInt64())
	assert.NotEmpty(t, attrs[telemetry.RequestIDKey].AsString())
}
