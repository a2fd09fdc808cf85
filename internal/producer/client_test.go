// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/ingestbridge/internal/engine"
)

func TestClient_CreateSyncWithInlineReady(t *testing.T) {
	fe := newFakeEngine()
	fe.readyInline = true
	c := newTestClient(t, fe)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.CreateSync(ctx, testDevice()))
	assert.True(t, c.IsInitialized())
	assert.True(t, c.IsReady())
}

func TestClient_CreateSyncTimesOutWithoutReady(t *testing.T) {
	fe := newFakeEngine()
	c := newTestClient(t, fe)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.CreateSync(ctx, testDevice())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationTimedOut)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, c.IsInitialized(), "handle stays allocated after a ready timeout")
	assert.False(t, c.IsReady())
}

func TestClient_CreateTwiceIsInvalidState(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)

	err := c.Create(testDevice())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, fe.called("create_client"))
}

func TestClient_CreateRejectsBadDevice(t *testing.T) {
	c := newTestClient(t, newFakeEngine())
	assert.ErrorIs(t, c.Create(engine.DeviceInfo{}), ErrPrecondition)
	assert.False(t, c.IsInitialized())
}

func TestClient_CreateVersionMismatch(t *testing.T) {
	fe := newFakeEngine()
	fe.version = engine.ExpectedVersion + 1
	c := newTestClient(t, fe)

	err := c.Create(testDevice())
	assert.ErrorIs(t, err, ErrInitialization)
	assert.False(t, c.IsInitialized())
}

func TestClient_CreateEngineFailureKeepsStatus(t *testing.T) {
	fe := newFakeEngine()
	fe.createClientFn = func() (engine.Handle, error) {
		return engine.InvalidHandle, engine.NewStatusError("create client", engine.StatusNotEnoughMemory)
	}
	c := newTestClient(t, fe)

	err := c.Create(testDevice())
	require.Error(t, err)
	assert.Equal(t, engine.StatusNotEnoughMemory, engine.StatusOf(err))
	assert.False(t, c.IsInitialized())
}

func TestClient_ReadyForUnknownClientRejected(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)

	err := fe.cb().ClientReady(c.Handle() + 100)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestClient_CreateStreamRegisters(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)

	s, err := c.CreateStream(testStream("cam"), nil)
	require.NoError(t, err)
	require.True(t, s.Handle().Valid())

	got, err := c.StreamByHandle(s.Handle())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, StateCreated, s.State())

	h := s.Handle()
	require.NoError(t, c.FreeStream(s))
	_, err = c.StreamByHandle(h)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Empty(t, c.Streams())
	assert.False(t, s.Handle().Valid())
}

func TestClient_CreateStreamRequiresClient(t *testing.T) {
	c := newTestClient(t, newFakeEngine())
	_, err := c.CreateStream(testStream("cam"), nil)
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestClient_CreateStreamEngineFailure(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	fe.createStreamFn = func(engine.StreamInfo) (engine.Handle, error) {
		return engine.InvalidHandle, engine.NewStatusError("create stream", engine.StatusInvalidArg)
	}

	_, err := c.CreateStream(testStream("cam"), nil)
	require.Error(t, err)
	assert.Equal(t, engine.StatusInvalidArg, engine.StatusOf(err))
	assert.Empty(t, c.Streams())
}

func TestClient_CreateStreamDuplicateHandle(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	fe.createStreamFn = func(engine.StreamInfo) (engine.Handle, error) { return 7, nil }

	_, err := c.CreateStream(testStream("a"), nil)
	require.NoError(t, err)
	_, err = c.CreateStream(testStream("b"), nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Len(t, c.Streams(), 1)
	assert.Equal(t, 1, fe.called("free_stream"))
}

func TestClient_ConcurrentCreateStreamDistinctHandles(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles = make(map[engine.Handle]struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.CreateStream(testStream("cam"), nil)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			handles[s.Handle()] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, handles, n)
	assert.Len(t, c.Streams(), n)
}

func TestClient_EventsDuringCreateAreReplayed(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)

	var events []string
	obs := &recordingObserver{record: func(ev string) { events = append(events, ev) }}

	// The engine announces the stream from another goroutine before
	// CreateStream has registered it.
	fe.createStreamFn = func(engine.StreamInfo) (engine.Handle, error) {
		done := make(chan error, 1)
		go func() {
			cb := fe.cb()
			if err := cb.StreamReady(99); err != nil {
				done <- err
				return
			}
			done <- cb.StreamDataAvailable(99, 1, time.Second, 10)
		}()
		require.NoError(t, <-done)
		return 99, nil
	}

	s, err := c.CreateStream(testStream("cam"), obs)
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, []string{"ready", "data_available"}, events)

	ch, err := s.GetDataStream(1)
	require.NoError(t, err)
	fe.feed(1, []byte("0123456789"), false)
	buf := make([]byte, 16)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	require.NoError(t, c.FreeStreams())
}

func TestClient_UnknownStreamCallbacks(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	cb := fe.cb()

	assert.NoError(t, cb.StreamReady(1234), "ready for an unknown stream is ignored")
	assert.ErrorIs(t, cb.StreamClosed(1234, engine.InvalidUploadHandle), ErrInvalidOperation)
	assert.ErrorIs(t, cb.StreamDataAvailable(1234, 1, 0, 1), ErrInvalidOperation)
	assert.ErrorIs(t, cb.StreamErrorReport(1234, 1, 0, engine.StatusInvalidState), ErrInvalidOperation)
	assert.ErrorIs(t, cb.FragmentAckReceived(1234, 1, engine.FragmentAck{Type: engine.AckPersisted}), ErrInvalidOperation)
	require.NoError(t, c.Free())
}

func TestClient_CallbacksForFreedStream(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	s, err := c.CreateStream(testStream("cam"), nil)
	require.NoError(t, err)
	old := s.Handle()
	require.NoError(t, c.FreeStream(s))

	cb := fe.cb()
	assert.NoError(t, cb.StreamReady(old), "ready racing a free is ignored")
	assert.ErrorIs(t, cb.StreamClosed(old, engine.InvalidUploadHandle), ErrInvalidOperation)
	assert.ErrorIs(t, cb.StreamDataAvailable(old, 1, 0, 1), ErrInvalidOperation)
	assert.ErrorIs(t, cb.StreamConnectionStale(old, time.Second), ErrInvalidOperation)
	assert.Equal(t, StateInvalid, s.State())
	require.NoError(t, c.Free())
}

func TestClient_StreamReadyRacingFreeStream(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	cb := fe.cb()

	for i := 0; i < 20; i++ {
		s, err := c.CreateStream(testStream("cam"), nil)
		require.NoError(t, err)
		h := s.Handle()

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- cb.StreamReady(h)
			}()
		}
		require.NoError(t, c.FreeStream(s))
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		_, err = c.StreamByHandle(h)
		assert.ErrorIs(t, err, ErrInvalidOperation)
	}
	assert.Empty(t, c.Streams())
	require.NoError(t, c.Free())
}

func TestClient_FreeStreamNoopWhenUninitialized(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	s, err := c.CreateStream(testStream("cam"), nil)
	require.NoError(t, err)
	require.NoError(t, c.Free())

	assert.NoError(t, c.FreeStream(s))
	assert.NoError(t, c.FreeStream(s), "repeated free stays a no-op")
	assert.Equal(t, 1, fe.called("free_stream"), "Free released the stream once")
}

func TestClient_FreeStreamEngineErrorStillUnregisters(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	s, err := c.CreateStream(testStream("cam"), nil)
	require.NoError(t, err)
	h := s.Handle()

	fe.freeStreamErr = engine.NewStatusError("free stream", engine.StatusInvalidHandle)
	err = c.FreeStream(s)
	require.Error(t, err)
	assert.Equal(t, engine.StatusInvalidHandle, engine.StatusOf(err))

	_, err = c.StreamByHandle(h)
	assert.ErrorIs(t, err, ErrInvalidOperation)
	assert.Equal(t, StateInvalid, s.State())
}

func TestClient_FreeStreamsJoinsErrors(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	for _, name := range []string{"a", "b", "c"} {
		_, err := c.CreateStream(testStream(name), nil)
		require.NoError(t, err)
	}
	fe.freeStreamErr = errBoom

	err := c.FreeStreams()
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, c.Streams())
	assert.Equal(t, 3, fe.called("free_stream"))
}

func TestClient_FreeInvalidatesEvenOnError(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	_, err := c.CreateStream(testStream("cam"), nil)
	require.NoError(t, err)
	fe.freeClientErr = errBoom

	err = c.Free()
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, c.IsInitialized())
	assert.Empty(t, c.Streams())
	assert.ErrorIs(t, c.Free(), ErrPrecondition)
}

func TestClient_ForwarderPreconditions(t *testing.T) {
	fe := newFakeEngine()
	c := newTestClient(t, fe)

	assert.ErrorIs(t, c.PutFrame(1, engine.Frame{Data: []byte{1}}), ErrPrecondition)
	_, err := c.Metrics()
	assert.ErrorIs(t, err, ErrPrecondition)

	require.NoError(t, c.Create(testDevice()))
	assert.ErrorIs(t, c.PutFrame(engine.InvalidHandle, engine.Frame{Data: []byte{1}}), ErrPrecondition)
	assert.ErrorIs(t, c.PutFrame(1, engine.Frame{}), ErrPrecondition)
	assert.ErrorIs(t, c.FragmentAck(1, 1, engine.FragmentAck{}), ErrPrecondition)
	assert.ErrorIs(t, c.ParseFragmentAck(1, 1, ""), ErrPrecondition)
	assert.ErrorIs(t, c.PutFragmentMetadata(1, "", "v", false), ErrPrecondition)
	assert.ErrorIs(t, c.StreamFormatChanged(1, nil, 1), ErrPrecondition)
	_, _, err = c.GetStreamData(1, 1, nil)
	assert.ErrorIs(t, err, ErrPrecondition)

	m, err := c.Metrics()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), m.ContentStoreSize)
	require.NoError(t, c.Free())
}

type fakeAuth struct{}

func (fakeAuth) DeviceCertificate() (engine.Credential, error) {
	return engine.Credential{Data: []byte("cert")}, nil
}

func (fakeAuth) SecurityToken() (engine.Credential, error) {
	return engine.Credential{Data: []byte("token")}, nil
}

func (fakeAuth) DeviceFingerprint() (string, error) { return "fp", nil }

type storageSpy struct{ remaining []uint64 }

func (s *storageSpy) StorageOverflowPressure(remaining uint64) {
	s.remaining = append(s.remaining, remaining)
}

func TestClient_ClientScopedCallbacks(t *testing.T) {
	fe := newFakeEngine()
	spy := &storageSpy{}
	c := readyClient(t, fe, WithAuthCallbacks(fakeAuth{}), WithStorageCallbacks(spy))
	cb := fe.cb()

	cred, err := cb.GetSecurityToken(c.Handle())
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), cred.Data)

	fp, err := cb.GetDeviceFingerprint(c.Handle())
	require.NoError(t, err)
	assert.Equal(t, "fp", fp)

	_, err = cb.GetDeviceCertificate(c.Handle() + 1)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	require.NoError(t, cb.StorageOverflowPressure(c.Handle(), 512))
	assert.Equal(t, []uint64{512}, spy.remaining)
}

func TestClient_AuthWithoutProvider(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe)
	_, err := fe.cb().GetSecurityToken(c.Handle())
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

type serviceSpy struct {
	host  ServiceHost
	calls []string
	err   error
}

func (s *serviceSpy) Bind(h ServiceHost) { s.host = h }

func (s *serviceSpy) note(name string) error {
	s.calls = append(s.calls, name)
	return s.err
}

func (s *serviceSpy) CreateStream(engine.CreateStreamCall) error { return s.note("create_stream") }
func (s *serviceSpy) DescribeStream(engine.DescribeStreamCall) error {
	return s.note("describe_stream")
}
func (s *serviceSpy) GetStreamingEndpoint(engine.GetStreamingEndpointCall) error {
	return s.note("get_streaming_endpoint")
}
func (s *serviceSpy) GetStreamingToken(engine.GetStreamingTokenCall) error {
	return s.note("get_streaming_token")
}
func (s *serviceSpy) PutStream(engine.PutStreamCall) error     { return s.note("put_stream") }
func (s *serviceSpy) TagResource(engine.TagResourceCall) error { return s.note("tag_resource") }
func (s *serviceSpy) CreateDevice(engine.CreateDeviceCall) error {
	return s.note("create_device")
}
func (s *serviceSpy) DeviceCertToToken(engine.DeviceCertToTokenCall) error {
	return s.note("device_cert_to_token")
}

func TestClient_ServiceRequestsAndResults(t *testing.T) {
	fe := newFakeEngine()
	spy := &serviceSpy{}
	c := readyClient(t, fe, WithServiceCallbacks(spy))
	require.Same(t, c, spy.host)

	s, err := c.CreateStream(testStream("cam"), nil)
	require.NoError(t, err)
	cb := fe.cb()
	ctx := engine.ServiceCallContext{Custom: s.Handle()}

	require.NoError(t, cb.DescribeStream(engine.DescribeStreamCall{Ctx: ctx, StreamName: "cam"}))
	require.NoError(t, cb.PutStream(engine.PutStreamCall{Ctx: ctx, StreamName: "cam"}))
	assert.Equal(t, []string{"describe_stream", "put_stream"}, spy.calls)

	spy.err = errBoom
	assert.ErrorIs(t, cb.GetStreamingToken(engine.GetStreamingTokenCall{Ctx: ctx}), errBoom)

	require.NoError(t, c.DescribeStreamResult(s.Handle(), engine.ServiceStatusOK, &engine.StreamDescription{StreamName: "cam"}))
	require.NoError(t, c.PutStreamResult(s.Handle(), engine.ServiceStatusOK, 3))
	assert.ErrorIs(t, c.PutStreamResult(s.Handle(), engine.ServiceStatusOK, engine.InvalidUploadHandle), ErrPrecondition)
	assert.ErrorIs(t, c.TagResourceResult(engine.InvalidHandle, engine.ServiceStatusOK), ErrPrecondition)
	assert.Equal(t, []string{"describe_stream", "put_stream"}, fe.results)

	require.NoError(t, c.Free())
	assert.ErrorIs(t, c.CreateDeviceResult(1, engine.ServiceStatusOK, "arn"), ErrPrecondition)
}

func TestClient_ServiceRequestWithoutExecutor(t *testing.T) {
	fe := newFakeEngine()
	readyClient(t, fe)
	err := fe.cb().CreateDevice(engine.CreateDeviceCall{DeviceName: "camera-1"})
	assert.True(t, errors.Is(err, ErrInvalidOperation))
}

func TestClient_FreeWaitsForInFlightResult(t *testing.T) {
	fe := newFakeEngine()
	entered := make(chan struct{})
	release := make(chan struct{})
	fe.resultHook = func(name string) {
		if name == "put_stream" {
			close(entered)
			<-release
		}
	}
	c := readyClient(t, fe, WithServiceCallbacks(&serviceSpy{}))
	s, err := c.CreateStream(testStream("cam"), nil)
	require.NoError(t, err)
	h := s.Handle()

	resultDone := make(chan error, 1)
	go func() { resultDone <- c.PutStreamResult(h, engine.ServiceStatusOK, 1) }()
	<-entered

	freeDone := make(chan error, 1)
	go func() { freeDone <- c.Free() }()

	select {
	case <-freeDone:
		t.Fatal("client freed while a result was inside the engine")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, fe.called("free_client"))

	close(release)
	require.NoError(t, <-resultDone)
	require.NoError(t, <-freeDone)

	assert.Less(t, fe.callOrder("put_stream_result"), fe.callOrder("free_client"))
	assert.False(t, c.IsInitialized())
}

func TestClient_ResultDuringFreeRejected(t *testing.T) {
	fe := newFakeEngine()
	c := readyClient(t, fe, WithServiceCallbacks(&serviceSpy{}))
	h := c.Handle()

	var inline error
	fe.freeClientHook = func() {
		inline = c.CreateDeviceResult(h, engine.ServiceStatusOK, "arn")
	}
	require.NoError(t, c.Free())
	assert.ErrorIs(t, inline, ErrPrecondition)
	assert.Zero(t, fe.called("create_device_result"))
}

func TestClient_CreateCallbacksPinClientHandle(t *testing.T) {
	fe := newFakeEngine()
	var first, other, same error
	fe.createClientFn = func() (engine.Handle, error) {
		cb := fe.cb()
		first = cb.ClientReady(7)
		other = cb.StorageOverflowPressure(8, 1)
		same = cb.StorageOverflowPressure(7, 1)
		return 7, nil
	}
	c := newTestClient(t, fe)

	require.NoError(t, c.Create(testDevice()))
	assert.NoError(t, first)
	assert.ErrorIs(t, other, ErrInvalidOperation)
	assert.NoError(t, same)
	assert.Equal(t, engine.Handle(7), c.Handle())
	assert.True(t, c.IsReady())
	require.NoError(t, c.Free())
}
