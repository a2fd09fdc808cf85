// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package engine defines the boundary to the handle-based media ingestion engine:
// the outbound entry points the bridge calls and the callback entry points the
// engine invokes on its own threads.
package engine

import "time"

// ExpectedVersion is the engine ABI version this bridge is built against.
const ExpectedVersion uint32 = 0x0003_0001

// Engine is the outbound surface (bridge -> engine).
//
// The engine must not invoke stream event callbacks synchronously from inside
// CreateClient, FreeClient, CreateStream or FreeStream. Service requests and
// auth callbacks may be issued inline from any call.
type Engine interface {
	Version() uint32

	CreateClient(device DeviceInfo, callbacks Callbacks) (Handle, error)
	FreeClient(client Handle) error
	StopStreams(client Handle) error
	ClientMetrics(client Handle) (ClientMetrics, error)

	CreateStream(client Handle, info StreamInfo) (Handle, error)
	StopStream(stream Handle) error
	FreeStream(stream Handle) error
	StreamMetrics(stream Handle) (StreamMetrics, error)

	PutFrame(stream Handle, frame Frame) error
	PutFragmentMetadata(stream Handle, name, value string, persistent bool) error
	FragmentAck(stream Handle, upload UploadHandle, ack FragmentAck) error
	ParseFragmentAck(stream Handle, upload UploadHandle, ack string) error
	StreamFormatChanged(stream Handle, codecPrivateData []byte, trackID uint64) error
	StreamTerminated(stream Handle, upload UploadHandle, status ServiceStatus) error

	// GetStreamData fills buf with bytes of the given upload. It returns the
	// number of bytes copied and whether the upload reached end-of-stream.
	GetStreamData(stream Handle, upload UploadHandle, buf []byte) (n int, eos bool, err error)

	CreateStreamResult(stream Handle, status ServiceStatus, streamARN string) error
	DescribeStreamResult(stream Handle, status ServiceStatus, desc *StreamDescription) error
	GetStreamingEndpointResult(stream Handle, status ServiceStatus, endpoint string) error
	GetStreamingTokenResult(stream Handle, status ServiceStatus, token Credential) error
	PutStreamResult(stream Handle, status ServiceStatus, upload UploadHandle) error
	TagResourceResult(custom Handle, status ServiceStatus) error
	CreateDeviceResult(client Handle, status ServiceStatus, deviceARN string) error
	DeviceCertToTokenResult(client Handle, status ServiceStatus, token Credential) error
}

// Callbacks is the inbound surface (engine -> bridge). Every method may be
// called concurrently from arbitrary engine goroutines.
type Callbacks interface {
	ClientReady(client Handle) error
	StorageOverflowPressure(client Handle, remainingBytes uint64) error

	GetDeviceCertificate(client Handle) (Credential, error)
	GetSecurityToken(client Handle) (Credential, error)
	GetDeviceFingerprint(client Handle) (string, error)

	StreamReady(stream Handle) error
	StreamClosed(stream Handle, upload UploadHandle) error
	StreamDataAvailable(stream Handle, upload UploadHandle, duration time.Duration, size uint64) error
	StreamUnderflowReport(stream Handle) error
	BufferDurationOverflowPressure(stream Handle, remaining time.Duration) error
	StreamLatencyPressure(stream Handle, bufferDuration time.Duration) error
	StreamConnectionStale(stream Handle, sinceLastAck time.Duration) error
	FragmentAckReceived(stream Handle, upload UploadHandle, ack FragmentAck) error
	DroppedFrameReport(stream Handle, timecode time.Duration) error
	DroppedFragmentReport(stream Handle, timecode time.Duration) error
	StreamErrorReport(stream Handle, upload UploadHandle, fragmentTimecode time.Duration, status Status) error

	// Service requests. Each returns promptly; the outcome is reported later
	// through the matching *Result entry point of Engine.
	CreateStream(call CreateStreamCall) error
	DescribeStream(call DescribeStreamCall) error
	GetStreamingEndpoint(call GetStreamingEndpointCall) error
	GetStreamingToken(call GetStreamingTokenCall) error
	PutStream(call PutStreamCall) error
	TagResource(call TagResourceCall) error
	CreateDevice(call CreateDeviceCall) error
	DeviceCertToToken(call DeviceCertToTokenCall) error
}

// ServiceCallContext accompanies every service request. Custom is the handle
// the result must be reported against.
type ServiceCallContext struct {
	Custom    Handle
	CallAfter time.Time
	Timeout   time.Duration
	AuthData  []byte
}

type CreateStreamCall struct {
	Ctx         ServiceCallContext
	DeviceName  string
	StreamName  string
	ContentType string
	KMSKeyID    string
	Retention   time.Duration
}

type DescribeStreamCall struct {
	Ctx        ServiceCallContext
	StreamName string
}

type GetStreamingEndpointCall struct {
	Ctx        ServiceCallContext
	StreamName string
	APIName    string
}

type GetStreamingTokenCall struct {
	Ctx        ServiceCallContext
	StreamName string
	AccessMode string
}

type PutStreamCall struct {
	Ctx            ServiceCallContext
	StreamName     string
	ContainerType  string
	StartTimestamp time.Duration
	AbsoluteTimes  bool
	AckRequired    bool
	Endpoint       string
}

type TagResourceCall struct {
	Ctx         ServiceCallContext
	ResourceARN string
	Tags        []Tag
}

type CreateDeviceCall struct {
	Ctx        ServiceCallContext
	DeviceName string
}

type DeviceCertToTokenCall struct {
	Ctx        ServiceCallContext
	DeviceName string
}
