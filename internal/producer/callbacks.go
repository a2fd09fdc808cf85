// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import "github.com/ManuGH/ingestbridge/internal/engine"

// AuthCallbacks supplies credentials the engine asks for.
type AuthCallbacks interface {
	DeviceCertificate() (engine.Credential, error)
	SecurityToken() (engine.Credential, error)
	DeviceFingerprint() (string, error)
}

// StorageCallbacks is told about content store pressure.
type StorageCallbacks interface {
	StorageOverflowPressure(remainingBytes uint64)
}

// ServiceCallbacks performs the out-of-band service calls the engine requests.
// Every method must return promptly: the network work runs on goroutines the
// implementation owns and its outcome is reported through the ServiceHost
// passed to Bind. A returned error is handed back to the engine as the
// request's status.
type ServiceCallbacks interface {
	Bind(host ServiceHost)

	CreateStream(call engine.CreateStreamCall) error
	DescribeStream(call engine.DescribeStreamCall) error
	GetStreamingEndpoint(call engine.GetStreamingEndpointCall) error
	GetStreamingToken(call engine.GetStreamingTokenCall) error
	PutStream(call engine.PutStreamCall) error
	TagResource(call engine.TagResourceCall) error
	CreateDevice(call engine.CreateDeviceCall) error
	DeviceCertToToken(call engine.DeviceCertToTokenCall) error
}

// ServiceHost is the part of a Client service callbacks report back to.
type ServiceHost interface {
	CreateStreamResult(stream engine.Handle, status engine.ServiceStatus, streamARN string) error
	DescribeStreamResult(stream engine.Handle, status engine.ServiceStatus, desc *engine.StreamDescription) error
	GetStreamingEndpointResult(stream engine.Handle, status engine.ServiceStatus, endpoint string) error
	GetStreamingTokenResult(stream engine.Handle, status engine.ServiceStatus, token engine.Credential) error
	PutStreamResult(stream engine.Handle, status engine.ServiceStatus, upload engine.UploadHandle) error
	TagResourceResult(custom engine.Handle, status engine.ServiceStatus) error
	CreateDeviceResult(client engine.Handle, status engine.ServiceStatus, deviceARN string) error
	DeviceCertToTokenResult(client engine.Handle, status engine.ServiceStatus, token engine.Credential) error

	// StreamByHandle resolves a registered stream, e.g. to open the data
	// channel of a new upload.
	StreamByHandle(stream engine.Handle) (*StreamSession, error)
}
