// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
)

// Result entry points report the outcome of a service request back to the
// engine. They are called from application goroutines and hold the client's
// result lease while inside the engine, so Free cannot release the client
// handle under them. They do not take the StructuralLock: the engine may
// answer a result with stream callbacks inline, and those take the
// CallbackLock, which must never be acquired below the StructuralLock.

var _ ServiceHost = (*Client)(nil)

func (c *Client) result(op string, custom engine.Handle, status engine.ServiceStatus, call func(engine.Engine) error) error {
	c.results.RLock()
	defer c.results.RUnlock()
	if c.freeing.Load() > 0 {
		return preconditionf("%s: client is being freed", op)
	}
	if !c.IsInitialized() {
		return preconditionf("%s: client not initialized", op)
	}
	if !custom.Valid() {
		return preconditionf("%s: invalid handle", op)
	}
	eng := c.loadedEngine()
	if eng == nil {
		return preconditionf("%s: engine not loaded", op)
	}
	if err := call(eng); err != nil {
		c.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "service.result_rejected").
			Str(xglog.FieldServiceCall, op).
			Stringer(xglog.FieldStreamHandle, custom).
			Int(xglog.FieldStatus, int(status)).
			Msg("engine rejected service result")
		return engineErr(op, err)
	}
	return nil
}

// CreateStreamResult reports the outcome of a CreateStream request.
func (c *Client) CreateStreamResult(stream engine.Handle, status engine.ServiceStatus, streamARN string) error {
	return c.result("create stream result", stream, status, func(eng engine.Engine) error {
		return eng.CreateStreamResult(stream, status, streamARN)
	})
}

// DescribeStreamResult reports the outcome of a DescribeStream request. desc
// is nil when the stream does not exist.
func (c *Client) DescribeStreamResult(stream engine.Handle, status engine.ServiceStatus, desc *engine.StreamDescription) error {
	return c.result("describe stream result", stream, status, func(eng engine.Engine) error {
		return eng.DescribeStreamResult(stream, status, desc)
	})
}

// GetStreamingEndpointResult reports the data endpoint of a stream.
func (c *Client) GetStreamingEndpointResult(stream engine.Handle, status engine.ServiceStatus, endpoint string) error {
	return c.result("get streaming endpoint result", stream, status, func(eng engine.Engine) error {
		return eng.GetStreamingEndpointResult(stream, status, endpoint)
	})
}

// GetStreamingTokenResult reports the credential used for uploads.
func (c *Client) GetStreamingTokenResult(stream engine.Handle, status engine.ServiceStatus, token engine.Credential) error {
	return c.result("get streaming token result", stream, status, func(eng engine.Engine) error {
		return eng.GetStreamingTokenResult(stream, status, token)
	})
}

// PutStreamResult hands the engine the upload handle of a new connection.
// On success the upload's DataChannel is available via GetDataStream.
func (c *Client) PutStreamResult(stream engine.Handle, status engine.ServiceStatus, upload engine.UploadHandle) error {
	if status.OK() && upload == engine.InvalidUploadHandle {
		return preconditionf("put stream result: invalid upload handle")
	}
	return c.result("put stream result", stream, status, func(eng engine.Engine) error {
		return eng.PutStreamResult(stream, status, upload)
	})
}

// TagResourceResult reports the outcome of a TagResource request.
func (c *Client) TagResourceResult(custom engine.Handle, status engine.ServiceStatus) error {
	return c.result("tag resource result", custom, status, func(eng engine.Engine) error {
		return eng.TagResourceResult(custom, status)
	})
}

// CreateDeviceResult reports the outcome of a CreateDevice request.
func (c *Client) CreateDeviceResult(client engine.Handle, status engine.ServiceStatus, deviceARN string) error {
	return c.result("create device result", client, status, func(eng engine.Engine) error {
		return eng.CreateDeviceResult(client, status, deviceARN)
	})
}

// DeviceCertToTokenResult reports the token exchanged for the device
// certificate.
func (c *Client) DeviceCertToTokenResult(client engine.Handle, status engine.ServiceStatus, token engine.Credential) error {
	return c.result("device cert to token result", client, status, func(eng engine.Engine) error {
		return eng.DeviceCertToTokenResult(client, status, token)
	})
}
