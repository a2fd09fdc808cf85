// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"time"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/metrics"
)

// engineCallbacks is the engine-facing side of a Client. It is handed to the
// engine at CreateClient and routes every inbound call.
type engineCallbacks struct {
	c *Client
}

var _ engine.Callbacks = (*engineCallbacks)(nil)

// dispatchStream routes a stream event to its session under the CallbackLock.
func (c *Client) dispatchStream(callback string, h engine.Handle, apply func(*StreamSession) error) error {
	return c.callbacks.Dispatch(func(scope CallbackScope) error {
		s, deferred := c.registry.lookupOrDefer(scope, h, deferredEvent{callback: callback, apply: apply})
		if deferred {
			metrics.RecordCallback(callback, "deferred")
			return nil
		}
		if s == nil {
			metrics.RecordCallback(callback, "unknown_handle")
			return invalidOperationf("%s: unknown stream handle %s", callback, h)
		}
		if err := apply(s); err != nil {
			metrics.RecordCallback(callback, "error")
			return err
		}
		metrics.RecordCallback(callback, "ok")
		return nil
	})
}

// drainParked replays events parked while h was being registered.
func (c *Client) drainParked(h engine.Handle, s *StreamSession) {
	_ = c.callbacks.Dispatch(func(scope CallbackScope) error {
		for {
			evs := c.registry.takeDeferred(scope, h)
			if len(evs) == 0 {
				return nil
			}
			for _, ev := range evs {
				if err := ev.apply(s); err != nil {
					metrics.RecordCallback(ev.callback, "error")
					s.logger.Warn().Err(err).
						Str(xglog.FieldEvent, "callback.replay_failed").
						Str(xglog.FieldCallback, ev.callback).
						Msg("replayed callback failed")
					continue
				}
				metrics.RecordCallback(ev.callback, "replayed")
			}
		}
	})
}

func (c *Client) dropParked(n int) {
	if n == 0 {
		return
	}
	c.logger.Warn().
		Str(xglog.FieldEvent, "callback.parked_dropped").
		Int("events", n).
		Msg("dropped callbacks parked for a stream that was never registered")
}

// checkClient validates the handle of a client-scoped callback. During Create
// the handle is not stored yet; the first callback then claims its handle and
// later ones must name the same.
func (c *Client) checkClient(callback string, h engine.Handle) error {
	cur := c.Handle()
	if cur.Valid() {
		if cur != h {
			metrics.RecordCallback(callback, "unknown_handle")
			return invalidOperationf("%s: unknown client handle %s", callback, h)
		}
		return nil
	}
	if !c.creating.Load() {
		metrics.RecordCallback(callback, "unknown_handle")
		return invalidOperationf("%s: client not initialized", callback)
	}
	if !h.Valid() {
		metrics.RecordCallback(callback, "unknown_handle")
		return invalidOperationf("%s: invalid client handle", callback)
	}
	if c.pending.CompareAndSwap(uint64(engine.InvalidHandle), uint64(h)) || engine.Handle(c.pending.Load()) == h {
		return nil
	}
	metrics.RecordCallback(callback, "unknown_handle")
	c.logger.Warn().
		Str(xglog.FieldEvent, "client.handle_mismatch").
		Str(xglog.FieldCallback, callback).
		Stringer(xglog.FieldClientHandle, h).
		Msg("callback during create named another client handle")
	return invalidOperationf("%s: unknown client handle %s", callback, h)
}

func (e *engineCallbacks) ClientReady(h engine.Handle) error {
	c := e.c
	if err := c.checkClient("client_ready", h); err != nil {
		return err
	}
	c.ready.Store(true)
	c.readyLatch.Load().Release()
	metrics.RecordCallback("client_ready", "ok")
	c.logger.Info().
		Str(xglog.FieldEvent, "client.ready").
		Stringer(xglog.FieldClientHandle, h).
		Msg("engine client ready")
	return nil
}

func (e *engineCallbacks) StorageOverflowPressure(h engine.Handle, remaining uint64) error {
	c := e.c
	if err := c.checkClient("storage_overflow_pressure", h); err != nil {
		return err
	}
	metrics.RecordCallback("storage_overflow_pressure", "ok")
	c.logger.Warn().
		Str(xglog.FieldEvent, "client.storage_pressure").
		Uint64("remaining_bytes", remaining).
		Msg("content store under pressure")
	if c.opts.storage != nil {
		c.opts.storage.StorageOverflowPressure(remaining)
	}
	return nil
}

func (e *engineCallbacks) GetDeviceCertificate(h engine.Handle) (engine.Credential, error) {
	if err := e.c.checkClient("get_device_certificate", h); err != nil {
		return engine.Credential{}, err
	}
	if e.c.opts.auth == nil {
		return engine.Credential{}, invalidOperationf("get_device_certificate: no auth callbacks configured")
	}
	return e.c.opts.auth.DeviceCertificate()
}

func (e *engineCallbacks) GetSecurityToken(h engine.Handle) (engine.Credential, error) {
	if err := e.c.checkClient("get_security_token", h); err != nil {
		return engine.Credential{}, err
	}
	if e.c.opts.auth == nil {
		return engine.Credential{}, invalidOperationf("get_security_token: no auth callbacks configured")
	}
	return e.c.opts.auth.SecurityToken()
}

func (e *engineCallbacks) GetDeviceFingerprint(h engine.Handle) (string, error) {
	if err := e.c.checkClient("get_device_fingerprint", h); err != nil {
		return "", err
	}
	if e.c.opts.auth == nil {
		return "", invalidOperationf("get_device_fingerprint: no auth callbacks configured")
	}
	return e.c.opts.auth.DeviceFingerprint()
}

// StreamReady tolerates unknown handles: a ready notification racing with a
// free is expected and must not surface as a failure.
func (e *engineCallbacks) StreamReady(h engine.Handle) error {
	err := e.c.dispatchStream("stream_ready", h, (*StreamSession).streamReady)
	if err != nil {
		e.c.logger.Debug().Err(err).
			Str(xglog.FieldEvent, "stream.ready_ignored").
			Stringer(xglog.FieldStreamHandle, h).
			Msg("ready notification for unknown stream ignored")
		return nil
	}
	return nil
}

func (e *engineCallbacks) StreamClosed(h engine.Handle, upload engine.UploadHandle) error {
	return e.c.dispatchStream("stream_closed", h, func(s *StreamSession) error {
		return s.streamClosed(upload)
	})
}

func (e *engineCallbacks) StreamDataAvailable(h engine.Handle, upload engine.UploadHandle, duration time.Duration, size uint64) error {
	return e.c.dispatchStream("stream_data_available", h, func(s *StreamSession) error {
		return s.streamDataAvailable(upload, duration, size)
	})
}

func (e *engineCallbacks) StreamUnderflowReport(h engine.Handle) error {
	return e.c.dispatchStream("stream_underflow_report", h, (*StreamSession).streamUnderflowReport)
}

func (e *engineCallbacks) BufferDurationOverflowPressure(h engine.Handle, remaining time.Duration) error {
	return e.c.dispatchStream("buffer_duration_overflow_pressure", h, func(s *StreamSession) error {
		return s.bufferDurationOverflowPressure(remaining)
	})
}

func (e *engineCallbacks) StreamLatencyPressure(h engine.Handle, bufferDuration time.Duration) error {
	return e.c.dispatchStream("stream_latency_pressure", h, func(s *StreamSession) error {
		return s.streamLatencyPressure(bufferDuration)
	})
}

func (e *engineCallbacks) StreamConnectionStale(h engine.Handle, sinceLastAck time.Duration) error {
	return e.c.dispatchStream("stream_connection_stale", h, func(s *StreamSession) error {
		return s.streamConnectionStale(sinceLastAck)
	})
}

func (e *engineCallbacks) FragmentAckReceived(h engine.Handle, upload engine.UploadHandle, ack engine.FragmentAck) error {
	return e.c.dispatchStream("fragment_ack_received", h, func(s *StreamSession) error {
		return s.fragmentAckReceived(upload, ack)
	})
}

func (e *engineCallbacks) DroppedFrameReport(h engine.Handle, timecode time.Duration) error {
	return e.c.dispatchStream("dropped_frame_report", h, func(s *StreamSession) error {
		return s.droppedFrameReport(timecode)
	})
}

func (e *engineCallbacks) DroppedFragmentReport(h engine.Handle, timecode time.Duration) error {
	return e.c.dispatchStream("dropped_fragment_report", h, func(s *StreamSession) error {
		return s.droppedFragmentReport(timecode)
	})
}

func (e *engineCallbacks) StreamErrorReport(h engine.Handle, upload engine.UploadHandle, fragmentTimecode time.Duration, status engine.Status) error {
	return e.c.dispatchStream("stream_error_report", h, func(s *StreamSession) error {
		return s.streamErrorReport(upload, fragmentTimecode, status)
	})
}

// Service requests are lock-free: they hand off to the service callbacks,
// which schedule the network work and return.

func (c *Client) serviceRequest(name string, custom engine.Handle, run func(ServiceCallbacks) error) error {
	if c.opts.service == nil {
		metrics.RecordCallback(name, "error")
		return invalidOperationf("%s: no service callbacks configured", name)
	}
	if err := run(c.opts.service); err != nil {
		metrics.RecordCallback(name, "error")
		c.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "service.schedule_failed").
			Str(xglog.FieldServiceCall, name).
			Stringer(xglog.FieldStreamHandle, custom).
			Msg("service call could not be scheduled")
		return err
	}
	metrics.RecordCallback(name, "ok")
	c.logger.Debug().
		Str(xglog.FieldEvent, "service.scheduled").
		Str(xglog.FieldServiceCall, name).
		Stringer(xglog.FieldStreamHandle, custom).
		Msg("service call scheduled")
	return nil
}

func (e *engineCallbacks) CreateStream(call engine.CreateStreamCall) error {
	return e.c.serviceRequest("create_stream", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.CreateStream(call)
	})
}

func (e *engineCallbacks) DescribeStream(call engine.DescribeStreamCall) error {
	return e.c.serviceRequest("describe_stream", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.DescribeStream(call)
	})
}

func (e *engineCallbacks) GetStreamingEndpoint(call engine.GetStreamingEndpointCall) error {
	return e.c.serviceRequest("get_streaming_endpoint", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.GetStreamingEndpoint(call)
	})
}

func (e *engineCallbacks) GetStreamingToken(call engine.GetStreamingTokenCall) error {
	return e.c.serviceRequest("get_streaming_token", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.GetStreamingToken(call)
	})
}

func (e *engineCallbacks) PutStream(call engine.PutStreamCall) error {
	return e.c.serviceRequest("put_stream", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.PutStream(call)
	})
}

func (e *engineCallbacks) TagResource(call engine.TagResourceCall) error {
	return e.c.serviceRequest("tag_resource", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.TagResource(call)
	})
}

func (e *engineCallbacks) CreateDevice(call engine.CreateDeviceCall) error {
	return e.c.serviceRequest("create_device", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.CreateDevice(call)
	})
}

func (e *engineCallbacks) DeviceCertToToken(call engine.DeviceCertToTokenCall) error {
	return e.c.serviceRequest("device_cert_to_token", call.Ctx.Custom, func(s ServiceCallbacks) error {
		return s.DeviceCertToToken(call)
	})
}
