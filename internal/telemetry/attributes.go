// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by service call spans.
const (
	ServiceCallKey    = "ingest.service_call"
	StreamNameKey     = "ingest.stream_name"
	StreamHandleKey   = "ingest.stream_handle"
	UploadHandleKey   = "ingest.upload_handle"
	ServiceStatusKey  = "ingest.service_status"
	RequestIDKey      = "ingest.request_id"
	UploadedBytesKey  = "ingest.uploaded_bytes"
	AcknowledgedKey   = "ingest.acks"
	ErrorTypeKey      = "error.type"
	BackendNameKey    = "ingest.backend"
	DeviceNameKey     = "ingest.device_name"
	ResourceARNKey    = "ingest.resource_arn"
	ContainerTypeKey  = "ingest.container_type"
	ServiceTimeoutKey = "ingest.timeout_ms"
)

// ServiceCallAttributes describes one service call.
func ServiceCallAttributes(call, backend, requestID string, stream uint64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(ServiceCallKey, call),
		attribute.String(BackendNameKey, backend),
	}
	if requestID != "" {
		attrs = append(attrs, attribute.String(RequestIDKey, requestID))
	}
	if stream != 0 {
		attrs = append(attrs, attribute.Int64(StreamHandleKey, int64(stream)))
	}
	return attrs
}

// StreamAttributes names the stream a span works on. Empty values are left out.
func StreamAttributes(name, device string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if name != "" {
		attrs = append(attrs, attribute.String(StreamNameKey, name))
	}
	if device != "" {
		attrs = append(attrs, attribute.String(DeviceNameKey, device))
	}
	return attrs
}

// EndSpan records the outcome of a service call and ends span.
func EndSpan(span trace.Span, status int, err error) {
	span.SetAttributes(attribute.Int(ServiceStatusKey, status))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String(ErrorTypeKey, errorType(err)))
		span.SetStatus(codes.Error, err.Error())
	} else if status >= 400 {
		span.SetStatus(codes.Error, "service status")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func errorType(err error) string {
	type typed interface{ Type() string }
	if t, ok := err.(typed); ok {
		return t.Type()
	}
	return "error"
}
