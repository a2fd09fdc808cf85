// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID    = "request_id"
	FieldTraceID      = "trace_id"
	FieldSpanID       = "span_id"
	FieldClientHandle = "client_handle"
	FieldStreamHandle = "stream_handle"
	FieldUploadHandle = "upload_handle"
	FieldStreamName   = "stream_name"
	FieldDeviceName   = "device_name"

	// Dispatch fields
	FieldEvent       = "event"
	FieldComponent   = "component"
	FieldCallback    = "callback"
	FieldServiceCall = "service_call"
	FieldStatus      = "status"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Media fields
	FieldTimecode = "timecode"
	FieldBytes    = "bytes"
	FieldDuration = "duration"
	FieldPath     = "path"
)
