// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"errors"
	"fmt"
)

// Status is an engine status code. Zero is success.
type Status uint32

const (
	StatusSuccess             Status = 0x00000000
	StatusNullArg             Status = 0x00000001
	StatusInvalidArg          Status = 0x00000002
	StatusNotEnoughMemory     Status = 0x00000004
	StatusInvalidOperation    Status = 0x0000000b
	StatusOperationTimedOut   Status = 0x00000010
	StatusInvalidHandle       Status = 0x52000001
	StatusStreamNotFound      Status = 0x52000002
	StatusInvalidState        Status = 0x52000003
	StatusEndOfStream         Status = 0x5200002a
	StatusServiceCallFailed   Status = 0x52000040
	StatusVersionMismatch     Status = 0x52000050
	StatusUploadHandleAborted Status = 0x52000060
)

func (s Status) Succeeded() bool { return s == StatusSuccess }

func (s Status) String() string {
	return fmt.Sprintf("0x%08x", uint32(s))
}

// ServiceStatus is an HTTP-style outcome of an out-of-band service call.
type ServiceStatus int

const (
	ServiceStatusOK                       ServiceStatus = 200
	ServiceStatusBadRequest               ServiceStatus = 400
	ServiceStatusUnauthorized             ServiceStatus = 401
	ServiceStatusForbidden                ServiceStatus = 403
	ServiceStatusNotFound                 ServiceStatus = 404
	ServiceStatusRequestTimeout           ServiceStatus = 408
	ServiceStatusResourceInUse            ServiceStatus = 409
	ServiceStatusTooManyRequests          ServiceStatus = 429
	ServiceStatusInternalError            ServiceStatus = 500
	ServiceStatusServiceUnavailable       ServiceStatus = 503
	ServiceStatusNetworkConnectionTimeout ServiceStatus = 599
)

func (s ServiceStatus) OK() bool { return s == ServiceStatusOK }

// StatusError carries the engine status code of a failed engine call.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return "engine status " + e.Status.String()
	}
	return e.Op + ": engine status " + e.Status.String()
}

// NewStatusError returns nil for StatusSuccess.
func NewStatusError(op string, status Status) error {
	if status.Succeeded() {
		return nil
	}
	return &StatusError{Op: op, Status: status}
}

// StatusOf extracts the engine status from err. Nil maps to StatusSuccess and
// errors without a status to StatusInvalidOperation.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusInvalidOperation
}
