// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package servicecall

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/ingestbridge/internal/engine"
	"github.com/ManuGH/ingestbridge/internal/resilience"
)

var (
	// ErrNotBound is returned for requests that arrive before Bind.
	ErrNotBound = errors.New("servicecall: dispatcher not bound to a client")
	// ErrClosed is returned for requests that arrive after Close.
	ErrClosed = errors.New("servicecall: dispatcher closed")
)

// StatusError is a backend failure with an HTTP-style status.
type StatusError struct {
	Status engine.ServiceStatus
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("service status %d", e.Status)
	}
	return fmt.Sprintf("service status %d: %s", e.Status, e.Msg)
}

// Errorf builds a StatusError.
func Errorf(status engine.ServiceStatus, format string, args ...any) error {
	return &StatusError{Status: status, Msg: fmt.Sprintf(format, args...)}
}

// StatusOf maps err to the status reported to the engine.
func StatusOf(err error) engine.ServiceStatus {
	if err == nil {
		return engine.ServiceStatusOK
	}
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, context.DeadlineExceeded):
		return engine.ServiceStatusRequestTimeout
	case errors.Is(err, context.Canceled):
		return engine.ServiceStatusNetworkConnectionTimeout
	case errors.Is(err, resilience.ErrCircuitOpen):
		return engine.ServiceStatusServiceUnavailable
	default:
		return engine.ServiceStatusInternalError
	}
}

// countsAsFailure keeps client errors out of the breaker: a 404 from
// DescribeStream is an expected answer, not an outage.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	s := StatusOf(err)
	return s >= 500 || s == engine.ServiceStatusRequestTimeout || s == engine.ServiceStatusTooManyRequests
}
