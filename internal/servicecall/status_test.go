// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package servicecall

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuGH/ingestbridge/internal/engine"
	"github.com/ManuGH/ingestbridge/internal/resilience"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engine.ServiceStatus
	}{
		{"nil", nil, engine.ServiceStatusOK},
		{"status error", Errorf(engine.ServiceStatusNotFound, "missing"), engine.ServiceStatusNotFound},
		{"wrapped status error", fmt.Errorf("call: %w", Errorf(engine.ServiceStatusResourceInUse, "x")), engine.ServiceStatusResourceInUse},
		{"deadline", context.DeadlineExceeded, engine.ServiceStatusRequestTimeout},
		{"canceled", context.Canceled, engine.ServiceStatusNetworkConnectionTimeout},
		{"breaker open", resilience.ErrCircuitOpen, engine.ServiceStatusServiceUnavailable},
		{"other", errors.New("boom"), engine.ServiceStatusInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestCountsAsFailure(t *testing.T) {
	assert.False(t, countsAsFailure(Errorf(engine.ServiceStatusNotFound, "")))
	assert.False(t, countsAsFailure(Errorf(engine.ServiceStatusBadRequest, "")))
	assert.False(t, countsAsFailure(context.Canceled))
	assert.True(t, countsAsFailure(Errorf(engine.ServiceStatusInternalError, "")))
	assert.True(t, countsAsFailure(Errorf(engine.ServiceStatusTooManyRequests, "")))
	assert.True(t, countsAsFailure(context.DeadlineExceeded))
}

func TestStatusError_Message(t *testing.T) {
	assert.Equal(t, "service status 404", (&StatusError{Status: 404}).Error())
	assert.Equal(t, "service status 409: taken", Errorf(409, "taken").Error())
}
