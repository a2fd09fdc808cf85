// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/metrics"
)

// StreamState is the lifecycle state of a StreamSession.
type StreamState string

const (
	StateCreated  StreamState = "created"
	StateReady    StreamState = "ready"
	StateStopping StreamState = "stopping"
	StateStopped  StreamState = "stopped"
	StateInvalid  StreamState = "invalid"
)

// AcceptsFrames reports whether frames may still be submitted.
func (s StreamState) AcceptsFrames() bool {
	switch s {
	case StateCreated, StateReady, StateStopping:
		return true
	default:
		return false
	}
}

const (
	eventReady = "ready"
	eventStop  = "stop"
	eventClose = "close"
	eventFree  = "free"
)

type streamLifecycle struct {
	fsm *fsm.FSM
}

func newStreamLifecycle(logger zerolog.Logger) *streamLifecycle {
	all := []string{
		string(StateCreated), string(StateReady), string(StateStopping),
		string(StateStopped), string(StateInvalid),
	}
	return &streamLifecycle{fsm: fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			{Name: eventReady, Src: []string{string(StateCreated)}, Dst: string(StateReady)},
			{Name: eventStop, Src: []string{string(StateCreated), string(StateReady)}, Dst: string(StateStopping)},
			{Name: eventClose, Src: []string{string(StateCreated), string(StateReady), string(StateStopping)}, Dst: string(StateStopped)},
			{Name: eventFree, Src: all, Dst: string(StateInvalid)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.RecordStreamTransition(e.Src, e.Dst)
				logger.Debug().
					Str(xglog.FieldEvent, "stream.transition").
					Str(xglog.FieldOldState, e.Src).
					Str(xglog.FieldNewState, e.Dst).
					Msg("stream state changed")
			},
		},
	)}
}

func (l *streamLifecycle) Current() StreamState {
	return StreamState(l.fsm.Current())
}

// fire applies event. Re-entering the current state is not an error; an
// event the current state does not allow is reported as ErrInvalidState.
func (l *streamLifecycle) fire(event string) (bool, error) {
	err := l.fsm.Event(context.Background(), event)
	if err == nil {
		return true, nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return false, nil
	}
	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return false, invalidStatef("%s not allowed in state %s", event, l.Current())
	}
	return false, err
}
