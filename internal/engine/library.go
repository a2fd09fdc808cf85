// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInitialization marks a fatal deployment condition: the engine could not be
// reached or reports an unexpected version. It is never retried.
var ErrInitialization = errors.New("engine initialization failed")

// Opener locates and initialises an engine implementation.
type Opener func() (Engine, error)

// Library owns the process-wide engine initialisation state. Acquire is
// idempotent: the opener runs at most once and its outcome, including failure,
// is returned to every caller.
type Library struct {
	open     Opener
	expected uint32

	mu     sync.Mutex
	loaded bool
	eng    Engine
	err    error
}

// NewLibrary returns an unloaded library. Nothing is opened until Acquire.
func NewLibrary(open Opener) *Library {
	return &Library{open: open, expected: ExpectedVersion}
}

// Acquire opens the engine on first use and verifies its version.
func (l *Library) Acquire() (Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return l.eng, l.err
	}
	l.loaded = true

	if l.open == nil {
		l.err = fmt.Errorf("%w: no engine opener configured", ErrInitialization)
		return nil, l.err
	}
	eng, err := l.open()
	if err != nil {
		l.err = fmt.Errorf("%w: %w", ErrInitialization, err)
		return nil, l.err
	}
	if eng == nil {
		l.err = fmt.Errorf("%w: opener returned no engine", ErrInitialization)
		return nil, l.err
	}
	if v := eng.Version(); v != l.expected {
		l.err = fmt.Errorf("%w: engine version 0x%08x, expected 0x%08x", ErrInitialization, v, l.expected)
		return nil, l.err
	}
	l.eng = eng
	return eng, nil
}

// Loaded reports whether Acquire has run, successfully or not.
func (l *Library) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}
