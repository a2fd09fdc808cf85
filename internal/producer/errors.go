// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"errors"
	"fmt"

	"github.com/ManuGH/ingestbridge/internal/engine"
)

var (
	// ErrPrecondition: nil/invalid argument or call issued in the wrong state.
	// Local to the call and never retried.
	ErrPrecondition = errors.New("precondition failed")
	// ErrInvalidState: the session is not in a state that accepts the call.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidOperation: a callback referenced a handle the bridge does not
	// know. Indicates a benign free/callback race; log and continue.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrOperationTimedOut: a synchronous wrapper gave up waiting.
	ErrOperationTimedOut = errors.New("operation timed out")
	// ErrInitialization: the engine could not be loaded or has the wrong version.
	ErrInitialization = engine.ErrInitialization
)

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPrecondition}, args...)...)
}

func invalidStatef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidState}, args...)...)
}

func invalidOperationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOperation}, args...)...)
}

// engineErr wraps an engine failure with the operation name. The engine error,
// including any *engine.StatusError, stays reachable through errors.As.
func engineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
