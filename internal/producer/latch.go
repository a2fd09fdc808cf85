// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/ingestbridge/internal/metrics"
)

// latch is a one-shot gate: once released it stays open.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) Release() {
	l.once.Do(func() { close(l.ch) })
}

func (l *latch) Released() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

func (l *latch) Done() <-chan struct{} { return l.ch }

// await blocks until the latch opens or ctx ends. Expiry maps to
// ErrOperationTimedOut with the context cause attached.
func (l *latch) await(ctx context.Context, op string) error {
	start := time.Now()
	select {
	case <-l.ch:
		metrics.ObserveSyncWait(op, "ok", time.Since(start))
		return nil
	default:
	}
	select {
	case <-l.ch:
		metrics.ObserveSyncWait(op, "ok", time.Since(start))
		return nil
	case <-ctx.Done():
		metrics.ObserveSyncWait(op, "timeout", time.Since(start))
		return fmt.Errorf("%w: %s: %w", ErrOperationTimedOut, op, ctx.Err())
	}
}
