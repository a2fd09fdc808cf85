// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/metrics"
)

// DefaultDataWait bounds a single idle wait of a DataChannel reader. Expiry
// is logged and the wait starts over; it never fails the read.
const DefaultDataWait = 30 * time.Second

// fillFunc copies upload bytes from the engine into buf.
type fillFunc func(buf []byte) (n int, eos bool, err error)

// DataChannel is the blocking byte pipe of one upload. One consumer reads; the
// engine notification path wakes it. Read returns io.EOF after the engine
// reported end-of-stream or the channel was closed.
type DataChannel struct {
	upload engine.UploadHandle
	fill   fillFunc
	wait   time.Duration
	logger zerolog.Logger

	// wake holds at most one pending notification; only the latest
	// availability matters.
	wake chan struct{}
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	available bool
	pending   uint64
}

func newDataChannel(upload engine.UploadHandle, fill fillFunc, wait time.Duration, logger zerolog.Logger) *DataChannel {
	if wait <= 0 {
		wait = DefaultDataWait
	}
	metrics.DataChannelsOpen.Inc()
	return &DataChannel{
		upload: upload,
		fill:   fill,
		wait:   wait,
		logger: logger.With().Int64(xglog.FieldUploadHandle, int64(upload)).Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Upload returns the upload handle this channel drains.
func (c *DataChannel) Upload() engine.UploadHandle { return c.upload }

// Closed reports whether the channel reached EOF.
func (c *DataChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns the last reported number of bytes not yet drained.
func (c *DataChannel) Pending() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// notify records that the engine has size bytes ready for this upload.
func (c *DataChannel) notify(size uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.available = true
	c.pending = size
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Read implements io.Reader over the engine's fill operation.
func (c *DataChannel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if err := c.awaitData(); err != nil {
			return 0, err
		}

		n, eos, err := c.fill(p)

		c.mu.Lock()
		if n > 0 {
			metrics.DataChannelBytesTotal.Add(float64(n))
			if uint64(n) >= c.pending {
				c.pending = 0
			} else {
				c.pending -= uint64(n)
			}
		}
		switch {
		case err != nil:
			c.mu.Unlock()
			return n, err
		case eos:
			c.closeLocked()
			c.mu.Unlock()
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		case n == 0:
			// Notification was stale; wait for the next one.
			c.available = false
			c.pending = 0
			c.mu.Unlock()
			continue
		default:
			// A full buffer means the engine may hold more.
			c.available = c.pending > 0 || n == len(p)
			c.mu.Unlock()
			return n, nil
		}
	}
}

// awaitData blocks until data is flagged available or the channel closes.
func (c *DataChannel) awaitData() error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return io.EOF
		}
		if c.available {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(c.wait)
		} else {
			timer.Reset(c.wait)
		}
		select {
		case <-c.wake:
		case <-c.done:
		case <-timer.C:
			metrics.DataChannelIdleWaitsTotal.Inc()
			c.logger.Debug().
				Str(xglog.FieldEvent, "datachannel.idle").
				Dur("waited", c.wait).
				Msg("no data available yet, still waiting")
		}
	}
}

// Close marks the channel closed and wakes a blocked reader. Idempotent.
func (c *DataChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *DataChannel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.available = false
	close(c.done)
	metrics.DataChannelsOpen.Dec()
}

var _ io.ReadCloser = (*DataChannel)(nil)
