// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/ingestbridge/internal/config"
	"github.com/ManuGH/ingestbridge/internal/engine"
	xglog "github.com/ManuGH/ingestbridge/internal/log"
	"github.com/ManuGH/ingestbridge/internal/producer"
)

const feederTrackID = 1

// frameSink is the part of a stream session the feeder writes to.
type frameSink interface {
	PutFrame(engine.Frame) error
}

// feeder produces synthetic frames at the configured rate, with a key frame
// every keyEvery frames.
type feeder struct {
	stream   frameSink
	name     string
	interval time.Duration
	keyEvery int
	size     int
	logger   zerolog.Logger
}

func newFeeder(st frameSink, sc config.StreamConfig) *feeder {
	rate := max(sc.FrameRate, 1)
	return &feeder{
		stream:   st,
		name:     sc.Name,
		interval: time.Second / time.Duration(rate),
		keyEvery: max(sc.KeyFrameInterval, 1),
		size:     max(sc.FrameSize, 8),
		logger:   xglog.WithComponent("feeder").With().Str(xglog.FieldStreamName, sc.Name).Logger(),
	}
}

// frame builds frame i. The payload carries the index so fragments written
// by the sink can be told apart.
func (f *feeder) frame(i uint32) engine.Frame {
	ts := time.Duration(i) * f.interval
	flags := engine.FrameFlagNone
	if int(i)%f.keyEvery == 0 {
		flags = engine.FrameFlagKeyFrame
	}
	data := make([]byte, f.size)
	binary.BigEndian.PutUint32(data, i)
	return engine.Frame{
		Index:                 i,
		Flags:                 flags,
		DecodingTimestamp:     ts,
		PresentationTimestamp: ts,
		Duration:              f.interval,
		TrackID:               feederTrackID,
		Data:                  data,
	}
}

// run feeds frames until ctx is cancelled or the stream stops accepting them.
func (f *feeder) run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	var i uint32
	var rejected int
	for {
		select {
		case <-ctx.Done():
			f.logger.Info().
				Str(xglog.FieldEvent, "feeder.stopped").
				Uint32("frames", i).
				Int("rejected", rejected).
				Msg("frame feeder stopped")
			return nil
		case <-ticker.C:
		}

		if err := f.stream.PutFrame(f.frame(i)); err != nil {
			if errors.Is(err, producer.ErrInvalidState) || errors.Is(err, producer.ErrPrecondition) {
				f.logger.Info().
					Err(err).
					Str(xglog.FieldEvent, "feeder.stream_closed").
					Msg("stream no longer accepts frames")
				return nil
			}
			rejected++
			f.logger.Debug().
				Err(err).
				Str(xglog.FieldEvent, "feeder.frame_rejected").
				Uint32("index", i).
				Msg("frame rejected")
		}
		i++
	}
}
