// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package servicecall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/ingestbridge/internal/engine"
	"github.com/ManuGH/ingestbridge/internal/engine/sim"
	"github.com/ManuGH/ingestbridge/internal/sink"
)

const loopbackEndpoint = "loopback://local"

// Loopback answers every control-plane call locally and persists uploaded
// media through a FileSink. It understands the simulated engine's container.
type Loopback struct {
	sink     *sink.FileSink
	tokenTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	streams  map[string]*engine.StreamDescription
	tags     map[string][]engine.Tag
	fragment uint64
}

var _ Backend = (*Loopback)(nil)

// NewLoopback returns a backend writing fragments to s. A nil sink discards
// media after acknowledging it.
func NewLoopback(s *sink.FileSink, tokenTTL time.Duration) *Loopback {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &Loopback{
		sink:     s,
		tokenTTL: tokenTTL,
		now:      time.Now,
		streams:  make(map[string]*engine.StreamDescription),
		tags:     make(map[string][]engine.Tag),
	}
}

func (l *Loopback) Name() string { return "loopback" }

func (l *Loopback) CreateStream(ctx context.Context, req CreateStreamRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.StreamName == "" {
		return "", Errorf(engine.ServiceStatusBadRequest, "stream name is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.streams[req.StreamName]; ok {
		return "", Errorf(engine.ServiceStatusResourceInUse, "stream %q already exists", req.StreamName)
	}
	arn := fmt.Sprintf("arn:ingest:loopback:stream/%s/%d", req.StreamName, l.now().UnixMilli())
	l.streams[req.StreamName] = &engine.StreamDescription{
		DeviceName:   req.DeviceName,
		StreamName:   req.StreamName,
		ContentType:  req.ContentType,
		KMSKeyID:     req.KMSKeyID,
		StreamARN:    arn,
		Version:      uuid.NewString(),
		Status:       "ACTIVE",
		CreationTime: l.now(),
		Retention:    req.Retention,
	}
	return arn, nil
}

func (l *Loopback) DescribeStream(ctx context.Context, streamName string) (*engine.StreamDescription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	desc, ok := l.streams[streamName]
	if !ok {
		return nil, Errorf(engine.ServiceStatusNotFound, "stream %q not found", streamName)
	}
	cp := *desc
	return &cp, nil
}

func (l *Loopback) GetStreamingEndpoint(ctx context.Context, streamName, _ string) (string, error) {
	if _, err := l.DescribeStream(ctx, streamName); err != nil {
		return "", err
	}
	return loopbackEndpoint, nil
}

func (l *Loopback) GetStreamingToken(ctx context.Context, streamName string) (engine.Credential, error) {
	if _, err := l.DescribeStream(ctx, streamName); err != nil {
		return engine.Credential{}, err
	}
	return l.credential(), nil
}

func (l *Loopback) TagResource(ctx context.Context, resourceARN string, tags []engine.Tag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resourceARN == "" {
		return Errorf(engine.ServiceStatusBadRequest, "resource ARN is required")
	}
	l.mu.Lock()
	l.tags[resourceARN] = append(l.tags[resourceARN], tags...)
	l.mu.Unlock()
	return nil
}

// Tags returns the tags recorded for a resource.
func (l *Loopback) Tags(resourceARN string) []engine.Tag {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.Tag(nil), l.tags[resourceARN]...)
}

func (l *Loopback) CreateDevice(ctx context.Context, deviceName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if deviceName == "" {
		return "", Errorf(engine.ServiceStatusBadRequest, "device name is required")
	}
	return "arn:ingest:loopback:device/" + deviceName, nil
}

func (l *Loopback) DeviceCertToToken(ctx context.Context, deviceName string) (engine.Credential, error) {
	if err := ctx.Err(); err != nil {
		return engine.Credential{}, err
	}
	if deviceName == "" {
		return engine.Credential{}, Errorf(engine.ServiceStatusBadRequest, "device name is required")
	}
	return l.credential(), nil
}

func (l *Loopback) credential() engine.Credential {
	return engine.Credential{
		Data:       []byte(uuid.NewString()),
		Expiration: l.now().Add(l.tokenTTL),
	}
}

// PutMedia decodes frames and cuts a fragment at every key frame. Each
// fragment is acknowledged as buffering when it starts, received when it is
// complete and persisted once the sink has written it.
func (l *Loopback) PutMedia(ctx context.Context, req PutMediaRequest, media io.Reader, onAck func(string)) error {
	if req.ContainerType != sim.ContainerType {
		return Errorf(engine.ServiceStatusBadRequest, "unsupported container type %q", req.ContainerType)
	}
	if _, err := l.DescribeStream(ctx, req.StreamName); err != nil {
		return err
	}

	ack := func(t engine.AckType, f *openFragment) {
		if req.AckRequired {
			onAck(engine.FormatAck(engine.FragmentAck{Type: t, Timecode: f.timecode, SequenceNumber: f.number}))
		}
	}

	var cur *openFragment
	finish := func() error {
		if cur == nil {
			return nil
		}
		f := cur
		cur = nil
		ack(engine.AckReceived, f)
		if l.sink != nil {
			if _, err := l.sink.Write(ctx, sink.Fragment{
				Stream:   req.StreamName,
				Number:   f.number,
				Timecode: f.timecode,
				Data:     f.data,
			}); err != nil {
				if req.AckRequired {
					onAck(engine.FormatAck(engine.FragmentAck{
						Type: engine.AckError, Timecode: f.timecode, SequenceNumber: f.number,
						Result: engine.StatusServiceCallFailed,
					}))
				}
				return Errorf(engine.ServiceStatusInternalError, "persist fragment %s: %v", f.number, err)
			}
		}
		ack(engine.AckPersisted, f)
		return nil
	}

	fr := sim.NewFrameReader(media)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return finish()
		}
		if err != nil {
			return Errorf(engine.ServiceStatusBadRequest, "decode media: %v", err)
		}

		if frame.IsKeyFrame() || cur == nil {
			if err := finish(); err != nil {
				return err
			}
			timecode := frame.PresentationTimestamp
			if !req.AbsoluteTimes {
				timecode += req.StartTimestamp
			}
			cur = &openFragment{number: l.nextFragment(), timecode: timecode}
			ack(engine.AckBuffering, cur)
		}
		cur.data = sim.EncodeFrame(cur.data, frame)
	}
}

func (l *Loopback) nextFragment() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fragment++
	return strconv.FormatUint(l.fragment, 10)
}

type openFragment struct {
	number   string
	timecode time.Duration
	data     []byte
}
