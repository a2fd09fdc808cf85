// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package servicecall

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/ingestbridge/internal/engine"
	"github.com/ManuGH/ingestbridge/internal/engine/sim"
	"github.com/ManuGH/ingestbridge/internal/producer"
	"github.com/ManuGH/ingestbridge/internal/sink"
)

type ackObserver struct {
	producer.NopObserver
	acks chan engine.FragmentAck
}

func (o *ackObserver) FragmentAckReceived(_ *producer.StreamSession, _ engine.UploadHandle, ack engine.FragmentAck) {
	select {
	case o.acks <- ack:
	default:
	}
}

func TestDispatcher_EndToEndWithSimulatedEngine(t *testing.T) {
	defer goleak.VerifyNone(t)

	nop := zerolog.Nop()
	eng := sim.New(sim.Options{Logger: &nop, Provision: true})
	defer eng.Close()

	fs, err := sink.NewFileSink(t.TempDir())
	require.NoError(t, err)
	d, err := New(Options{Backend: NewLoopback(fs, time.Minute), Logger: &nop})
	require.NoError(t, err)

	client := producer.NewClient(engine.NewLibrary(eng.Opener()),
		producer.WithLogger(nop),
		producer.WithServiceCallbacks(d))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.CreateSync(ctx, engine.DeviceInfo{Name: "dev"}))

	obs := &ackObserver{acks: make(chan engine.FragmentAck, 64)}
	stream, err := client.CreateStreamSync(ctx, engine.StreamInfo{
		Name:             "cam",
		ContentType:      "video/h264",
		KeyFrameFragment: true,
		AbsoluteTimes:    true,
		AckRequired:      true,
		Tags:             map[string]string{"site": "lab"},
	}, obs)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		flags := engine.FrameFlagNone
		if i%3 == 0 {
			flags = engine.FrameFlagKeyFrame
		}
		require.NoError(t, stream.PutFrame(engine.Frame{
			Index:                 uint32(i),
			Flags:                 flags,
			PresentationTimestamp: time.Duration(i) * 40 * time.Millisecond,
			DecodingTimestamp:     time.Duration(i) * 40 * time.Millisecond,
			Duration:              40 * time.Millisecond,
			TrackID:               1,
			Data:                  []byte("frame"),
		}))
	}

	select {
	case ack := <-obs.acks:
		assert.Equal(t, engine.AckBuffering, ack.Type)
	case <-ctx.Done():
		t.Fatal("no fragment ack delivered to the observer")
	}

	require.NoError(t, stream.StopStreamSync(ctx))
	assert.Equal(t, producer.StateStopped, stream.State())

	require.Eventually(t, func() bool {
		files, _ := fs.List("cam")
		return len(files) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Free())
	require.NoError(t, d.Close(ctx))
}
