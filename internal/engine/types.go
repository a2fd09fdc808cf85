// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Handle identifies a client or stream instance inside the engine.
type Handle uint64

// InvalidHandle is reserved by the engine for "no instance".
const InvalidHandle Handle = 0

// Valid reports whether h refers to an engine instance.
func (h Handle) Valid() bool { return h != InvalidHandle }

func (h Handle) String() string { return strconv.FormatUint(uint64(h), 10) }

// UploadHandle scopes one transport connection within a stream.
type UploadHandle int64

// InvalidUploadHandle stands for "no specific upload". Callbacks carrying it
// apply to every upload of the stream.
const InvalidUploadHandle UploadHandle = -1

// DeviceInfo describes the device a client is created for.
type DeviceInfo struct {
	Name        string
	ClientID    string
	StorageSize uint64
	StreamCount int
	Tags        map[string]string
}

func (d DeviceInfo) Validate() error {
	if d.Name == "" {
		return errors.New("device name is required")
	}
	if d.StreamCount < 0 {
		return fmt.Errorf("stream count must not be negative: %d", d.StreamCount)
	}
	return nil
}

// TrackInfo describes one elementary track of a stream.
type TrackInfo struct {
	ID               uint64
	Name             string
	CodecID          string
	CodecPrivateData []byte
}

// StreamInfo is the immutable descriptor a stream is created from.
type StreamInfo struct {
	Name             string
	ContentType      string
	KMSKeyID         string
	Retention        time.Duration
	FragmentDuration time.Duration
	FrameRate        int
	KeyFrameFragment bool
	AbsoluteTimes    bool
	AckRequired      bool
	Tags             map[string]string
	Tracks           []TrackInfo
}

func (s StreamInfo) Validate() error {
	if s.Name == "" {
		return errors.New("stream name is required")
	}
	if s.Retention < 0 {
		return fmt.Errorf("retention must not be negative: %s", s.Retention)
	}
	seen := make(map[uint64]struct{}, len(s.Tracks))
	for _, t := range s.Tracks {
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate track id %d", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// FrameFlags carries per-frame markers.
type FrameFlags uint32

const (
	FrameFlagNone          FrameFlags = 0
	FrameFlagKeyFrame      FrameFlags = 1 << 0
	FrameFlagEndOfFragment FrameFlags = 1 << 1
	FrameFlagDiscardable   FrameFlags = 1 << 2
)

// Frame is one encoded media frame handed to the engine.
type Frame struct {
	Index                 uint32
	Flags                 FrameFlags
	DecodingTimestamp     time.Duration
	PresentationTimestamp time.Duration
	Duration              time.Duration
	TrackID               uint64
	Data                  []byte
}

// IsKeyFrame reports whether the frame starts a new GOP.
func (f Frame) IsKeyFrame() bool { return f.Flags&FrameFlagKeyFrame != 0 }

// AckType enumerates fragment acknowledgement kinds.
type AckType int

const (
	AckUndefined AckType = iota
	AckBuffering
	AckReceived
	AckPersisted
	AckError
	AckIdle
)

var ackTypeNames = map[AckType]string{
	AckUndefined: "UNDEFINED",
	AckBuffering: "BUFFERING",
	AckReceived:  "RECEIVED",
	AckPersisted: "PERSISTED",
	AckError:     "ERROR",
	AckIdle:      "IDLE",
}

func (t AckType) String() string {
	if s, ok := ackTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseAckType maps the textual event type used in ack payloads.
func ParseAckType(s string) AckType {
	for k, v := range ackTypeNames {
		if v == s {
			return k
		}
	}
	return AckUndefined
}

// FragmentAck is a transport acknowledgement for one fragment.
type FragmentAck struct {
	Type           AckType
	Timecode       time.Duration
	SequenceNumber string
	Result         Status
}

// ClientMetrics is a snapshot of engine-wide buffer statistics.
type ClientMetrics struct {
	ContentStoreSize          uint64
	ContentStoreAvailableSize uint64
	ContentStoreAllocatedSize uint64
	TotalContentViewsSize     uint64
	TotalFrameRate            uint64
	TotalTransferRate         uint64
}

// StreamMetrics is a snapshot of a single stream's buffer statistics.
type StreamMetrics struct {
	CurrentViewDuration time.Duration
	OverallViewDuration time.Duration
	CurrentViewSize     uint64
	OverallViewSize     uint64
	CurrentFrameRate    float64
	CurrentTransferRate uint64
}

// Credential is an opaque auth blob with an expiry.
type Credential struct {
	Data       []byte
	Expiration time.Time
}

// StreamDescription is the control-plane view of a stream.
type StreamDescription struct {
	DeviceName   string
	StreamName   string
	ContentType  string
	KMSKeyID     string
	StreamARN    string
	Version      string
	Status       string
	CreationTime time.Time
	Retention    time.Duration
}

// Tag is a single resource tag.
type Tag struct {
	Key   string
	Value string
}
