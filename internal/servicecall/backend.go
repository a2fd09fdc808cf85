// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package servicecall

import (
	"context"
	"io"
	"time"

	"github.com/ManuGH/ingestbridge/internal/engine"
)

// Backend talks to the ingestion control and data plane. Implementations
// return *StatusError for answers other than success.
type Backend interface {
	Name() string

	CreateStream(ctx context.Context, req CreateStreamRequest) (streamARN string, err error)
	DescribeStream(ctx context.Context, streamName string) (*engine.StreamDescription, error)
	GetStreamingEndpoint(ctx context.Context, streamName, apiName string) (string, error)
	GetStreamingToken(ctx context.Context, streamName string) (engine.Credential, error)
	TagResource(ctx context.Context, resourceARN string, tags []engine.Tag) error
	CreateDevice(ctx context.Context, deviceName string) (deviceARN string, err error)
	DeviceCertToToken(ctx context.Context, deviceName string) (engine.Credential, error)

	// PutMedia streams media until it is exhausted or ctx ends. Every ack
	// payload the backend produces is handed to onAck in order.
	PutMedia(ctx context.Context, req PutMediaRequest, media io.Reader, onAck func(string)) error
}

type CreateStreamRequest struct {
	DeviceName  string
	StreamName  string
	ContentType string
	KMSKeyID    string
	Retention   time.Duration
}

type PutMediaRequest struct {
	StreamName     string
	ContainerType  string
	Endpoint       string
	StartTimestamp time.Duration
	AbsoluteTimes  bool
	AckRequired    bool
}
