// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package producer

import (
	"time"

	"github.com/rs/zerolog"
)

type options struct {
	logger    zerolog.Logger
	hasLogger bool
	dataWait  time.Duration
	auth      AuthCallbacks
	storage   StorageCallbacks
	service   ServiceCallbacks
}

// Option configures a Client.
type Option func(*options)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
		o.hasLogger = true
	}
}

// WithDataChannelWait sets the bounded idle wait of data channel readers.
func WithDataChannelWait(d time.Duration) Option {
	return func(o *options) { o.dataWait = d }
}

// WithAuthCallbacks injects the credential provider.
func WithAuthCallbacks(a AuthCallbacks) Option {
	return func(o *options) { o.auth = a }
}

// WithStorageCallbacks injects the storage pressure listener.
func WithStorageCallbacks(s StorageCallbacks) Option {
	return func(o *options) { o.storage = s }
}

// WithServiceCallbacks injects the service call executor.
func WithServiceCallbacks(s ServiceCallbacks) Option {
	return func(o *options) { o.service = s }
}
