// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Validate reports every problem in cfg at once. Each error wraps
// ErrInvalidConfig.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level)); err != nil || cfg.Log.Level == "" {
		add("log.level %q is not a valid level", cfg.Log.Level)
	}
	if cfg.Device.Name == "" {
		add("device.name is required")
	}
	if cfg.Engine.MaxBuffer <= 0 {
		add("engine.maxBuffer must be positive, got %d", cfg.Engine.MaxBuffer)
	}
	if cfg.Engine.StaleAfter < 0 {
		add("engine.staleAfter must not be negative")
	}

	seen := make(map[string]struct{}, len(cfg.Streams))
	for i, s := range cfg.Streams {
		field := fmt.Sprintf("streams[%d]", i)
		switch {
		case s.Name == "":
			add("%s.name is required", field)
		case strings.ContainsAny(s.Name, `/\`) || s.Name == "." || s.Name == "..":
			add("%s.name %q must not contain path separators", field, s.Name)
		}
		if _, dup := seen[s.Name]; dup && s.Name != "" {
			add("%s.name %q is duplicated", field, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.FrameRate <= 0 || s.FrameRate > 240 {
			add("%s.frameRate must be in 1..240, got %d", field, s.FrameRate)
		}
		if s.KeyFrameInterval <= 0 {
			add("%s.keyFrameInterval must be positive", field)
		}
		if s.FrameSize <= 0 || s.FrameSize > cfg.Engine.MaxBuffer {
			add("%s.frameSize must be in 1..engine.maxBuffer, got %d", field, s.FrameSize)
		}
		if s.Retention < 0 {
			add("%s.retention must not be negative", field)
		}
	}

	t := cfg.Timeouts
	for name, d := range map[string]int64{
		"timeouts.clientReady":     int64(t.ClientReady),
		"timeouts.streamReady":     int64(t.StreamReady),
		"timeouts.stop":            int64(t.Stop),
		"timeouts.dataChannelWait": int64(t.DataChannelWait),
		"timeouts.shutdown":        int64(t.Shutdown),
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}

	switch cfg.Service.Backend {
	case BackendLoopback:
		if cfg.Sink.Dir == "" {
			add("sink.dir is required for the %s backend", BackendLoopback)
		}
	case BackendHTTP:
		u, err := url.Parse(cfg.Service.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("service.baseUrl %q must be an absolute http(s) URL", cfg.Service.BaseURL)
		}
	default:
		add("service.backend %q must be %q or %q", cfg.Service.Backend, BackendLoopback, BackendHTTP)
	}
	if cfg.Service.RateLimit < 0 {
		add("service.rateLimit must not be negative")
	}
	if cfg.Service.MaxConcurrent <= 0 {
		add("service.maxConcurrent must be positive")
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Exporter != "grpc" && cfg.Telemetry.Exporter != "http" {
			add("telemetry.exporter %q must be grpc or http", cfg.Telemetry.Exporter)
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			add("telemetry.samplingRate must be in [0,1]")
		}
	}

	if cfg.API.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			add("api.listen %q: %v", cfg.API.Listen, err)
		}
	}
	if cfg.API.RateLimit < 0 {
		add("api.rateLimit must not be negative")
	}

	return errors.Join(errs...)
}
