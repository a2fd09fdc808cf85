// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// Defaults returns the configuration used when neither file nor ENV set a key.
func Defaults() AppConfig {
	return AppConfig{
		Log: LogConfig{Level: "info", Service: "ingestd"},
		Device: DeviceConfig{
			Name:        "ingestd",
			StorageSize: 64 << 20,
		},
		Engine: EngineConfig{
			MaxBuffer: 8 << 20,
		},
		Timeouts: TimeoutConfig{
			ClientReady:     15 * time.Second,
			StreamReady:     15 * time.Second,
			Stop:            15 * time.Second,
			DataChannelWait: 30 * time.Second,
			Shutdown:        20 * time.Second,
		},
		Service: ServiceConfig{
			Backend:          BackendLoopback,
			Timeout:          10 * time.Second,
			RateLimit:        50,
			Burst:            10,
			MaxConcurrent:    16,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
			TokenTTL:         time.Hour,
		},
		Sink: SinkConfig{Dir: "data/fragments"},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "development",
		},
		API: APIConfig{Listen: ":8088", RateLimit: 120},
	}
}

// applyStreamDefaults fills per-stream keys left empty in the file.
func applyStreamDefaults(s *StreamConfig) {
	if s.ContentType == "" {
		s.ContentType = "video/h264"
	}
	if s.FrameRate == 0 {
		s.FrameRate = 25
	}
	if s.KeyFrameInterval == 0 {
		s.KeyFrameInterval = s.FrameRate * 2
	}
	if s.FrameSize == 0 {
		s.FrameSize = 4096
	}
	if s.FragmentDuration == 0 {
		s.FragmentDuration = 2 * time.Second
	}
}
