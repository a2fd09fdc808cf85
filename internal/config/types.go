// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import "time"

// AppConfig is the complete, validated configuration of ingestd.
type AppConfig struct {
	Version string `yaml:"-"`

	Log       LogConfig       `yaml:"log"`
	Device    DeviceConfig    `yaml:"device"`
	Engine    EngineConfig    `yaml:"engine"`
	Streams   []StreamConfig  `yaml:"streams"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Service   ServiceConfig   `yaml:"service"`
	Sink      SinkConfig      `yaml:"sink"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	API       APIConfig       `yaml:"api"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

type DeviceConfig struct {
	Name        string            `yaml:"name"`
	ClientID    string            `yaml:"clientId"`
	StorageSize uint64            `yaml:"storageSize"`
	Provision   bool              `yaml:"provision"`
	Tags        map[string]string `yaml:"tags"`
}

// EngineConfig tunes the simulated engine.
type EngineConfig struct {
	MaxBuffer  int           `yaml:"maxBuffer"`
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// StreamConfig describes one stream and the synthetic frames fed into it.
type StreamConfig struct {
	Name             string            `yaml:"name"`
	ContentType      string            `yaml:"contentType"`
	Retention        time.Duration     `yaml:"retention"`
	FragmentDuration time.Duration     `yaml:"fragmentDuration"`
	FrameRate        int               `yaml:"frameRate"`
	KeyFrameInterval int               `yaml:"keyFrameInterval"`
	FrameSize        int               `yaml:"frameSize"`
	AckRequired      bool              `yaml:"ackRequired"`
	Tags             map[string]string `yaml:"tags"`
}

type TimeoutConfig struct {
	ClientReady     time.Duration `yaml:"clientReady"`
	StreamReady     time.Duration `yaml:"streamReady"`
	Stop            time.Duration `yaml:"stop"`
	DataChannelWait time.Duration `yaml:"dataChannelWait"`
	Shutdown        time.Duration `yaml:"shutdown"`
}

// ServiceConfig selects and tunes the backend used for service calls.
type ServiceConfig struct {
	Backend          string        `yaml:"backend"`
	BaseURL          string        `yaml:"baseUrl"`
	Timeout          time.Duration `yaml:"timeout"`
	RateLimit        float64       `yaml:"rateLimit"`
	Burst            int           `yaml:"burst"`
	MaxConcurrent    int           `yaml:"maxConcurrent"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
	TokenTTL         time.Duration `yaml:"tokenTtl"`
}

type SinkConfig struct {
	Dir string `yaml:"dir"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

type APIConfig struct {
	Listen    string `yaml:"listen"`
	RateLimit int    `yaml:"rateLimit"`
}

const (
	BackendLoopback = "loopback"
	BackendHTTP     = "http"
)
