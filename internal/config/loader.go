// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknownConfigField classifies strict YAML parse failures caused by unknown keys.
	ErrUnknownConfigField = errors.New("unknown config field")
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid config")
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file the loader reads, if any.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) env(suffix string) string {
	key := EnvPrefix + suffix
	l.ConsumedEnvKeys[key] = struct{}{}
	return key
}

// Load builds the configuration: defaults, then the file, then ENV. The
// result is validated before it is returned.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	l.mergeEnv(&cfg)

	for i := range cfg.Streams {
		applyStreamDefaults(&cfg.Streams[i])
	}
	if cfg.Sink.Dir != "" {
		if abs, err := filepath.Abs(cfg.Sink.Dir); err == nil {
			cfg.Sink.Dir = abs
		}
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg. Unknown fields, multiple documents
// and trailing content are rejected.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.Log.Level = ParseString(l.env("LOG_LEVEL"), cfg.Log.Level)
	cfg.Log.Service = ParseString(l.env("LOG_SERVICE"), cfg.Log.Service)

	cfg.Device.Name = ParseString(l.env("DEVICE_NAME"), cfg.Device.Name)
	cfg.Device.ClientID = ParseString(l.env("DEVICE_CLIENT_ID"), cfg.Device.ClientID)
	cfg.Device.StorageSize = ParseUint(l.env("DEVICE_STORAGE_SIZE"), cfg.Device.StorageSize)
	cfg.Device.Provision = ParseBool(l.env("DEVICE_PROVISION"), cfg.Device.Provision)

	cfg.Engine.MaxBuffer = ParseInt(l.env("ENGINE_MAX_BUFFER"), cfg.Engine.MaxBuffer)
	cfg.Engine.StaleAfter = ParseDuration(l.env("ENGINE_STALE_AFTER"), cfg.Engine.StaleAfter)

	cfg.Timeouts.ClientReady = ParseDuration(l.env("CLIENT_READY_TIMEOUT"), cfg.Timeouts.ClientReady)
	cfg.Timeouts.StreamReady = ParseDuration(l.env("STREAM_READY_TIMEOUT"), cfg.Timeouts.StreamReady)
	cfg.Timeouts.Stop = ParseDuration(l.env("STOP_TIMEOUT"), cfg.Timeouts.Stop)
	cfg.Timeouts.DataChannelWait = ParseDuration(l.env("DATA_CHANNEL_WAIT"), cfg.Timeouts.DataChannelWait)
	cfg.Timeouts.Shutdown = ParseDuration(l.env("SHUTDOWN_TIMEOUT"), cfg.Timeouts.Shutdown)

	cfg.Service.Backend = ParseString(l.env("SERVICE_BACKEND"), cfg.Service.Backend)
	cfg.Service.BaseURL = ParseString(l.env("SERVICE_BASE_URL"), cfg.Service.BaseURL)
	cfg.Service.Timeout = ParseDuration(l.env("SERVICE_TIMEOUT"), cfg.Service.Timeout)
	cfg.Service.RateLimit = ParseFloat(l.env("SERVICE_RATE_LIMIT"), cfg.Service.RateLimit)
	cfg.Service.Burst = ParseInt(l.env("SERVICE_BURST"), cfg.Service.Burst)
	cfg.Service.MaxConcurrent = ParseInt(l.env("SERVICE_MAX_CONCURRENT"), cfg.Service.MaxConcurrent)
	cfg.Service.BreakerThreshold = ParseInt(l.env("SERVICE_BREAKER_THRESHOLD"), cfg.Service.BreakerThreshold)
	cfg.Service.BreakerReset = ParseDuration(l.env("SERVICE_BREAKER_RESET"), cfg.Service.BreakerReset)
	cfg.Service.TokenTTL = ParseDuration(l.env("SERVICE_TOKEN_TTL"), cfg.Service.TokenTTL)

	cfg.Sink.Dir = ParseString(l.env("SINK_DIR"), cfg.Sink.Dir)

	cfg.Telemetry.Enabled = ParseBool(l.env("TELEMETRY_ENABLED"), cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString(l.env("TELEMETRY_EXPORTER"), cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString(l.env("TELEMETRY_ENDPOINT"), cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat(l.env("TELEMETRY_SAMPLING_RATE"), cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = ParseString(l.env("TELEMETRY_ENVIRONMENT"), cfg.Telemetry.Environment)

	cfg.API.Listen = ParseString(l.env("API_LISTEN"), cfg.API.Listen)
	cfg.API.RateLimit = ParseInt(l.env("API_RATE_LIMIT"), cfg.API.RateLimit)

	// INGEST_STREAMS="cam-1,cam-2" replaces the file's stream list with
	// default-tuned streams of those names.
	if names := ParseString(l.env("STREAMS"), ""); names != "" {
		cfg.Streams = nil
		for _, n := range strings.Split(names, ",") {
			if n = strings.TrimSpace(n); n != "" {
				cfg.Streams = append(cfg.Streams, StreamConfig{Name: n})
			}
		}
	}
}
