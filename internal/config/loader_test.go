// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log:
  level: debug
device:
  name: cam-box
  provision: true
streams:
  - name: front-door
    frameRate: 30
    ackRequired: true
    retention: 24h
  - name: garage
    contentType: video/h265
    keyFrameInterval: 10
service:
  backend: loopback
  rateLimit: 5
sink:
  dir: /var/lib/ingestd
api:
  listen: "127.0.0.1:9000"
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_DefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("", "1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, BackendLoopback, cfg.Service.Backend)
	assert.True(t, filepath.IsAbs(cfg.Sink.Dir))
	assert.Empty(t, cfg.Streams)
}

func TestLoader_FileAndStreamDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)

	cfg, err := NewLoader(path, "dev").Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "ingestd", cfg.Log.Service, "keys missing from the file keep their default")
	assert.Equal(t, "cam-box", cfg.Device.Name)
	assert.True(t, cfg.Device.Provision)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	assert.InDelta(t, 5.0, cfg.Service.RateLimit, 1e-9)

	require.Len(t, cfg.Streams, 2)
	front := cfg.Streams[0]
	assert.Equal(t, 30, front.FrameRate)
	assert.Equal(t, 60, front.KeyFrameInterval)
	assert.Equal(t, 24*time.Hour, front.Retention)
	assert.Equal(t, "video/h264", front.ContentType)
	assert.Equal(t, "video/h265", cfg.Streams[1].ContentType)
	assert.Equal(t, 10, cfg.Streams[1].KeyFrameInterval)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)
	t.Setenv("INGEST_LOG_LEVEL", "warn")
	t.Setenv("INGEST_STOP_TIMEOUT", "3s")
	t.Setenv("INGEST_STREAMS", "a, b ,,c")

	l := NewLoader(path, "dev")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Stop)
	require.Len(t, cfg.Streams, 3)
	assert.Equal(t, "b", cfg.Streams[1].Name)
	assert.Equal(t, 25, cfg.Streams[2].FrameRate)
	assert.Contains(t, l.ConsumedEnvKeys, "INGEST_LOG_LEVEL")
}

func TestLoader_StrictParsing(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLoader(writeConfig(t, dir, "device:\n  nam: typo\n"), "").Load()
	assert.ErrorIs(t, err, ErrUnknownConfigField)

	_, err = NewLoader(writeConfig(t, dir, "log:\n  level: info\n---\nlog:\n  level: debug\n"), "").Load()
	assert.ErrorContains(t, err, "multiple documents")

	empty := writeConfig(t, dir, "")
	_, err = NewLoader(empty, "").Load()
	assert.NoError(t, err)

	json := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(json, []byte("{}"), 0o600))
	_, err = NewLoader(json, "").Load()
	assert.ErrorContains(t, err, "only YAML supported")
}

func TestLoader_InvalidConfigFailsValidation(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  backend: carrier-pigeon\n")
	_, err := NewLoader(path, "").Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
