// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config loads the ingestd configuration.
//
// Precedence is ENV > file > defaults. The file is YAML and parsed strictly:
// unknown keys are an error. Holder keeps the active configuration and
// reloads it when the file changes.
package config
