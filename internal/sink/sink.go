// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package sink persists uploaded fragments on local disk.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	xglog "github.com/ManuGH/ingestbridge/internal/log"
)

const fragmentExt = ".sfrag"

var ErrInvalidStreamName = errors.New("sink: invalid stream name")

// Fragment is one self-contained run of frames starting at a key frame.
type Fragment struct {
	Stream   string
	Number   string
	Timecode time.Duration
	Data     []byte
}

// FileSink writes each fragment to <dir>/<stream>/<timecode>-<id>.sfrag.
// Files appear atomically: a reader never sees a partial fragment.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("sink: directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Dir() string { return s.dir }

func (s *FileSink) streamDir(stream string) (string, error) {
	if stream == "" || stream == "." || stream == ".." || strings.ContainsAny(stream, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStreamName, stream)
	}
	return filepath.Join(s.dir, stream), nil
}

// Write stores f and returns its path.
func (s *FileSink) Write(ctx context.Context, f Fragment) (path string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := s.streamDir(f.Stream)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create stream directory: %w", err)
	}
	path = filepath.Join(dir, fmt.Sprintf("%012d-%s%s", f.Timecode.Milliseconds(), uuid.NewString(), fragmentExt))

	logger := xglog.WithComponentFromContext(ctx, "sink")
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return "", fmt.Errorf("create pending fragment file: %w", err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			logger.Debug().Err(cerr).Msg("cleanup pending fragment file")
		}
	}()

	if _, err := pending.Write(f.Data); err != nil {
		return "", fmt.Errorf("write fragment data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("atomically replace fragment file: %w", err)
	}

	logger.Debug().
		Str(xglog.FieldEvent, "sink.fragment_written").
		Str(xglog.FieldStreamName, f.Stream).
		Str(xglog.FieldPath, path).
		Int(xglog.FieldBytes, len(f.Data)).
		Msg("fragment persisted")
	return path, nil
}

// List returns the fragment files of stream in timecode order.
func (s *FileSink) List(stream string) ([]string, error) {
	dir, err := s.streamDir(stream)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), fragmentExt) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
