// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package sim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ManuGH/ingestbridge/internal/engine"
)

// ContainerType names the upload payload format produced by the simulator.
const ContainerType = "video/x-ingest-sim"

// Each frame on an upload is a fixed header followed by the payload:
//
//	magic[2] flags[1] reserved[1] track[4] pts[8] dts[8] duration[8] length[4]
const headerSize = 36

var magic = [2]byte{'S', 'F'}

// ErrCorruptFrame reports a frame header that does not parse.
var ErrCorruptFrame = errors.New("sim: corrupt frame header")

// EncodeFrame appends the wire form of f to dst.
func EncodeFrame(dst []byte, f engine.Frame) []byte {
	var hdr [headerSize]byte
	hdr[0], hdr[1] = magic[0], magic[1]
	hdr[2] = byte(f.Flags)
	binary.BigEndian.PutUint32(hdr[4:], uint32(f.TrackID))
	binary.BigEndian.PutUint64(hdr[8:], uint64(f.PresentationTimestamp))
	binary.BigEndian.PutUint64(hdr[16:], uint64(f.DecodingTimestamp))
	binary.BigEndian.PutUint64(hdr[24:], uint64(f.Duration))
	binary.BigEndian.PutUint32(hdr[32:], uint32(len(f.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Data...)
}

// FrameReader decodes frames from an upload byte stream.
type FrameReader struct {
	r   io.Reader
	hdr [headerSize]byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the next frame. It returns io.EOF at a clean frame boundary and
// io.ErrUnexpectedEOF for a truncated frame.
func (fr *FrameReader) Next() (engine.Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return engine.Frame{}, err
	}
	if fr.hdr[0] != magic[0] || fr.hdr[1] != magic[1] {
		return engine.Frame{}, fmt.Errorf("%w: magic %x", ErrCorruptFrame, fr.hdr[:2])
	}
	f := engine.Frame{
		Flags:                 engine.FrameFlags(fr.hdr[2]),
		TrackID:               uint64(binary.BigEndian.Uint32(fr.hdr[4:])),
		PresentationTimestamp: time.Duration(binary.BigEndian.Uint64(fr.hdr[8:])),
		DecodingTimestamp:     time.Duration(binary.BigEndian.Uint64(fr.hdr[16:])),
		Duration:              time.Duration(binary.BigEndian.Uint64(fr.hdr[24:])),
	}
	size := binary.BigEndian.Uint32(fr.hdr[32:])
	f.Data = make([]byte, size)
	if _, err := io.ReadFull(fr.r, f.Data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return engine.Frame{}, err
	}
	return f, nil
}
