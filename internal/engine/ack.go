// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// ackEvent is the textual fragment acknowledgement carried on the upload
// response stream. Timecodes are in milliseconds.
type ackEvent struct {
	EventType        string `json:"EventType"`
	FragmentTimecode int64  `json:"FragmentTimecode,omitempty"`
	FragmentNumber   string `json:"FragmentNumber,omitempty"`
	ErrorID          uint32 `json:"ErrorId,omitempty"`
}

// FormatAck renders ack in its wire form.
func FormatAck(ack FragmentAck) string {
	ev := ackEvent{
		EventType:        ack.Type.String(),
		FragmentTimecode: ack.Timecode.Milliseconds(),
		FragmentNumber:   ack.SequenceNumber,
		ErrorID:          uint32(ack.Result),
	}
	b, _ := json.Marshal(ev)
	return string(b)
}

// ParseAck decodes the wire form of a fragment acknowledgement.
func ParseAck(s string) (FragmentAck, error) {
	var ev ackEvent
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return FragmentAck{}, NewStatusError("parse ack", StatusInvalidArg)
	}
	t := ParseAckType(ev.EventType)
	if t == AckUndefined {
		return FragmentAck{}, fmt.Errorf("parse ack: unknown event type %q: %w", ev.EventType,
			NewStatusError("parse ack", StatusInvalidArg))
	}
	return FragmentAck{
		Type:           t,
		Timecode:       time.Duration(ev.FragmentTimecode) * time.Millisecond,
		SequenceNumber: ev.FragmentNumber,
		Result:         Status(ev.ErrorID),
	}, nil
}
