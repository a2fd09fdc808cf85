// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAck(t *testing.T) {
	ack, err := ParseAck(`{"EventType":"PERSISTED","FragmentTimecode":1500,"FragmentNumber":"91343852333181432"}`)
	require.NoError(t, err)
	assert.Equal(t, AckPersisted, ack.Type)
	assert.Equal(t, 1500*time.Millisecond, ack.Timecode)
	assert.Equal(t, "91343852333181432", ack.SequenceNumber)
}

func TestParseAck_Rejects(t *testing.T) {
	for _, in := range []string{"", "not json", `{"EventType":"WHATEVER"}`} {
		_, err := ParseAck(in)
		require.Error(t, err, in)
		assert.Equal(t, StatusInvalidArg, StatusOf(err), in)
	}
}

func TestFormatAck_ParsesBack(t *testing.T) {
	in := FragmentAck{Type: AckError, Timecode: 2 * time.Second, SequenceNumber: "7", Result: StatusServiceCallFailed}
	out, err := ParseAck(FormatAck(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
