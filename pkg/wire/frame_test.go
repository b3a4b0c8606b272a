package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame CommandFrame
	}{
		{"simple", NewSimpleFrame(CmdGetState)},
		{"set state with payload", NewSetStateFrame(FirmwareStateTxDirect, StreamModeQuaternion, StreamFreq100Hz)},
		{"zero length payload", CommandFrame{CommandID: CmdResetToIdle}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.MarshalBinary()
			require.NoError(t, err)

			var got CommandFrame
			require.NoError(t, got.UnmarshalBinary(data))
			assert.Equal(t, tt.frame.CommandID, got.CommandID)
			assert.Equal(t, len(tt.frame.Payload), len(got.Payload))
		})
	}
}

func TestCommandFrameUnmarshalTooShort(t *testing.T) {
	var f CommandFrame
	err := f.UnmarshalBinary([]byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestCommandFrameUnmarshalTruncatedPayload(t *testing.T) {
	var f CommandFrame
	err := f.UnmarshalBinary([]byte{0x01, 0x05, 0x00})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestParseFirmwareState(t *testing.T) {
	tests := []struct {
		raw  byte
		want FirmwareState
	}{
		{0x00, FirmwareStateNone},
		{0x01, FirmwareStateIdle},
		{0x08, FirmwareStateTxDirect},
		{0x09, FirmwareStateTxBuffered},
		{0x0A, FirmwareStateLocate},
		{0x42, FirmwareStateUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseFirmwareState(tt.raw))
	}
}

func TestDecodeTimesyncResponse(t *testing.T) {
	payload := []byte{0x10, 0x27, 0, 0, 0, 0, 0, 0} // 10000 little-endian
	got, err := DecodeTimesyncResponse(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 10000, got)
}

func TestDecodeTimesyncResponseTooShort(t *testing.T) {
	_, err := DecodeTimesyncResponse([]byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeBatteryResponse(t *testing.T) {
	got, err := DecodeBatteryResponse([]byte{87})
	require.NoError(t, err)
	assert.EqualValues(t, 87, got)
}
