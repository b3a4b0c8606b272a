// Package wire implements the sensor command/data wire protocol (spec §4.3,
// §6): a one-byte command id + one-byte length command frame, and the fixed
// quaternion/accelerometer streaming packet layouts, all little-endian.
package wire

import (
	"encoding/binary"
	"fmt"
)

// CommandID identifies a command frame sent on the Command characteristic.
type CommandID uint8

const (
	CmdGetState          CommandID = 0x01
	CmdSetState          CommandID = 0x02
	CmdResetToIdle       CommandID = 0x03
	CmdGetBattery        CommandID = 0x04
	CmdTimesyncReadClock CommandID = 0x05
	CmdAccelStream       CommandID = 0x06
)

// FirmwareState is the sensor firmware's reported operating mode
// (spec §4.3/§6). Only the values named in the spec are given constants;
// anything else decodes to FirmwareStateUnknown rather than a guessed
// vendor code (spec open question #1).
type FirmwareState uint8

const (
	FirmwareStateNone       FirmwareState = 0x00
	FirmwareStateIdle       FirmwareState = 0x01
	FirmwareStateTxDirect   FirmwareState = 0x08
	FirmwareStateTxBuffered FirmwareState = 0x09
	FirmwareStateLocate     FirmwareState = 0x0A

	FirmwareStateUnknown FirmwareState = 0xFF
)

// ParseFirmwareState maps a raw byte to a known FirmwareState, or
// FirmwareStateUnknown if it isn't one of the spec-confirmed codes.
func ParseFirmwareState(b byte) FirmwareState {
	switch FirmwareState(b) {
	case FirmwareStateNone, FirmwareStateIdle, FirmwareStateTxDirect, FirmwareStateTxBuffered, FirmwareStateLocate:
		return FirmwareState(b)
	default:
		return FirmwareStateUnknown
	}
}

func (s FirmwareState) String() string {
	switch s {
	case FirmwareStateNone:
		return "none"
	case FirmwareStateIdle:
		return "idle"
	case FirmwareStateTxDirect:
		return "tx_direct"
	case FirmwareStateTxBuffered:
		return "tx_buffered"
	case FirmwareStateLocate:
		return "locate"
	default:
		return "unknown"
	}
}

// StreamMode selects the quaternion stream payload requested by SET_STATE.
type StreamMode uint8

const (
	StreamModeQuaternion StreamMode = 0x01
)

// StreamFrequency selects the sample rate requested by SET_STATE; the spec
// names 100 Hz as the only supported streaming frequency.
type StreamFrequency uint8

const (
	StreamFreq100Hz StreamFrequency = 100
)

// CommandFrame is the fixed [cmd_id:u8][length:u8][payload] frame written to
// and read back from the Command characteristic (spec §4.3/§6).
type CommandFrame struct {
	CommandID CommandID
	Payload   []byte
}

// MarshalBinary encodes the frame header and payload.
func (f CommandFrame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > 0xFF {
		return nil, fmt.Errorf("%w: command payload too long (%d bytes)", ErrInvalidFrame, len(f.Payload))
	}
	buf := make([]byte, 2+len(f.Payload))
	buf[0] = byte(f.CommandID)
	buf[1] = byte(len(f.Payload))
	copy(buf[2:], f.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a command frame from raw bytes.
func (f *CommandFrame) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: frame shorter than header (%d bytes)", ErrInvalidFrame, len(data))
	}
	length := int(data[1])
	if len(data) < 2+length {
		return fmt.Errorf("%w: frame declares %d byte payload, got %d", ErrInvalidFrame, length, len(data)-2)
	}
	f.CommandID = CommandID(data[0])
	f.Payload = data[2 : 2+length]
	return nil
}

// NewSetStateFrame builds a SET_STATE frame. mode and freq are only
// meaningful when transitioning to a streaming state.
func NewSetStateFrame(state FirmwareState, mode StreamMode, freq StreamFrequency) CommandFrame {
	return CommandFrame{CommandID: CmdSetState, Payload: []byte{byte(state), byte(mode), byte(freq)}}
}

// NewSimpleFrame builds a command frame with no payload, for commands like
// GET_STATE, RESET_TO_IDLE, GET_BATTERY, TIMESYNC_READ_CLOCK.
func NewSimpleFrame(id CommandID) CommandFrame {
	return CommandFrame{CommandID: id}
}

// DecodeGetStateResponse decodes the GET_STATE response payload.
func DecodeGetStateResponse(payload []byte) (FirmwareState, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: empty GET_STATE response", ErrInvalidFrame)
	}
	return ParseFirmwareState(payload[0]), nil
}

// DecodeBatteryResponse decodes the GET_BATTERY response payload.
func DecodeBatteryResponse(payload []byte) (uint8, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: empty GET_BATTERY response", ErrInvalidFrame)
	}
	return payload[0], nil
}

// DecodeTimesyncResponse decodes the TIMESYNC_READ_CLOCK response payload,
// a little-endian device-clock millisecond counter.
func DecodeTimesyncResponse(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("%w: TIMESYNC_READ_CLOCK response too short (%d bytes)", ErrInvalidFrame, len(payload))
	}
	return binary.LittleEndian.Uint64(payload[:8]), nil
}
