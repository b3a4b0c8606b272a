package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/biomech-labs/kneesync-go/pkg/quat"
)

// ErrInvalidFrame is wrapped by any decode failure caused by truncated or
// malformed bytes on the wire (spec §7: InvalidPacket, dropped and logged,
// never fatal to the session).
var ErrInvalidFrame = errors.New("invalid frame")

const (
	// HeaderSize is the fixed header carried by both streaming packet kinds;
	// it encodes an 8-byte little-endian monotonic device timestamp in ms.
	HeaderSize = 8

	// QuaternionPacketSize is the total size of a quaternion streaming packet:
	// an 8-byte header plus four int16 components.
	QuaternionPacketSize = HeaderSize + 4*2

	// AccelPacketSize is the total size of an accelerometer streaming packet:
	// an 8-byte header plus three int16 components (spec §4.3/§6: 14 bytes).
	AccelPacketSize = HeaderSize + 3*2

	// QuaternionScale converts a signed 16-bit wire component into a unit
	// quaternion component in [-1,1].
	QuaternionScale = 1.0 / 32767.0

	// AccelScaleG converts a signed 16-bit wire component into g-force for a
	// sensor configured at +/-4g full scale (spec §6: 0.122 mg/LSB).
	AccelScaleG = 0.000122
)

// QuaternionPacket is a decoded orientation sample still on the device
// clock; DeviceSession stamps it with the originating radio address before
// handing it downstream as a MotionSample.
type QuaternionPacket struct {
	TimestampDevice uint64
	Quaternion      quat.Quaternion
}

// DecodeQuaternionPacket parses a fixed-size quaternion streaming packet.
func DecodeQuaternionPacket(data []byte) (QuaternionPacket, error) {
	if len(data) < QuaternionPacketSize {
		return QuaternionPacket{}, fmt.Errorf("%w: quaternion packet too short (%d bytes, want %d)", ErrInvalidFrame, len(data), QuaternionPacketSize)
	}

	ts := binary.LittleEndian.Uint64(data[:HeaderSize])
	w := decodeScaledI16(data[HeaderSize:], QuaternionScale)
	x := decodeScaledI16(data[HeaderSize+2:], QuaternionScale)
	y := decodeScaledI16(data[HeaderSize+4:], QuaternionScale)
	z := decodeScaledI16(data[HeaderSize+6:], QuaternionScale)

	q := quat.Quaternion{W: w, X: x, Y: y, Z: z}.Normalize()
	return QuaternionPacket{TimestampDevice: ts, Quaternion: q}, nil
}

// AccelPacket is a decoded accelerometer sample used by Locate mode.
type AccelPacket struct {
	TimestampDevice uint64
	X, Y, Z         float64 // g-force
}

// DecodeAccelPacket parses a fixed-size accelerometer streaming packet.
func DecodeAccelPacket(data []byte) (AccelPacket, error) {
	if len(data) < AccelPacketSize {
		return AccelPacket{}, fmt.Errorf("%w: accel packet too short (%d bytes, want %d)", ErrInvalidFrame, len(data), AccelPacketSize)
	}

	ts := binary.LittleEndian.Uint64(data[:HeaderSize])
	x := decodeScaledI16(data[HeaderSize:], AccelScaleG)
	y := decodeScaledI16(data[HeaderSize+2:], AccelScaleG)
	z := decodeScaledI16(data[HeaderSize+4:], AccelScaleG)

	return AccelPacket{TimestampDevice: ts, X: x, Y: y, Z: z}, nil
}

// Magnitude returns the accelerometer vector's magnitude in g, used by the
// Locate shake detector.
func (p AccelPacket) Magnitude() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

func decodeScaledI16(data []byte, scale float64) float64 {
	v := int16(binary.LittleEndian.Uint16(data))
	return float64(v) * scale
}
