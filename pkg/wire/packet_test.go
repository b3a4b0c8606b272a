package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildQuaternionPacket(ts uint64, w, x, y, z int16) []byte {
	buf := make([]byte, QuaternionPacketSize)
	binary.LittleEndian.PutUint64(buf[:8], ts)
	binary.LittleEndian.PutUint16(buf[8:], uint16(w))
	binary.LittleEndian.PutUint16(buf[10:], uint16(x))
	binary.LittleEndian.PutUint16(buf[12:], uint16(y))
	binary.LittleEndian.PutUint16(buf[14:], uint16(z))
	return buf
}

func TestDecodeQuaternionPacket(t *testing.T) {
	data := buildQuaternionPacket(123456, 32767, 0, 0, 0)
	got, err := DecodeQuaternionPacket(data)
	require.NoError(t, err)

	assert.EqualValues(t, 123456, got.TimestampDevice)
	assert.InDelta(t, 1, got.Quaternion.Norm(), 1e-5)
	assert.InDelta(t, 1, got.Quaternion.W, 1e-4)
}

func TestDecodeQuaternionPacketTooShort(t *testing.T) {
	_, err := DecodeQuaternionPacket(make([]byte, QuaternionPacketSize-1))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeAccelPacket(t *testing.T) {
	buf := make([]byte, AccelPacketSize)
	binary.LittleEndian.PutUint64(buf[:8], 42)
	binary.LittleEndian.PutUint16(buf[8:], uint16(int16(8192)))
	binary.LittleEndian.PutUint16(buf[10:], 0)
	binary.LittleEndian.PutUint16(buf[12:], 0)

	got, err := DecodeAccelPacket(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.TimestampDevice)
	assert.InDelta(t, 8192*AccelScaleG, got.X, 1e-9)
	assert.Greater(t, got.Magnitude(), 0.0)
}

func TestDecodeAccelPacketTooShort(t *testing.T) {
	_, err := DecodeAccelPacket(make([]byte, AccelPacketSize-1))
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
