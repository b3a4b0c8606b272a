package datasync

import (
	"testing"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinalizeComputesOffsets(t *testing.T) {
	cfg := Config{ShortTimeout: 20 * time.Millisecond, LongTimeout: 20 * time.Millisecond, MaxWait: time.Second}
	s := NewService(cfg)

	s.CheckIn(device.LeftShin, 1000)
	s.CheckIn(device.LeftThigh, 1050)

	select {
	case <-s.ReadyChan():
	case <-time.After(time.Second):
		t.Fatal("expected baseline to finalize")
	}

	corrected, ok := s.Correct(device.LeftShin, 1000)
	require.True(t, ok)
	assert.Equal(t, uint64(1050), corrected)

	corrected, ok = s.Correct(device.LeftThigh, 1050)
	require.True(t, ok)
	assert.Equal(t, uint64(1050), corrected)
}

func TestCorrectFiltersBeforeBaseline(t *testing.T) {
	cfg := Config{ShortTimeout: 10 * time.Millisecond, LongTimeout: 10 * time.Millisecond, MaxWait: time.Second}
	s := NewService(cfg)
	s.CheckIn(device.LeftShin, 1000)
	<-s.ReadyChan()

	_, ok := s.Correct(device.LeftShin, 500) // 500+0 offset < latest(1000)
	assert.False(t, ok)
}

func TestCorrectBeforeReadyReturnsFalse(t *testing.T) {
	s := NewService(DefaultConfig())
	_, ok := s.Correct(device.LeftShin, 1000)
	assert.False(t, ok)
}

func TestMaxWaitFinalizesWithoutAllDevices(t *testing.T) {
	cfg := Config{ShortTimeout: time.Hour, LongTimeout: time.Hour, MaxWait: 20 * time.Millisecond}
	s := NewService(cfg)
	s.CheckIn(device.LeftShin, 1000)

	select {
	case <-s.ReadyChan():
	case <-time.After(time.Second):
		t.Fatal("expected max_wait finalize")
	}
	assert.True(t, s.Ready())
}
