package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDPositions(t *testing.T) {
	assert.True(t, LeftThigh.IsProximal())
	assert.False(t, LeftThigh.IsDistal())
	assert.True(t, RightShin.IsDistal())
	assert.False(t, RightShin.IsProximal())
}

func TestIDValid(t *testing.T) {
	assert.True(t, LeftShin.Valid())
	assert.False(t, ID(0x99).Valid())
}

func TestMatchAdvertisedName(t *testing.T) {
	tests := []struct {
		name    string
		want    ID
		wantOK  bool
		pattern string
	}{
		{"KNEE-LSHIN-04A1", LeftShin, true, ""},
		{"knee-rthigh-beef", RightThigh, true, ""},
		{"SOME-OTHER-SENSOR", 0, false, ""},
	}

	for _, tt := range tests {
		got, ok := MatchAdvertisedName(DefaultNamePatterns, tt.name)
		assert.Equal(t, tt.wantOK, ok)
		if ok {
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateDiscovered, StateConnecting, true},
		{StateDiscovered, StateStreaming, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateReconnecting, true},
		{StateReconnecting, StateConnecting, true},
		{StateReconnecting, StateStreaming, false},
		{StateConnected, StateSyncing, true},
		{StateConnected, StateStreaming, true},
		{StateSyncing, StateSynced, true},
		{StateSyncing, StateConnected, true},
		{StateSynced, StateSyncing, true},
		{StateStreaming, StateConnected, true},
		{StateDisconnected, StateDiscovered, true},
		{StateDisconnected, StateConnecting, true},
		{StateError, StateDiscovered, true},
		{StateError, StateConnected, false},
		{StateStreaming, StateSyncing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestClockOffsetValid(t *testing.T) {
	d := Device{SyncState: SyncStateSyncing}
	assert.False(t, d.ClockOffsetValid())
	d.SyncState = SyncStateSynced
	assert.True(t, d.ClockOffsetValid())
}

func TestSortDevices(t *testing.T) {
	devices := []Device{
		{DeviceID: RightThigh},
		{DeviceID: LeftShin},
		{DeviceID: RightShin},
		{DeviceID: LeftThigh},
	}
	SortDevices(devices)
	want := []ID{LeftShin, LeftThigh, RightShin, RightThigh}
	for i, d := range devices {
		assert.Equal(t, want[i], d.DeviceID)
	}
}
