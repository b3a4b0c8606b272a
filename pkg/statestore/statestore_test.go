package statestore

import (
	"sync"
	"testing"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDeviceUnknownPattern(t *testing.T) {
	s := New(nil)
	_, err := s.RegisterDevice("aa:bb", "SOME-OTHER-SENSOR")
	assert.Error(t, err)
}

func TestRegisterDeviceAndLookup(t *testing.T) {
	s := New(nil)
	id, err := s.RegisterDevice("aa:bb", "KNEE-LSHIN-01")
	require.NoError(t, err)
	assert.Equal(t, device.LeftShin, id)

	d, ok := s.Device(id)
	require.True(t, ok)
	assert.Equal(t, device.StateDiscovered, d.State)
	assert.Equal(t, "aa:bb", d.RadioAddress)
}

func TestUpdateFieldsMatchesExpectedSnapshot(t *testing.T) {
	s := New(nil)
	id, err := s.RegisterDevice("aa:bb", "KNEE-LSHIN-01")
	require.NoError(t, err)

	nextAt := time.Now().Add(500 * time.Millisecond)
	require.NoError(t, s.UpdateFields(id, Patch{BatteryPct: intPtr(87), RSSI: intPtr(-62), NextReconnectAt: &nextAt}))

	got, ok := s.Device(id)
	require.True(t, ok)

	want := device.Device{
		DeviceID:       device.LeftShin,
		RadioAddress:   "aa:bb",
		AdvertisedName: "KNEE-LSHIN-01",
		State:          device.StateDiscovered,
		BatteryPct:     87,
		RSSI:           -62,
	}
	// LastSeen is wall-clock stamped by RegisterDevice and NextReconnectAt
	// carries a wall-clock value, so both are left out of the comparison.
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(device.Device{}, "LastSeen", "NextReconnectAt")); diff != "" {
		t.Errorf("device snapshot mismatch (-want +got):\n%s", diff)
	}
}

func intPtr(v int) *int { return &v }

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	s := New(nil)
	id, _ := s.RegisterDevice("aa:bb", "LSHIN")

	err := s.Transition(id, device.StateStreaming)
	assert.Error(t, err)

	err = s.Transition(id, device.StateConnecting)
	assert.NoError(t, err)
}

func TestTransitionEmitsEvent(t *testing.T) {
	s := New(nil)
	id, _ := s.RegisterDevice("aa:bb", "LSHIN")

	var got DeviceStateChanged
	var wg sync.WaitGroup
	wg.Add(1)
	s.Subscribe("device_state_changed", func(payload any) {
		got = payload.(DeviceStateChanged)
		wg.Done()
	})

	require.NoError(t, s.Transition(id, device.StateConnecting))
	wg.Wait()

	assert.Equal(t, id, got.DeviceID)
	assert.Equal(t, device.StateDiscovered, got.Previous)
	assert.Equal(t, device.StateConnecting, got.New)
}

func TestTransitionToErrorAlwaysAllowed(t *testing.T) {
	s := New(nil)
	id, _ := s.RegisterDevice("aa:bb", "LSHIN")
	require.NoError(t, s.Transition(id, device.StateConnecting))

	err := s.TransitionToError(id, assert.AnError, "radio dropped mid-handshake")
	require.NoError(t, err)

	d, _ := s.Device(id)
	assert.Equal(t, device.StateError, d.State)
	assert.Equal(t, "radio dropped mid-handshake", d.LastError)
}

func TestObserverPanicIsolated(t *testing.T) {
	s := New(nil)
	id, _ := s.RegisterDevice("aa:bb", "LSHIN")

	calledSecond := false
	s.Subscribe("device_state_changed", func(any) { panic("boom") })
	s.Subscribe("device_state_changed", func(any) { calledSecond = true })

	require.NoError(t, s.Transition(id, device.StateConnecting))
	assert.True(t, calledSecond)
}

func TestQueueBroadcastDebounces(t *testing.T) {
	s := New(nil)
	var mu sync.Mutex
	count := 0
	s.SetBroadcastHook(func(StateUpdate) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		s.QueueBroadcast()
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestForceBroadcastIsImmediate(t *testing.T) {
	s := New(nil)
	done := make(chan struct{}, 1)
	s.SetBroadcastHook(func(StateUpdate) { done <- struct{}{} })

	s.ForceBroadcast()
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("expected immediate broadcast")
	}
}

func TestDispatchMotionUsesRegisteredHook(t *testing.T) {
	s := New(nil)
	id, _ := s.RegisterDevice("aa:bb", "LSHIN")

	var got any
	s.RegisterHook(id, func(sample any) { got = sample })

	gotID, ok := s.DispatchMotion("aa:bb", "sample-payload")
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	assert.Equal(t, "sample-payload", got)
}

func TestDispatchMotionUnknownAddress(t *testing.T) {
	s := New(nil)
	_, ok := s.DispatchMotion("unknown", "x")
	assert.False(t, ok)
}

func TestSerializeSnapshotSortsDevices(t *testing.T) {
	s := New(nil)
	_, _ = s.RegisterDevice("a1", "RTHIGH")
	_, _ = s.RegisterDevice("a2", "LSHIN")

	snap := s.SerializeSnapshot()
	require.Len(t, snap.Devices, 2)
	assert.Equal(t, device.LeftShin, snap.Devices[0].DeviceID)
	assert.Equal(t, device.RightThigh, snap.Devices[1].DeviceID)
}

func TestSetGlobalModeEmitsOnChangeOnly(t *testing.T) {
	s := New(nil)
	count := 0
	s.Subscribe("global_state_changed", func(any) { count++ })

	s.SetGlobalMode(ModeScanning)
	s.SetGlobalMode(ModeScanning)
	s.SetGlobalMode(ModeConnecting)

	assert.Equal(t, 2, count)
}

func TestUnregisterDeviceClearsHook(t *testing.T) {
	s := New(nil)
	id, _ := s.RegisterDevice("aa:bb", "LSHIN")
	s.RegisterHook(id, func(any) {})

	s.UnregisterDevice(id)
	_, ok := s.DispatchMotion("aa:bb", "x")
	assert.False(t, ok)

	_, ok = s.Device(id)
	assert.False(t, ok)
}
