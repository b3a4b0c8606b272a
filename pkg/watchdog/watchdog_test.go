package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamingFixture(t *testing.T) (*statestore.StateStore, device.ID) {
	t.Helper()
	store := statestore.New(nil)
	id, err := store.RegisterDevice("aa:bb", "LSHIN")
	require.NoError(t, err)
	require.NoError(t, store.Transition(id, device.StateConnecting))
	require.NoError(t, store.Transition(id, device.StateConnected))
	require.NoError(t, store.Transition(id, device.StateStreaming))
	return store, id
}

func TestSweepTriggersRecoveryWhenSilentAndConnected(t *testing.T) {
	store, id := streamingFixture(t)

	var recovered int32
	w := New(time.Millisecond, 10*time.Millisecond, store,
		func(string) bool { return true },
		func(device.ID, string) { atomic.AddInt32(&recovered, 1) },
		func(device.ID, string) { t.Fatal("radioLost should not fire when the radio is connected") },
	)
	w.Heartbeat(id)
	time.Sleep(20 * time.Millisecond)

	w.sweep()
	assert.Equal(t, int32(1), atomic.LoadInt32(&recovered))
}

func TestSweepYieldsWhenRadioDisconnected(t *testing.T) {
	store, id := streamingFixture(t)

	var recovered, lost int32
	w := New(0, 10*time.Millisecond, store,
		func(string) bool { return false },
		func(device.ID, string) { atomic.AddInt32(&recovered, 1) },
		func(device.ID, string) { atomic.AddInt32(&lost, 1) },
	)
	w.Heartbeat(id)
	time.Sleep(20 * time.Millisecond)

	w.sweep()
	assert.Equal(t, int32(0), atomic.LoadInt32(&recovered))
	assert.Equal(t, int32(1), atomic.LoadInt32(&lost))
}

func TestSweepIgnoresNonStreamingDevices(t *testing.T) {
	store := statestore.New(nil)
	_, err := store.RegisterDevice("aa:bb", "LSHIN")
	require.NoError(t, err)

	var recovered int32
	w := New(0, time.Nanosecond, store,
		func(string) bool { return true },
		func(device.ID, string) { atomic.AddInt32(&recovered, 1) },
		func(device.ID, string) { t.Fatal("radioLost should not fire for non-streaming devices") },
	)
	w.sweep()
	assert.Equal(t, int32(0), atomic.LoadInt32(&recovered))
}
