package reconnect

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForSequence(t *testing.T) {
	m := New(DefaultConfig(), statestore.New(nil), func(string) bool { return false }, nil)
	want := []time.Duration{500, 1000, 2000, 4000, 8000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, m.delayFor(i))
	}
	// Clamped beyond max_attempts worth of exponent growth.
	assert.Equal(t, 8000*time.Millisecond, m.delayFor(10))
}

func TestScheduleReconnectExhaustsToError(t *testing.T) {
	store := statestore.New(nil)
	id, err := store.RegisterDevice("aa:bb", "LSHIN")
	require.NoError(t, err)
	require.NoError(t, store.Transition(id, device.StateConnecting))

	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 4 * time.Millisecond

	var calls int32
	connect := func(string) bool {
		atomic.AddInt32(&calls, 1)
		return false
	}

	m := New(cfg, store, connect, nil)
	m.ScheduleReconnect(id, "aa:bb", assert.AnError)

	require.Eventually(t, func() bool {
		d, _ := store.Device(id)
		return d.State == device.StateError
	}, time.Second, time.Millisecond)

	assert.Equal(t, int32(cfg.MaxAttempts), atomic.LoadInt32(&calls))
	d, _ := store.Device(id)
	assert.Equal(t, "reconnect failed after 5 attempts", d.LastError)
}

func TestScheduleReconnectSucceeds(t *testing.T) {
	store := statestore.New(nil)
	id, _ := store.RegisterDevice("aa:bb", "LSHIN")
	require.NoError(t, store.Transition(id, device.StateConnecting))

	cfg := DefaultConfig()
	cfg.BaseDelay = time.Millisecond

	connect := func(string) bool { return true }
	m := New(cfg, store, connect, nil)
	m.ScheduleReconnect(id, "aa:bb", assert.AnError)

	require.Eventually(t, func() bool {
		d, _ := store.Device(id)
		return d.State == device.StateConnected
	}, time.Second, time.Millisecond)

	assert.Equal(t, 0, m.Attempts(id))
}

func TestCancelReconnectClearsState(t *testing.T) {
	store := statestore.New(nil)
	id, _ := store.RegisterDevice("aa:bb", "LSHIN")
	require.NoError(t, store.Transition(id, device.StateConnecting))

	cfg := DefaultConfig()
	cfg.BaseDelay = 50 * time.Millisecond

	connect := func(string) bool { return false }
	m := New(cfg, store, connect, nil)
	m.ScheduleReconnect(id, "aa:bb", assert.AnError)
	m.CancelReconnect(id)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, m.Attempts(id))
}
