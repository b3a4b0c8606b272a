// Package reconnect implements ReconnectionManager (spec §4.6): per-device
// exponential backoff scheduling, with a cancellable timer so a
// cancel_reconnect honors even a pending backoff sleep.
package reconnect

import (
	"fmt"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/internal/kerrors"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/statestore"
	log "github.com/sirupsen/logrus"
)

// Config holds the backoff parameters (spec §4.6/§6, worked example §8.5:
// base=500ms, multiplier=2, max=8000ms, max_attempts=5).
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultConfig matches the spec's worked example.
func DefaultConfig() Config {
	return Config{BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Multiplier: 2, MaxAttempts: 5}
}

// ConnectFunc attempts a single raw connect against the radio stack,
// reporting success.
type ConnectFunc func(radioAddress string) bool

// StartStreamingFunc resumes streaming after a successful reconnect when
// GlobalMode is STREAMING.
type StartStreamingFunc func(id device.ID)

// Manager schedules and cancels reconnect attempts per device (spec §4.6).
type Manager struct {
	cfg   Config
	store *statestore.StateStore

	connect        ConnectFunc
	startStreaming StartStreamingFunc

	mu       sync.Mutex
	attempts map[device.ID]int
	timers   map[device.ID]*time.Timer
}

// New returns a Manager. connect performs the raw radio connect;
// startStreaming is invoked after a successful reconnect while the rig is
// globally streaming.
func New(cfg Config, store *statestore.StateStore, connect ConnectFunc, startStreaming StartStreamingFunc) *Manager {
	return &Manager{
		cfg:            cfg,
		store:          store,
		connect:        connect,
		startStreaming: startStreaming,
		attempts:       make(map[device.ID]int),
		timers:         make(map[device.ID]*time.Timer),
	}
}

// delayFor computes min(base * multiplier^attempts, max) (spec §4.6).
func (m *Manager) delayFor(attempts int) time.Duration {
	d := float64(m.cfg.BaseDelay) * pow(m.cfg.Multiplier, attempts)
	max := float64(m.cfg.MaxDelay)
	if d > max {
		d = max
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// ScheduleReconnect transitions id to RECONNECTING and arms a backoff
// timer (spec §4.6). radioAddress is the peripheral address to reconnect
// against once the backoff elapses.
func (m *Manager) ScheduleReconnect(id device.ID, radioAddress string, reason error) {
	if err := m.store.Transition(id, device.StateReconnecting); err != nil {
		log.WithField("device_id", id.String()).WithError(err).Warn("reconnect: could not enter RECONNECTING")
		return
	}

	m.mu.Lock()
	attempts := m.attempts[id]
	delay := m.delayFor(attempts)
	nextAt := time.Now().Add(delay)
	m.mu.Unlock()

	_ = m.store.UpdateFields(id, statestore.Patch{NextReconnectAt: &nextAt})
	log.WithField("device_id", id.String()).WithField("attempt", attempts+1).WithField("delay", delay).
		WithError(reason).Info("reconnect: scheduled")

	timer := time.AfterFunc(delay, func() { m.attempt(id, radioAddress) })

	m.mu.Lock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	m.timers[id] = timer
	m.mu.Unlock()
}

func (m *Manager) attempt(id device.ID, radioAddress string) {
	if m.connect(radioAddress) {
		m.mu.Lock()
		m.attempts[id] = 0
		delete(m.timers, id)
		m.mu.Unlock()

		if err := m.store.Transition(id, device.StateConnecting); err == nil {
			_ = m.store.Transition(id, device.StateConnected)
		}
		if m.store.GlobalMode() == statestore.ModeStreaming && m.startStreaming != nil {
			m.startStreaming(id)
		}
		return
	}

	m.mu.Lock()
	m.attempts[id]++
	attempts := m.attempts[id]
	m.mu.Unlock()

	if attempts >= m.cfg.MaxAttempts {
		m.CancelReconnect(id)
		_ = m.store.TransitionToError(id, kerrors.ErrMaxReconnectExceeded,
			fmt.Sprintf("reconnect failed after %d attempts", attempts))
		return
	}

	// RECONNECTING only re-arms via CONNECTING (spec §3's graph has no
	// RECONNECTING self-edge); a failed attempt cycles back through it
	// before the next backoff wait begins.
	_ = m.store.Transition(id, device.StateConnecting)
	m.ScheduleReconnect(id, radioAddress, fmt.Errorf("%w: attempt %d failed", kerrors.ErrConnectionFailed, attempts))
}

// CancelReconnect clears the pending timer and attempt counter for id,
// honored even mid-backoff-sleep (spec §4.6/§9).
func (m *Manager) CancelReconnect(id device.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	delete(m.attempts, id)
}

// Attempts reports the current attempt count for id (test/observability
// helper).
func (m *Manager) Attempts(id device.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}
