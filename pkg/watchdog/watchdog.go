// Package watchdog implements Watchdog (spec §4.7): a periodic supervisor
// that detects a silent data stream on a STREAMING device and triggers
// recovery, yielding to ReconnectionManager when the radio link itself is
// gone.
package watchdog

import (
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/statestore"
	log "github.com/sirupsen/logrus"
)

// DefaultInterval is the supervisor tick period (spec §4.7: "interval ≈ 1s").
const DefaultInterval = time.Second

// IsConnectedFunc reports whether the radio link for radioAddress is still
// up; used to distinguish "silent but connected" (streaming-recovery) from
// "radio dropped" (ReconnectionManager's job) (spec §4.7).
type IsConnectedFunc func(radioAddress string) bool

// RecoveryFunc resets the sensor to IDLE and restarts streaming
// (spec §4.7).
type RecoveryFunc func(id device.ID, radioAddress string)

// RadioLostFunc hands a device off to ReconnectionManager once the radio
// link itself (not just the data stream) is gone (spec §4.7: "the watchdog
// yields to ReconnectionManager").
type RadioLostFunc func(id device.ID, radioAddress string)

// Watchdog polls StateStore for STREAMING devices gone silent.
type Watchdog struct {
	interval         time.Duration
	silenceThreshold time.Duration
	store            *statestore.StateStore
	isConnected      IsConnectedFunc
	recover          RecoveryFunc
	radioLost        RadioLostFunc

	mu        sync.Mutex
	lastHeard map[device.ID]time.Time
	running   bool
	stop      chan struct{}
}

// New returns a Watchdog. interval is the sweep tick period (DefaultInterval
// if zero); silenceThreshold is the max gap since the last heartbeat before a
// STREAMING device is considered silent; radioLost is invoked instead of
// recover once isConnected reports the radio link itself is down.
func New(interval, silenceThreshold time.Duration, store *statestore.StateStore, isConnected IsConnectedFunc, recover RecoveryFunc, radioLost RadioLostFunc) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watchdog{
		interval:         interval,
		silenceThreshold: silenceThreshold,
		store:            store,
		isConnected:      isConnected,
		recover:          recover,
		radioLost:        radioLost,
		lastHeard:        make(map[device.ID]time.Time),
	}
}

// Heartbeat records that data was heard from id just now; wired as the
// heartbeat callback DeviceSession invokes on every data notification
// (spec §4.3/§4.7).
func (w *Watchdog) Heartbeat(id device.ID) {
	w.mu.Lock()
	w.lastHeard[id] = time.Now()
	w.mu.Unlock()
}

// Start launches the periodic supervision loop. Safe to call repeatedly
// across recording sessions; a call while already running is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	go w.loop(stop)
}

// Stop halts the supervision loop; safe to call even if not running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()
}

func (w *Watchdog) loop(stop chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	now := time.Now()
	for _, d := range w.store.Devices() {
		if d.State != device.StateStreaming {
			continue
		}

		w.mu.Lock()
		last, ok := w.lastHeard[d.DeviceID]
		w.mu.Unlock()
		if !ok {
			last = d.LastSeen
		}

		if now.Sub(last) <= w.silenceThreshold {
			continue
		}

		if !w.isConnected(d.RadioAddress) {
			// Radio is gone; ReconnectionManager owns recovery from here.
			log.WithField("device_id", d.DeviceID.String()).
				WithField("silent_for", now.Sub(last)).
				Warn("watchdog: radio link lost, yielding to reconnection manager")
			if w.radioLost != nil {
				w.radioLost(d.DeviceID, d.RadioAddress)
			}
			continue
		}

		log.WithField("device_id", d.DeviceID.String()).
			WithField("silent_for", now.Sub(last)).
			Warn("watchdog: stream gone silent, triggering recovery")
		if w.recover != nil {
			w.recover(d.DeviceID, d.RadioAddress)
		}
		w.mu.Lock()
		w.lastHeard[d.DeviceID] = now
		w.mu.Unlock()
	}
}
