// Package transport defines the radio capability boundary (spec §4.1). The
// actual HCI/BlueZ-equivalent bindings are an external collaborator; this
// package only describes the shape a real binding must satisfy. The
// simulated implementation used by tests and by cmd/kneesyncd lives in
// internal/testutil.
package transport

import (
	"context"
	"time"
)

// PeripheralState mirrors a Peripheral's connection lifecycle as reported by
// the radio stack, independent of the higher-level Device state machine.
type PeripheralState int

const (
	PeripheralDisconnected PeripheralState = iota
	PeripheralConnecting
	PeripheralConnected
	PeripheralDisconnecting
)

// DiscoveredEvent is emitted exactly once per cache lifetime for a given
// radio address (spec §4.1): re-advertisements update RSSI/LastSeen on the
// existing Peripheral without a repeat event.
type DiscoveredEvent struct {
	RadioAddress string
	Name         string
	RSSI         int
}

// Event is the discriminated union of events the Transport event stream
// emits (spec §4.1).
type Event struct {
	Discovered  *DiscoveredEvent
	ScanStarted bool
	ScanStopped bool
	Err         error
}

// DataEvent carries a notification payload from a subscribed Characteristic.
type DataEvent struct {
	Data []byte
}

// Characteristic is a GATT characteristic capable of read/write/subscribe
// (spec §4.1).
type Characteristic interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte, withResponse bool) error
	Subscribe(ctx context.Context) (<-chan DataEvent, error)
	Unsubscribe() error
}

// Service is a GATT service exposing one or more characteristics.
type Service interface {
	Characteristic(uuid string) (Characteristic, bool)
}

// Peripheral is a single discovered/connectable radio endpoint.
type Peripheral interface {
	RadioAddress() string
	State() PeripheralState
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	DiscoverServices(ctx context.Context) error
	Service(uuid string) (Service, bool)

	// Disconnected yields once when the peripheral drops off the radio,
	// independent of a caller-initiated Disconnect.
	Disconnected() <-chan struct{}
	// RSSIUpdates streams ongoing signal-strength samples.
	RSSIUpdates() <-chan int
}

// Transport is the capability surface hiding the radio stack (spec §4.1).
type Transport interface {
	Initialize(ctx context.Context) error
	StartScan(ctx context.Context, patterns []string, minRSSI int) error
	StopScan(ctx context.Context) error
	Peripheral(radioAddress string) (Peripheral, bool)
	ForgetPeripheral(radioAddress string)
	Events() <-chan Event
}

// ScanDebounce is the minimum interval a restart must wait after the last
// scan start, matching Coordinator's MIN_RESTART_INTERVAL_MS (spec §4.13).
const ScanDebounce = 700 * time.Millisecond
