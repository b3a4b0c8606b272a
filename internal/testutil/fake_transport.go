// Package testutil holds fakes shared across package tests: an in-memory
// Transport/Peripheral/Characteristic stack, mirroring the teacher's internal/testutil/udp.go role of giving each
// package a small always-available double instead of a real radio or HTTP
// server.
package testutil

import (
	"context"
	"sync"

	"github.com/biomech-labs/kneesync-go/pkg/transport"
)

// FakeTransport is an in-memory Transport double. Tests drive it by calling
// Advertise to simulate a discovery event and FakeCharacteristic.Notify
// (reached via FakePeripheral.CommandChar/DataChar) to simulate an inbound
// GATT notification.
type FakeTransport struct {
	mu          sync.Mutex
	peripherals map[string]*FakePeripheral
	events      chan transport.Event
	initialized bool
	scanning    bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		peripherals: make(map[string]*FakePeripheral),
		events:      make(chan transport.Event, 64),
	}
}

func (t *FakeTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()
	return nil
}

func (t *FakeTransport) StartScan(ctx context.Context, patterns []string, minRSSI int) error {
	t.mu.Lock()
	t.scanning = true
	t.mu.Unlock()
	t.events <- transport.Event{ScanStarted: true}
	return nil
}

func (t *FakeTransport) StopScan(ctx context.Context) error {
	t.mu.Lock()
	t.scanning = false
	t.mu.Unlock()
	t.events <- transport.Event{ScanStopped: true}
	return nil
}

func (t *FakeTransport) Peripheral(radioAddress string) (transport.Peripheral, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peripherals[radioAddress]
	if !ok {
		return nil, false
	}
	return p, true
}

func (t *FakeTransport) ForgetPeripheral(radioAddress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peripherals, radioAddress)
}

func (t *FakeTransport) Events() <-chan transport.Event {
	return t.events
}

// Advertise registers (or refreshes) a peripheral and, the first time this
// radio address is seen, emits a DeviceDiscovered event (spec §4.1: a
// peripheral is reported exactly once per cache lifetime).
func (t *FakeTransport) Advertise(radioAddress, name string, rssi int) *FakePeripheral {
	t.mu.Lock()
	p, exists := t.peripherals[radioAddress]
	if !exists {
		p = newFakePeripheral(radioAddress)
		t.peripherals[radioAddress] = p
	}
	t.mu.Unlock()

	if !exists {
		t.events <- transport.Event{Discovered: &transport.DiscoveredEvent{RadioAddress: radioAddress, Name: name, RSSI: rssi}}
	}
	return p
}

// FakePeripheral is an in-memory Peripheral double backed by a single
// vendor Service.
type FakePeripheral struct {
	addr string

	mu           sync.Mutex
	state        transport.PeripheralState
	service      *FakeService
	disconnected chan struct{}
	rssiCh       chan int
}

func newFakePeripheral(addr string) *FakePeripheral {
	return &FakePeripheral{
		addr:         addr,
		state:        transport.PeripheralDisconnected,
		service:      newFakeService(),
		disconnected: make(chan struct{}, 1),
		rssiCh:       make(chan int, 8),
	}
}

func (p *FakePeripheral) RadioAddress() string { return p.addr }

func (p *FakePeripheral) State() transport.PeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *FakePeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.state = transport.PeripheralConnected
	p.mu.Unlock()
	return nil
}

func (p *FakePeripheral) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.state = transport.PeripheralDisconnected
	p.mu.Unlock()
	select {
	case p.disconnected <- struct{}{}:
	default:
	}
	return nil
}

func (p *FakePeripheral) DiscoverServices(ctx context.Context) error { return nil }

func (p *FakePeripheral) Service(uuid string) (transport.Service, bool) {
	return p.service, true
}

func (p *FakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }
func (p *FakePeripheral) RSSIUpdates() <-chan int       { return p.rssiCh }

// CommandChar / DataChar expose the two well-known characteristics a
// DeviceSession wires up (spec §4.3).
func (p *FakePeripheral) CommandChar() *FakeCharacteristic { return p.service.command }
func (p *FakePeripheral) DataChar() *FakeCharacteristic    { return p.service.data }

// FakeService hosts the fixed Command/Data characteristic pair.
type FakeService struct {
	command *FakeCharacteristic
	data    *FakeCharacteristic
}

func newFakeService() *FakeService {
	return &FakeService{
		command: newFakeCharacteristic(),
		data:    newFakeCharacteristic(),
	}
}

// Characteristic uuid values are opaque in this fake; tests refer to the two
// slots directly via "command" / "data".
func (s *FakeService) Characteristic(uuid string) (transport.Characteristic, bool) {
	switch uuid {
	case "command":
		return s.command, true
	case "data":
		return s.data, true
	default:
		return nil, false
	}
}

// FakeCharacteristic is a loopback-capable characteristic: writes may be
// observed via OnWrite, and the test can push arbitrary notifications.
type FakeCharacteristic struct {
	mu          sync.Mutex
	subscribers []chan transport.DataEvent
	writeFn     func([]byte)
}

func newFakeCharacteristic() *FakeCharacteristic {
	return &FakeCharacteristic{}
}

func (c *FakeCharacteristic) Read(ctx context.Context) ([]byte, error) { return nil, nil }

func (c *FakeCharacteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	c.mu.Lock()
	fn := c.writeFn
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

func (c *FakeCharacteristic) Subscribe(ctx context.Context) (<-chan transport.DataEvent, error) {
	ch := make(chan transport.DataEvent, 32)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *FakeCharacteristic) Unsubscribe() error { return nil }

// OnWrite installs a callback invoked synchronously for every Write.
func (c *FakeCharacteristic) OnWrite(fn func([]byte)) {
	c.mu.Lock()
	c.writeFn = fn
	c.mu.Unlock()
}

// Notify pushes data to every current subscriber, dropping it for any
// subscriber whose channel is full (mirrors the teacher's "channel full,
// skip" discipline in controller.go's recvloop).
func (c *FakeCharacteristic) Notify(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- transport.DataEvent{Data: data}:
		default:
		}
	}
}
