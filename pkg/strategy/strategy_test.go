package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPeripheral is a minimal transport.Peripheral double letting tests
// script how many attempts fail before Connect succeeds.
type stubPeripheral struct {
	addr      string
	failTimes int32
	attempts  int32
	disconnCh chan struct{}
	rssiCh    chan int

	mu    sync.Mutex
	state transport.PeripheralState
}

func newStubPeripheral(addr string, failTimes int) *stubPeripheral {
	return &stubPeripheral{
		addr:      addr,
		failTimes: int32(failTimes),
		disconnCh: make(chan struct{}, 1),
		rssiCh:    make(chan int, 1),
		state:     transport.PeripheralDisconnected,
	}
}

func (p *stubPeripheral) RadioAddress() string { return p.addr }

func (p *stubPeripheral) State() transport.PeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *stubPeripheral) Connect(ctx context.Context) error {
	n := atomic.AddInt32(&p.attempts, 1)
	if n <= p.failTimes {
		return errors.New("simulated connect failure")
	}
	p.mu.Lock()
	p.state = transport.PeripheralConnected
	p.mu.Unlock()
	return nil
}

func (p *stubPeripheral) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.state = transport.PeripheralDisconnected
	p.mu.Unlock()
	return nil
}

func (p *stubPeripheral) DiscoverServices(ctx context.Context) error    { return nil }
func (p *stubPeripheral) Service(uuid string) (transport.Service, bool) { return nil, false }
func (p *stubPeripheral) Disconnected() <-chan struct{}                 { return p.disconnCh }
func (p *stubPeripheral) RSSIUpdates() <-chan int                       { return p.rssiCh }

func fastConfig(kind string) Config {
	cfg := DefaultConfig()
	cfg.Kind = kind
	cfg.InterConnectionDelay = time.Millisecond
	cfg.StabilizationDelay = time.Millisecond
	cfg.StateVerificationTimeout = 100 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.ConnectionTimeout = 100 * time.Millisecond
	cfg.MaxRetries = 3
	return cfg
}

func TestParallelConnectSucceedsFirstTry(t *testing.T) {
	s := New(fastConfig("parallel"))
	p1 := newStubPeripheral("aa:aa", 0)
	p2 := newStubPeripheral("bb:bb", 0)

	results := s.Connect(context.Background(), []transport.Peripheral{p1, p2})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Connected)
		assert.NoError(t, r.Err)
	}
}

func TestParallelConnectRetriesThenSucceeds(t *testing.T) {
	s := New(fastConfig("parallel"))
	p := newStubPeripheral("aa:aa", 2)

	results := s.Connect(context.Background(), []transport.Peripheral{p})
	require.Len(t, results, 1)
	assert.True(t, results[0].Connected)
	assert.Equal(t, int32(3), atomic.LoadInt32(&p.attempts))
}

func TestParallelConnectExhaustsRetries(t *testing.T) {
	s := New(fastConfig("parallel"))
	p := newStubPeripheral("aa:aa", 100)

	results := s.Connect(context.Background(), []transport.Peripheral{p})
	require.Len(t, results, 1)
	assert.False(t, results[0].Connected)
	assert.Error(t, results[0].Err)
}

func TestParallelConnectIsolatesFailures(t *testing.T) {
	s := New(fastConfig("parallel"))
	good := newStubPeripheral("aa:aa", 0)
	bad := newStubPeripheral("bb:bb", 100)

	results := s.Connect(context.Background(), []transport.Peripheral{good, bad})
	require.Len(t, results, 2)

	byAddr := map[string]ConnectResult{}
	for _, r := range results {
		byAddr[r.RadioAddress] = r
	}
	assert.True(t, byAddr["aa:aa"].Connected)
	assert.False(t, byAddr["bb:bb"].Connected)
}

func TestSequentialConnectVerifiesState(t *testing.T) {
	s := New(fastConfig("sequential"))
	p1 := newStubPeripheral("aa:aa", 0)
	p2 := newStubPeripheral("bb:bb", 0)

	start := time.Now()
	results := s.Connect(context.Background(), []transport.Peripheral{p1, p2})
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Connected)
	}
	assert.GreaterOrEqual(t, elapsed, time.Millisecond)
}

func TestSequentialConnectFailsOnVerificationTimeout(t *testing.T) {
	cfg := fastConfig("sequential")
	cfg.StateVerificationTimeout = 5 * time.Millisecond
	s := New(cfg)

	stuck := &stuckPeripheral{stubPeripheral: newStubPeripheral("cc:cc", 0)}
	results := s.Connect(context.Background(), []transport.Peripheral{stuck})
	require.Len(t, results, 1)
	assert.False(t, results[0].Connected)
	assert.Error(t, results[0].Err)
}

// stuckPeripheral connects without error but never actually reaches the
// Connected state, exercising Sequential's verification-timeout path.
type stuckPeripheral struct {
	*stubPeripheral
}

func (p *stuckPeripheral) Connect(ctx context.Context) error {
	return nil
}

func (p *stuckPeripheral) State() transport.PeripheralState {
	return transport.PeripheralConnecting
}

func TestNewDefaultsToParallelForUnknownKind(t *testing.T) {
	s := New(Config{Kind: "bogus"})
	_, ok := s.(*Parallel)
	assert.True(t, ok)
}
