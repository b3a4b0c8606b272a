// Package strategy implements ConnectionStrategy (spec §4.2): the two
// deploy-time variants governing how many peripherals may be connected
// concurrently, the delays between attempts, and per-attempt retries.
// Neither variant touches StateStore; they report per-peripheral results
// back to their caller, which is the only thing allowed to mutate state.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/transport"
	log "github.com/sirupsen/logrus"
)

// ConnectResult is the outcome of one peripheral's connection attempt
// (spec §4.2: "fail a given peripheral with an error string").
type ConnectResult struct {
	RadioAddress string
	Connected    bool
	Err          error
}

// Strategy is the shared contract both variants satisfy.
type Strategy interface {
	Connect(ctx context.Context, peripherals []transport.Peripheral) []ConnectResult
}

// Config holds the tunables named in spec §6's strategy block.
type Config struct {
	Kind                      string // "parallel" or "sequential"
	InterConnectionDelay     time.Duration
	StabilizationDelay       time.Duration
	StateVerificationTimeout time.Duration
	ConnectionTimeout        time.Duration
	MaxRetries               int
	RetryDelay               time.Duration
}

// DefaultConfig is a reasonable default for a 4-device rig.
func DefaultConfig() Config {
	return Config{
		Kind:                     "parallel",
		InterConnectionDelay:     200 * time.Millisecond,
		StabilizationDelay:       100 * time.Millisecond,
		StateVerificationTimeout: 2 * time.Second,
		ConnectionTimeout:        5 * time.Second,
		MaxRetries:               3,
		RetryDelay:               500 * time.Millisecond,
	}
}

// New builds the Strategy variant named by cfg.Kind, defaulting to Parallel
// for an unrecognized or empty kind.
func New(cfg Config) Strategy {
	if cfg.Kind == "sequential" {
		return &Sequential{cfg: cfg}
	}
	return &Parallel{cfg: cfg}
}

// Parallel launches all connects concurrently, retrying each peripheral
// independently up to cfg.MaxRetries (spec §4.2).
type Parallel struct {
	cfg Config
}

// Connect implements Strategy.
func (p *Parallel) Connect(ctx context.Context, peripherals []transport.Peripheral) []ConnectResult {
	results := make([]ConnectResult, len(peripherals))

	// errgroup.WithContext is deliberately not used here: one peripheral's
	// exhausted retries must not cancel its siblings' in-flight attempts.
	var wg sync.WaitGroup
	for i, p2 := range peripherals {
		i, p2 := i, p2
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = connectWithRetry(ctx, p2, p.cfg.MaxRetries, p.cfg.RetryDelay, p.cfg.ConnectionTimeout)
		}()
	}
	wg.Wait()
	return results
}

func connectWithRetry(ctx context.Context, p transport.Peripheral, maxRetries int, retryDelay, timeout time.Duration) ConnectResult {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ConnectResult{RadioAddress: p.RadioAddress(), Err: ctx.Err()}
			case <-time.After(retryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Connect(attemptCtx)
		cancel()
		if err == nil && p.State() == transport.PeripheralConnected {
			return ConnectResult{RadioAddress: p.RadioAddress(), Connected: true}
		}
		if err == nil {
			err = fmt.Errorf("connect resolved without reaching connected state")
		}
		lastErr = err
		log.WithField("radio_address", p.RadioAddress()).
			WithField("attempt", attempt).
			WithError(err).
			Warn("strategy: connect attempt failed")
	}
	return ConnectResult{RadioAddress: p.RadioAddress(), Err: lastErr}
}

// Sequential processes an internal FIFO queue, waiting
// InterConnectionDelay between attempts and verifying each connect
// settles within StateVerificationTimeout after a StabilizationDelay
// (spec §4.2).
type Sequential struct {
	cfg Config
}

// Connect implements Strategy.
func (s *Sequential) Connect(ctx context.Context, peripherals []transport.Peripheral) []ConnectResult {
	results := make([]ConnectResult, len(peripherals))

	for i, p := range peripherals {
		if i > 0 {
			select {
			case <-ctx.Done():
				results[i] = ConnectResult{RadioAddress: p.RadioAddress(), Err: ctx.Err()}
				continue
			case <-time.After(s.cfg.InterConnectionDelay):
			}
		}
		results[i] = s.connectOne(ctx, p)
	}
	return results
}

func (s *Sequential) connectOne(ctx context.Context, p transport.Peripheral) ConnectResult {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectionTimeout)
	err := p.Connect(attemptCtx)
	cancel()
	if err != nil {
		return ConnectResult{RadioAddress: p.RadioAddress(), Err: err}
	}

	select {
	case <-ctx.Done():
		return ConnectResult{RadioAddress: p.RadioAddress(), Err: ctx.Err()}
	case <-time.After(s.cfg.StabilizationDelay):
	}

	if s.waitForConnectedState(ctx, p) {
		return ConnectResult{RadioAddress: p.RadioAddress(), Connected: true}
	}
	return ConnectResult{RadioAddress: p.RadioAddress(), Err: fmt.Errorf("state verification timed out")}
}

// waitForConnectedState polls p.State() until it reports Connected or
// cfg.StateVerificationTimeout elapses.
func (s *Sequential) waitForConnectedState(ctx context.Context, p transport.Peripheral) bool {
	deadline := time.Now().Add(s.cfg.StateVerificationTimeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.State() == transport.PeripheralConnected {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
