package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"beamer/agent/internal/blockchain/evm"
	"beamer/agent/internal/events"
	"beamer/agent/internal/metrics"
)

// JoinTimeout bounds how long Stop waits for a worker goroutine.
const JoinTimeout = 2 * time.Second

// ErrJoinTimeout is returned by Stop when the goroutine did not exit in time.
var ErrJoinTimeout = errors.New("worker did not stop in time")

// Subscriber receives the events of a monitored chain.
type Subscriber interface {
	AddEvents(evs []events.Event)
	SyncDone()
	RPCStatusChanged(chainID uint64, working bool)
}

// EventSource yields the next batch of chain events, empty once the head is
// reached.
type EventSource interface {
	Fetch(ctx context.Context) ([]events.Event, error)
}

// Monitor polls one chain and fans its events out to subscribers
type Monitor struct {
	chainID    uint64
	source     EventSource
	pollPeriod time.Duration
	logger     *zap.Logger

	mu          sync.Mutex
	subscribers []Subscriber

	rpcWorking atomic.Bool
	synced     atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor for chainID reading from source.
func NewMonitor(chainID uint64, source EventSource, pollPeriod time.Duration, logger *zap.Logger) *Monitor {
	m := &Monitor{
		chainID:    chainID,
		source:     source,
		pollPeriod: pollPeriod,
		logger:     logger.Named("monitor").With(zap.Uint64("chain_id", chainID)),
	}
	m.rpcWorking.Store(true)
	return m
}

func (m *Monitor) ChainID() uint64 { return m.chainID }

// Subscribe adds s to the receivers. It must be called before Start.
func (m *Monitor) Subscribe(s Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, s)
}

// RPCWorking reports whether the last fetch reached the endpoint.
func (m *Monitor) RPCWorking() bool { return m.rpcWorking.Load() }

// Synced reports whether the initial catch-up finished.
func (m *Monitor) Synced() bool { return m.synced.Load() }

// Start launches the polling goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	metrics.SetRPCWorking(m.chainID, true)

	go m.run(ctx)
}

// Stop cancels the polling goroutine and waits up to JoinTimeout for it.
func (m *Monitor) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
		m.logger.Info("Monitor stopped")
		return nil
	case <-time.After(JoinTimeout):
		m.logger.Warn("Monitor did not stop in time")
		return fmt.Errorf("monitor %d: %w", m.chainID, ErrJoinTimeout)
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Fatal("Monitor crashed", zap.Any("panic", r))
		}
	}()

	m.logger.Info("Monitor started", zap.Duration("poll_period", m.pollPeriod))

	for !m.drain(ctx) {
		if !m.wait(ctx) {
			return
		}
	}
	m.synced.Store(true)
	m.logger.Info("Initial sync done")
	for _, s := range m.snapshot() {
		s.SyncDone()
	}

	for m.wait(ctx) {
		m.drain(ctx)
	}
}

// drain fetches until the head is reached. It returns false when a fetch
// failed.
func (m *Monitor) drain(ctx context.Context) bool {
	for {
		evs, err := m.source.Fetch(ctx)
		if err != nil {
			m.handleError(ctx, err)
			return false
		}
		m.setRPCWorking(true)
		if len(evs) == 0 {
			return true
		}
		for _, s := range m.snapshot() {
			s.AddEvents(evs)
		}
	}
}

func (m *Monitor) handleError(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, events.ErrMalformedEvent), errors.Is(err, evm.ErrRateLimitPersistent):
		m.logger.Fatal("Cannot continue fetching events", zap.Error(err))
	case evm.IsConnectionError(err):
		if m.setRPCWorking(false) {
			m.logger.Warn("Chain RPC down", zap.Error(err))
		}
	default:
		m.logger.Warn("Failed to fetch events", zap.Error(err))
	}
}

// setRPCWorking records the health and notifies subscribers on an edge. It
// returns whether the state changed.
func (m *Monitor) setRPCWorking(working bool) bool {
	if m.rpcWorking.Swap(working) == working {
		return false
	}
	metrics.SetRPCWorking(m.chainID, working)
	if working {
		m.logger.Info("Chain RPC working again")
	}
	for _, s := range m.snapshot() {
		s.RPCStatusChanged(m.chainID, working)
	}
	return true
}

func (m *Monitor) wait(ctx context.Context) bool {
	timer := time.NewTimer(m.pollPeriod)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Monitor) snapshot() []Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Subscriber(nil), m.subscribers...)
}
