package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"beamer/agent/internal/agent"
	"beamer/agent/internal/events"
)

// WaitTime is the longest the processor sleeps without a new event.
const WaitTime = time.Second

// Policy is the per-direction logic a processor drives.
type Policy interface {
	ProcessEvent(ctx context.Context, ev events.Event) (bool, []events.Event)
	CollectL1Results(ctx context.Context)
	ProcessRequests(ctx context.Context)
	ProcessClaims(ctx context.Context)
	Status() agent.Status
}

// ProcessorStatus is the processor's view for the status endpoint.
type ProcessorStatus struct {
	agent.Status
	Synced     bool            `json:"synced"`
	RPCWorking map[string]bool `json:"rpc_working"`
	Queued     int             `json:"queued_events"`
}

// Processor feeds the events of one direction into its policy.
type Processor struct {
	sourceChainID uint64
	targetChainID uint64
	policy        Policy
	logger        *zap.Logger

	mu         sync.Mutex
	queue      []events.Event
	syncsDone  int
	rpcWorking map[uint64]bool

	signal chan struct{}
	synced chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor creates the processor of the direction source -> target.
// Equal ids make a loopback direction.
func NewProcessor(sourceChainID, targetChainID uint64, policy Policy, logger *zap.Logger) *Processor {
	return &Processor{
		sourceChainID: sourceChainID,
		targetChainID: targetChainID,
		policy:        policy,
		logger: logger.Named("processor").With(
			zap.Uint64("source_chain_id", sourceChainID),
			zap.Uint64("target_chain_id", targetChainID)),
		rpcWorking: map[uint64]bool{sourceChainID: true, targetChainID: true},
		signal:     make(chan struct{}, 1),
		synced:     make(chan struct{}),
	}
}

// AddEvents queues evs and wakes the processor.
func (p *Processor) AddEvents(evs []events.Event) {
	p.mu.Lock()
	p.queue = append(p.queue, evs...)
	p.mu.Unlock()
	p.notify()
}

// SyncDone counts a finished initial sync. The processor starts once every
// chain of its direction has synced.
func (p *Processor) SyncDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncsDone++
	if p.syncsDone == len(p.rpcWorking) {
		close(p.synced)
	}
}

func (p *Processor) RPCStatusChanged(chainID uint64, working bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rpcWorking[chainID]; ok {
		p.rpcWorking[chainID] = working
	}
}

func (p *Processor) IsSynced() bool {
	select {
	case <-p.synced:
		return true
	default:
		return false
	}
}

func (p *Processor) rpcHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, working := range p.rpcWorking {
		if !working {
			return false
		}
	}
	return true
}

func (p *Processor) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Start launches the processing goroutine.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop cancels the processing goroutine and waits up to JoinTimeout for it.
func (p *Processor) Stop() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
		p.logger.Info("Processor stopped")
		return nil
	case <-time.After(JoinTimeout):
		p.logger.Warn("Processor did not stop in time")
		return fmt.Errorf("processor %d->%d: %w", p.sourceChainID, p.targetChainID, ErrJoinTimeout)
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Fatal("Processor crashed", zap.Any("panic", r))
		}
	}()

	select {
	case <-ctx.Done():
		return
	case <-p.synced:
	}
	p.logger.Info("Processor started")

	for {
		p.step(ctx)

		timer := time.NewTimer(WaitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// step is one iteration of the main loop.
func (p *Processor) step(ctx context.Context) {
	p.drain(ctx)
	p.policy.CollectL1Results(ctx)
	if !p.rpcHealthy() {
		p.logger.Debug("Skipping policy while an RPC is down")
		return
	}
	p.policy.ProcessRequests(ctx)
	p.policy.ProcessClaims(ctx)
}

// drain feeds queued events to the policy until a pass changes nothing.
// Deferred events go back to the tail of the queue and emitted events
// follow them once the pass is done.
func (p *Processor) drain(ctx context.Context) {
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()
		if len(batch) == 0 {
			return
		}

		changed := false
		var deferred, emitted []events.Event
		for _, ev := range batch {
			ok, more := p.policy.ProcessEvent(ctx, ev)
			if ok {
				changed = true
			} else {
				deferred = append(deferred, ev)
			}
			emitted = append(emitted, more...)
		}

		p.mu.Lock()
		p.queue = append(p.queue, deferred...)
		p.queue = append(p.queue, emitted...)
		p.mu.Unlock()

		if !changed {
			return
		}
	}
}

// Status is safe to call from any goroutine.
func (p *Processor) Status() ProcessorStatus {
	s := ProcessorStatus{
		Status:     p.policy.Status(),
		Synced:     p.IsSynced(),
		RPCWorking: make(map[string]bool),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for chainID, working := range p.rpcWorking {
		s.RPCWorking[strconv.FormatUint(chainID, 10)] = working
	}
	s.Queued = len(p.queue)
	return s
}
