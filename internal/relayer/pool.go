package relayer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Future is the pending outcome of a submitted job.
type Future struct {
	Job Job

	done   chan struct{}
	result Result
	err    error
}

func newFuture(job Job) *Future {
	return &Future{Job: job, done: make(chan struct{})}
}

// Done is closed once the job completed.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the job completed.
func (f *Future) Result() (Result, error) {
	<-f.done
	return f.result, f.err
}

func (f *Future) complete(result Result, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// Pool runs jobs one at a time. Every relayer call signs with the agent
// key, so there is exactly one worker.
type Pool struct {
	runner Runner
	logger *zap.Logger

	mu      sync.Mutex
	queue   []*Future
	closed  bool
	signal  chan struct{}
	stopped chan struct{}
}

func NewPool(runner Runner, logger *zap.Logger) *Pool {
	return &Pool{
		runner:  runner,
		logger:  logger.Named("l1-pool"),
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (p *Pool) Start() {
	go p.run()
}

// Submit queues a job and returns its future. After Stop the future
// completes immediately with ErrPoolStopped.
func (p *Pool) Submit(job Job) *Future {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f := newFuture(job)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.complete(Result{}, ErrPoolStopped)
		return f
	}
	p.queue = append(p.queue, f)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return f
}

// Pending is the number of queued jobs not yet started.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) next() (*Future, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, p.closed
	}
	f := p.queue[0]
	p.queue = p.queue[1:]
	return f, false
}

func (p *Pool) run() {
	defer close(p.stopped)
	for {
		f, closed := p.next()
		if closed {
			return
		}
		if f == nil {
			<-p.signal
			continue
		}

		// jobs are not cancelled on shutdown
		result, err := p.runner.Run(context.Background(), f.Job)
		if err != nil {
			p.logger.Error("Relayer job failed",
				zap.String("job_id", f.Job.ID.String()),
				zap.String("kind", f.Job.Kind()),
				zap.String("tx_hash", f.Job.TxHash.Hex()),
				zap.Error(err))
		} else {
			p.logger.Info("Relayer job succeeded",
				zap.String("job_id", f.Job.ID.String()),
				zap.String("kind", f.Job.Kind()),
				zap.String("tx_hash", f.Job.TxHash.Hex()))
		}
		f.complete(result, err)
	}
}

// Stop refuses new jobs and waits until the queued ones have run or ctx is
// done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
