// Package pool implements the bounded concurrency pool that backs every
// task execution in oxalis. A Pool holds a set of in-flight units of
// work and a capacity limit; it is shared across tasks by default and
// may be partitioned per declared pool identity by a transport driver
// (the log-broker driver does this per topic group).
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Work is a unit of execution submitted to a Pool. It receives a context
// that is cancelled on the unit's deadline or on ForceClose.
type Work func(ctx context.Context) error

// State is the lifecycle stage of a Pool.
type State int

const (
	// Open accepts new spawns.
	Open State = iota
	// Closing refuses new spawns and is draining in-flight units.
	Closing
	// Closed refuses new spawns. After WaitClose no in-flight units
	// remain; after ForceClose, cancelled units may still be finishing.
	Closed
)

// ErrPoolFull is returned by Spawn when the pool has no free capacity.
var ErrPoolFull = &fullError{}

type fullError struct{}

func (*fullError) Error() string { return "pool: at capacity" }

// ErrPoolClosed is returned by Spawn/WaitSpawn once the pool has begun
// closing.
var ErrPoolClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "pool: closed" }

// Pool is a bounded set of concurrent executions. Concurrency < 0 means
// unbounded (no semaphore is acquired). Timeout is the default deadline
// applied to a unit of work when the caller does not supply one.
type Pool struct {
	concurrency int64
	timeout     time.Duration
	sem         *semaphore.Weighted

	mu       sync.Mutex
	state    State
	inFlight int
	done     chan struct{} // closed when inFlight reaches zero while Closing/Closed

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates a Pool with the given concurrency (-1 for unbounded) and
// default per-unit timeout (0 for none).
func New(concurrency int, timeout time.Duration) *Pool {
	p := &Pool{
		concurrency: int64(concurrency),
		timeout:     timeout,
		done:        make(chan struct{}),
	}
	if concurrency >= 0 {
		p.sem = semaphore.NewWeighted(int64(concurrency))
	}
	p.rootCtx, p.rootCancel = context.WithCancel(context.Background())
	return p
}

// Concurrency reports the pool's configured capacity (-1 = unbounded).
func (p *Pool) Concurrency() int {
	if p.sem == nil {
		return -1
	}
	return int(p.concurrency)
}

// Len reports the current number of in-flight units.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// State reports the pool's current lifecycle stage.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Spawn starts work without blocking. It fails with ErrPoolFull if the
// pool is at capacity, or ErrPoolClosed once closing has begun.
func (p *Pool) Spawn(work Work, timeout time.Duration) error {
	p.mu.Lock()
	if p.state != Open {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.sem != nil && !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		return ErrPoolFull
	}
	p.inFlight++
	p.mu.Unlock()

	p.run(work, timeout)
	return nil
}

// WaitSpawn starts work, blocking the caller cooperatively until capacity
// is available. It returns ErrPoolClosed if the pool closes while
// waiting or before the wait begins.
func (p *Pool) WaitSpawn(ctx context.Context, work Work, timeout time.Duration) error {
	p.mu.Lock()
	if p.state != Open {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	sem := p.sem
	p.mu.Unlock()

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.state != Open {
		p.mu.Unlock()
		if sem != nil {
			sem.Release(1)
		}
		return ErrPoolClosed
	}
	p.inFlight++
	p.mu.Unlock()

	p.run(work, timeout)
	return nil
}

// run executes work under a deadline derived from timeout (falling back
// to the pool default, then to no deadline) and accounts for the unit's
// completion against inFlight/the semaphore.
func (p *Pool) run(work Work, timeout time.Duration) {
	if timeout <= 0 {
		timeout = p.timeout
	}

	go func() {
		defer p.finish()

		ctx := p.rootCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		_ = work(ctx)
	}()
}

func (p *Pool) finish() {
	p.mu.Lock()
	if p.sem != nil {
		p.sem.Release(1)
	}
	p.inFlight--
	drained := p.inFlight == 0 && p.state != Open
	p.mu.Unlock()

	if drained {
		p.signalDone()
	}
}

func (p *Pool) signalDone() {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.mu.Unlock()
}

// WaitClose refuses new spawns and blocks until every in-flight unit has
// terminated, normally or with error.
func (p *Pool) WaitClose(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Open {
		p.state = Closing
	}
	empty := p.inFlight == 0
	p.mu.Unlock()

	if empty {
		p.signalDone()
		p.mu.Lock()
		p.state = Closed
		p.mu.Unlock()
		return nil
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.state = Closed
	p.mu.Unlock()
	return nil
}

// ForceClose refuses new spawns and cancels every in-flight unit's
// context immediately, without waiting for them to observe cancellation.
// No callback from a previously spawned unit may observe the pool as
// open after this returns.
func (p *Pool) ForceClose() {
	p.mu.Lock()
	p.state = Closed
	p.mu.Unlock()
	p.rootCancel()
	p.signalDone()
}
