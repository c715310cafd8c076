package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Pool runs Source captures on a bounded set of worker goroutines so that
// network event loops never block on capture. Requests that arrive while
// every worker is busy wait in a bounded FIFO and are served in order.
type Pool struct {
	source  *Source
	workers *ants.Pool
	timeout time.Duration
	logger  *slog.Logger
	size    int
	limit   int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active int
	queue  []func(*Snapshot, error)
	closed bool
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Size is the maximum number of captures running at once.
	Size int
	// Queue bounds the requests waiting for a free worker. Zero means 64 per worker.
	Queue int
	// Timeout bounds one request including retries. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewPool creates a pool of opts.Size workers capturing from source.
func NewPool(source *Source, opts PoolOptions) (*Pool, error) {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 64 * opts.Size
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "capture-pool")

	// Blocking submit: a worker that has finished its last task may not be
	// back in the pool yet. Active is never above Size, so the wait is short.
	workers, err := ants.NewPool(opts.Size,
		ants.WithExpiryDuration(time.Minute),
		ants.WithPanicHandler(func(p any) {
			logger.Error("capture task panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create capture pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		source:  source,
		workers: workers,
		timeout: opts.Timeout,
		logger:  logger,
		size:    opts.Size,
		limit:   opts.Queue,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Request captures a frame asynchronously and calls done with the result on a
// worker goroutine. It never waits for a capture: when every worker is busy
// the request is queued. ErrBusy means the queue is full and done will not
// be called.
func (p *Pool) Request(done func(*Snapshot, error)) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.active < p.size:
		p.active++
		p.mu.Unlock()
	case len(p.queue) < p.limit:
		p.queue = append(p.queue, done)
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return ErrBusy
	}

	err := p.workers.Submit(func() { p.work(done) })
	if err == nil {
		return nil
	}
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrClosed
	}
	return fmt.Errorf("submit capture: %w", err)
}

// work serves done and then keeps the worker busy with queued requests.
func (p *Pool) work(done func(*Snapshot, error)) {
	for done != nil {
		p.capture(done)
		done = p.next()
	}
}

func (p *Pool) capture(done func(*Snapshot, error)) {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	snap, err := p.source.Snapshot(ctx)
	done(snap, err)
}

func (p *Pool) next() func(*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		p.active--
		return nil
	}
	done := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return done
}

// Source returns the source the pool captures from.
func (p *Pool) Source() *Source {
	return p.source
}

// Running returns the number of captures in flight.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Pending returns the number of requests waiting for a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Cap returns the pool size.
func (p *Pool) Cap() int {
	return p.size
}

// Close fails queued requests with ErrClosed, cancels in-flight captures and
// waits up to timeout for workers to exit.
func (p *Pool) Close(timeout time.Duration) error {
	p.mu.Lock()
	pending := p.queue
	p.queue, p.closed = nil, true
	p.mu.Unlock()
	for _, done := range pending {
		done(nil, ErrClosed)
	}

	p.cancel()
	if err := p.workers.ReleaseTimeout(timeout); err != nil {
		p.logger.Warn("capture workers did not exit in time", "error", err)
		return err
	}
	return nil
}
