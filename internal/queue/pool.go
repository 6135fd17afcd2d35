package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Pool.Enqueue when the buffer is saturated and
// the caller's context ends first.
var ErrQueueFull = errors.New("queue full")

// ErrStopped is returned when enqueueing into a pool that has shut down.
var ErrStopped = errors.New("queue stopped")

// PoolOptions configures an in-process Pool.
type PoolOptions struct {
	Workers     int
	Buffer      int
	TaskTimeout time.Duration
	Retry       RetryPolicy
	Clock       clockwork.Clock
	Log         zerolog.Logger
}

// Pool is an in-process queue: a buffered channel drained by a fixed set of
// workers. Retries are re-submitted after their backoff delay. Tasks still
// buffered at shutdown are lost, so the pool suits single-node deployments
// and tests; use RedisStream when work must survive restarts.
type Pool struct {
	mux   *Mux
	opts  PoolOptions
	tasks chan Task

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPool builds a pool dispatching to mux. Zero options get defaults.
func NewPool(mux *Mux, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Pool{
		mux:   mux,
		opts:  opts,
		tasks: make(chan Task, opts.Buffer),
		done:  make(chan struct{}),
	}
}

// Enqueue implements Enqueuer.
func (p *Pool) Enqueue(ctx context.Context, taskType string, payload any) error {
	t, err := NewTask(taskType, payload, p.opts.Clock.Now())
	if err != nil {
		return err
	}
	return p.submit(ctx, t)
}

func (p *Pool) submit(ctx context.Context, t Task) error {
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case p.tasks <- t:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight task has returned.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	<-ctx.Done()
	p.stop()
	p.wg.Wait()
	return nil
}

func (p *Pool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.tasks:
			delay, retry := run(ctx, p.mux.Dispatch, p.opts.Retry, p.opts.TaskTimeout, t, p.opts.Log)
			if retry {
				p.retryLater(t, delay)
			}
		}
	}
}

func (p *Pool) retryLater(t Task, delay time.Duration) {
	t.Attempt++
	p.opts.Clock.AfterFunc(delay, func() {
		// Detached from the worker context; submit gives up once the pool stops.
		if err := p.submit(context.Background(), t); err != nil {
			p.opts.Log.Warn().Err(err).Str("task_id", t.ID).Msg("retry dropped")
		}
	})
}
