package mycelial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"

	"github.com/srediag/mycelial/api"
)

// DefaultPoolSize is used when NewAsync has to create its own pool.
const DefaultPoolSize = 64

// Future is the deferred result of an Async call.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the call has completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the call's result, or ErrPending while it is still running.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return ErrPending
	}
}

// Wait blocks until the call completes or ctx ends. A cancelled Wait does not
// cancel the call.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Async runs an endpoint's Send and Receive on a goroutine pool and returns
// futures. Calls on one Async are serialised.
type Async struct {
	endpoint api.Mycelial
	pool     *ants.Pool
	ownsPool bool
	mu       sync.Mutex
	closed   atomic.Bool
}

// NewAsync wraps endpoint. A nil pool makes Async create and own one.
func NewAsync(endpoint api.Mycelial, pool *ants.Pool) (*Async, error) {
	if endpoint == nil {
		return nil, ErrNilEndpoint
	}
	a := &Async{endpoint: endpoint, pool: pool}
	if pool == nil {
		p, err := ants.NewPool(DefaultPoolSize)
		if err != nil {
			return nil, err
		}
		a.pool = p
		a.ownsPool = true
	}
	return a, nil
}

func (a *Async) Send(ctx context.Context) *Future {
	return a.submit(ctx, a.endpoint.Send)
}

func (a *Async) Receive(ctx context.Context) *Future {
	return a.submit(ctx, a.endpoint.Receive)
}

func (a *Async) submit(ctx context.Context, fn func(context.Context) error) *Future {
	f := newFuture()
	if a.closed.Load() {
		f.resolve(ErrPoolClosed)
		return f
	}
	err := a.pool.Submit(func() {
		var result error
		defer func() {
			if r := recover(); r != nil {
				result = fmt.Errorf("endpoint panicked: %v", r)
			}
			f.resolve(result)
		}()
		a.mu.Lock()
		defer a.mu.Unlock()
		if result = ctx.Err(); result != nil {
			return
		}
		result = fn(ctx)
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			err = ErrPoolClosed
		}
		f.resolve(err)
	}
	return f
}

// Release stops accepting calls. An owned pool is released too; calls already
// submitted still complete.
func (a *Async) Release() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	if a.ownsPool {
		a.pool.Release()
	}
}
