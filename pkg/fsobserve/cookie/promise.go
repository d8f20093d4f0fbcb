package cookie

import (
	"context"
	"sync"
)

// Promise is a minimal future: a value that is fulfilled exactly once,
// after which any number of waiters observe the same result. It backs the
// synchronizer's sync() return value (spec.md §4.2).
type Promise struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	fulfilled bool
}

// newPromise creates an unfulfilled promise.
func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// fulfill resolves the promise with err. Only the first call has any
// effect; subsequent calls are no-ops, matching the at-most-once completion
// semantics cookies rely on (a cookie can be satisfied by notify_cookie or
// by abort_all_cookies, never both).
func (p *Promise) fulfill(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fulfilled {
		return
	}
	p.fulfilled = true
	p.err = err
	close(p.done)
}

// Wait blocks until the promise is fulfilled or ctx is cancelled, whichever
// comes first.
func (p *Promise) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
