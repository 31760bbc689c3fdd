// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package orderbook

import (
	"context"
	"sync"
)

// latch is a one-shot readiness gate. The first resolve wins; every waiter,
// past and future, observes the same terminal value. A rejection is
// permanent. Bootstrap is not retried.
type latch struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

// resolve sets the latch's terminal value. Calls after the first are no-ops.
func (l *latch) resolve(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// wait blocks until the latch resolves or the context is canceled.
func (l *latch) wait(ctx context.Context) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
