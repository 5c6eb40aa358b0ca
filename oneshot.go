package duplexrpc

import (
	"context"
	"sync"
)

// oneshot is a write-once slot: the "headers" placeholder spec.md §3
// describes for each Channel direction. Reads block until the value is
// set or the slot is closed with an error (§9: "implement via a
// one-shot channel or a manual state = Empty | Ready(v) | Closed(err)
// guarded by a mutex/condition variable").
type oneshot struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready bool
	value any
	err   error
}

func newOneshot() *oneshot {
	o := &oneshot{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// set populates the slot exactly once. A second call is a silent no-op:
// the header-parsing call sites only ever call set once per direction by
// construction, and allowing a harmless double-set keeps cleanup paths
// (e.g. closing after an error that raced a late set) simple.
func (o *oneshot) set(v any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return
	}
	o.value = v
	o.ready = true
	o.cond.Broadcast()
}

// closeWithError marks the slot permanently failed, waking every
// blocked reader with err. If the slot was already set successfully,
// this is a no-op: a value, once ready, is never retracted.
func (o *oneshot) closeWithError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return
	}
	o.err = err
	o.ready = true
	o.cond.Broadcast()
}

// get blocks until the slot is ready (successfully or with an error) or
// ctx is done, whichever comes first.
func (o *oneshot) get(ctx context.Context) (any, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.cond.Broadcast()
		case <-done:
		}
	}()
	defer close(done)

	o.mu.Lock()
	defer o.mu.Unlock()
	for !o.ready {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.cond.Wait()
	}
	return o.value, o.err
}
