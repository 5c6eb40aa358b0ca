package duplexrpc

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// elem is the concrete StreamElem this engine moves through a Channel:
// messages are opaque bytes (serialization is out of scope, spec.md
// §1), end-of-stream metadata is always a Trailers value. For the
// client's outbound direction and the server's inbound direction —
// neither of which ever carries real gRPC trailers — the metadata is
// simply the zero Trailers{}.
type elem = StreamElem[[]byte, Trailers]

// elemQueue is the bounded FIFO spec.md §3 describes for one Channel
// direction: "queue: a bounded FIFO of StreamElem<Message, Trailers>".
// It provides backpressure (send blocks when full) and sticky
// end-of-stream (recv keeps returning the same terminal result forever
// once the direction has ended).
type elemQueue struct {
	ch chan elem

	mu           sync.Mutex
	terminalSent bool // a Final/NoMore element has already been pushed
	closed       bool // the producer has finished pushing and closed ch
	doneTrailers Trailers
	doneErr      error
}

func newElemQueue(capacity int) *elemQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &elemQueue{ch: make(chan elem, capacity)}
}

// send enqueues e, blocking if the queue is full. Sending after a
// Final/NoMore element was already enqueued on this direction returns
// HandlerTerminated, per spec.md §4.6 ("after terminal element, further
// sends raise HandlerTerminated").
func (q *elemQueue) send(ctx context.Context, op string, e elem) error {
	q.mu.Lock()
	if q.terminalSent || q.closed {
		q.mu.Unlock()
		return &HandlerTerminated{Op: op}
	}
	if e.IsFinal() {
		q.terminalSent = true
	}
	q.mu.Unlock()

	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv returns the next element, blocking until one is available or
// the direction has ended. After the direction ends, recv keeps
// returning the same terminal StreamElem (or error) on every
// subsequent call.
func (q *elemQueue) recv(ctx context.Context) (elem, error) {
	select {
	case e, ok := <-q.ch:
		if ok {
			return e, nil
		}
	case <-ctx.Done():
		return elem{}, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.doneErr != nil {
		return elem{}, q.doneErr
	}
	return NoMore[[]byte](q.doneTrailers), nil
}

// finish closes the queue's producer side: no further elements will
// ever be enqueued. If the direction hadn't already pushed a
// Final/NoMore element (a clean end), trailers records the metadata to
// report once draining completes; if err is non-nil, every recv from
// now on reports it instead. finish is idempotent.
func (q *elemQueue) finish(trailers Trailers, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.doneTrailers = trailers
	q.doneErr = err
	close(q.ch)
}

// direction is one half (inbound or outbound) of a Channel: the
// write-once headers slot plus the message queue, per spec.md §3.
type direction struct {
	headers *oneshot
	queue   *elemQueue
}

func newDirection(queueSize int) *direction {
	return &direction{headers: newOneshot(), queue: newElemQueue(queueSize)}
}

// DefaultQueueSize is the default bounded-queue capacity for a
// Channel's directions when a Call doesn't override it (spec.md §5:
// "size tunable per call").
const DefaultQueueSize = 8

// Channel is the symmetric inbound/outbound pair spec.md §3/§4.3
// describes: two independent directions, each driven by its own
// background worker goroutine, joined together through the channel's
// errgroup.Group. The Call facade is the only thing that should ever
// reach into a Channel; everything else — role adapters, workers — is
// internal wiring.
type Channel struct {
	Inbound  *direction
	Outbound *direction

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
	closeErr  error

	// TrailersOnlySent is set (before the outbound queue is finished) by
	// the server adapter's send_trailers_only hook, so the outbound
	// worker — which may observe the queue's sticky terminal element
	// without ever having run its normal streaming loop — knows the
	// whole response was already written and does nothing further.
	TrailersOnlySent atomic.Bool
}

// newChannel allocates an empty Channel: both directions' slots and
// queues are created, but no worker has been spawned yet. Role adapters
// (InitiateRequest, NewHTTPHandler) spawn the inbound/outbound
// workers against the returned Channel via Go.
func newChannel(parent context.Context, queueSize int) *Channel {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Channel{
		Inbound:  newDirection(queueSize),
		Outbound: newDirection(queueSize),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
	}
}

// Go spawns fn as one of the Channel's worker goroutines. Close waits
// for every worker spawned this way to return before it returns itself.
func (c *Channel) Go(fn func(ctx context.Context) error) {
	c.group.Go(func() error { return fn(c.ctx) })
}

// Context is the worker context: canceled when any worker returns a
// non-nil error, or when Close/Cancel is called, whichever first. Per
// spec.md §5 ("workers must check cancellation after each completed
// frame"), workers should select on this alongside their I/O.
func (c *Channel) Context() context.Context { return c.ctx }

// Cancel tears down both directions immediately with HandlerTerminated,
// without waiting for the worker goroutines — used when a Call is
// abandoned by local code rather than closed through its normal
// lifecycle.
func (c *Channel) Cancel() {
	c.Inbound.queue.finish(Trailers{}, &HandlerTerminated{Op: "Call"})
	c.Inbound.headers.closeWithError(&HandlerTerminated{Op: "Call"})
	c.Outbound.queue.finish(Trailers{}, &HandlerTerminated{Op: "Call"})
	c.Outbound.headers.closeWithError(&HandlerTerminated{Op: "Call"})
	c.cancel()
}

// Close signals both directions closed and blocks until both worker
// goroutines have terminated, per spec.md §3 ("close(channel, outcome)
// ... signals outbound end and waits for both workers to terminate;
// idempotent"). It is always safe to call more than once; only the
// first call's result is returned.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.Outbound.queue.finish(Trailers{}, nil) // no-op if a worker already closed it
		c.cancel()
		c.closeErr = c.group.Wait()
	})
	return c.closeErr
}
