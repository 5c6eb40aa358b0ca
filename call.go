package duplexrpc

import (
	"context"
	"sync"
	"sync/atomic"
)

// Spec describes one call: which method it invokes and which role
// (client or server) is looking at it, mirroring the teacher's own
// Spec/Specification type (spec.md glossary: "Call: one logical gRPC
// invocation, one HTTP/2 stream").
type Spec struct {
	Path     Path
	IsClient bool
}

// responseLatch is the response-initiation compare-and-set flag spec.md
// §4.5/§9 describes: "One-shot atomic flag; transitions NotInitiated ->
// Initiated. All operations that would emit data check-and-flip."
type responseLatch struct {
	flipped atomic.Bool
}

// tryFlip reports whether this call flipped the latch (true) or it was
// already flipped by an earlier caller (false).
func (l *responseLatch) tryFlip() bool { return l.flipped.CompareAndSwap(false, true) }
func (l *responseLatch) isFlipped() bool { return l.flipped.Load() }

// Call is an open gRPC call: a reference to a Channel plus the
// role-specific bookkeeping the Call Facade needs (spec.md §3). It is
// created by InitiateRequest (client) or by the NewHTTPHandler adapter
// for each request (server), and released deterministically via Close.
type Call struct {
	channel *Channel
	spec    Spec

	requestMetadata []CustomMetadata // the request's own custom metadata, from whichever side originated it

	mu             sync.Mutex
	recvEnded      bool // recv_next_input has observed the inbound direction's terminal element
	sendEnded      bool // send_next_output has observed (or produced) the outbound direction's terminal element

	latch            *responseLatch // nil on the client: clients never "initiate a response"
	pendingInitial   []CustomMetadata
	onInitiate       func(initial []CustomMetadata) error // server-only: writes the normal response HEADERS frame
	onTrailersOnly   func(trailers Trailers) error        // server-only: writes the single Trailers-Only HEADERS frame
}

func newCall(ch *Channel, spec Spec, requestMetadata []CustomMetadata) *Call {
	return &Call{channel: ch, spec: spec, requestMetadata: requestMetadata}
}

// Spec returns the RPC this call invokes.
func (c *Call) Spec() Spec { return c.spec }

// Close releases the call: the underlying Channel is closed (both
// directions signaled, both worker goroutines joined) regardless of
// whether the call ended normally or was abandoned mid-stream.
func (c *Call) Close() error { return c.channel.Close() }

// GetRequestMetadata returns the request's custom metadata: on the
// server, the metadata the client attached to the request headers; on
// the client, the metadata the call was constructed with.
func (c *Call) GetRequestMetadata() []CustomMetadata { return c.requestMetadata }

// GetInboundHeaders blocks until this call's inbound headers slot is
// populated (spec.md §4.3: "get_inbound_headers(channel) -> InboundHeaders
// — blocks until headers parsed"). On the client role this yields the
// server's ResponseHeaders; the server role parses its RequestHeaders
// synchronously before a Handler is ever invoked, so it never needs to
// block here.
func (c *Call) GetInboundHeaders(ctx context.Context) (any, error) {
	return c.channel.Inbound.headers.get(ctx)
}

// --- receive side --------------------------------------------------

// RecvInput returns the next inbound StreamElem. Once the inbound
// direction has ended, every subsequent call keeps returning the same
// terminal element (spec.md §4.6: "end-of-input sticky"). A peer
// disconnect surfaces as ClientDisconnected (server role) or
// ServerDisconnected (client role) instead of a clean NoMoreElems.
func (c *Call) RecvInput(ctx context.Context) (elem, error) {
	e, err := c.channel.Inbound.queue.recv(ctx)
	if err != nil {
		return elem{}, err
	}
	if e.IsFinal() {
		c.mu.Lock()
		c.recvEnded = true
		c.mu.Unlock()
	}
	return e, nil
}

// RecvNextInput strips the StreamElem tag, returning just the message.
// It errors if the inbound direction has already ended.
func (c *Call) RecvNextInput(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.recvEnded {
		c.mu.Unlock()
		return nil, &HandlerTerminated{Op: "RecvNextInput"}
	}
	c.mu.Unlock()
	e, err := c.RecvInput(ctx)
	if err != nil {
		return nil, err
	}
	if !e.HasMessage() {
		return nil, &HandlerTerminated{Op: "RecvNextInput"}
	}
	return e.Message(), nil
}

// RecvFinalInput requires that the next inbound element be terminal
// (FinalElem or NoMoreElems); anything else is UnexpectedNonFinalInput.
func (c *Call) RecvFinalInput(ctx context.Context) (elem, error) {
	e, err := c.RecvInput(ctx)
	if err != nil {
		return elem{}, err
	}
	if !e.IsFinal() {
		return elem{}, &UnexpectedNonFinalInput{}
	}
	return e, nil
}

// RecvOnlyInput implements the non-streaming case: exactly one message,
// then end-of-input. A second message before end-of-input is a protocol
// violation from the peer.
func (c *Call) RecvOnlyInput(ctx context.Context) ([]byte, error) {
	first, err := c.RecvInput(ctx)
	if err != nil {
		return nil, err
	}
	if !first.HasMessage() {
		return nil, errorf(CodeInvalidArgument, "expected exactly one input message, got none")
	}
	msg := first.Message()
	if first.IsFinal() {
		return msg, nil
	}
	next, err := c.RecvInput(ctx)
	if err != nil {
		return nil, err
	}
	if next.HasMessage() {
		return nil, errorf(CodeInvalidArgument, "expected exactly one input message, got more than one")
	}
	return msg, nil
}

// --- send side -------------------------------------------------------

// initiateIfNeeded flips the response-initiation latch and invokes the
// server's header-writing hook the first time any send happens. It's a
// no-op on the client, which has no such latch.
func (c *Call) initiateIfNeeded() error {
	if c.latch == nil {
		return nil // client role: nothing to initiate
	}
	if !c.latch.tryFlip() {
		return nil // already initiated by an earlier send
	}
	c.mu.Lock()
	initial := c.pendingInitial
	c.mu.Unlock()
	if c.onInitiate != nil {
		return c.onInitiate(initial)
	}
	return nil
}

// SendOutput enqueues e on the outbound direction, initiating the
// response on the first call (server role only). Sending after a
// terminal element was already sent raises HandlerTerminated.
func (c *Call) SendOutput(ctx context.Context, e elem) error {
	if err := c.initiateIfNeeded(); err != nil {
		return err
	}
	if err := c.channel.Outbound.queue.send(ctx, "SendOutput", e); err != nil {
		return err
	}
	if e.IsFinal() {
		c.mu.Lock()
		c.sendEnded = true
		c.mu.Unlock()
	}
	return nil
}

// SendNextOutput sends a single non-terminal message.
func (c *Call) SendNextOutput(ctx context.Context, msg []byte) error {
	return c.SendOutput(ctx, Msg[[]byte, Trailers](msg))
}

// SendFinalOutput sends the last message, fused with its trailers.
func (c *Call) SendFinalOutput(ctx context.Context, msg []byte, trailers Trailers) error {
	return c.SendOutput(ctx, Final(msg, trailers))
}

// SendTrailers ends the outbound direction with trailers and no further
// message. It's idempotent once the direction has already ended.
func (c *Call) SendTrailers(ctx context.Context, trailers Trailers) error {
	c.mu.Lock()
	alreadyEnded := c.sendEnded
	c.mu.Unlock()
	if alreadyEnded {
		return nil
	}
	return c.SendOutput(ctx, NoMore[[]byte](trailers))
}

// SendTrailersOnly must precede any output: it elides the
// HEADERS+DATA+TRAILERS sequence, emitting a single HEADERS frame
// carrying the combined response headers+trailers (spec.md §4.3/§6).
// Calling it after the response was already initiated raises
// ResponseAlreadyInitiated.
func (c *Call) SendTrailersOnly(ctx context.Context, trailers Trailers) error {
	if c.latch == nil {
		return errorf(CodeInternal, "SendTrailersOnly is a server-only operation")
	}
	if !c.latch.tryFlip() {
		return &ResponseAlreadyInitiated{Op: "SendTrailersOnly"}
	}
	c.mu.Lock()
	initial := c.pendingInitial
	c.mu.Unlock()
	combined := append(append([]CustomMetadata{}, initial...), trailers.Custom...)
	trailers.Custom = combined
	if c.onTrailersOnly != nil {
		if err := c.onTrailersOnly(trailers); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sendEnded = true
	c.mu.Unlock()
	c.channel.Outbound.queue.finish(trailers, nil)
	return nil
}

// --- metadata ----------------------------------------------------

// SetResponseInitialMetadata stages custom metadata to attach to the
// response headers. It must be called before the response is
// initiated; afterward it raises ResponseAlreadyInitiated.
func (c *Call) SetResponseInitialMetadata(md ...CustomMetadata) error {
	if c.latch == nil {
		return errorf(CodeInternal, "SetResponseInitialMetadata is a server-only operation")
	}
	if c.latch.isFlipped() {
		return &ResponseAlreadyInitiated{Op: "SetResponseInitialMetadata"}
	}
	c.mu.Lock()
	c.pendingInitial = append(c.pendingInitial, md...)
	c.mu.Unlock()
	return nil
}

// SendGrpcException maps exc to Trailers-Only (if the response hasn't
// been initiated yet) or to in-body trailers (if output has already
// started), per spec.md §4.6.
func (c *Call) SendGrpcException(ctx context.Context, exc *GrpcException) error {
	trailers := exceptionTrailers(exc)
	if c.latch != nil && !c.latch.isFlipped() {
		return c.SendTrailersOnly(ctx, trailers)
	}
	return c.SendTrailers(ctx, trailers)
}
