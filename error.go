package duplexrpc

import (
	"errors"
	"fmt"
)

// GrpcException is the engine's typed protocol error: a gRPC status code,
// a cause, and trailer metadata. Call operations also return other error
// types unwrapped (HandlerTerminated, ResponseAlreadyInitiated,
// ClientDisconnected, ServerDisconnected, context errors, ...); CodeOf
// reports CodeUnknown for those.
type GrpcException struct {
	code     Code
	err      error
	metadata []CustomMetadata
}

// NewGrpcException constructs a GrpcException from a code and a cause.
// The cause's Error() text becomes the grpc-message trailer, so callers
// must not embed sensitive details in err.
func NewGrpcException(code Code, err error) *GrpcException {
	return &GrpcException{code: code, err: err}
}

func errorf(code Code, template string, args ...any) *GrpcException {
	return &GrpcException{code: code, err: fmt.Errorf(template, args...)}
}

func wrap(code Code, err error) *GrpcException {
	if err == nil {
		return nil
	}
	if e, ok := AsGrpcException(err); ok {
		return e
	}
	return &GrpcException{code: code, err: err}
}

// Code returns the gRPC status code this exception maps to.
func (e *GrpcException) Code() Code { return e.code }

// Metadata returns the custom metadata to attach to the trailers sent
// alongside this exception. Mutating the returned slice's backing array
// is not safe for concurrent use.
func (e *GrpcException) Metadata() []CustomMetadata { return e.metadata }

// WithMetadata returns a copy of e carrying additional trailer metadata.
func (e *GrpcException) WithMetadata(md ...CustomMetadata) *GrpcException {
	next := *e
	next.metadata = append(append([]CustomMetadata{}, e.metadata...), md...)
	return &next
}

func (e *GrpcException) Error() string {
	if e.err == nil {
		return e.code.String()
	}
	return fmt.Sprintf("%s: %s", e.code, e.err.Error())
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *GrpcException) Unwrap() error { return e.err }

// AsGrpcException reports whether err is or wraps a *GrpcException.
func AsGrpcException(err error) (*GrpcException, bool) {
	var exc *GrpcException
	if errors.As(err, &exc) {
		return exc, true
	}
	return nil, false
}

// CodeOf extracts the gRPC status code carried by err, defaulting to
// CodeOK for a nil error and CodeUnknown for any other non-exception
// error (an uncaught handler panic, a transport failure that wasn't
// already classified).
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if exc, ok := AsGrpcException(err); ok {
		return exc.code
	}
	return CodeUnknown
}

// exceptionTrailers renders exc the way it crosses the wire: grpc-status
// from its code, grpc-message from the wrapped cause (not from
// GrpcException.Error()'s "Code: cause" rendering, which would
// needlessly repeat the status), and its attached metadata.
func exceptionTrailers(exc *GrpcException) Trailers {
	t := Trailers{Status: exc.Code(), Message: exc.Error(), Custom: exc.Metadata()}
	if exc.err != nil {
		t.Message = exc.err.Error()
	}
	return t
}

// CallSetupFailure marks a failure that happened before the peer's
// application code ever saw a byte of this call: an unroutable path, a
// header that failed validation, a request the transport itself
// rejected. Such failures are always safe to retry, because the server
// handler was never invoked.
type CallSetupFailure struct {
	*GrpcException
}

func newSetupFailure(code Code, template string, args ...any) *CallSetupFailure {
	return &CallSetupFailure{errorf(code, template, args...)}
}

// newSetupFailureErr wraps an already-typed cause (PeerMissingPseudoHeader,
// ResponseHeadersInvalid, ...) as a CallSetupFailure, keeping the cause
// reachable through errors.As/errors.Unwrap rather than flattening it into
// a formatted string.
func newSetupFailureErr(code Code, cause error) *CallSetupFailure {
	return &CallSetupFailure{&GrpcException{code: code, err: cause}}
}

// Retryable reports whether the classification of err permits an
// automatic retry. Only setup failures qualify; retry policy itself is
// external to the engine (§4.4).
func Retryable(err error) bool {
	var setup *CallSetupFailure
	return errors.As(err, &setup)
}

// ClientDisconnected is raised on the server side when the client's
// connection drops mid-call: a pending send or receive wakes with this
// error instead of hanging forever.
type ClientDisconnected struct{ cause error }

func (e *ClientDisconnected) Error() string {
	if e.cause == nil {
		return "client disconnected"
	}
	return fmt.Sprintf("client disconnected: %s", e.cause)
}
func (e *ClientDisconnected) Unwrap() error { return e.cause }

// ServerDisconnected is the client-side counterpart of ClientDisconnected:
// the transport closed, or the server process died, before the stream
// reached its normal end (headers, then trailers).
type ServerDisconnected struct{ cause error }

func (e *ServerDisconnected) Error() string {
	if e.cause == nil {
		return "server disconnected"
	}
	return fmt.Sprintf("server disconnected: %s", e.cause)
}
func (e *ServerDisconnected) Unwrap() error { return e.cause }

// HandlerTerminated is returned when a Call operation cannot proceed past
// the call's terminal event: a send after a FinalElem/NoMoreElems was
// already sent (or after Close/Cancel), RecvNextInput after the inbound
// direction ended, or a receive after Cancel. RecvInput instead keeps
// returning the terminal element, and SendTrailers is a no-op once the
// outbound direction ended. It signals a programmer bug, not a
// wire-protocol failure.
type HandlerTerminated struct{ Op string }

func (e *HandlerTerminated) Error() string {
	return fmt.Sprintf("duplexrpc: %s called on a terminated call", e.Op)
}

// ResponseAlreadyInitiated is returned when a handler calls
// SetResponseInitialMetadata or SendTrailersOnly after the response has
// already been initiated (explicitly, or implicitly by a prior SendOutput).
type ResponseAlreadyInitiated struct{ Op string }

func (e *ResponseAlreadyInitiated) Error() string {
	return fmt.Sprintf("duplexrpc: %s called after the response was already initiated", e.Op)
}

// PeerMissingPseudoHeader is raised when a required HTTP/2 pseudo-header
// (:method, :path, :authority) is absent from an inbound
// request. It is always a CallSetupFailure: the handler is never invoked.
type PeerMissingPseudoHeader struct{ Name string }

func (e *PeerMissingPseudoHeader) Error() string {
	return fmt.Sprintf("duplexrpc: peer did not send required pseudo-header %q", e.Name)
}

// UnexpectedPeerBehavior is raised for protocol-sequencing violations
// that are the peer's fault rather than local programmer error: a
// second HEADERS frame where a DATA frame was expected, a trailers block
// with no grpc-status, and similar.
type UnexpectedPeerBehavior struct{ Detail string }

func (e *UnexpectedPeerBehavior) Error() string {
	return fmt.Sprintf("duplexrpc: unexpected peer behavior: %s", e.Detail)
}

// UnexpectedNonFinalInput is raised by RecvFinalInput when the next
// queued element is a StreamElem rather than a FinalElem/NoMoreElems.
type UnexpectedNonFinalInput struct{}

func (e *UnexpectedNonFinalInput) Error() string {
	return "duplexrpc: expected the final input element, got a non-final message"
}

// ResponseHeadersInvalid is raised when a server's response headers fail
// validation (spec.md §4.4 step 3): a header name that isn't a valid
// HeaderName, a custom metadata value that isn't valid for its
// HeaderName, an undecodable -bin value. Always a
// CallSetupFailure, since this is discovered before any message or
// trailers have been read.
type ResponseHeadersInvalid struct{ Defects *InvalidHeaders }

func (e *ResponseHeadersInvalid) Error() string {
	n := len(e.Defects.Invalid) + len(e.Defects.Missing) + len(e.Defects.Unexpected)
	return fmt.Sprintf("duplexrpc: %d invalid response header field(s)", n)
}
