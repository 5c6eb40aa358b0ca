package duplexrpc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDoer is the minimal transport capability InitiateRequest needs:
// anything able to perform one streaming HTTP/2 request and return its
// response headers without buffering the whole body, the way the
// teacher's own Doer does (client.go).
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientCallOptions configures one outbound call. Doer, Scheme, and
// Authority describe the transport target; the rest mirrors
// RequestHeaders.
type ClientCallOptions struct {
	Doer      HTTPDoer
	Scheme    string // "http" or "https"; defaults to "http"
	Authority string // HTTP/2 :authority, e.g. "localhost:8443"
	Path      Path

	Timeout         time.Duration
	RequestMetadata []CustomMetadata
	SendEncoding    string // grpc-encoding for outgoing messages; "" means identity
	AcceptEncoding  []string
	MaxReadBytes    uint32
	QueueSize       int
	UserAgent       string
}

// InitiateRequest opens one gRPC call (spec.md §4.4): it validates and
// serializes the request headers, opens a streaming HTTP/2 request, and
// spawns the outbound and inbound workers before returning. It returns a
// *CallSetupFailure synchronously only for defects discoverable before
// any byte reaches the peer (a malformed SendEncoding, an unbuildable
// request); everything discovered afterward — a non-200 response, a
// transport error, invalid response headers — surfaces later through the
// returned Call's operations instead, exactly as spec.md's "Return a
// Channel" step implies.
func InitiateRequest(ctx context.Context, opts ClientCallOptions) (*Call, error) {
	if opts.Doer == nil {
		return nil, newSetupFailure(CodeInternal, "InitiateRequest: a Doer is required")
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	reqHeaders := RequestHeaders{
		Path:           opts.Path,
		Timeout:        opts.Timeout,
		ContentType:    TypeGRPCProto,
		Encoding:       nonEmpty(opts.SendEncoding, CompressionIdentity),
		AcceptEncoding: opts.AcceptEncoding,
		UserAgent:      opts.UserAgent,
		Custom:         opts.RequestMetadata,
	}
	sendCompressor, err := LookupCompressor(reqHeaders.Encoding)
	if err != nil {
		return nil, newSetupFailure(CodeInternal, "InitiateRequest: %s", err)
	}

	deadlineCtx := ctx
	cancelDeadline := func() {}
	if opts.Timeout > 0 {
		deadlineCtx, cancelDeadline = context.WithTimeout(ctx, opts.Timeout)
	}
	channel := newChannel(deadlineCtx, queueSize)
	go func() {
		<-channel.Context().Done()
		cancelDeadline()
	}()
	pr, pw := io.Pipe()

	scheme := nonEmpty(opts.Scheme, "http")
	url := fmt.Sprintf("%s://%s%s", scheme, opts.Authority, opts.Path.String())
	httpReq, err := http.NewRequestWithContext(channel.Context(), http.MethodPost, url, pr)
	if err != nil {
		channel.Cancel()
		return nil, newSetupFailure(CodeInternal, "InitiateRequest: build request: %s", err)
	}
	httpReq.Header = SerializeRequestHeaders(reqHeaders)

	outboundCodec := &FrameCodec{Compressor: sendCompressor}

	// Outbound worker: drains the outbound queue into the request body
	// pipe (spec.md §4.3 "outbound worker loop"). Request headers are
	// already fixed on httpReq, so there's no separate "wait for
	// headers" step here unlike the server side.
	channel.Go(func(ctx context.Context) error {
		for {
			e, err := channel.Outbound.queue.recv(ctx)
			if err != nil {
				pw.CloseWithError(err)
				return err
			}
			if e.HasMessage() {
				if err := outboundCodec.WriteEnvelope(pw, e.Message()); err != nil {
					pw.CloseWithError(err)
					return err
				}
			}
			if e.IsFinal() {
				return pw.Close()
			}
		}
	})

	call := newCall(channel, Spec{Path: opts.Path, IsClient: true}, opts.RequestMetadata)

	// Inbound worker: performs the round trip, then streams the
	// response body/trailers into the inbound direction (spec.md §4.4
	// steps 2-3).
	channel.Go(func(ctx context.Context) error {
		resp, err := opts.Doer.Do(httpReq)
		if err != nil {
			setupErr := newSetupFailure(CodeUnavailable, "InitiateRequest: %s", err)
			channel.Inbound.headers.closeWithError(setupErr)
			channel.Inbound.queue.finish(Trailers{}, setupErr)
			return setupErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			code, ok := httpToCode[resp.StatusCode]
			if !ok {
				code = CodeUnknown
			}
			setupErr := newSetupFailure(code, "InitiateRequest: unexpected HTTP status %d", resp.StatusCode)
			channel.Inbound.headers.closeWithError(setupErr)
			channel.Inbound.queue.finish(Trailers{}, setupErr)
			return setupErr
		}

		respHeaders, inv := ParseResponseHeaders(resp.Header)

		// Trailers-Only: grpc-status rides on the leading headers and
		// no body follows (spec.md §4.3, §6). That block also carries the
		// trailer fields (grpc-status, grpc-message), so it is not held to
		// the plain response-header validation below.
		if status := resp.Header.Get("Grpc-Status"); status != "" {
			channel.Inbound.headers.set(respHeaders)
			trailers, _ := ParseTrailers(resp.Header)
			channel.Inbound.queue.finish(trailers, nil)
			return nil
		}

		if !inv.Empty() {
			setupErr := newSetupFailureErr(statusToCode(inv.Status()), &ResponseHeadersInvalid{Defects: inv})
			channel.Inbound.headers.closeWithError(setupErr)
			channel.Inbound.queue.finish(Trailers{}, setupErr)
			return setupErr
		}
		channel.Inbound.headers.set(respHeaders)

		recvCompressor, err := LookupCompressor(respHeaders.Encoding)
		if err != nil {
			channel.Inbound.queue.finish(Trailers{}, err)
			return err
		}
		inboundCodec := &FrameCodec{Compressor: recvCompressor, MaxReadBytes: opts.MaxReadBytes}

		for {
			env, err := inboundCodec.ReadEnvelope(resp.Body)
			if err != nil {
				if err == io.EOF {
					break
				}
				disconnect := &ServerDisconnected{cause: err}
				channel.Inbound.queue.finish(Trailers{}, disconnect)
				return disconnect
			}
			if err := channel.Inbound.queue.send(ctx, "recv", Msg[[]byte, Trailers](env.Payload)); err != nil {
				return err
			}
		}

		trailers, inv := ParseTrailers(resp.Trailer)
		if !inv.Empty() {
			// A trailers block that doesn't even carry a valid grpc-status
			// is a protocol-sequencing violation by the peer, not an
			// ordinary application error: surface it distinctly rather
			// than silently rewriting the status to Unknown.
			badPeer := &UnexpectedPeerBehavior{Detail: "trailers block missing or malformed grpc-status"}
			channel.Inbound.queue.finish(Trailers{}, badPeer)
			return badPeer
		}
		channel.Inbound.queue.finish(trailers, nil)
		return nil
	})

	return call, nil
}
