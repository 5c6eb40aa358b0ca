package duplexrpc

import (
	"context"
	"io"
	"net/http"
)

// ServerOptions configures a gRPC server adapter (spec.md §4.5).
type ServerOptions struct {
	MaxReadBytes   uint32   // 0 means unbounded
	QueueSize      int      // 0 means DefaultQueueSize
	AcceptEncoding []string // preferred response encodings, in order; nil means responses use identity
}

// NewHTTPHandler adapts a HandlerMap into a stdlib http.Handler, ready to
// be served over h2c/h2 (spec.md §4.5, §6). Each request becomes one
// Call, dispatched to the matching Handler; an unmatched Path or a
// malformed request never reaches a Handler at all — it gets
// Trailers-Only with the appropriate status instead.
func NewHTTPHandler(handlers HandlerMap, opts ServerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveCall(w, r, handlers, opts)
	})
}

func serveCall(w http.ResponseWriter, r *http.Request, handlers HandlerMap, opts ServerOptions) {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	reqHeaders, inv := ParseRequestHeaders(r.Method, scheme, r.URL.Path, r.Host, r.Header)
	if !inv.Empty() {
		// A missing :method/:path/:authority is its own failure mode
		// (spec.md §4.5 step 1), kept distinct from step 2's generic
		// header validation so callers can errors.As for it specifically.
		if name, ok := inv.MissingPseudoHeader(); ok {
			setupErr := newSetupFailureErr(statusToCode(inv.Status()), &PeerMissingPseudoHeader{Name: name})
			writeHeaderValidationFailure(w, inv.Status(), setupErr.GrpcException)
			return
		}
		// Headers this malformed mean the request was never trustworthy as
		// gRPC in the first place; report the real HTTP status rather than
		// pretending this was a normal Trailers-Only response.
		writeHeaderValidationFailure(w, inv.Status(), errorf(statusToCode(inv.Status()), "invalid request headers"))
		return
	}

	handler, ok := handlers[reqHeaders.Path]
	if !ok {
		writeGrpcTrailersOnly(w, errorf(CodeUnimplemented, "method %s not implemented", reqHeaders.Path))
		return
	}

	recvCompressor, err := LookupCompressor(reqHeaders.Encoding)
	if err != nil {
		writeGrpcTrailersOnly(w, wrap(CodeUnimplemented, err))
		return
	}
	sendEncoding := negotiateSendEncoding(reqHeaders.AcceptEncoding, opts.AcceptEncoding)
	sendCompressor, _ := LookupCompressor(sendEncoding) // always registered: negotiated from the registry itself

	parent := r.Context()
	var cancelDeadline context.CancelFunc = func() {}
	if reqHeaders.Timeout > 0 {
		parent, cancelDeadline = context.WithTimeout(parent, reqHeaders.Timeout)
	}
	defer cancelDeadline()

	channel := newChannel(parent, queueSize)
	call := newCall(channel, Spec{Path: reqHeaders.Path, IsClient: false}, reqHeaders.Custom)
	call.latch = &responseLatch{}
	channel.Inbound.headers.set(reqHeaders)

	// Keep the request body readable after the response headers go out, so
	// a handler can send trailers first and still drain its input. HTTP/2
	// writers report ErrNotSupported here; they are full duplex already.
	_ = http.NewResponseController(w).EnableFullDuplex()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Trailer", "Grpc-Status, Grpc-Message, Grpc-Status-Details-Bin")

	call.onInitiate = func(initial []CustomMetadata) error {
		respHeaders := ResponseHeaders{
			ContentType:    nonEmpty(reqHeaders.ContentType, TypeGRPCProto),
			Encoding:       sendEncoding,
			AcceptEncoding: []string{acceptEncodingValue()},
			Custom:         initial,
		}
		applyHeader(w.Header(), SerializeResponseHeaders(respHeaders))
		w.Header().Set("Trailer", "Grpc-Status, Grpc-Message, Grpc-Status-Details-Bin")
		w.WriteHeader(http.StatusOK)
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	call.onTrailersOnly = func(trailers Trailers) error {
		// A genuine Trailers-Only response is one HEADERS frame, end of
		// stream: status+message+metadata go straight into the leading
		// headers rather than through net/http's declared-trailer
		// mechanism, and nothing is ever written to the body. Per the
		// gRPC-over-HTTP/2 protocol the HTTP :status is always 200 here,
		// regardless of grpc-status: a non-OK grpc-status is an
		// application-level outcome, not an HTTP-level failure.
		respHeaders := ResponseHeaders{ContentType: TypeGRPCProto, Encoding: CompressionIdentity}
		applyHeader(w.Header(), SerializeResponseHeaders(respHeaders))
		applyHeader(w.Header(), SerializeTrailers(trailers))
		w.WriteHeader(http.StatusOK)
		if flusher != nil {
			flusher.Flush()
		}
		channel.TrailersOnlySent.Store(true)
		return nil
	}

	recvCodec := &FrameCodec{Compressor: recvCompressor, MaxReadBytes: opts.MaxReadBytes}
	channel.Go(func(ctx context.Context) error {
		if r.ContentLength == 0 {
			channel.Inbound.queue.finish(Trailers{}, nil)
			return nil
		}
		for {
			env, err := recvCodec.ReadEnvelope(r.Body)
			if err != nil {
				if err == io.EOF {
					break
				}
				disc := &ClientDisconnected{cause: err}
				channel.Inbound.queue.finish(Trailers{}, disc)
				return disc
			}
			if err := channel.Inbound.queue.send(ctx, "recv", Msg[[]byte, Trailers](env.Payload)); err != nil {
				return err
			}
		}
		channel.Inbound.queue.finish(Trailers{}, nil)
		return nil
	})

	sendCodec := &FrameCodec{Compressor: sendCompressor}
	channel.Go(func(ctx context.Context) error {
		for {
			e, err := channel.Outbound.queue.recv(ctx)
			if err != nil {
				return err
			}
			if e.HasMessage() {
				if err := sendCodec.WriteEnvelope(w, e.Message()); err != nil {
					return err
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
			if e.IsFinal() {
				// A Trailers-Only response already wrote the entire
				// reply (headers and trailers fused into one frame)
				// before the queue was finished; this sticky terminal
				// element is just what recv() surfaces afterward for
				// any observer, not new work for this worker to do.
				if !channel.TrailersOnlySent.Load() {
					applyHeader(w.Header(), SerializeTrailers(e.Meta()))
					if flusher != nil {
						flusher.Flush()
					}
				}
				return nil
			}
		}
	})

	err = invokeHandler(channel.Context(), call, handler)
	finalizeHandlerOutcome(channel.Context(), call, err)
	call.Close()
}

// invokeHandler runs h, converting an uncaught panic into the Unknown
// classification spec.md §9's open question resolves on. The panic value
// itself is never put on the wire.
func invokeHandler(ctx context.Context, call *Call, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errorf(CodeUnknown, "handler panicked")
		}
	}()
	return h(ctx, call)
}

// finalizeHandlerOutcome ensures every call ends with trailers even when
// the handler forgot to send them itself: nil becomes grpc-status 0,
// a *GrpcException is sent as it is, and any other error becomes Unknown
// with a fixed message (its own text is not sent). Both paths are no-ops
// if the handler already ended the response.
func finalizeHandlerOutcome(ctx context.Context, call *Call, err error) {
	if err == nil {
		call.SendTrailers(ctx, Trailers{Status: CodeOK})
		return
	}
	exc, ok := AsGrpcException(err)
	if !ok {
		exc = errorf(CodeUnknown, "handler failed")
	}
	call.SendGrpcException(ctx, exc)
}

// writeHeaderValidationFailure is used when the request headers themselves
// failed validation (spec.md §3: "the HTTP status to report is the first
// status present, else 400") — the request was never trustworthy enough to
// treat as a normal gRPC exchange, so the real HTTP status is reported
// rather than 200.
func writeHeaderValidationFailure(w http.ResponseWriter, httpStatus int, exc *GrpcException) {
	writePreCallTrailersOnly(w, httpStatus, exc)
}

// writeGrpcTrailersOnly is used for setup failures discovered after the
// request headers parsed cleanly but before a Call exists: unknown method,
// unsupported compression. These are ordinary gRPC-level outcomes, so
// unlike writeHeaderValidationFailure the HTTP :status stays 200.
func writeGrpcTrailersOnly(w http.ResponseWriter, exc *GrpcException) {
	writePreCallTrailersOnly(w, http.StatusOK, exc)
}

func writePreCallTrailersOnly(w http.ResponseWriter, httpStatus int, exc *GrpcException) {
	respHeaders := ResponseHeaders{ContentType: TypeGRPCProto, Encoding: CompressionIdentity}
	applyHeader(w.Header(), SerializeResponseHeaders(respHeaders))
	applyHeader(w.Header(), SerializeTrailers(exceptionTrailers(exc)))
	w.WriteHeader(httpStatus)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func applyHeader(dst http.Header, src http.Header) {
	for k, v := range src {
		dst[k] = v
	}
}

// negotiateSendEncoding picks the response's grpc-encoding: the first of
// the server's preferred encodings the client also advertised accepting,
// falling back to identity when nothing matches.
func negotiateSendEncoding(clientAccept, serverPrefs []string) string {
	accepted := make(map[string]bool, len(clientAccept))
	for _, name := range clientAccept {
		accepted[name] = true
	}
	for _, name := range serverPrefs {
		if accepted[name] {
			if _, ok := defaultCompressors.lookup(name); ok {
				return name
			}
		}
	}
	return CompressionIdentity
}

// statusToCode maps the best-effort HTTP status an InvalidHeaders
// accumulator recorded back to a gRPC code, as the reverse of Code.http
// (400 gives InvalidArgument). Statuses Code.http never produces, such as
// 405 and 415, also give InvalidArgument. It classifies request-header
// failures on the server and response-header failures on the client.
func statusToCode(status int) Code {
	for c := minCode; c <= maxCode; c++ {
		if c.http() == status {
			return c
		}
	}
	return CodeInvalidArgument
}
