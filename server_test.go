package duplexrpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var greeterSayHello = Path{Service: "Greeter", Method: "SayHello"}

func newTestServer(t *testing.T, handlers HandlerMap, opts ServerOptions) (doer HTTPDoer, authority string, close func()) {
	t.Helper()
	srv := httptest.NewServer(NewHTTPHandler(handlers, opts))
	t.Cleanup(srv.Close)
	return srv.Client(), strings.TrimPrefix(srv.URL, "http://"), srv.Close
}

func TestUnaryCallRoundTrip(t *testing.T) {
	handlers := HandlerMap{
		greeterSayHello: func(ctx context.Context, call *Call) error {
			in, err := call.RecvOnlyInput(ctx)
			if err != nil {
				return err
			}
			return call.SendFinalOutput(ctx, append([]byte("hello, "), in...), Trailers{Status: CodeOK})
		},
	}
	doer, authority, _ := newTestServer(t, handlers, ServerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	call, err := InitiateRequest(ctx, ClientCallOptions{
		Doer: doer, Scheme: "http", Authority: authority, Path: greeterSayHello,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer call.Close()

	if err := call.SendFinalOutput(ctx, []byte("world"), Trailers{}); err != nil {
		t.Fatal(err)
	}
	out, err := call.RecvOnlyInput(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "hello, world" {
		t.Errorf("got %q, want %q", out, "hello, world")
	}
	final, err := call.RecvInput(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if final.Meta().Status != CodeOK {
		t.Errorf("final status = %v, want CodeOK", final.Meta().Status)
	}
}

func TestTrailersOnlyUnimplemented(t *testing.T) {
	doer, authority, _ := newTestServer(t, HandlerMap{}, ServerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	missing := Path{Service: "Greeter", Method: "Missing"}
	call, err := InitiateRequest(ctx, ClientCallOptions{
		Doer: doer, Scheme: "http", Authority: authority, Path: missing,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer call.Close()

	if err := call.SendTrailers(ctx, Trailers{}); err != nil {
		t.Fatal(err)
	}
	elem, err := call.RecvInput(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !elem.IsFinal() {
		t.Fatalf("expected a Trailers-Only terminal element, got %+v", elem)
	}
	if elem.Meta().Status != CodeUnimplemented {
		t.Errorf("status = %v, want CodeUnimplemented", elem.Meta().Status)
	}
}

func TestServerStreamingOrderedValues(t *testing.T) {
	const count = 101
	handlers := HandlerMap{
		greeterSayHello: func(ctx context.Context, call *Call) error {
			if _, err := call.RecvOnlyInput(ctx); err != nil {
				return err
			}
			for i := 0; i < count-1; i++ {
				if err := call.SendNextOutput(ctx, []byte{byte(i)}); err != nil {
					return err
				}
			}
			return call.SendFinalOutput(ctx, []byte{count - 1}, Trailers{Status: CodeOK})
		},
	}
	doer, authority, _ := newTestServer(t, handlers, ServerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	call, err := InitiateRequest(ctx, ClientCallOptions{
		Doer: doer, Scheme: "http", Authority: authority, Path: greeterSayHello,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer call.Close()
	if err := call.SendFinalOutput(ctx, []byte("go"), Trailers{}); err != nil {
		t.Fatal(err)
	}

	// Each physical envelope on the wire is a plain, non-final message
	// regardless of how the sender fused its last SendFinalOutput call:
	// "final" is a property of the trailers that follow, not of any one
	// frame, so the terminal element arrives separately after all count
	// values have been read.
	for i := 0; i < count; i++ {
		elem, err := call.RecvInput(ctx)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !elem.HasMessage() || elem.IsFinal() || elem.Message()[0] != byte(i) {
			t.Fatalf("message %d: got %+v, want non-final value %d", i, elem, i)
		}
	}
	final, err := call.RecvInput(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !final.IsFinal() || final.HasMessage() {
		t.Fatalf("expected a terminal NoMoreElems after %d values, got %+v", count, final)
	}
	if final.Meta().Status != CodeOK {
		t.Errorf("final status = %v, want CodeOK", final.Meta().Status)
	}
}

func TestHalfClosedLocalStreamingDrainsBufferedInput(t *testing.T) {
	const count = 101
	var observed []byte
	done := make(chan struct{})
	handlers := HandlerMap{
		greeterSayHello: func(ctx context.Context, call *Call) error {
			// Send trailers before reading any input at all: the outbound
			// direction ends immediately, but the call stays half-closed-
			// local, still able to drain whatever the client already sent
			// or is still sending.
			if err := call.SendTrailers(ctx, Trailers{Status: CodeOK}); err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				elem, err := call.RecvInput(ctx)
				if err != nil {
					return err
				}
				if !elem.HasMessage() {
					return errorf(CodeInvalidArgument, "message %d: missing payload", i)
				}
				observed = append(observed, elem.Message()[0])
			}
			close(done)
			return nil
		},
	}
	doer, authority, _ := newTestServer(t, handlers, ServerOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	call, err := InitiateRequest(ctx, ClientCallOptions{
		Doer: doer, Scheme: "http", Authority: authority, Path: greeterSayHello,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer call.Close()

	for i := 0; i < count-1; i++ {
		if err := call.SendNextOutput(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("SendNextOutput(%d): %v", i, err)
		}
	}
	if err := call.SendFinalOutput(ctx, []byte{count - 1}, Trailers{}); err != nil {
		t.Fatal(err)
	}

	final, err := call.RecvInput(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !final.IsFinal() || final.Meta().Status != CodeOK {
		t.Fatalf("final = %+v, want a terminal element with CodeOK", final)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never finished draining its buffered input")
	}
	if len(observed) != count {
		t.Fatalf("handler observed %d values, want %d", len(observed), count)
	}
	for i, v := range observed {
		if v != byte(i) {
			t.Fatalf("observed[%d] = %d, want %d (out of order)", i, v, i)
		}
	}
}

func TestCallSetupFailureOnUnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Port 1 is reserved and nothing listens there; http.Client.Do fails
	// with a dial error before any bytes reach a peer.
	call, err := InitiateRequest(ctx, ClientCallOptions{
		Doer: http.DefaultClient, Scheme: "http", Authority: "127.0.0.1:1", Path: greeterSayHello,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer call.Close()
	if err := call.SendTrailers(ctx, Trailers{}); err != nil {
		t.Fatal(err)
	}
	_, err = call.RecvInput(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !Retryable(err) {
		t.Errorf("expected a CallSetupFailure (retryable), got %v (%T)", err, err)
	}
}
