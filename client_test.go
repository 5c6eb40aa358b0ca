package duplexrpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// hijackAfterN is a raw http.Handler (bypassing the engine's own server
// adapter entirely) that writes n valid envelopes, declares a Trailer
// header it never sends, then hijacks and closes the connection outright —
// simulating a peer that vanishes mid-stream rather than closing cleanly.
func hijackAfterN(n int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codec := &FrameCodec{}
		w.Header().Set("Content-Type", TypeGRPCProto)
		w.Header().Set("Grpc-Encoding", CompressionIdentity)
		w.Header().Set("Trailer", "Grpc-Status")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < n; i++ {
			codec.WriteEnvelope(w, []byte{byte(i)})
			flusher.Flush()
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func TestPeerDisconnectMidStreamRaisesServerDisconnected(t *testing.T) {
	srv := httptest.NewServer(hijackAfterN(3))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	call, err := InitiateRequest(ctx, ClientCallOptions{
		Doer: srv.Client(), Scheme: "http", Authority: strings.TrimPrefix(srv.URL, "http://"),
		Path: greeterSayHello,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer call.Close()
	if err := call.SendTrailers(ctx, Trailers{}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		elem, err := call.RecvInput(ctx)
		if err != nil {
			t.Fatalf("buffered message %d: unexpected error %v", i, err)
		}
		if !elem.HasMessage() || elem.Message()[0] != byte(i) {
			t.Fatalf("buffered message %d: got %+v", i, elem)
		}
	}

	_, err = call.RecvInput(ctx)
	if err == nil {
		t.Fatal("expected an error after the peer vanished mid-stream")
	}
	if _, ok := err.(*ServerDisconnected); !ok {
		t.Fatalf("got %v (%T), want *ServerDisconnected", err, err)
	}
}

func TestInitiateRequestRejectsMissingDoer(t *testing.T) {
	_, err := InitiateRequest(context.Background(), ClientCallOptions{Path: greeterSayHello})
	if err == nil {
		t.Fatal("expected an error when no Doer is configured")
	}
	if _, ok := err.(*CallSetupFailure); !ok {
		t.Fatalf("got %v (%T), want *CallSetupFailure", err, err)
	}
}
