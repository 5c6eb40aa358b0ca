package duplexrpc

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnvelopeRoundTripIdentity(t *testing.T) {
	codec := &FrameCodec{}
	var buf bytes.Buffer
	payload := []byte("hello, world")
	if err := codec.WriteEnvelope(&buf, payload); err != nil {
		t.Fatal(err)
	}
	env, err := codec.ReadEnvelope(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if env.Compressed {
		t.Error("identity envelope should not set the compressed flag")
	}
	if diff := cmp.Diff(payload, env.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelopeRoundTripGzip(t *testing.T) {
	compressor, _ := LookupCompressor(CompressionGzip)
	codec := &FrameCodec{Compressor: compressor}
	var buf bytes.Buffer
	payload := []byte("the quick brown fox jumps over the lazy dog")
	if err := codec.WriteEnvelope(&buf, payload); err != nil {
		t.Fatal(err)
	}
	env, err := codec.ReadEnvelope(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !env.Compressed {
		t.Error("expected the compressed flag to be set")
	}
	if diff := cmp.Diff(payload, env.Payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvelopeReadEmptyStreamIsCleanEOF(t *testing.T) {
	codec := &FrameCodec{}
	_, err := codec.ReadEnvelope(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("got %v, want io.EOF", err)
	}
}

func TestEnvelopeReadEnforcesMaxReadBytes(t *testing.T) {
	codec := &FrameCodec{}
	var buf bytes.Buffer
	if err := codec.WriteEnvelope(&buf, make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	limited := &FrameCodec{MaxReadBytes: 10}
	_, err := limited.ReadEnvelope(&buf)
	if err == nil {
		t.Fatal("expected an error for an oversized envelope")
	}
	if CodeOf(err) != CodeResourceExhausted {
		t.Errorf("got code %v, want CodeResourceExhausted", CodeOf(err))
	}
}

func TestEnvelopeReadRejectsMismatchedCompressionFlag(t *testing.T) {
	// A compressed-flag envelope with no compressor configured to
	// decompress it must surface as Unimplemented, not panic or hang.
	var buf bytes.Buffer
	compressor, _ := LookupCompressor(CompressionGzip)
	if err := (&FrameCodec{Compressor: compressor}).WriteEnvelope(&buf, []byte("x")); err != nil {
		t.Fatal(err)
	}
	plain := &FrameCodec{}
	_, err := plain.ReadEnvelope(&buf)
	if err == nil {
		t.Fatal("expected an error")
	}
	if CodeOf(err) != CodeUnimplemented {
		t.Errorf("got code %v, want CodeUnimplemented", CodeOf(err))
	}
}
