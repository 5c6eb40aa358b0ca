package duplexrpc

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSafeHeaderNameRejectsReservedAndGrpcPrefixed(t *testing.T) {
	cases := []string{"content-type", "grpc-encoding", "Has-Upper", "bad name"}
	for _, raw := range cases {
		inv := &InvalidHeaders{}
		if _, ok := SafeHeaderName(raw, inv); ok {
			t.Errorf("SafeHeaderName(%q) unexpectedly succeeded", raw)
		}
		if inv.Empty() {
			t.Errorf("SafeHeaderName(%q) recorded no defect", raw)
		}
	}
}

func TestBinaryMetadataRoundTrip(t *testing.T) {
	raw := http.Header{"Trace-Bin": []string{"AP8Q"}}
	inv := &InvalidHeaders{}
	custom, _ := parseCustomMetadata(raw, map[string]bool{}, inv)
	if !inv.Empty() {
		t.Fatalf("unexpected defects: %+v", inv)
	}
	if len(custom) != 1 {
		t.Fatalf("got %d custom entries, want 1", len(custom))
	}
	want := []byte{0x00, 0xFF, 0x10}
	if diff := cmp.Diff(want, custom[0].Value); diff != "" {
		t.Errorf("decoded value mismatch (-want +got):\n%s", diff)
	}

	out := http.Header{}
	serializeCustomMetadata(out, custom, nil)
	if got := out.Get("Trace-Bin"); got != "AP8Q" {
		t.Errorf("re-encoded value = %q, want %q", got, "AP8Q")
	}
}

func TestRequestHeadersRoundTrip(t *testing.T) {
	md, ok := NewCustomMetadata("x-team", []byte(" payments "), &InvalidHeaders{})
	if !ok {
		t.Fatal("NewCustomMetadata failed unexpectedly")
	}
	want := RequestHeaders{
		Path:           Path{Service: "svc.Greeter", Method: "SayHello"},
		ContentType:    TypeGRPCProto,
		Encoding:       CompressionGzip,
		AcceptEncoding: []string{"gzip", "identity"},
		UserAgent:      "duplexrpc-test/1.0",
		Custom:         []CustomMetadata{md},
	}
	wire := SerializeRequestHeaders(want)
	got, inv := ParseRequestHeaders(http.MethodPost, "http", want.Path.String(), "localhost:8443", wire)
	if !inv.Empty() {
		t.Fatalf("unexpected defects parsing serialized headers: %+v", inv)
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(Path{}, HeaderName{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRequestHeadersRejectsNonPostMethod(t *testing.T) {
	_, inv := ParseRequestHeaders(http.MethodGet, "http", "/svc/Method", "localhost", http.Header{})
	if inv.Empty() {
		t.Fatal("expected a defect for a non-POST method")
	}
	if inv.Status() != 405 {
		t.Errorf("Status() = %d, want 405", inv.Status())
	}
}

func TestParseTrailersRequiresGrpcStatus(t *testing.T) {
	_, inv := ParseTrailers(http.Header{})
	if inv.Empty() {
		t.Fatal("expected MissingHeader for an absent grpc-status")
	}
	if len(inv.Missing) != 1 || inv.Missing[0].Name != "grpc-status" {
		t.Errorf("Missing = %+v, want a single grpc-status entry", inv.Missing)
	}
}

func TestInvalidASCIIHeaderValueRejected(t *testing.T) {
	// Construction reports ok == false for a caller validating up front.
	inv := &InvalidHeaders{}
	if _, ok := NewCustomMetadata("bad", []byte{0x01}, inv); ok {
		t.Fatal("NewCustomMetadata unexpectedly succeeded for a non-printable-ASCII value")
	}
	if inv.Empty() {
		t.Fatal("expected a recorded defect")
	}

	// If a peer sends the bad byte anyway (construction bypassed),
	// server-side parsing still rejects it: an InvalidHeader entry with
	// HTTP status 400, the header preserved in Unrecognized rather than
	// silently dropped.
	raw := http.Header{"Bad": []string{"\x01"}}
	bypassed := &InvalidHeaders{}
	_, unrecognized := parseCustomMetadata(raw, map[string]bool{}, bypassed)
	if bypassed.Empty() {
		t.Fatal("expected parseCustomMetadata to record a defect for the bypassed header")
	}
	var found bool
	for _, d := range bypassed.Invalid {
		if d.Name == "bad" && d.Status == 400 {
			found = true
		}
	}
	if !found {
		t.Errorf("Invalid = %+v, want an entry for %q with status 400", bypassed.Invalid, "bad")
	}
	if len(unrecognized) != 1 || unrecognized[0].Name != "bad" {
		t.Errorf("unrecognized = %+v, want the bypassed header preserved", unrecognized)
	}
}

func TestTrailersSerializeRoundTrip(t *testing.T) {
	want := Trailers{Status: CodeNotFound, Message: "no such widget"}
	wire := SerializeTrailers(want)
	got, inv := ParseTrailers(wire)
	if !inv.Empty() {
		t.Fatalf("unexpected defects: %+v", inv)
	}
	if got.Status != want.Status || got.Message != want.Message {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
