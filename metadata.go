package duplexrpc

import (
	"net/http"
	"strings"
	"time"
)

// Content-type values recognized on the wire (spec.md §6).
const (
	TypeGRPC      = "application/grpc"
	TypeGRPCProto = "application/grpc+proto"
	TypeGRPCJSON  = "application/grpc+json"
)

// semanticRequestHeaders are the header names parse_request_headers
// consumes itself; anything else lands in Unrecognized/Custom.
var semanticRequestHeaders = map[string]bool{
	"content-type":         true,
	"grpc-timeout":         true,
	"grpc-encoding":        true,
	"grpc-accept-encoding": true,
	"user-agent":           true,
	"te":                   true,
	"grpc-trace-bin":       true,
}

var semanticResponseHeaders = map[string]bool{
	"content-type":         true,
	"grpc-encoding":        true,
	"grpc-accept-encoding": true,
}

var semanticTrailerHeaders = map[string]bool{
	"grpc-status":             true,
	"grpc-message":            true,
	"grpc-status-details-bin": true,
}

// RequestHeaders is the typed view of a parsed gRPC request header
// block (spec.md §3). Unrecognized carries every header
// parse_request_headers didn't itself consume, verbatim.
type RequestHeaders struct {
	Path           Path
	Timeout        time.Duration // zero if the caller set no deadline
	ContentType    string
	Encoding       string   // grpc-encoding: the request's compression
	AcceptEncoding []string // grpc-accept-encoding: what the caller can decode
	UserAgent      string
	TraceBin       []byte // decoded grpc-trace-bin, nil if absent
	Custom         []CustomMetadata
	Unrecognized   []RawHeader
}

// ParseRequestHeaders parses a gRPC request's pseudo-headers (passed in
// explicitly, since the underlying net/http stack has already lifted
// them out of the HEADERS frame) plus its metadata headers. It never
// fails outright: defects accumulate in the returned InvalidHeaders,
// and the HTTP status to report is InvalidHeaders.Status().
func ParseRequestHeaders(method, scheme, path, authority string, raw http.Header) (RequestHeaders, *InvalidHeaders) {
	inv := &InvalidHeaders{}
	var out RequestHeaders

	if method == "" {
		inv.addMissing(":method", 400)
	} else if method != http.MethodPost {
		inv.addInvalid(405, ":method", method, ReasonMalformedName)
	}
	if authority == "" {
		inv.addMissing(":authority", 400)
	}
	if path == "" {
		inv.addMissing(":path", 400)
	} else if p, ok := ParsePath(path); ok {
		out.Path = p
	} else {
		inv.addInvalid(400, ":path", path, ReasonMalformedName)
	}
	_ = scheme // scheme is validated against the transport, not headers; kept for symmetry with :method/:path/:authority

	out.ContentType = firstHeader(raw, "content-type")
	switch out.ContentType {
	case TypeGRPC, TypeGRPCProto, TypeGRPCJSON, "":
	default:
		inv.addInvalid(415, "content-type", out.ContentType, ReasonMalformedName)
	}

	if t := firstHeader(raw, "grpc-timeout"); t != "" {
		d, err := parseTimeout(t)
		if err != nil {
			inv.addInvalid(400, "grpc-timeout", t, ReasonMalformedName)
		} else {
			out.Timeout = d
		}
	}

	out.Encoding = firstHeader(raw, "grpc-encoding")
	if out.Encoding == "" {
		out.Encoding = CompressionIdentity
	}
	if mae := firstHeader(raw, "grpc-accept-encoding"); mae != "" {
		out.AcceptEncoding = strings.FieldsFunc(mae, splitOnCommaOrSpace)
	}
	out.UserAgent = firstHeader(raw, "user-agent")

	if tb := firstHeader(raw, "grpc-trace-bin"); tb != "" {
		if b, err := decodeBinaryHeader(tb); err == nil {
			out.TraceBin = b
		} else {
			inv.addInvalid(400, "grpc-trace-bin", tb, ReasonMalformedName)
		}
	}

	out.Custom, out.Unrecognized = parseCustomMetadata(raw, semanticRequestHeaders, inv)
	return out, inv
}

// SerializeRequestHeaders is the inverse of ParseRequestHeaders: it
// builds the http.Header a client should send. Binary metadata values
// are base64-coded; ASCII values are emitted verbatim.
func SerializeRequestHeaders(h RequestHeaders) http.Header {
	out := make(http.Header, 8+len(h.Custom)+len(h.Unrecognized))
	out.Set("Content-Type", nonEmpty(h.ContentType, TypeGRPC))
	out.Set("Te", "trailers")
	if h.UserAgent != "" {
		out.Set("User-Agent", h.UserAgent)
	}
	out.Set("Grpc-Encoding", nonEmpty(h.Encoding, CompressionIdentity))
	if len(h.AcceptEncoding) > 0 {
		out.Set("Grpc-Accept-Encoding", strings.Join(h.AcceptEncoding, ","))
	}
	if h.Timeout > 0 {
		if enc, err := encodeTimeout(h.Timeout); err == nil {
			out.Set("Grpc-Timeout", enc)
		}
	}
	if len(h.TraceBin) > 0 {
		out.Set("Grpc-Trace-Bin", encodeBinaryHeader(h.TraceBin))
	}
	serializeCustomMetadata(out, h.Custom, h.Unrecognized)
	return out
}

// ResponseHeaders is the typed view of a parsed gRPC response header
// block (everything the server sends before the first message).
type ResponseHeaders struct {
	ContentType    string
	Encoding       string
	AcceptEncoding []string
	Custom         []CustomMetadata
	Unrecognized   []RawHeader
}

// ParseResponseHeaders parses a response HEADERS block. Missing
// content-type is not fatal here (Trailers-Only responses may omit it
// when the status is carried purely in trailers); callers that need it
// present should check ContentType == "" themselves.
func ParseResponseHeaders(raw http.Header) (ResponseHeaders, *InvalidHeaders) {
	inv := &InvalidHeaders{}
	var out ResponseHeaders
	out.ContentType = firstHeader(raw, "content-type")
	out.Encoding = firstHeader(raw, "grpc-encoding")
	if out.Encoding == "" {
		out.Encoding = CompressionIdentity
	}
	if mae := firstHeader(raw, "grpc-accept-encoding"); mae != "" {
		out.AcceptEncoding = strings.FieldsFunc(mae, splitOnCommaOrSpace)
	}
	out.Custom, out.Unrecognized = parseCustomMetadata(raw, semanticResponseHeaders, inv)
	return out, inv
}

// SerializeResponseHeaders is the inverse of ParseResponseHeaders.
func SerializeResponseHeaders(h ResponseHeaders) http.Header {
	out := make(http.Header, 4+len(h.Custom)+len(h.Unrecognized))
	out.Set("Content-Type", nonEmpty(h.ContentType, TypeGRPC))
	out.Set("Grpc-Encoding", nonEmpty(h.Encoding, CompressionIdentity))
	if len(h.AcceptEncoding) > 0 {
		out.Set("Grpc-Accept-Encoding", strings.Join(h.AcceptEncoding, ","))
	}
	serializeCustomMetadata(out, h.Custom, h.Unrecognized)
	return out
}

// Trailers is the typed view of a parsed gRPC trailer block: the
// mandatory grpc-status, optional grpc-message, and any trailing
// custom metadata.
type Trailers struct {
	Status       Code
	Message      string // percent-decoded
	Custom       []CustomMetadata
	Unrecognized []RawHeader
}

// ParseTrailers parses a trailer (or Trailers-Only) block. A missing
// grpc-status is recorded as a MissingHeader rather than defaulted to
// OK, since its absence is itself a protocol violation worth
// surfacing (spec.md §6: grpc-status is required).
func ParseTrailers(raw http.Header) (Trailers, *InvalidHeaders) {
	inv := &InvalidHeaders{}
	var out Trailers
	status := firstHeader(raw, "grpc-status")
	if status == "" {
		inv.addMissing("grpc-status", 0)
	} else if err := (&out.Status).UnmarshalText([]byte(status)); err != nil {
		inv.addInvalid(0, "grpc-status", status, ReasonMalformedName)
	}
	out.Message = percentDecode(firstHeader(raw, "grpc-message"))
	out.Custom, out.Unrecognized = parseCustomMetadata(raw, semanticTrailerHeaders, inv)
	return out, inv
}

// SerializeTrailers is the inverse of ParseTrailers.
func SerializeTrailers(t Trailers) http.Header {
	out := make(http.Header, 2+len(t.Custom)+len(t.Unrecognized))
	code, _ := t.Status.MarshalText()
	out.Set("Grpc-Status", string(code))
	if t.Message != "" {
		out.Set("Grpc-Message", percentEncode(t.Message))
	}
	serializeCustomMetadata(out, t.Custom, t.Unrecognized)
	return out
}

// parseCustomMetadata walks every header in raw that isn't in
// semantic, validating each as CustomMetadata; anything that fails
// HeaderName/value validation is still preserved, in Unrecognized,
// rather than silently dropped.
func parseCustomMetadata(raw http.Header, semantic map[string]bool, inv *InvalidHeaders) ([]CustomMetadata, []RawHeader) {
	var custom []CustomMetadata
	var unrecognized []RawHeader
	for name, values := range raw {
		lower := strings.ToLower(name)
		if semantic[lower] {
			continue
		}
		merged := mergeRawValues(values)
		value := []byte(merged)
		if strings.HasSuffix(lower, binHeaderSuffix) {
			if decoded, err := decodeBinaryHeader(merged); err == nil {
				value = decoded
			} else {
				inv.addInvalid(400, lower, merged, ReasonMalformedName)
				unrecognized = append(unrecognized, RawHeader{Name: lower, Value: merged})
				continue
			}
		}
		hn, ok := SafeHeaderName(lower, inv)
		if !ok {
			unrecognized = append(unrecognized, RawHeader{Name: lower, Value: merged})
			continue
		}
		md, ok := SafeCustomMetadata(hn, value)
		if !ok {
			inv.addInvalid(400, lower, merged, ReasonNonPrintableASCII)
			unrecognized = append(unrecognized, RawHeader{Name: lower, Value: merged})
			continue
		}
		custom = append(custom, md)
	}
	return custom, unrecognized
}

func serializeCustomMetadata(out http.Header, custom []CustomMetadata, unrecognized []RawHeader) {
	for _, md := range custom {
		if md.Name.IsBinary() {
			out.Set(md.Name.String(), encodeBinaryHeader(md.Value))
		} else {
			out.Set(md.Name.String(), string(md.Value))
		}
	}
	for _, raw := range unrecognized {
		out.Add(raw.Name, raw.Value)
	}
}

func firstHeader(h http.Header, name string) string {
	if h == nil {
		return ""
	}
	return h.Get(name)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func splitOnCommaOrSpace(r rune) bool { return r == ',' || r == ' ' }
