// Package duplexrpc implements a gRPC call engine over HTTP/2: request and
// response header/trailer codecs, the length-prefixed message framing, a
// symmetric bidirectional Channel abstraction shared by both roles, and the
// client and server adapters that drive a Channel from an *http.Request or
// an HTTPDoer. Message bodies are opaque []byte; marshaling to and from a
// concrete wire format is a caller concern, same as HTTP/2 transport and
// TLS are, kept out of this package and supplied by the sibling transport
// package instead.
package duplexrpc

import "strings"

// Path identifies an RPC method: a service name and a method name, both
// ASCII, rendered on the wire as "/<service>/<method>".
type Path struct {
	Service string
	Method  string
}

// String renders p the way it appears as the HTTP/2 :path pseudo-header.
func (p Path) String() string {
	return "/" + p.Service + "/" + p.Method
}

// ParsePath splits a wire path of the form "/<service>/<method>" back
// into its two components. It fails on anything that isn't exactly two
// non-empty ASCII segments.
func ParsePath(raw string) (Path, bool) {
	if len(raw) == 0 || raw[0] != '/' {
		return Path{}, false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] >= 0x80 {
			return Path{}, false
		}
	}
	rest := raw[1:]
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return Path{}, false
	}
	service, method := rest[:idx], rest[idx+1:]
	if service == "" || method == "" || strings.Contains(service, "/") {
		return Path{}, false
	}
	return Path{Service: service, Method: method}, true
}
