// Package transport binds the engine's abstract HTTP/2 expectations to a
// concrete net/http stack, using golang.org/x/net/http2 for TLS ALPN "h2"
// and golang.org/x/net/http2/h2c for cleartext "h2c" (spec.md §6: "HTTP/2
// with TLS ALPN h2 for secure, h2c for cleartext").
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DialH2COptions configures DialH2C.
type DialH2COptions struct {
	// DialTimeout bounds the initial TCP connect; zero means the
	// net.Dialer default.
	DialTimeout time.Duration
}

// DialH2C returns an duplexrpc.HTTPDoer-compatible *http.Client that
// speaks cleartext HTTP/2 (h2c): it dials a raw TCP connection and
// immediately treats it as an HTTP/2 connection preface, skipping the
// usual TLS-ALPN negotiation, the way the teacher's repro demo server
// pairs h2c with a plain http.Client transport.
func DialH2C(opts DialH2COptions) *http.Client {
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

// DialH2 returns an *http.Client that speaks HTTP/2 over TLS, negotiated
// via ALPN in the usual way.
func DialH2(tlsConfig *tls.Config) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{TLSClientConfig: tlsConfig},
	}
}

// ServeH2C wraps handler so a plain *http.Server (no TLS) accepts h2c
// connections: prior-knowledge HTTP/2 and HTTP/1.1-with-Upgrade clients
// both work, per golang.org/x/net/http2/h2c's own contract.
func ServeH2C(handler http.Handler) http.Handler {
	h2s := &http2.Server{}
	return h2c.NewHandler(handler, h2s)
}

// ServeH2 configures srv for HTTP/2 over TLS in place, the counterpart to
// ServeH2C for secured deployments.
func ServeH2(srv *http.Server) error {
	return http2.ConfigureServer(srv, &http2.Server{})
}
