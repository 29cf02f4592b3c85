// Package attacker implements RequestPipeline: the per-flow request/response
// processing that runs after a CONNECT has been intercepted (or for plain
// HTTP requests made directly through the proxy).
package attacker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http2"

	"github.com/ruletap/ruletap/internal/helper"
)

// UpstreamManager resolves the upstream proxy (if any) an http.Transport
// should dial through.
type UpstreamManager interface {
	RealUpstreamProxy() func(*http.Request) (*url.URL, error)
}

// ClientFactory builds the distinct http.Client variants the pipeline needs
// depending on connection reuse and protocol negotiation.
type ClientFactory interface {
	// CreateMainClient builds the fallback client used when a request has
	// been redirected to a different host/scheme and can't reuse the
	// connection pinned to the original upstream.
	CreateMainClient(upstreamManager UpstreamManager, insecureSkipVerify bool) *http.Client

	// CreateHTTP2Client builds a client that replays requests over an
	// already-negotiated HTTP/2 TLS connection to the upstream.
	CreateHTTP2Client(tlsConn *tls.Conn) *http.Client

	// CreatePlainHTTPClient builds a client that reuses a single dialed
	// plain TCP connection for every request on it.
	CreatePlainHTTPClient(conn net.Conn) *http.Client

	// CreateHTTPSClient builds a client that reuses an already-established
	// TLS connection to the upstream.
	CreateHTTPSClient(tlsConn *tls.Conn) *http.Client
}

// DefaultClientFactory is the ClientFactory used in production. Every
// client it builds disables automatic redirect following — redirects must
// surface to the rule pipeline rather than being swallowed by the client.
type DefaultClientFactory struct{}

// NewDefaultClientFactory returns a DefaultClientFactory.
func NewDefaultClientFactory() *DefaultClientFactory {
	return &DefaultClientFactory{}
}

var noRedirect = func(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// CreateMainClient implements ClientFactory.
func (*DefaultClientFactory) CreateMainClient(upstreamManager UpstreamManager, insecureSkipVerify bool) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:              upstreamManager.RealUpstreamProxy(),
			ForceAttemptHTTP2:  true,
			DisableCompression: true,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: insecureSkipVerify,
				KeyLogWriter:       helper.GetTLSKeyLogWriter(),
			},
		},
		CheckRedirect: noRedirect,
	}
}

// CreateHTTP2Client implements ClientFactory.
func (*DefaultClientFactory) CreateHTTP2Client(tlsConn *tls.Conn) *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			DialTLSContext: func(context.Context, string, string, *tls.Config) (net.Conn, error) {
				return tlsConn, nil
			},
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}

// CreatePlainHTTPClient implements ClientFactory.
func (*DefaultClientFactory) CreatePlainHTTPClient(conn net.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return conn, nil
			},
			ForceAttemptHTTP2:  false,
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}

// CreateHTTPSClient implements ClientFactory.
func (*DefaultClientFactory) CreateHTTPSClient(tlsConn *tls.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialTLSContext: func(context.Context, string, string) (net.Conn, error) {
				return tlsConn, nil
			},
			ForceAttemptHTTP2:  true,
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}
