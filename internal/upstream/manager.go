// Package upstream resolves and dials the connection the proxy uses to
// reach the actual origin for a request: either a direct TCP/TLS dial or a
// dial routed through a configured upstream proxy (HTTP CONNECT, HTTPS
// CONNECT, or SOCKS5).
package upstream

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/ruletap/ruletap/internal/helper"
	"github.com/ruletap/ruletap/internal/proxycontext"
)

// Config is the subset of proxy configuration the Manager needs.
type Config interface {
	GetUpstream() string
	GetSslInsecure() bool
}

// Manager dials the upstream connection for a request, applying the
// configured (or custom) upstream proxy resolution.
type Manager struct {
	config        Config
	upstreamProxy func(*http.Request) (*url.URL, error)
}

// NewManager creates a Manager bound to config.
func NewManager(config Config) *Manager {
	return &Manager{
		config: config,
	}
}

// SetUpstreamProxy overrides proxy resolution with fn, taking priority over
// config.GetUpstream() and the environment.
func (m *Manager) SetUpstreamProxy(fn func(*http.Request) (*url.URL, error)) {
	m.upstreamProxy = fn
}

// GetUpstreamConn dials the connection req should be sent over, through the
// resolved upstream proxy if any, otherwise directly.
func (m *Manager) GetUpstreamConn(ctx context.Context, req *http.Request) (net.Conn, error) {
	proxyURL, err := m.GetUpstreamProxyURL(req)
	if err != nil {
		return nil, err
	}

	address := helper.CanonicalAddr(req.URL)
	if proxyURL != nil {
		return helper.GetProxyConn(ctx, proxyURL, address, m.config.GetSslInsecure())
	}
	return (&net.Dialer{}).DialContext(ctx, "tcp", address)
}

// GetUpstreamProxyURL resolves the proxy URL for req, checking in order: a
// custom function set via SetUpstreamProxy, the configured upstream, then
// the standard proxy environment variables.
func (m *Manager) GetUpstreamProxyURL(req *http.Request) (*url.URL, error) {
	if m.upstreamProxy != nil {
		return m.upstreamProxy(req)
	}
	if upstream := m.config.GetUpstream(); upstream != "" {
		return url.Parse(upstream)
	}
	cReq := &http.Request{URL: &url.URL{Scheme: "https", Host: req.Host}}
	return http.ProxyFromEnvironment(cReq)
}

// RealUpstreamProxy returns an http.Transport-compatible Proxy function that
// recovers the original client-facing request from context (since the
// client sent to the upstream has a rewritten URL) and resolves the proxy
// for it.
func (m *Manager) RealUpstreamProxy() func(*http.Request) (*url.URL, error) {
	return func(cReq *http.Request) (*url.URL, error) {
		req, ok := proxycontext.GetProxyRequest(cReq.Context())
		if !ok {
			return nil, nil
		}
		return m.GetUpstreamProxyURL(req)
	}
}
