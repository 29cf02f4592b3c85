// Package proxycontext carries proxy-scoped values through a
// context.Context without leaking typed keys across package boundaries.
package proxycontext

import (
	"context"
	"net/http"

	"github.com/ruletap/ruletap/internal/conn"
)

type contextKey string

const (
	connContextKey  contextKey = "ruletap-conn-context"
	proxyRequestKey contextKey = "ruletap-proxy-request"
)

// WithConnContext attaches cc to ctx.
func WithConnContext(ctx context.Context, cc *conn.Context) context.Context {
	return context.WithValue(ctx, connContextKey, cc)
}

// GetConnContext retrieves the *conn.Context attached by WithConnContext, if
// any.
func GetConnContext(ctx context.Context) (*conn.Context, bool) {
	cc, ok := ctx.Value(connContextKey).(*conn.Context)
	return cc, ok
}

// WithProxyRequest attaches the original client-facing request (before any
// rewriting for upstream dispatch) to ctx.
func WithProxyRequest(ctx context.Context, req *http.Request) context.Context {
	return context.WithValue(ctx, proxyRequestKey, req)
}

// GetProxyRequest retrieves the request attached by WithProxyRequest, if
// any.
func GetProxyRequest(ctx context.Context) (*http.Request, bool) {
	req, ok := ctx.Value(proxyRequestKey).(*http.Request)
	return req, ok
}
