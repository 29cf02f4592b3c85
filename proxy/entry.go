// Package proxy implements ConnectTunnel: the outer accept loop and CONNECT
// state machine that decides, per CONNECT request, whether to blind-tunnel
// or MITM-intercept, and hands intercepted connections to internal/attacker.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/ruletap/ruletap/internal/conn"
	"github.com/ruletap/ruletap/internal/helper"
	"github.com/ruletap/ruletap/internal/proxycontext"
)

// wrapListener decorates every accepted client connection with a fresh
// conn.Context and notifies addons of the new connection before handing it
// to the HTTP server.
type wrapListener struct {
	net.Listener
	proxy *Proxy
}

func (l *wrapListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	wc := conn.NewWrapClientConn(c, l.proxy)
	clientConn := conn.NewClientConn(wc)
	clientConn.CloseChan = wc.CloseChan
	connCtx := conn.NewContext(clientConn)
	wc.ConnCtx = connCtx

	for _, addon := range l.proxy.addons.Get() {
		addon.ClientConnected(connCtx.ClientConn)
	}

	return wc, nil
}

// entry is the outer HTTP server: it accepts client connections, routes
// CONNECT requests through the tunnel state machine, and everything else
// straight into the attacker's RequestPipeline.
type entry struct {
	proxy  *Proxy
	server *http.Server
	ln     net.Listener
}

func newEntry(p *Proxy) *entry {
	e := &entry{proxy: p}
	e.server = &http.Server{
		Addr:    p.config.Addr,
		Handler: e,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if wc, ok := c.(*conn.WrapClientConn); ok {
				return proxycontext.WithConnContext(ctx, wc.ConnCtx)
			}
			return ctx
		},
	}
	return e
}

// listen binds the outer listener, so its resolved address is available
// before serve blocks.
func (e *entry) listen() error {
	addr := e.server.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	e.ln = ln
	slog.Info("proxy listening", "addr", ln.Addr().String())
	return nil
}

// serve blocks accepting and handling connections on the already-bound
// listener.
func (e *entry) serve() error {
	return e.server.Serve(&wrapListener{Listener: e.ln, proxy: e.proxy})
}

func (e *entry) addr() net.Addr {
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

func (e *entry) close() error {
	return e.server.Close()
}

func (e *entry) shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

// ServeHTTP routes CONNECT requests into the tunnel state machine, rejects
// direct (non-proxy) requests, and forwards everything else to the
// attacker.
func (e *entry) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	p := e.proxy
	logger := slog.With("component", "proxy.entry", "host", req.Host)

	if p.authProxy != nil {
		ok, err := p.authProxy(res, req)
		if !ok {
			logger.Warn("proxy authentication failed", "error", err)
			httpError(res, "", http.StatusProxyAuthRequired)
			return
		}
	}

	if req.Method == http.MethodConnect {
		e.handleConnect(res, req)
		return
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		res.Header().Set("Content-Type", "text/plain; charset=utf-8")
		res.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(res, "this is a proxy server, direct requests are not allowed")
		return
	}

	p.attacker.InitHTTPDialFn(req)
	p.attacker.Attack(res, req)
}

// handleConnect decides whether to blind-tunnel or MITM-intercept host,
// then dispatches to the matching attack mode. The decision defaults to
// RuleEvaluator.InterceptsHost, overridable via SetShouldInterceptRule.
func (e *entry) handleConnect(res http.ResponseWriter, req *http.Request) {
	p := e.proxy
	logger := slog.With("component", "proxy.entry.handleConnect", "host", req.Host)

	shouldIntercept := p.shouldIntercept != nil && p.shouldIntercept(req) ||
		p.shouldIntercept == nil && p.evaluator.InterceptsHost(req.URL.Hostname())

	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		httpError(res, "missing connection context", http.StatusInternalServerError)
		return
	}
	connCtx.Intercept = shouldIntercept

	if p.metrics != nil {
		mode := "blind"
		if shouldIntercept {
			mode = "intercepted"
		}
		p.metrics.ConnectsTotal.WithLabelValues(mode).Inc()
	}

	if !shouldIntercept {
		logger.Debug("blind tunnel")
		e.directTransfer(res, req)
		return
	}

	if connCtx.ClientConn.UpstreamCert {
		e.httpsDialFirstAttack(res, req, connCtx)
		return
	}

	logger.Debug("intercepting")
	e.httpsDialLazyAttack(res, req, connCtx)
}

// establishConnection hijacks the outer HTTP connection and writes the
// "200 Connection Established" response, returning the raw net.Conn for
// the state machine to drive directly.
func (e *entry) establishConnection(res http.ResponseWriter) (net.Conn, error) {
	cconn, _, err := res.(http.Hijacker).Hijack()
	if err != nil {
		res.WriteHeader(http.StatusBadGateway)
		return nil, err
	}
	if _, err := io.WriteString(cconn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		cconn.Close()
		return nil, err
	}
	return cconn, nil
}

// directTransfer blind-tunnels bytes between the client and the upstream
// without any TLS interception.
func (e *entry) directTransfer(res http.ResponseWriter, req *http.Request) {
	p := e.proxy
	logger := slog.With("component", "proxy.entry.directTransfer", "host", req.Host)

	upstreamConn, err := p.upstreamManager.GetUpstreamConn(req.Context(), req)
	if err != nil {
		logger.Error("dial upstream failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	cconn, err := e.establishConnection(res)
	if err != nil {
		logger.Error("establish connection failed", "error", err)
		return
	}
	defer cconn.Close()

	transfer(logger, upstreamConn, cconn)
}

// httpsDialFirstAttack dials the upstream before accepting the client's
// TLS handshake, used when UpstreamCertAddon marked the connection.
func (e *entry) httpsDialFirstAttack(res http.ResponseWriter, req *http.Request, connCtx *conn.Context) {
	p := e.proxy
	logger := slog.With("component", "proxy.entry.httpsDialFirstAttack", "host", req.Host)

	serverConn, err := p.attacker.HTTPSDial(req.Context(), req)
	if err != nil {
		logger.Error("dial upstream failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	cconn, err := e.establishConnection(res)
	if err != nil {
		serverConn.Close()
		logger.Error("establish connection failed", "error", err)
		return
	}

	wcc, ok := cconn.(*conn.WrapClientConn)
	if !ok {
		cconn.Close()
		serverConn.Close()
		logger.Error("hijacked connection is not a WrapClientConn")
		return
	}
	peek, err := wcc.Peek(3)
	if err != nil {
		cconn.Close()
		serverConn.Close()
		logger.Error("peek failed", "error", err)
		return
	}
	if !helper.IsTLS(peek) {
		transfer(logger, serverConn, cconn)
		cconn.Close()
		serverConn.Close()
		return
	}

	connCtx.ClientConn.TLS = true
	p.attacker.HTTPSTLSDial(req.Context(), cconn, serverConn)
}

// httpsDialLazyAttack establishes the client tunnel first, peeks the first
// bytes to detect TLS, and only then drives the upstream dial (inside the
// attacker, keyed off the client's SNI).
func (e *entry) httpsDialLazyAttack(res http.ResponseWriter, req *http.Request, connCtx *conn.Context) {
	p := e.proxy
	logger := slog.With("component", "proxy.entry.httpsDialLazyAttack", "host", req.Host)

	cconn, err := e.establishConnection(res)
	if err != nil {
		logger.Error("establish connection failed", "error", err)
		return
	}

	wcc, ok := cconn.(*conn.WrapClientConn)
	if !ok {
		cconn.Close()
		logger.Error("hijacked connection is not a WrapClientConn")
		return
	}
	peek, err := wcc.Peek(3)
	if err != nil {
		cconn.Close()
		logger.Error("peek failed", "error", err)
		return
	}

	if !helper.IsTLS(peek) {
		serverConn, err := p.attacker.HTTPSDial(req.Context(), req)
		if err != nil {
			cconn.Close()
			logger.Error("dial upstream failed", "error", err)
			return
		}
		transfer(logger, serverConn, cconn)
		serverConn.Close()
		cconn.Close()
		return
	}

	connCtx.ClientConn.TLS = true
	p.attacker.HTTPSLazyAttack(req.Context(), cconn, req)
}
