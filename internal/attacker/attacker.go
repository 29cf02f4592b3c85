package attacker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	"github.com/ruletap/ruletap/cert"
	"github.com/ruletap/ruletap/internal/conn"
	"github.com/ruletap/ruletap/internal/helper"
	"github.com/ruletap/ruletap/internal/metrics"
	"github.com/ruletap/ruletap/internal/proxycontext"
	"github.com/ruletap/ruletap/internal/upstream"
	"github.com/ruletap/ruletap/internal/wsbridge"
	"github.com/ruletap/ruletap/rule"
)

// ConnLifecycle is notified of connection lifecycle events so the owning
// proxy can log them and update metrics. All methods must return quickly.
type ConnLifecycle interface {
	ClientConnected(*conn.ClientConn)
	ClientDisconnected(*conn.ClientConn)
	ServerConnected(*conn.Context)
	ServerDisconnected(*conn.Context)
	TLSEstablishedServer(*conn.Context)
}

// listener hands intercepted TLS connections to the inner http.Server via a
// channel, so http.Server.Serve can drive the per-connection goroutines.
type listener struct {
	connChan chan net.Conn
}

func (l *listener) accept(c net.Conn)       { l.connChan <- c }
func (l *listener) Accept() (net.Conn, error) { return <-l.connChan, nil }
func (*listener) Close() error              { return nil }
func (*listener) Addr() net.Addr            { return nil }

type attackerConn struct {
	net.Conn
	connCtx *conn.Context
}

// Attacker runs RequestPipeline: it owns the inner HTTP/1.1 and HTTP/2
// servers that process requests over an intercepted (decrypted) connection,
// evaluates the rule set, and dispatches to the upstream.
type Attacker struct {
	ca                 cert.CA
	upstreamManager    *upstream.Manager
	evaluator          *rule.Evaluator
	wsBridge           *wsbridge.Bridge
	lifecycle          ConnLifecycle
	metrics            *metrics.Metrics
	streamLargeBodies  int64
	insecureSkipVerify bool

	server   *http.Server
	h2Server *http2.Server
	client   *http.Client
	listener *listener

	clientFactory ClientFactory
}

// Args bundles Attacker's dependencies.
type Args struct {
	CA                 cert.CA
	UpstreamManager     *upstream.Manager
	Evaluator           *rule.Evaluator
	WSBridge            *wsbridge.Bridge
	Lifecycle           ConnLifecycle
	Metrics             *metrics.Metrics
	StreamLargeBodies   int64
	InsecureSkipVerify  bool
	ClientFactory       ClientFactory
}

// New builds an Attacker ready to Start.
func New(args Args) (*Attacker, error) {
	clientFactory := args.ClientFactory
	if clientFactory == nil {
		clientFactory = NewDefaultClientFactory()
	}

	atk := &Attacker{
		ca:                 args.CA,
		upstreamManager:    args.UpstreamManager,
		evaluator:          args.Evaluator,
		wsBridge:           args.WSBridge,
		lifecycle:          args.Lifecycle,
		metrics:            args.Metrics,
		streamLargeBodies:  args.StreamLargeBodies,
		insecureSkipVerify: args.InsecureSkipVerify,
		clientFactory:      clientFactory,
		listener:           &listener{connChan: make(chan net.Conn)},
	}

	atk.client = atk.clientFactory.CreateMainClient(atk.upstreamManager, args.InsecureSkipVerify)

	atk.server = &http.Server{
		Handler: atk,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return proxycontext.WithConnContext(ctx, c.(*attackerConn).connCtx)
		},
	}
	atk.h2Server = &http2.Server{
		MaxConcurrentStreams: 100,
		NewWriteScheduler:    func() http2.WriteScheduler { return http2.NewPriorityWriteScheduler(nil) },
	}

	return atk, nil
}

// Start serves the inner HTTP/1.1 listener; blocks until Close/Shutdown.
func (a *Attacker) Start() error {
	return a.server.Serve(a.listener)
}

// Close tears down the inner server immediately.
func (a *Attacker) Close() error {
	return a.server.Close()
}

// Shutdown gracefully tears down the inner server.
func (a *Attacker) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// NotifyClientDisconnected implements conn.Notifier.
func (a *Attacker) NotifyClientDisconnected(c *conn.ClientConn) {
	if a.lifecycle != nil {
		a.lifecycle.ClientDisconnected(c)
	}
}

// NotifyServerDisconnected implements conn.Notifier.
func (a *Attacker) NotifyServerDisconnected(connCtx *conn.Context) {
	if a.lifecycle != nil {
		a.lifecycle.ServerDisconnected(connCtx)
	}
}

// serveConn routes a freshly TLS-terminated connection to the HTTP/1.1 or
// HTTP/2 handler depending on the negotiated ALPN protocol.
func (a *Attacker) serveConn(clientTLSConn *tls.Conn, connCtx *conn.Context) {
	connCtx.ClientConn.NegotiatedProtocol = clientTLSConn.ConnectionState().NegotiatedProtocol

	if connCtx.ClientConn.NegotiatedProtocol == "h2" && connCtx.ServerConn != nil {
		connCtx.ServerConn.Client = a.clientFactory.CreateHTTP2Client(connCtx.ServerConn.TLSConn)

		ctx := proxycontext.WithConnContext(context.Background(), connCtx)
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.ClientConn.CloseChan
			cancel()
		}()
		go a.h2Server.ServeConn(clientTLSConn, &http2.ServeConnOpts{
			Context:    ctx,
			Handler:    a,
			BaseConfig: a.server,
		})
		return
	}

	a.listener.accept(&attackerConn{Conn: clientTLSConn, connCtx: connCtx})
}

// ServeHTTP implements http.Handler: every request, including a WebSocket
// upgrade, goes through Attack so pre-evaluation, header normalization, and
// the upstream exchange run first. Attack itself hands a successful upgrade
// off to the WebSocket bridge once the upstream responds 101.
func (a *Attacker) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if req.URL.Scheme == "" {
		req.URL.Scheme = "https"
	}
	if req.URL.Host == "" {
		req.URL.Host = req.Host
	}
	a.Attack(res, req)
}

// InitHTTPDialFn arranges lazy dialing for a plain (non-TLS) HTTP
// connection: the first request on it dials the upstream and pins the
// connection for subsequent requests.
func (a *Attacker) InitHTTPDialFn(req *http.Request) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		return
	}
	connCtx.DialFn = func(ctx context.Context) error {
		addr := helper.CanonicalAddr(req.URL)
		c, err := a.upstreamManager.GetUpstreamConn(ctx, req)
		if err != nil {
			return err
		}
		cw := conn.NewWrapServerConn(c, connCtx, a)

		serverConn := conn.NewServerConn()
		serverConn.Conn = cw
		serverConn.Address = addr
		serverConn.Client = a.clientFactory.CreatePlainHTTPClient(cw)

		connCtx.ServerConn = serverConn
		if a.lifecycle != nil {
			a.lifecycle.ServerConnected(connCtx)
		}
		return nil
	}
}

// serverTLSHandshake dials TLS to the upstream, mirroring the client's
// ClientHello so the origin sees a transparent handshake.
func (a *Attacker) serverTLSHandshake(ctx context.Context, connCtx *conn.Context) error {
	clientHello := connCtx.ClientConn.ClientHello
	serverConn := connCtx.ServerConn

	serverTLSConfig := &tls.Config{
		InsecureSkipVerify: a.insecureSkipVerify,
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
		ServerName:         clientHello.ServerName,
		NextProtos:         clientHello.SupportedProtos,
		CipherSuites:       clientHello.CipherSuites,
	}
	if len(clientHello.SupportedVersions) > 0 {
		minVersion, maxVersion := clientHello.SupportedVersions[0], clientHello.SupportedVersions[0]
		for _, v := range clientHello.SupportedVersions {
			if v < minVersion {
				minVersion = v
			}
			if v > maxVersion {
				maxVersion = v
			}
		}
		serverTLSConfig.MinVersion = minVersion
		serverTLSConfig.MaxVersion = maxVersion
	}

	serverTLSConn := tls.Client(serverConn.Conn, serverTLSConfig)
	serverConn.TLSConn = serverTLSConn
	if err := serverTLSConn.HandshakeContext(ctx); err != nil {
		return err
	}
	state := serverTLSConn.ConnectionState()
	serverConn.TLSState = &state
	if a.lifecycle != nil {
		a.lifecycle.TLSEstablishedServer(connCtx)
	}

	serverConn.Client = a.clientFactory.CreateHTTPSClient(serverTLSConn)
	return nil
}

// InitHTTPSDialFn arranges lazy dial+TLS-handshake to the upstream for an
// intercepted HTTPS connection.
func (a *Attacker) InitHTTPSDialFn(req *http.Request) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		return
	}
	connCtx.DialFn = func(ctx context.Context) error {
		if _, err := a.HTTPSDial(ctx, req); err != nil {
			return err
		}
		return a.serverTLSHandshake(ctx, connCtx)
	}
}

// HTTPSDial opens the plain TCP connection to the upstream HTTPS origin;
// the TLS handshake itself is performed by serverTLSHandshake.
func (a *Attacker) HTTPSDial(ctx context.Context, req *http.Request) (net.Conn, error) {
	connCtx, ok := proxycontext.GetConnContext(req.Context())
	if !ok {
		return nil, fmt.Errorf("attacker: missing connection context")
	}

	plainConn, err := a.upstreamManager.GetUpstreamConn(ctx, req)
	if err != nil {
		return nil, err
	}

	serverConn := conn.NewServerConn()
	serverConn.Address = req.Host
	serverConn.Conn = conn.NewWrapServerConn(plainConn, connCtx, a)
	connCtx.ServerConn = serverConn
	if a.lifecycle != nil {
		a.lifecycle.ServerConnected(connCtx)
	}

	return serverConn.Conn, nil
}

// HTTPSTLSDial performs the dial-upstream-first MITM handshake: the
// client's ClientHello is captured, the upstream TLS handshake completes
// first (so its negotiated protocol can be mirrored into the leaf cert's
// NextProtos), then the client handshake completes.
func (a *Attacker) HTTPSTLSDial(ctx context.Context, cconn, sconn net.Conn) {
	connCtx, ok := proxycontext.GetConnContext(ctx)
	if !ok {
		slog.Error("attacker: missing connection context in HTTPSTLSDial")
		return
	}
	logger := slog.With("component", "attacker.httpsTLSDial", "remote", connCtx.ClientConn.Conn.RemoteAddr().String())

	clientHelloChan := make(chan *tls.ClientHelloInfo)
	serverTLSStateChan := make(chan *tls.ConnectionState)
	errChan1 := make(chan error, 1)
	errChan2 := make(chan error, 1)
	clientHandshakeDone := make(chan struct{})

	clientTLSConn := tls.Server(cconn, &tls.Config{
		SessionTicketsDisabled: true,
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			clientHelloChan <- chi
			var nextProtos []string

			select {
			case err := <-errChan2:
				return nil, err
			case serverTLSState := <-serverTLSStateChan:
				if serverTLSState.NegotiatedProtocol != "" {
					nextProtos = []string{serverTLSState.NegotiatedProtocol}
				}
			}

			leaf, err := a.ca.GetCert(chi.ServerName)
			if err != nil {
				return nil, err
			}
			return &tls.Config{
				SessionTicketsDisabled: true,
				Certificates:           []tls.Certificate{*leaf},
				NextProtos:             nextProtos,
			}, nil
		},
	})

	go func() {
		if err := clientTLSConn.HandshakeContext(ctx); err != nil {
			errChan1 <- err
			return
		}
		close(clientHandshakeDone)
	}()

	var clientHello *tls.ClientHelloInfo
	select {
	case err := <-errChan1:
		cconn.Close()
		sconn.Close()
		logger.Error("client handshake failed", "error", err)
		return
	case clientHello = <-clientHelloChan:
	}
	connCtx.ClientConn.ClientHello = clientHello

	if err := a.serverTLSHandshake(ctx, connCtx); err != nil {
		cconn.Close()
		sconn.Close()
		errChan2 <- err
		logger.Error("server TLS handshake failed", "error", err)
		return
	}
	serverTLSStateChan <- connCtx.ServerConn.TLSState

	select {
	case err := <-errChan1:
		cconn.Close()
		sconn.Close()
		logger.Error("client handshake failed", "error", err)
		return
	case <-clientHandshakeDone:
	}

	a.serveConn(clientTLSConn, connCtx)
}

// HTTPSLazyAttack performs the client-handshake-first MITM path: only the
// client TLS handshake runs eagerly; the upstream dial is deferred to the
// first inner request via InitHTTPSDialFn. Only HTTP/1.1 is offered.
func (a *Attacker) HTTPSLazyAttack(ctx context.Context, cconn net.Conn, req *http.Request) {
	connCtx, ok := proxycontext.GetConnContext(ctx)
	if !ok {
		slog.Error("attacker: missing connection context in HTTPSLazyAttack")
		return
	}
	logger := slog.With("component", "attacker.httpsLazyAttack", "remote", connCtx.ClientConn.Conn.RemoteAddr().String())

	clientTLSConn := tls.Server(cconn, &tls.Config{
		SessionTicketsDisabled: true,
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			connCtx.ClientConn.ClientHello = chi
			leaf, err := a.ca.GetCert(chi.ServerName)
			if err != nil {
				return nil, err
			}
			return &tls.Config{
				SessionTicketsDisabled: true,
				Certificates:           []tls.Certificate{*leaf},
				NextProtos:             []string{"http/1.1"},
			}, nil
		},
	})
	if err := clientTLSConn.HandshakeContext(ctx); err != nil {
		cconn.Close()
		logger.Error("client handshake failed", "error", err)
		return
	}

	a.InitHTTPSDialFn(req)
	a.serveConn(clientTLSConn, connCtx)
}

var normalErrMsgs = []string{
	"use of closed network connection",
	"broken pipe",
	"connection reset by peer",
	"client disconnected",
	"context canceled",
}

func logErr(logger *slog.Logger, err error) {
	if err == nil {
		return
	}
	for _, msg := range normalErrMsgs {
		if strings.Contains(err.Error(), msg) {
			logger.Debug("connection ended", "error", err)
			return
		}
	}
	logger.Error("unexpected error", "error", err)
}
