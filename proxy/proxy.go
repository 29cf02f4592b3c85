package proxy

import (
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/ruletap/ruletap/cert"
	"github.com/ruletap/ruletap/internal/attacker"
	"github.com/ruletap/ruletap/internal/conn"
	"github.com/ruletap/ruletap/internal/metrics"
	"github.com/ruletap/ruletap/internal/upstream"
	"github.com/ruletap/ruletap/internal/wsbridge"
	"github.com/ruletap/ruletap/rule"
)

// Version identifies the proxy build, reported in logs.
const Version = "1.0.0"

const defaultStreamLargeBodies = 5 * 1024 * 1024

// Proxy owns the full request path: the outer accept loop (entry), the
// inner MITM request pipeline (attacker), the upstream dialer, and the
// addon registry notified of connection lifecycle events.
type Proxy struct {
	config Config

	ca              cert.CA
	evaluator       *rule.Evaluator
	upstreamManager *upstream.Manager
	wsBridge        *wsbridge.Bridge
	attacker        *attacker.Attacker
	metrics         *metrics.Metrics
	addons          *AddonRegistry
	entry           *entry

	shouldIntercept func(*http.Request) bool
	authProxy       func(http.ResponseWriter, *http.Request) (bool, error)
}

// NewProxy wires a Proxy from config, ca, and evaluator: the upstream
// dialer, WebSocket bridge, and inner attacker all share the same
// evaluator and CA.
func NewProxy(config Config, ca cert.CA, evaluator *rule.Evaluator) (*Proxy, error) {
	if config.StreamLargeBodies <= 0 {
		config.StreamLargeBodies = defaultStreamLargeBodies
	}

	p := &Proxy{
		config:    config,
		ca:        ca,
		evaluator: evaluator,
		metrics:   config.Metrics,
		addons:    NewAddonRegistry(),
	}

	p.upstreamManager = upstream.NewManager(config)
	p.wsBridge = wsbridge.New(evaluator)
	if p.metrics != nil {
		p.wsBridge.SetMetrics(p.metrics)
		if sc, ok := ca.(*cert.SelfSignCA); ok {
			sc.SetMetrics(p.metrics)
		}
	}

	atk, err := attacker.New(attacker.Args{
		CA:                 ca,
		UpstreamManager:    p.upstreamManager,
		Evaluator:          evaluator,
		WSBridge:           p.wsBridge,
		Lifecycle:          p,
		Metrics:            p.metrics,
		StreamLargeBodies:  config.StreamLargeBodies,
		InsecureSkipVerify: config.InsecureSkipVerify,
		ClientFactory:      config.ClientFactory,
	})
	if err != nil {
		return nil, err
	}
	p.attacker = atk
	p.entry = newEntry(p)

	return p, nil
}

// AddAddon registers addon to receive connection lifecycle notifications.
func (p *Proxy) AddAddon(addon Addon) {
	p.addons.Add(addon)
}

// SetShouldInterceptRule overrides the default (evaluator.InterceptsHost)
// interception decision for CONNECT requests.
func (p *Proxy) SetShouldInterceptRule(fn func(*http.Request) bool) {
	p.shouldIntercept = fn
}

// SetUpstreamProxy overrides upstream proxy resolution, taking priority
// over config.Upstream and the environment.
func (p *Proxy) SetUpstreamProxy(fn func(*http.Request) (*url.URL, error)) {
	p.upstreamManager.SetUpstreamProxy(fn)
}

// SetAuthProxy installs a proxy-authentication hook run before every
// request; returning false rejects the request with 407.
func (p *Proxy) SetAuthProxy(fn func(http.ResponseWriter, *http.Request) (bool, error)) {
	p.authProxy = fn
}

// GetCertificate returns the CA's root certificate as PEM.
func (p *Proxy) GetCertificate() []byte {
	return p.ca.GetRootPEM()
}

// Listen binds the outer listener synchronously, so Addr() is valid as
// soon as Listen returns. Start calls this itself; call it directly only
// when a caller needs the bound address before Serve starts blocking
// (e.g. tests binding to ":0").
func (p *Proxy) Listen() error {
	return p.entry.listen()
}

// Serve runs the already-bound outer listener and the inner attacker
// pipeline; blocks until Close or Shutdown is called from another
// goroutine. Call Listen first.
func (p *Proxy) Serve() error {
	errChan := make(chan error, 2)
	go func() { errChan <- p.attacker.Start() }()
	go func() { errChan <- p.entry.serve() }()
	return <-errChan
}

// Start binds the outer listener, then serves it and the inner attacker
// pipeline; blocks until Close or Shutdown is called from another
// goroutine.
func (p *Proxy) Start() error {
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve()
}

// Addr returns the outer listener's bound address. Only valid once Listen
// (or Start) has returned successfully.
func (p *Proxy) Addr() net.Addr {
	return p.entry.addr()
}

// Close tears down both the outer and inner servers immediately.
func (p *Proxy) Close() error {
	err1 := p.entry.close()
	err2 := p.attacker.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Shutdown gracefully tears down the outer listener, then the inner
// server, respecting ctx's deadline.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if err := p.entry.shutdown(ctx); err != nil {
		return err
	}
	return p.attacker.Shutdown(ctx)
}

// ClientConnected implements attacker.ConnLifecycle.
func (p *Proxy) ClientConnected(c *conn.ClientConn) {
	for _, addon := range p.addons.Get() {
		addon.ClientConnected(c)
	}
}

// ClientDisconnected implements attacker.ConnLifecycle.
func (p *Proxy) ClientDisconnected(c *conn.ClientConn) {
	for _, addon := range p.addons.Get() {
		addon.ClientDisconnected(c)
	}
}

// ServerConnected implements attacker.ConnLifecycle.
func (p *Proxy) ServerConnected(connCtx *conn.Context) {
	for _, addon := range p.addons.Get() {
		addon.ServerConnected(connCtx)
	}
}

// ServerDisconnected implements attacker.ConnLifecycle.
func (p *Proxy) ServerDisconnected(connCtx *conn.Context) {
	for _, addon := range p.addons.Get() {
		addon.ServerDisconnected(connCtx)
	}
}

// TLSEstablishedServer implements attacker.ConnLifecycle.
func (p *Proxy) TLSEstablishedServer(connCtx *conn.Context) {
	for _, addon := range p.addons.Get() {
		addon.TLSEstablishedServer(connCtx)
	}
}

// NotifyClientDisconnected implements conn.Notifier for the outer
// (pre-interception) client connection wrapper.
func (p *Proxy) NotifyClientDisconnected(c *conn.ClientConn) {
	p.ClientDisconnected(c)
}

// NotifyServerDisconnected completes conn.Notifier. The proxy wraps no
// server connections itself (the blind tunnel uses the raw upstream
// connection, and the attacker is the notifier for the server wrappers it
// creates), so nothing in the repository calls this on the proxy.
func (p *Proxy) NotifyServerDisconnected(connCtx *conn.Context) {
	p.ServerDisconnected(connCtx)
}
