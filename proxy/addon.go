package proxy

import (
	"log/slog"
	"sync"

	"github.com/ruletap/ruletap/internal/conn"
)

// Addon is a secondary, lower-level connection-lifecycle extension point,
// complementary to (not competing with) the rule-driven request/response
// pipeline: request and response mutation go through rule.Evaluator, while
// Addon only observes connection lifecycle events, the way the teacher's
// LogAddon and UpstreamCertAddon do.
type Addon interface {
	ClientConnected(*conn.ClientConn)
	ClientDisconnected(*conn.ClientConn)
	ServerConnected(*conn.Context)
	ServerDisconnected(*conn.Context)
	TLSEstablishedServer(*conn.Context)
}

// BaseAddon does nothing; embed it to implement only the events you care
// about.
type BaseAddon struct{}

func (*BaseAddon) ClientConnected(*conn.ClientConn)    {}
func (*BaseAddon) ClientDisconnected(*conn.ClientConn) {}
func (*BaseAddon) ServerConnected(*conn.Context)       {}
func (*BaseAddon) ServerDisconnected(*conn.Context)    {}
func (*BaseAddon) TLSEstablishedServer(*conn.Context)  {}

// LogAddon logs connection lifecycle events at Info/Debug via the global
// slog logger.
type LogAddon struct {
	BaseAddon
}

func (*LogAddon) ClientConnected(c *conn.ClientConn) {
	slog.Info("client connected", "remoteAddr", c.Conn.RemoteAddr().String())
}

func (*LogAddon) ClientDisconnected(c *conn.ClientConn) {
	slog.Info("client disconnected", "remoteAddr", c.Conn.RemoteAddr().String())
}

func (*LogAddon) ServerConnected(connCtx *conn.Context) {
	slog.Info("server connected",
		"clientAddr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"serverAddr", connCtx.ServerConn.Address,
	)
}

func (*LogAddon) ServerDisconnected(connCtx *conn.Context) {
	slog.Info("server disconnected",
		"clientAddr", connCtx.ClientConn.Conn.RemoteAddr().String(),
		"serverAddr", connCtx.ServerConn.Address,
		"flowCount", connCtx.FlowCount.Load(),
	)
}

// UpstreamCertAddon marks every new client connection to dial the upstream
// server (and inspect its real certificate) before accepting the client's
// TLS handshake, selecting httpsDialFirstAttack over the default
// httpsDialLazyAttack.
type UpstreamCertAddon struct {
	BaseAddon
	UpstreamCert bool
}

// NewUpstreamCertAddon builds an UpstreamCertAddon with the given mode.
func NewUpstreamCertAddon(upstreamCert bool) *UpstreamCertAddon {
	return &UpstreamCertAddon{UpstreamCert: upstreamCert}
}

func (a *UpstreamCertAddon) ClientConnected(c *conn.ClientConn) {
	c.UpstreamCert = a.UpstreamCert
}

// AddonRegistry is a thread-safe collection of Addons, notified of
// connection lifecycle events in registration order.
type AddonRegistry struct {
	mu     sync.RWMutex
	addons []Addon
}

// NewAddonRegistry returns an empty registry.
func NewAddonRegistry() *AddonRegistry {
	return &AddonRegistry{}
}

// Add registers addon.
func (r *AddonRegistry) Add(addon Addon) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addons = append(r.addons, addon)
}

// Get returns a snapshot of the registered addons.
func (r *AddonRegistry) Get() []Addon {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Addon, len(r.addons))
	copy(out, r.addons)
	return out
}
