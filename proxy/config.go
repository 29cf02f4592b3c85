package proxy

import (
	"github.com/ruletap/ruletap/internal/attacker"
	"github.com/ruletap/ruletap/internal/metrics"
)

// Config holds the proxy's runtime configuration.
type Config struct {
	// Addr is the listen address for the outer accept loop, e.g. ":8080".
	Addr string

	// StreamLargeBodies is the threshold above which request/response
	// bodies are streamed unmodified instead of buffered for rule-driven
	// mutation.
	StreamLargeBodies int64

	InsecureSkipVerify bool

	// Upstream is an optional upstream proxy URL (http(s):// or socks5://)
	// every outbound connection should be dialed through.
	Upstream string

	// ClientFactory overrides how the inner HTTP clients are built; nil
	// uses attacker.NewDefaultClientFactory().
	ClientFactory attacker.ClientFactory

	// Metrics, when set, is wired into the attacker pipeline, the
	// WebSocket bridge, and the CA's leaf-cert cache before the proxy
	// starts serving traffic.
	Metrics *metrics.Metrics
}

// GetUpstream implements internal/upstream.Config.
func (c Config) GetUpstream() string { return c.Upstream }

// GetSslInsecure implements internal/upstream.Config.
func (c Config) GetSslInsecure() bool { return c.InsecureSkipVerify }
