// Package conn holds the per-connection state shared across a flow's
// lifetime: the client-facing connection, the upstream connection chosen
// for it, and the rewind-capable wrappers that let the proxy peek at bytes
// before deciding how to route them.
package conn

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// ClientConn represents the connection accepted from the client.
type ClientConn struct {
	ID                 uuid.UUID
	Conn               net.Conn
	TLS                bool
	NegotiatedProtocol string
	ClientHello        *tls.ClientHelloInfo
	CloseChan          chan struct{}

	// UpstreamCert, when set by the UpstreamCertAddon, makes the proxy dial
	// the upstream server (and inspect its real certificate) before
	// accepting the client's TLS handshake, rather than the default lazy
	// (client-first) order.
	UpstreamCert bool
}

// NewClientConn wraps an accepted net.Conn.
func NewClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		ID:   uuid.NewV4(),
		Conn: c,
	}
}

// MarshalJSON implements json.Marshaler for logging.
func (c *ClientConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = c.ID
	m["tls"] = c.TLS
	m["address"] = c.Conn.RemoteAddr().String()
	return json.Marshal(m)
}

// ServerConn represents the connection dialed to the upstream origin (or
// upstream proxy).
type ServerConn struct {
	ID       uuid.UUID
	Address  string
	Conn     net.Conn
	Client   *http.Client
	TLSConn  *tls.Conn
	TLSState *tls.ConnectionState
}

// NewServerConn creates an unconnected ServerConn; Address/Conn/Client are
// filled in once dialing succeeds.
func NewServerConn() *ServerConn {
	return &ServerConn{
		ID: uuid.NewV4(),
	}
}

// MarshalJSON implements json.Marshaler for logging.
func (c *ServerConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	m["id"] = c.ID
	m["address"] = c.Address
	peername := ""
	if c.Conn != nil {
		peername = c.Conn.RemoteAddr().String()
	}
	m["peername"] = peername
	return json.Marshal(m)
}

// GetTLSState returns the server-side TLS connection state, if any.
func (c *ServerConn) GetTLSState() *tls.ConnectionState {
	return c.TLSState
}

// Context carries per-TCP-connection state across the (possibly many) HTTP
// flows served on it.
type Context struct {
	ClientConn         *ClientConn
	ServerConn         *ServerConn
	Intercept          bool
	FlowCount          atomic.Uint32
	CloseAfterResponse bool
	DialFn             func(context.Context) error
}

// NewContext creates a connection context rooted at clientConn.
func NewContext(clientConn *ClientConn) *Context {
	return &Context{
		ClientConn: clientConn,
	}
}

// ID returns the string form of the client connection's ID, used in log
// correlation.
func (c *Context) ID() string {
	return c.ClientConn.ID.String()
}
