package conn

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
)

// Notifier is called when a wrapped connection closes, so the proxy and the
// attacker can pass disconnects on to the proxy's addons.
type Notifier interface {
	NotifyClientDisconnected(*ClientConn)
	NotifyServerDisconnected(*Context)
}

// WrapClientConn wraps the accepted client connection in a buffered reader
// so the proxy can Peek at the first bytes (to detect a TLS ClientHello)
// and then replay them through the ordinary Read path — the "rewind"
// behavior the blind-tunnel-vs-intercept decision depends on.
type WrapClientConn struct {
	net.Conn
	r        *bufio.Reader
	ConnCtx  *Context
	notifier Notifier

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	CloseChan chan struct{}
}

// NewWrapClientConn wraps c, buffering reads through a peekable reader.
func NewWrapClientConn(c net.Conn, notifier Notifier) *WrapClientConn {
	return &WrapClientConn{
		Conn:      c,
		r:         bufio.NewReader(c),
		notifier:  notifier,
		CloseChan: make(chan struct{}),
	}
}

// Peek returns the next n bytes without advancing the reader.
func (c *WrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

// Read reads through the buffered reader, replaying any previously peeked
// bytes first.
func (c *WrapClientConn) Read(data []byte) (int, error) {
	return c.r.Read(data)
}

// Close closes the underlying connection exactly once, notifying the
// registered notifier and cascading the close to the paired server
// connection.
func (c *WrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	slog.Debug("client connection closing", "remoteAddr", c.ConnCtx.ClientConn.Conn.RemoteAddr().String())

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()
	close(c.CloseChan)

	if c.notifier != nil {
		c.notifier.NotifyClientDisconnected(c.ConnCtx.ClientConn)
	}

	if c.ConnCtx.ServerConn != nil && c.ConnCtx.ServerConn.Conn != nil {
		c.ConnCtx.ServerConn.Conn.Close()
	}

	return c.closeErr
}

// WrapServerConn wraps the dialed upstream connection so its close can
// cascade back to the client side and notify the registered notifier.
type WrapServerConn struct {
	net.Conn
	ConnCtx  *Context
	notifier Notifier

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// NewWrapServerConn wraps c, associating it with connCtx for close
// cascading.
func NewWrapServerConn(c net.Conn, connCtx *Context, notifier Notifier) *WrapServerConn {
	return &WrapServerConn{
		Conn:     c,
		ConnCtx:  connCtx,
		notifier: notifier,
	}
}

// Close closes the underlying connection exactly once, notifying the
// registered notifier and cascading the close to the client connection per
// the same rules the teacher's helper.transfer uses for half-close.
func (c *WrapServerConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	slog.Debug("server connection closing", "remoteAddr", c.ConnCtx.ClientConn.Conn.RemoteAddr().String())

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()

	if c.notifier != nil {
		c.notifier.NotifyServerDisconnected(c.ConnCtx)
	}

	if !c.ConnCtx.ClientConn.TLS {
		if wcc, ok := c.ConnCtx.ClientConn.Conn.(*WrapClientConn); ok {
			if tcpConn, ok := wcc.Conn.(*net.TCPConn); ok {
				_ = tcpConn.CloseRead()
			}
		}
	} else if !c.ConnCtx.CloseAfterResponse {
		c.ConnCtx.ClientConn.Conn.Close()
	}

	return c.closeErr
}
