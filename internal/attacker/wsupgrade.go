package attacker

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// handleSwitchingProtocols takes over once executeProxyRequest's upstream
// exchange returns 101: it hijacks the client connection, relays the
// upstream's switching-protocols response verbatim so the client completes
// its own handshake, and hands both now-upgraded connections to the
// WebSocket bridge for message-level forwarding.
func (a *Attacker) handleSwitchingProtocols(res http.ResponseWriter, req *http.Request, proxyRes *http.Response, logger *slog.Logger) {
	hj, ok := res.(http.Hijacker)
	if !ok {
		logger.Error("response writer does not support hijacking for websocket upgrade")
		proxyRes.Body.Close()
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("failed to hijack client connection for websocket upgrade", "error", err)
		proxyRes.Body.Close()
		res.WriteHeader(http.StatusBadGateway)
		return
	}

	if err := writeSwitchingProtocols(clientConn, proxyRes); err != nil {
		logger.Error("failed to relay switching-protocols response", "error", err)
		clientConn.Close()
		proxyRes.Body.Close()
		return
	}

	upstreamRWC, ok := proxyRes.Body.(io.ReadWriteCloser)
	if !ok {
		logger.Error("upstream 101 response body is not a live connection")
		clientConn.Close()
		proxyRes.Body.Close()
		return
	}

	a.wsBridge.HandleUpgraded(
		&bufConn{Conn: clientConn, r: clientBuf.Reader},
		&rwcConn{ReadWriteCloser: upstreamRWC},
		req,
	)
}

// writeSwitchingProtocols writes proxyRes's status line and headers to w.
// proxyRes.Body is the live upstream connection for a 101 response, not
// payload bytes, so this writes the handshake framing by hand rather than
// via http.Response.Write (which would try to stream Body as the entity
// body).
func writeSwitchingProtocols(w io.Writer, proxyRes *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 101 %s\r\n", http.StatusText(http.StatusSwitchingProtocols)); err != nil {
		return err
	}
	if err := proxyRes.Header.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// bufConn adapts a hijacked client connection so reads first drain any
// bytes the Hijack call already buffered (e.g. a pipelined frame) before
// falling through to the raw connection.
type bufConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// rwcConn adapts the io.ReadWriteCloser net/http exposes via resp.Body for a
// 101 response into a net.Conn, the shape the WebSocket bridge forwards
// over. The address/deadline methods are unused by the bridge; the
// underlying connection's own deadlines, set by the client that dialed it,
// still apply.
type rwcConn struct {
	io.ReadWriteCloser
}

func (rwcConn) LocalAddr() net.Addr              { return wsAddr{} }
func (rwcConn) RemoteAddr() net.Addr             { return wsAddr{} }
func (rwcConn) SetDeadline(time.Time) error      { return nil }
func (rwcConn) SetReadDeadline(time.Time) error  { return nil }
func (rwcConn) SetWriteDeadline(time.Time) error { return nil }

type wsAddr struct{}

func (wsAddr) Network() string { return "tcp" }
func (wsAddr) String() string  { return "upgraded-upstream-conn" }
