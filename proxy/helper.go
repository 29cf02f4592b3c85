package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"net/http: TLS handshake timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
}

// logErr logs err at Debug when it matches one of the ordinary
// disconnect/timeout patterns, at Error otherwise.
func logErr(logger *slog.Logger, err error) {
	msg := err.Error()
	for _, s := range normalErrMsgs {
		if strings.Contains(msg, s) {
			logger.Debug("normal error", "error", err)
			return
		}
	}
	logger.Error("unexpected error", "error", err)
}

// transfer bidirectionally copies bytes between server and client until
// either side closes or errors, cascading the close the other way.
func transfer(logger *slog.Logger, server, client io.ReadWriteCloser) {
	done := make(chan struct{})
	defer close(done)

	errChan := make(chan error, 2)
	go func() {
		_, err := io.Copy(server, client)
		logger.Debug("client copy end", "error", err)
		client.Close()
		select {
		case <-done:
		case errChan <- err:
		}
	}()
	go func() {
		_, err := io.Copy(client, server)
		logger.Debug("server copy end", "error", err)
		server.Close()
		select {
		case <-done:
		case errChan <- err:
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			logErr(logger, err)
			return
		}
	}
}

func httpError(w http.ResponseWriter, errMsg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Proxy-Authenticate", `Basic realm="proxy"`)
	w.WriteHeader(code)
	fmt.Fprintln(w, errMsg)
}

// hostAddr returns req.URL.Host, canonicalized with a default port for the
// CONNECT tunnel's destination.
func hostAddr(req *http.Request) string {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	return host
}
