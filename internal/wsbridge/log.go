package wsbridge

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

func newLogger(req *http.Request) *slog.Logger {
	return slog.With("component", "wsbridge.handle", "host", req.Host, "path", req.URL.Path)
}

// logClose logs a read/write failure at Debug when it's an ordinary
// WebSocket teardown (close frame, closed connection) and at Warn
// otherwise, so real transport failures aren't lost in routine noise.
func logClose(direction string, err error) {
	if isNormalClose(err) {
		slog.Debug("wsbridge: connection ended", "direction", direction, "error", err)
		return
	}
	slog.Warn("wsbridge: unexpected error", "direction", direction, "error", err)
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
