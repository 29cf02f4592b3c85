// Package wsbridge implements WebSocketBridge: once the request pipeline's
// upstream exchange yields a 101 Switching Protocols response, the bridge
// takes over the already-established client and upstream connections and
// forwards application messages in both directions, running each message
// through the rule evaluator so message-level filters (drop-on-substring,
// direction scoping) still apply after the handshake completes.
package wsbridge

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ruletap/ruletap/internal/metrics"
	"github.com/ruletap/ruletap/rule"
)

const (
	readBufferSize  = 4096
	writeBufferSize = 4096
)

// Bridge evaluates WebSocket messages against the rule set as they're
// forwarded between an already-upgraded client and upstream connection.
type Bridge struct {
	evaluator *rule.Evaluator
	metrics   *metrics.Metrics
}

// New builds a Bridge that evaluates messages against evaluator.
func New(evaluator *rule.Evaluator) *Bridge {
	return &Bridge{evaluator: evaluator}
}

// SetMetrics attaches m so forwarded/dropped messages are recorded.
func (b *Bridge) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// HandleUpgraded takes over clientConn and upstreamConn once the request
// pipeline has already run the handshake to completion (the client's
// Upgrade request passed pre-evaluation, the upstream responded 101, and
// that 101 was relayed back to the client) and forwards WebSocket messages
// between them until either side closes. req identifies the original
// Upgrade request, used only for logging.
func (b *Bridge) HandleUpgraded(clientConn, upstreamConn net.Conn, req *http.Request) {
	logger := newLogger(req)

	clientWS := websocket.NewConn(clientConn, true, readBufferSize, writeBufferSize)
	upstreamWS := websocket.NewConn(upstreamConn, false, readBufferSize, writeBufferSize)
	defer clientWS.Close()
	defer upstreamWS.Close()

	logger.Debug("websocket bridge taking over connection")

	done := make(chan struct{}, 2)
	go b.forward(clientWS, upstreamWS, req.Host, "client-to-server", done)
	go b.forward(upstreamWS, clientWS, req.Host, "server-to-client", done)
	<-done
}

// forward copies messages from src to dst, consulting the rule evaluator
// for each one. A message the evaluator drops (returns nil) is never
// written to dst. Normal close codes and ConnectionClosed end the loop
// without logging an error, matching ordinary WebSocket teardown.
func (b *Bridge) forward(src, dst *websocket.Conn, host, direction string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			logClose(direction, err)
			return
		}

		msg := b.evaluator.MatchMessage(host, &rule.Message{
			Direction: direction,
			Binary:    msgType == websocket.BinaryMessage,
			Data:      data,
		})
		if msg == nil {
			b.recordOutcome(direction, "dropped")
			continue
		}
		b.recordOutcome(direction, "forwarded")

		if err := dst.WriteMessage(msgType, msg.Data); err != nil {
			logClose(direction, err)
			return
		}
	}
}

func (b *Bridge) recordOutcome(direction, outcome string) {
	if b.metrics == nil {
		return
	}
	b.metrics.WSMessagesTotal.WithLabelValues(direction, outcome).Inc()
}
