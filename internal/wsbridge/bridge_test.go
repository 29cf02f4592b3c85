package wsbridge_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ruletap/ruletap/internal/wsbridge"
	"github.com/ruletap/ruletap/rule"
)

// pipeEnds returns the two already-"upgraded" net.Conn pairs HandleUpgraded
// expects: one standing in for the hijacked client connection, one for the
// live upstream connection surfaced by a 101 response.
func pipeEnds() (client, bridgeClient, upstream, bridgeUpstream net.Conn) {
	client, bridgeClient = net.Pipe()
	upstream, bridgeUpstream = net.Pipe()
	return
}

func newTestRequest() *http.Request {
	return httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
}

func TestBridgeHandleUpgradedForwardsMessagesBothWays(t *testing.T) {
	clientSide, bridgeClientSide, upstreamSide, bridgeUpstreamSide := pipeEnds()

	set, err := rule.NewRuleSet(nil)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	bridge := wsbridge.New(rule.NewEvaluator(set))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.HandleUpgraded(bridgeClientSide, bridgeUpstreamSide, newTestRequest())
	}()

	// The bridge treats the client side as the server (it doesn't mask
	// outgoing frames, expects masked incoming ones) and the upstream side
	// as the client (masks outgoing, expects unmasked incoming) -- the test
	// doubles take the opposite role on each pipe end to match.
	clientWS := websocket.NewConn(clientSide, false, 4096, 4096)
	defer clientWS.Close()
	upstreamWS := websocket.NewConn(upstreamSide, true, 4096, 4096)
	defer upstreamWS.Close()

	if err := clientWS.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	upstreamWS.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := upstreamWS.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != "hello" {
		t.Fatalf("got (%d, %q), want (%d, %q)", mt, data, websocket.TextMessage, "hello")
	}

	if err := upstreamWS.WriteMessage(websocket.TextMessage, []byte("world")); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	clientWS.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err = clientWS.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != "world" {
		t.Fatalf("got (%d, %q), want (%d, %q)", mt, data, websocket.TextMessage, "world")
	}

	clientWS.Close()
	upstreamWS.Close()
	wg.Wait()
}

func TestBridgeHandleUpgradedDropsMessagesMatchingFilter(t *testing.T) {
	clientSide, bridgeClientSide, upstreamSide, bridgeUpstreamSide := pipeEnds()

	set, err := rule.NewRuleSet([]rule.Rule{
		{
			Filter:        rule.Filter{},
			MessageFilter: &rule.MessageFilter{Direction: "client-to-server", Drop: true, Contains: "secret"},
		},
	})
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	bridge := wsbridge.New(rule.NewEvaluator(set))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.HandleUpgraded(bridgeClientSide, bridgeUpstreamSide, newTestRequest())
	}()

	clientWS := websocket.NewConn(clientSide, false, 4096, 4096)
	defer clientWS.Close()
	upstreamWS := websocket.NewConn(upstreamSide, true, 4096, 4096)
	defer upstreamWS.Close()

	if err := clientWS.WriteMessage(websocket.TextMessage, []byte("contains secret data")); err != nil {
		t.Fatalf("client write secret: %v", err)
	}
	if err := clientWS.WriteMessage(websocket.TextMessage, []byte("plain")); err != nil {
		t.Fatalf("client write plain: %v", err)
	}

	upstreamWS.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := upstreamWS.ReadMessage()
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if string(data) != "plain" {
		t.Fatalf("got %q, want %q (the dropped message should never reach upstream)", data, "plain")
	}

	clientWS.Close()
	upstreamWS.Close()
	wg.Wait()
}
