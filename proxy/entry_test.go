package proxy_test

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/ruletap/ruletap/cert"
	"github.com/ruletap/ruletap/proxy"
	"github.com/ruletap/ruletap/rule"
)

func newTestCA(t *testing.T) cert.CA {
	t.Helper()
	ca, err := cert.NewSelfSignCAWithCapacity(t.TempDir(), 16)
	if err != nil {
		t.Fatalf("NewSelfSignCAWithCapacity: %v", err)
	}
	return ca
}

func startTestProxy(t *testing.T, rules []rule.Rule) *proxy.Proxy {
	t.Helper()

	ruleSet, err := rule.NewRuleSet(rules)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	evaluator := rule.NewEvaluator(ruleSet)

	// InsecureSkipVerify lets the proxy accept httptest's self-signed origin
	// certificate on the upstream leg.
	p, err := proxy.NewProxy(proxy.Config{Addr: "127.0.0.1:0", InsecureSkipVerify: true}, newTestCA(t), evaluator)
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	if err := p.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() {
		_ = p.Serve()
	}()
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// TestBlindTunnelIsByteExact matches S5/testable property 6: a CONNECT
// target that matches no rule must relay bytes in both directions
// unchanged, with no TLS acceptor instantiated on the proxy side.
func TestBlindTunnelIsByteExact(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo server: %v", err)
	}
	defer echoLn.Close()
	go func() {
		c, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	p := startTestProxy(t, nil)

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echoLn.Addr().String(), echoLn.Addr().String())

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte("200")) {
		t.Fatalf("expected 200 Connection Established, got %q", buf[:n])
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echoed); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatalf("expected byte-exact echo, got %q want %q", echoed, payload)
	}
}

// TestDirectRequestIsRejected matches the rule that non-proxy, non-absolute
// requests receive a 400 rather than being treated as a local endpoint.
func TestDirectRequestIsRejected(t *testing.T) {
	p := startTestProxy(t, nil)

	resp, err := http.Get("http://" + p.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// TestInterceptedHTTPSAppliesRules matches S2: an intercepted HTTPS flow
// has its matched rule actions applied, with HSTS stripped and CORS headers
// injected in the response.
func TestInterceptedHTTPSAppliesRules(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tag") != "1" {
			t.Errorf("expected upstream to observe X-Tag: 1, got %q", r.Header.Get("X-Tag"))
		}
		w.Header().Set("Strict-Transport-Security", "max-age=1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer origin.Close()

	originURL, err := url.Parse(origin.URL)
	if err != nil {
		t.Fatalf("parse origin URL: %v", err)
	}
	host := originURL.Hostname()

	rules := []rule.Rule{
		{
			Name:   "inject-tag",
			Filter: rule.Filter{Host: host},
			Actions: []rule.Action{
				rule.ModifyRequestAction(rule.Modify{
					Headers: []rule.HeaderOp{{Name: "X-Tag", Op: rule.HeaderAdd, Value: "1"}},
				}),
			},
		},
	}

	p := startTestProxy(t, rules)

	proxyURL := &url.URL{Scheme: "http", Host: p.Addr().String()}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 10 * time.Second,
	}

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Strict-Transport-Security") != "" {
		t.Error("expected Strict-Transport-Security to be stripped")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected Access-Control-Allow-Origin: *")
	}
}
