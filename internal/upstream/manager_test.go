package upstream_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ruletap/ruletap/internal/upstream"
)

type fakeConfig struct {
	upstreamURL string
	sslInsecure bool
}

func (f fakeConfig) GetUpstream() string  { return f.upstreamURL }
func (f fakeConfig) GetSslInsecure() bool { return f.sslInsecure }

func TestGetUpstreamProxyURLPrefersCustomFunc(t *testing.T) {
	m := upstream.NewManager(fakeConfig{upstreamURL: "http://configured:8080"})

	want, _ := url.Parse("http://custom:9090")
	m.SetUpstreamProxy(func(*http.Request) (*url.URL, error) {
		return want, nil
	})

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	got, err := m.GetUpstreamProxyURL(req)
	if err != nil {
		t.Fatalf("GetUpstreamProxyURL: %v", err)
	}
	if got.String() != want.String() {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGetUpstreamProxyURLFallsBackToConfig(t *testing.T) {
	m := upstream.NewManager(fakeConfig{upstreamURL: "http://configured:8080"})

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	got, err := m.GetUpstreamProxyURL(req)
	if err != nil {
		t.Fatalf("GetUpstreamProxyURL: %v", err)
	}
	if got.String() != "http://configured:8080" {
		t.Fatalf("got %q, want %q", got, "http://configured:8080")
	}
}

func TestGetUpstreamProxyURLFallsBackToEnvironment(t *testing.T) {
	m := upstream.NewManager(fakeConfig{})

	req := httptest.NewRequest(http.MethodGet, "https://example.com/", nil)
	_, err := m.GetUpstreamProxyURL(req)
	if err != nil {
		t.Fatalf("GetUpstreamProxyURL: %v", err)
	}
}
