package bodycodec_test

import (
	"testing"

	"github.com/ruletap/ruletap/internal/bodycodec"
)

func TestIdentityRoundTrip(t *testing.T) {
	body := []byte("plain text body")

	decoded, err := bodycodec.Decode("", body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != string(body) {
		t.Fatalf("Decode = %q, want %q", decoded, body)
	}

	encoded, err := bodycodec.Encode("identity", decoded)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(encoded) != string(body) {
		t.Fatalf("Encode = %q, want %q", encoded, body)
	}
}

func TestGzipRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)

	encoded, err := bodycodec.Encode("gzip", body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := bodycodec.Decode("gzip", encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != string(body) {
		t.Fatalf("Decode = %q, want %q", decoded, body)
	}
}

func TestBrotliRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"brotli"}`)

	encoded, err := bodycodec.Encode("br", body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := bodycodec.Decode("br", encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != string(body) {
		t.Fatalf("Decode = %q, want %q", decoded, body)
	}
}

func TestZstdRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"zstd"}`)

	encoded, err := bodycodec.Encode("zstd", body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := bodycodec.Decode("zstd", encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded) != string(body) {
		t.Fatalf("Decode = %q, want %q", decoded, body)
	}
}

func TestDecodeUnsupportedEncodingErrors(t *testing.T) {
	if _, err := bodycodec.Decode("compress", []byte("x")); err == nil {
		t.Fatal("expected error for unsupported encoding")
	}
}

func TestSupported(t *testing.T) {
	cases := map[string]bool{
		"":         true,
		"gzip":     true,
		"br":       true,
		"zstd":     true,
		"compress": false,
	}
	for enc, want := range cases {
		if got := bodycodec.Supported(enc); got != want {
			t.Errorf("Supported(%q) = %v, want %v", enc, got, want)
		}
	}
}
