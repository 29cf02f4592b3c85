// Package bodycodec decodes and re-encodes HTTP message bodies by their
// Content-Encoding, so rule actions can rewrite plaintext bodies regardless
// of the wire compression the origin or client used.
package bodycodec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Decode returns body decompressed according to contentEncoding. An empty
// or "identity" encoding returns body unchanged. Unknown encodings are
// returned as an error so callers can fall back to leaving the body
// opaque.
func Decode(contentEncoding string, body []byte) ([]byte, error) {
	switch normalize(contentEncoding) {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("bodycodec: gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("bodycodec: zstd reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("bodycodec: unsupported content-encoding %q", contentEncoding)
	}
}

// Encode re-compresses body using contentEncoding, the inverse of Decode.
func Encode(contentEncoding string, body []byte) ([]byte, error) {
	switch normalize(contentEncoding) {
	case "", "identity":
		return body, nil
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("bodycodec: gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("bodycodec: gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case "br":
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("bodycodec: brotli write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("bodycodec: brotli close: %w", err)
		}
		return buf.Bytes(), nil
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("bodycodec: zstd writer: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(body, nil), nil
	default:
		return nil, fmt.Errorf("bodycodec: unsupported content-encoding %q", contentEncoding)
	}
}

// Supported reports whether contentEncoding can be round-tripped by Decode
// and Encode.
func Supported(contentEncoding string) bool {
	switch normalize(contentEncoding) {
	case "", "identity", "gzip", "br", "zstd":
		return true
	default:
		return false
	}
}

func normalize(contentEncoding string) string {
	return strings.ToLower(strings.TrimSpace(contentEncoding))
}
