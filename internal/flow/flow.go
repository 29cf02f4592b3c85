// Package flow holds the request/response pair the proxy mutates while
// running a single HTTP exchange through the rule pipeline.
package flow

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	uuid "github.com/satori/go.uuid"

	"github.com/ruletap/ruletap/internal/bodycodec"
	"github.com/ruletap/ruletap/internal/conn"
)

// Request is the mutable, addressable view of an HTTP request flowing
// through the pipeline.
type Request struct {
	Method string
	URL    *url.URL
	Proto  string
	Header http.Header
	Body   []byte

	raw *http.Request
}

// NewRequest captures the mutable fields of an *http.Request.
func NewRequest(req *http.Request) *Request {
	return &Request{
		Method: req.Method,
		URL:    req.URL,
		Proto:  req.Proto,
		Header: req.Header.Clone(),
		raw:    req,
	}
}

// Raw returns the underlying *http.Request this Request was captured from.
func (r *Request) Raw() *http.Request {
	return r.raw
}

// DecodedBody returns Body decompressed according to the request's
// Content-Encoding header.
func (r *Request) DecodedBody() ([]byte, error) {
	return bodycodec.Decode(r.Header.Get("Content-Encoding"), r.Body)
}

// ReplaceToDecodedBody replaces Body with its decoded form and clears
// Content-Encoding, so downstream rule actions operate on plaintext. It is
// idempotent: calling it twice is a no-op the second time.
func (r *Request) ReplaceToDecodedBody() error {
	decoded, err := r.DecodedBody()
	if err != nil {
		return err
	}
	r.Body = decoded
	r.Header.Del("Content-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
	return nil
}

// ReplaceToEncodedBody re-encodes Body with contentEncoding and restores the
// Content-Encoding header, undoing ReplaceToDecodedBody once rule mutations
// are done so the wire body matches what the header advertises. An empty
// contentEncoding leaves the header unset (the body was never encoded).
func (r *Request) ReplaceToEncodedBody(contentEncoding string) error {
	encoded, err := bodycodec.Encode(contentEncoding, r.Body)
	if err != nil {
		return err
	}
	r.Body = encoded
	if contentEncoding != "" {
		r.Header.Set("Content-Encoding", contentEncoding)
	}
	r.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	return nil
}

// MarshalJSON implements json.Marshaler for logging.
func (r *Request) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"method": r.Method,
		"url":    r.URL.String(),
		"proto":  r.Proto,
		"header": r.Header,
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler, for rule fixtures and tests
// that construct a Request from recorded JSON.
func (r *Request) UnmarshalJSON(data []byte) error {
	var m struct {
		Method string      `json:"method"`
		URL    string      `json:"url"`
		Proto  string      `json:"proto"`
		Header http.Header `json:"header"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	u, err := url.Parse(m.URL)
	if err != nil {
		return err
	}
	r.Method = m.Method
	r.URL = u
	r.Proto = m.Proto
	r.Header = m.Header
	return nil
}

// Response is the mutable, addressable view of an HTTP response flowing
// through the pipeline.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	BodyReader io.Reader
	Close      bool
}

// DecodedBody returns Body decompressed according to the response's
// Content-Encoding header.
func (r *Response) DecodedBody() ([]byte, error) {
	return bodycodec.Decode(r.Header.Get("Content-Encoding"), r.Body)
}

// ReplaceToDecodedBody replaces Body with its decoded form and clears
// Content-Encoding.
func (r *Response) ReplaceToDecodedBody() error {
	decoded, err := r.DecodedBody()
	if err != nil {
		return err
	}
	r.Body = decoded
	r.Header.Del("Content-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
	return nil
}

// ReplaceToEncodedBody re-encodes Body with contentEncoding and restores the
// Content-Encoding header, undoing ReplaceToDecodedBody once rule mutations
// are done so the wire body matches what the header advertises. An empty
// contentEncoding leaves the header unset (the body was never encoded).
func (r *Response) ReplaceToEncodedBody(contentEncoding string) error {
	encoded, err := bodycodec.Encode(contentEncoding, r.Body)
	if err != nil {
		return err
	}
	r.Body = encoded
	if contentEncoding != "" {
		r.Header.Set("Content-Encoding", contentEncoding)
	}
	r.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	return nil
}

// Flow is one HTTP request/response exchange carried over a connection
// Context.
type Flow struct {
	ID                uuid.UUID
	ConnContext       *conn.Context
	Request           *Request
	Response          *Response
	Stream            bool
	UseSeparateClient bool

	done chan struct{}
}

// NewFlow creates a Flow for req running over connCtx.
func NewFlow(connCtx *conn.Context, req *http.Request) *Flow {
	return &Flow{
		ID:          uuid.NewV4(),
		ConnContext: connCtx,
		Request:     NewRequest(req),
		done:        make(chan struct{}),
	}
}

// Done returns a channel closed once the flow has finished (response fully
// written or the flow was abandoned).
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Finish marks the flow complete. Calling Finish more than once panics by
// closing an already-closed channel, matching the teacher's flow
// lifecycle: each Flow is finished exactly once.
func (f *Flow) Finish() {
	close(f.done)
}

// MarshalJSON implements json.Marshaler for logging.
func (f *Flow) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"id":      f.ID,
		"request": f.Request,
	}
	if f.Response != nil {
		m["response"] = map[string]any{
			"statusCode": f.Response.StatusCode,
			"header":     f.Response.Header,
		}
	}
	return json.Marshal(m)
}
