package inspector

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Flow is a single request/response exchange passing through the proxy.
// Addons receive the same *Flow for both hooks but must not retain it
// after the hook returns.
type Flow struct {
	// Request is the client request. Its body is streamed to the
	// upstream server and is not visible to addons.
	Request *Request

	// Response is nil until the upstream response arrives, unless a
	// request hook sets it to short-circuit the upstream fetch.
	Response *Response

	// ClientAddr is the remote address of the client connection.
	ClientAddr string

	// StartTime is when the engine received the request.
	StartTime time.Time
}

// Request is the request half of a Flow.
type Request struct {
	Method string
	URL    *url.URL
	Proto  string
	Header http.Header

	// host is the Host header value, possibly with a port.
	host string
}

// Response is the response half of a Flow.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// encoding is the Content-Encoding the engine removed before the
	// response hooks ran. The engine re-applies it on write.
	encoding string

	// stream carries bodies the engine could not buffer or decode. Body
	// is nil while stream is set.
	stream io.Reader
	closer io.Closer
}

// NewResponse builds a Response with a single Content-Type header.
func NewResponse(status int, contentType string, body []byte) *Response {
	resp := &Response{
		StatusCode: status,
		Header:     make(http.Header),
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	resp.SetBody(body)
	return resp
}

// Host returns the destination hostname, lowercased and without a port.
// Inside an intercepted tunnel this comes from the client's Host header,
// which may use any case.
func (r *Request) Host() string {
	host := r.host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// PrettyURL returns the full request URL including scheme and host.
func (r *Request) PrettyURL() string {
	if r.URL == nil {
		return ""
	}
	u := *r.URL
	if u.Host == "" {
		u.Host = r.host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	return u.String()
}

// ContentType returns the Content-Type header, or "" when absent.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// IsHTML reports whether the response declares an HTML body.
func (r *Response) IsHTML() bool {
	return strings.Contains(strings.ToLower(r.ContentType()), "text/html")
}

// Opaque reports whether the body passes through unbuffered. Opaque
// responses have a nil Body; hooks may still change headers and status.
func (r *Response) Opaque() bool {
	return r.stream != nil
}

// SetBody replaces the body and keeps Content-Length consistent. It
// turns an opaque response into a buffered one.
func (r *Response) SetBody(body []byte) {
	r.close()
	r.stream = nil
	r.Body = body
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

func (r *Response) close() {
	if r.closer != nil {
		_ = r.closer.Close()
		r.closer = nil
	}
}

// Addon receives lifecycle events from the proxy engine. Hooks for
// different flows run concurrently; implementations must be safe for
// concurrent use.
type Addon interface {
	// Request runs before the upstream fetch. Setting f.Response
	// short-circuits the fetch and sends that response to the client.
	Request(f *Flow)

	// Response runs after the upstream response body has been buffered
	// and decoded. Hooks may replace f.Response or its body.
	Response(f *Flow)

	// TLSHandshakeFailed reports a failed TLS handshake with a client or
	// an upstream server.
	TLSHandshakeFailed(peer string, err error)
}

// BaseAddon implements Addon with no-op hooks. Embed it to implement
// only the hooks you need.
type BaseAddon struct{}

func (BaseAddon) Request(*Flow)                    {}
func (BaseAddon) Response(*Flow)                   {}
func (BaseAddon) TLSHandshakeFailed(string, error) {}
