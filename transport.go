package inspector

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// UpstreamTransport is the pooled client side of the proxy. It wraps
// [http.Transport] with defaults suited to a forward proxy and counts
// requests for the admin status endpoint.
type UpstreamTransport struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// DialTimeout bounds the TCP dial.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the upstream TLS handshake.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after
	// the request is written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 negotiates h2 with upstream servers.
	EnableHTTP2 bool

	// ProxyURL chains requests through another proxy. Nil connects
	// directly; the environment is never consulted.
	ProxyURL *url.URL

	// TLSConfig customizes upstream TLS. Certificates are always
	// verified so that handshake failures can be reported.
	TLSConfig *tls.Config

	transport atomic.Pointer[http.Transport]

	total  atomic.Int64
	active atomic.Int64
}

// NewUpstreamTransport creates an UpstreamTransport with proxy defaults.
func NewUpstreamTransport() *UpstreamTransport {
	return &UpstreamTransport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// SetProxyURL parses and sets ProxyURL. An empty string clears it.
func (ut *UpstreamTransport) SetProxyURL(raw string) error {
	if raw == "" {
		ut.ProxyURL = nil
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("unsupported upstream proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream proxy URL %q has no host", raw)
	}
	ut.ProxyURL = u
	return nil
}

// Build creates the underlying [http.Transport]. Each call replaces the
// previous transport and closes its idle connections.
func (ut *UpstreamTransport) Build() *http.Transport {
	tlsCfg := ut.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if ut.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := ut.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          ut.MaxIdleConns,
		MaxIdleConnsPerHost:   ut.MaxIdleConnsPerHost,
		IdleConnTimeout:       ut.IdleConnTimeout,
		TLSHandshakeTimeout:   ut.TLSHandshakeTimeout,
		ResponseHeaderTimeout: ut.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     ut.EnableHTTP2,
		// Bodies are decoded by the proxy so the original encoding can
		// be restored on the way out.
		DisableCompression: true,
	}
	if ut.ProxyURL != nil {
		t.Proxy = http.ProxyURL(ut.ProxyURL)
	}

	if old := ut.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// RoundTrip implements [http.RoundTripper], building the transport on
// first use.
func (ut *UpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ut.total.Add(1)
	ut.active.Add(1)
	defer ut.active.Add(-1)

	t := ut.transport.Load()
	if t == nil {
		t = ut.Build()
	}
	return t.RoundTrip(req)
}

// CloseIdleConnections closes all idle upstream connections.
func (ut *UpstreamTransport) CloseIdleConnections() {
	if t := ut.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// UpstreamStats is a snapshot of upstream request counters.
type UpstreamStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
}

// Stats returns a snapshot of the request counters.
func (ut *UpstreamTransport) Stats() UpstreamStats {
	return UpstreamStats{
		TotalRequests:  ut.total.Load(),
		ActiveRequests: ut.active.Load(),
	}
}
