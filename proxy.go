package inspector

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBufferSize is the largest upstream body the engine buffers
// for the response hooks. Larger bodies stream through untouched.
const DefaultMaxBufferSize = 32 << 20

// DefaultIdleTimeout is how long an intercepted TLS connection may sit
// idle between requests.
const DefaultIdleTimeout = 30 * time.Second

// Proxy is an HTTP(S) intercepting proxy. Plain HTTP requests are
// forwarded directly; CONNECT tunnels are terminated with a per-host
// certificate so the requests inside can be inspected. Every request
// becomes a Flow that is handed to the configured addons.
type Proxy struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string

	// CertManager signs certificates for intercepted hosts. Without it,
	// CONNECT requests are refused.
	CertManager *CertManager

	// Addons receive the flow hooks in order.
	Addons []Addon

	// Logger for engine events.
	Logger *slog.Logger

	// Transport for outbound requests. NewProxy sets an
	// UpstreamTransport; nil falls back to http.DefaultTransport.
	Transport http.RoundTripper

	// Metrics collects Prometheus metrics and serves /metrics (optional).
	Metrics *Metrics

	// Admin serves requests addressed to the proxy itself under
	// AdminPrefix (optional).
	Admin       http.Handler
	AdminPrefix string

	// MaxBufferSize bounds the response bodies buffered for addons.
	// Zero means DefaultMaxBufferSize.
	MaxBufferSize int64

	// IdleTimeout bounds the wait for the next request on an intercepted
	// connection. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	mu  sync.Mutex
	srv *http.Server
}

// NewProxy creates a new intercepting proxy.
func NewProxy(addr string, cm *CertManager, addons ...Addon) *Proxy {
	return &Proxy{
		Addr:        addr,
		CertManager: cm,
		Addons:      addons,
		Logger:      slog.Default(),
		Transport:   NewUpstreamTransport(),
	}
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(listener)
}

// Serve accepts proxy connections on l.
func (p *Proxy) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", l.Addr().String())
	return srv.Serve(l)
}

// Shutdown gracefully stops the proxy. Intercepted TLS connections are
// hijacked and are not waited for.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origin-form requests are addressed to the proxy itself.
	if r.Method != http.MethodConnect && !r.URL.IsAbs() {
		switch {
		case p.Metrics != nil && r.URL.Path == "/metrics":
			p.Metrics.Handler().ServeHTTP(w, r)
		case p.Admin != nil && p.AdminPrefix != "" && strings.HasPrefix(r.URL.Path, p.AdminPrefix):
			p.Admin.ServeHTTP(w, r)
		default:
			http.Error(w, "this is a proxy server", http.StatusBadRequest)
		}
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// handleConnect terminates a CONNECT tunnel with a forged certificate.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}
	p.Logger.Debug("CONNECT", "host", r.Host)

	if p.CertManager == nil {
		http.Error(w, "TLS interception not configured", http.StatusNotImplemented)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Debug("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Use SNI if available, otherwise use the CONNECT host.
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
		NextProtos: []string{"http/1.1"},
	}

	tlsConn := tls.Server(clientConn, tlsConfig)
	_ = tlsConn.SetDeadline(time.Now().Add(p.idleTimeout()))
	if err := tlsConn.Handshake(); err != nil {
		p.handshakeFailed(clientConn.RemoteAddr().String(), &HandshakeError{Side: SideClient, Host: host, Err: err})
		_ = clientConn.Close()
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	p.serveTLS(tlsConn, r.Host)
}

// serveTLS reads HTTP requests from an intercepted connection until the
// client goes away.
func (p *Proxy) serveTLS(conn *tls.Conn, connectHost string) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	clientAddr := conn.RemoteAddr().String()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(p.idleTimeout()))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.Logger.Debug("read request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.Host == "" {
			req.Host = connectHost
		}
		req.URL.Host = req.Host
		req.URL.Scheme = "https"
		req.RequestURI = ""

		if p.Metrics != nil {
			p.Metrics.RecordRequest(req.Method, "https")
		}

		resp := p.serveFlow(req, clientAddr)
		err = p.writeTo(conn, req, resp)
		_ = req.Body.Close()
		if err != nil {
			p.Logger.Debug("write response", "error", err)
			return
		}
		if req.Close {
			return
		}
	}
}

// handleHTTP handles absolute-form plain HTTP requests.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "http")
	}
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""

	resp := p.serveFlow(outReq, r.RemoteAddr)
	defer resp.close()

	body, length := p.finalize(resp)
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	removeHopByHopHeaders(h)
	if length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, body)
	}
}

// serveFlow runs one request through the addons and the upstream server
// and returns the response to send to the client.
func (p *Proxy) serveFlow(req *http.Request, clientAddr string) *Response {
	f := &Flow{
		Request: &Request{
			Method: req.Method,
			URL:    req.URL,
			Proto:  req.Proto,
			Header: req.Header,
			host:   req.Host,
		},
		ClientAddr: clientAddr,
		StartTime:  time.Now(),
	}

	for _, a := range p.Addons {
		a.Request(f)
		if f.Response != nil {
			// Short-circuited: the upstream is never contacted and the
			// response hooks do not run.
			return f.Response
		}
	}

	req.Header = f.Request.Header
	removeHopByHopHeaders(req.Header)

	resp, err := p.transport().RoundTrip(req)
	if err != nil {
		return p.upstreamFailed(req, err)
	}
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(f.StartTime))
	}

	f.Response = p.readResponse(req, resp)
	for _, a := range p.Addons {
		a.Response(f)
	}
	return f.Response
}

func (p *Proxy) upstreamFailed(req *http.Request, err error) *Response {
	p.Logger.Error("forward request", "error", err, "url", req.URL.String())
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamError(req.URL.Hostname())
	}

	if isTLSFailure(err) {
		peer := req.URL.Host
		if req.URL.Port() == "" {
			peer = net.JoinHostPort(req.URL.Hostname(), "443")
		}
		p.handshakeFailed(peer, &HandshakeError{Side: SideUpstream, Host: req.URL.Hostname(), Err: err})
	}

	return NewResponse(http.StatusBadGateway, "text/plain; charset=utf-8",
		[]byte(fmt.Sprintf("Proxy Error: %v", err)))
}

func (p *Proxy) handshakeFailed(peer string, err error) {
	p.Logger.Debug("TLS handshake failed", "peer", peer, "error", err)
	for _, a := range p.Addons {
		a.TLSHandshakeFailed(peer, err)
	}
}

// isTLSFailure reports whether err came from a TLS handshake rather than
// from dialing or reading.
func isTLSFailure(err error) bool {
	switch HandshakeFailureReason(err) {
	case "unknown_authority", "hostname_mismatch", "certificate_invalid", "certificate", "alert", "not_tls":
		return true
	}
	return false
}

// readResponse buffers and decodes the upstream body for the addons.
// Bodies that are too large, undecodable, or have no payload by
// definition pass through as opaque streams.
func (p *Proxy) readResponse(req *http.Request, resp *http.Response) *Response {
	fr := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		closer:     resp.Body,
	}
	removeHopByHopHeaders(fr.Header)

	if req.Method == http.MethodHead || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotModified || (resp.StatusCode >= 100 && resp.StatusCode < 200) {
		fr.stream = http.NoBody
		return fr
	}

	limit := p.maxBufferSize()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return p.upstreamFailed(req, fmt.Errorf("read upstream body: %w", err))
	}
	if int64(len(raw)) > limit {
		p.Logger.Debug("body too large to inspect", "url", req.URL.String(), "limit", limit)
		fr.stream = io.MultiReader(bytes.NewReader(raw), resp.Body)
		return fr
	}
	_ = resp.Body.Close()
	fr.closer = nil

	encoding := normalizeEncoding(resp.Header.Get("Content-Encoding"))
	body, err := DecompressBytes(raw, encoding, limit)
	if err != nil {
		p.Logger.Debug("cannot decode body", "url", req.URL.String(), "encoding", encoding, "error", err)
		fr.stream = bytes.NewReader(raw)
		return fr
	}

	fr.Header.Del("Content-Encoding")
	fr.encoding = encoding
	fr.SetBody(body)
	return fr
}

// finalize re-applies the original Content-Encoding and returns the body
// reader and its length, or -1 when the length is unknown.
func (p *Proxy) finalize(resp *Response) (io.Reader, int64) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.stream != nil {
		if cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			return resp.stream, cl
		}
		return resp.stream, -1
	}

	body := resp.Body
	if resp.encoding != "" {
		encoded, err := CompressBytes(body, resp.encoding)
		if err != nil {
			p.Logger.Debug("re-encode body", "encoding", resp.encoding, "error", err)
		} else {
			body = encoded
			resp.Header.Set("Content-Encoding", resp.encoding)
		}
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return bytes.NewReader(body), int64(len(body))
}

// writeTo serializes resp onto an intercepted connection.
func (p *Proxy) writeTo(w io.Writer, req *http.Request, resp *Response) error {
	defer resp.close()

	body, length := p.finalize(resp)
	out := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(body),
		ContentLength: length,
		Request:       req,
	}
	if length < 0 {
		out.TransferEncoding = []string{"chunked"}
	}
	return out.Write(w)
}

func (p *Proxy) transport() http.RoundTripper {
	if p.Transport != nil {
		return p.Transport
	}
	return http.DefaultTransport
}

func (p *Proxy) maxBufferSize() int64 {
	if p.MaxBufferSize > 0 {
		return p.MaxBufferSize
	}
	return DefaultMaxBufferSize
}

func (p *Proxy) idleTimeout() time.Duration {
	if p.IdleTimeout > 0 {
		return p.IdleTimeout
	}
	return DefaultIdleTimeout
}

// Hop-by-hop headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
