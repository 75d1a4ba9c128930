package inspector

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip    = "gzip"
	EncodingZstd    = "zstd"
	EncodingBrotli  = "br"
	EncodingDeflate = "deflate"
)

// ErrBodyTooLarge is returned by DecompressBytes when the decoded body
// exceeds the limit.
var ErrBodyTooLarge = errors.New("decoded body exceeds limit")

// ErrUnsupportedEncoding is returned for a Content-Encoding the engine
// cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// normalizeEncoding lowercases a Content-Encoding value and maps aliases.
// Stacked encodings ("gzip, br") are returned as-is and are not supported.
func normalizeEncoding(enc string) string {
	enc = strings.ToLower(strings.TrimSpace(enc))
	switch enc {
	case "x-gzip":
		return EncodingGzip
	case "identity":
		return ""
	}
	return enc
}

// DecompressBytes decodes data according to encoding. limit > 0 bounds
// the decoded size.
func DecompressBytes(data []byte, encoding string, limit int64) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	src := bytes.NewReader(data)

	switch normalizeEncoding(encoding) {
	case "":
		return data, nil
	case EncodingGzip:
		var gr *gzip.Reader
		gr, err = gzip.NewReader(src)
		if err == nil {
			defer func() { _ = gr.Close() }()
			r = gr
		}
	case EncodingDeflate:
		// "deflate" is zlib-wrapped per RFC 9110, but some servers send raw
		// deflate streams.
		var zr io.ReadCloser
		zr, err = zlib.NewReader(src)
		if err != nil {
			zr, err = flate.NewReader(bytes.NewReader(data)), nil
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case EncodingBrotli:
		r = brotli.NewReader(src)
	case EncodingZstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(src)
		if err == nil {
			defer zr.Close()
			r = zr
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", encoding, err)
	}

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", encoding, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

// CompressBytes encodes data with the specified encoding at the default
// level. An empty encoding returns data unchanged.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	return compressLevel(data, encoding, 0)
}

func compressLevel(data []byte, encoding string, level int) ([]byte, error) {
	switch normalizeEncoding(encoding) {
	case "":
		return data, nil
	case EncodingGzip:
		return compressGzip(data, level)
	case EncodingDeflate:
		return compressDeflate(data, level)
	case EncodingZstd:
		return compressZstd(data, level)
	case EncodingBrotli:
		return compressBrotli(data, level)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

func compressGzip(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	var w *gzip.Writer
	if level == 0 {
		w = gzipWriterPool.Get().(*gzip.Writer)
		w.Reset(&buf)
		defer func() {
			w.Reset(io.Discard)
			gzipWriterPool.Put(w)
		}()
	} else {
		var err error
		if w, err = gzip.NewWriterLevel(&buf, level); err != nil {
			return nil, err
		}
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressDeflate(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte, level int) ([]byte, error) {
	el := zstd.SpeedDefault
	if level != 0 {
		el = zstd.EncoderLevelFromZstd(level)
	}
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(el))
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Close() }()
	return w.EncodeAll(data, nil), nil
}

func compressBrotli(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = brotli.DefaultCompression
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompressionConfig controls response compression behavior.
type CompressionConfig struct {
	// MinSize is the minimum response size to compress (default: 256 bytes).
	MinSize int

	// Level is the compression level. 0 uses each algorithm's default.
	Level int

	// ContentTypes is a list of content-type prefixes to compress.
	// Empty means common text types.
	ContentTypes []string

	// PreferOrder is the preferred encoding order when the client accepts
	// several. Default: br, zstd, gzip.
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var defaultCompressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"application/xhtml+xml",
	"image/svg+xml",
}

// CompressHandler wraps an http.Handler with response compression. It
// buffers the whole response, so it suits small API payloads rather than
// streams.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler creates a compression middleware with default config.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{
		Handler: h,
		Config:  DefaultCompressionConfig(),
	}
}

// ServeHTTP implements http.Handler.
func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding := c.selectEncoding(r.Header.Get("Accept-Encoding"))
	if encoding == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	bw := &bufferedResponseWriter{header: w.Header(), status: http.StatusOK}
	c.Handler.ServeHTTP(bw, r)

	body := bw.buf.Bytes()
	h := w.Header()
	h.Add("Vary", "Accept-Encoding")

	if c.shouldCompress(bw.status, h, len(body)) {
		if out, err := compressLevel(body, encoding, c.Config.Level); err == nil {
			body = out
			h.Set("Content-Encoding", encoding)
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(bw.status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func (c *CompressHandler) selectEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	preferOrder := c.Config.PreferOrder
	if len(preferOrder) == 0 {
		preferOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}
	for _, enc := range preferOrder {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

func (c *CompressHandler) shouldCompress(status int, h http.Header, size int) bool {
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return false
	}
	if h.Get("Content-Encoding") != "" {
		return false
	}
	minSize := c.Config.MinSize
	if minSize == 0 {
		minSize = 256
	}
	if size < minSize {
		return false
	}

	contentType := strings.ToLower(h.Get("Content-Type"))
	if contentType == "" {
		return false
	}
	types := c.Config.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	for _, t := range types {
		if strings.HasPrefix(contentType, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// parseAcceptEncoding parses an Accept-Encoding header into a set.
// Codings with q=0 are excluded.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		result[name] = struct{}{}
	}
	return result
}

type bufferedResponseWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (bw *bufferedResponseWriter) Header() http.Header { return bw.header }

func (bw *bufferedResponseWriter) WriteHeader(status int) {
	if bw.wroteHeader {
		return
	}
	bw.wroteHeader = true
	bw.status = status
}

func (bw *bufferedResponseWriter) Write(b []byte) (int, error) {
	bw.wroteHeader = true
	return bw.buf.Write(b)
}
