//nolint:errcheck // Benchmarks intentionally ignore errors for performance measurement
package inspector

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Certificate Generation Benchmarks
// =============================================================================

func BenchmarkCertGeneration(b *testing.B) {
	cm := newTestCertManager(b)

	i := 0
	for b.Loop() {
		host := fmt.Sprintf("bench%d.example.com", i)
		i++
		if _, err := cm.GetCertificateForHost(host); err != nil {
			b.Fatalf("GetCertificateForHost failed: %v", err)
		}
	}
}

func BenchmarkCertGeneration_Cached(b *testing.B) {
	cm := newTestCertManager(b)
	if _, err := cm.GetCertificateForHost("cached.example.com"); err != nil {
		b.Fatalf("GetCertificateForHost failed: %v", err)
	}

	for b.Loop() {
		cm.GetCertificateForHost("cached.example.com")
	}
}

func BenchmarkCertGeneration_Parallel(b *testing.B) {
	cm := newTestCertManager(b)
	hosts := make([]string, 16)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("host%d.example.com", i)
		cm.GetCertificateForHost(hosts[i])
	}

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			cm.GetCertificateForHost(hosts[i%len(hosts)])
			i++
		}
	})
}

// =============================================================================
// Domain Decision Benchmarks
// =============================================================================

func BenchmarkDomainBlockFilter_Decide_10(b *testing.B)    { benchmarkDecide(b, 10) }
func BenchmarkDomainBlockFilter_Decide_1000(b *testing.B)  { benchmarkDecide(b, 1000) }
func BenchmarkDomainBlockFilter_Decide_10000(b *testing.B) { benchmarkDecide(b, 10000) }

func benchmarkDecide(b *testing.B, n int) {
	entries := make([]string, n)
	for i := range entries {
		entries[i] = fmt.Sprintf("blocked%d.example.com", i)
	}
	f := NewDomainBlockFilter(NewBlocklist(entries...))

	b.Run("miss", func(b *testing.B) {
		for b.Loop() {
			f.Decide("www.allowed-site.org")
		}
	})
	b.Run("hit", func(b *testing.B) {
		host := fmt.Sprintf("cdn.blocked%d.example.com", n/2)
		for b.Loop() {
			f.Decide(host)
		}
	})
}

// =============================================================================
// Pipeline Benchmarks
// =============================================================================

func BenchmarkPipeline_Response(b *testing.B) {
	words := []string{"bomb", "attack", "explosive", "weapon", "threat"}
	p, err := NewPipeline(nil, PipelineConfig{Words: words})
	if err != nil {
		b.Fatal(err)
	}

	var sb strings.Builder
	sb.WriteString("<html><head><title>News</title><script>var attack = 1;</script></head><body>")
	for i := range 200 {
		fmt.Fprintf(&sb, "<div class=\"item\"><p>Paragraph %d mentions a possible threat and nothing else.</p></div>", i)
	}
	sb.WriteString("</body></html>")
	page := []byte(sb.String())

	u, _ := url.Parse("https://news.example.com/")
	b.SetBytes(int64(len(page)))
	for b.Loop() {
		f := &Flow{
			Request:  &Request{Method: http.MethodGet, URL: u, Header: http.Header{}},
			Response: NewResponse(http.StatusOK, "text/html", page),
		}
		p.Response(f)
	}
}

// =============================================================================
// Compression Benchmarks
// =============================================================================

func BenchmarkDecompressBytes(b *testing.B) {
	data := []byte(strings.Repeat("<p>hello world</p>", 5000))
	for _, enc := range []string{EncodingGzip, EncodingZstd, EncodingBrotli, EncodingDeflate} {
		compressed, err := CompressBytes(data, enc)
		if err != nil {
			b.Fatal(err)
		}
		b.Run(enc, func(b *testing.B) {
			b.SetBytes(int64(len(data)))
			for b.Loop() {
				DecompressBytes(compressed, enc, 0)
			}
		})
	}
}

// =============================================================================
// Proxy Throughput Benchmarks
// =============================================================================

func BenchmarkProxy_HTTP(b *testing.B) {
	page := "<html><body>" + strings.Repeat("<p>A quiet day with no attack reported.</p>", 100) + "</body></html>"
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, page)
	}))
	defer backend.Close()

	client, stop := benchmarkProxy(b, []string{"attack"})
	defer stop()

	for b.Loop() {
		resp, err := client.Get(backend.URL)
		if err != nil {
			b.Fatalf("Get: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func BenchmarkConcurrentConnections_10(b *testing.B) {
	benchmarkConcurrentConnections(b, 10)
}

func BenchmarkConcurrentConnections_100(b *testing.B) {
	benchmarkConcurrentConnections(b, 100)
}

func benchmarkConcurrentConnections(b *testing.B, concurrency int) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<p>OK</p>"))
	}))
	defer backend.Close()

	client, stop := benchmarkProxy(b, nil)
	defer stop()

	for b.Loop() {
		var wg sync.WaitGroup
		for range concurrency {
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp, err := client.Get(backend.URL)
				if err != nil {
					return
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}()
		}
		wg.Wait()
	}
}

func benchmarkProxy(b *testing.B, words []string) (*http.Client, func()) {
	b.Helper()
	pl, err := NewPipeline(nil, PipelineConfig{Words: words})
	if err != nil {
		b.Fatal(err)
	}
	p := NewProxy("", nil, pl)
	p.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatalf("Listen failed: %v", err)
	}
	go p.Serve(ln)

	proxyURL := &url.URL{Scheme: "http", Host: ln.Addr().String()}
	transport := &http.Transport{
		Proxy:               http.ProxyURL(proxyURL),
		MaxIdleConnsPerHost: 100,
	}
	return &http.Client{Transport: transport}, func() {
		transport.CloseIdleConnections()
		ln.Close()
	}
}
