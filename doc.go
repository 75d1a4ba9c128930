// Package inspector provides an HTTPS inspecting proxy that blocks
// requests by domain and redacts forbidden words from HTML responses.
//
// # Architecture
//
// The proxy handles both HTTP and HTTPS (CONNECT) requests. For HTTPS, it
// performs a TLS handshake with the client using a certificate generated
// for the requested host and signed by a local CA, then forwards the
// decrypted request to the origin server. Every exchange becomes a [Flow]
// that passes through the configured [Addon] hooks:
//
//   - Request runs before the upstream fetch. Setting Flow.Response
//     short-circuits the fetch.
//   - Response runs after the upstream body has been buffered and
//     decoded. Hooks may replace the body; the engine re-encodes it.
//   - TLSHandshakeFailed reports client or upstream handshake failures.
//
// [Pipeline] is the addon that ties the pieces together: a
// [DomainBlockFilter] on the request, a [Rewriter] on HTML responses, an
// [ActivityLogger] for every event and a [TLSFailureReporter] for
// handshake failures.
//
// # Basic Proxy
//
//	cm, err := inspector.NewCertManager("ca.crt", "ca.key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	al, err := inspector.OpenActivityLog(inspector.ActivityLogConfig{Path: "proxy.log"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pipeline, err := inspector.NewPipeline(al, inspector.PipelineConfig{
//	    Domains: []string{"bing.com", "youtube.com"},
//	    Words:   []string{"bomb", "attack"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pipeline.Close()
//
//	proxy := inspector.NewProxy(":8080", cm, pipeline)
//	log.Fatal(proxy.ListenAndServe())
//
// # Domain Blocking
//
// A host is blocked when it contains any blocklist entry as a substring,
// so "bing.com" also blocks "www.bing.com" and "notbing.com.evil". Blocked
// requests never reach the upstream server; the client gets a 403 with
// the rendered [BlockPage].
//
// # Content Rewriting
//
// HTML responses are decoded to UTF-8, parsed, and every visible text
// node has forbidden words replaced with "[FILTERED]". Words match whole
// words case-insensitively. Markup, attributes, comments and the contents
// of script, style and noscript elements are never changed. Any failure
// leaves the original body in place.
//
// # Activity Log
//
// Events are written to a size-rotated file ("proxy.log", 10 MiB, three
// backups by default) as lines of the form
//
//	2024-05-01 12:00:00 [WARNING] Blocked request to www.bing.com entry=bing.com
//
// # Reloading
//
// Blocklists and word lists may come from files or URLs ([ListLoader]).
// [Pipeline.Reload] swaps both in atomically and is triggered by SIGHUP
// ([WatchSIGHUP]), by file changes ([WatchFiles]), on an interval
// ([Pipeline.StartAutoReload]) or through the [AdminAPI].
//
// # Configuration
//
// [LoadConfig] reads YAML from ./inspector.yaml, $HOME/.inspector or
// /etc/inspector, with INSPECTOR_* environment overrides. See
// [WriteExampleConfig] for every option.
package inspector
