package inspector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxBodySize is the largest HTML body the pipeline rewrites. It
// matches the engine's buffer limit, so every body the engine buffers is
// filtered. A smaller value lets larger pages through unfiltered.
const DefaultMaxBodySize = DefaultMaxBufferSize

// Pipeline is the interception addon. For each flow it runs the domain
// block decision on the request and the HTML rewriter on the response.
// It is safe for concurrent use by many flows.
type Pipeline struct {
	// Filter decides which hosts are blocked.
	Filter *DomainBlockFilter

	// Rewriter redacts HTML responses. Nil disables content filtering.
	Rewriter *Rewriter

	// Log is the activity log.
	Log *ActivityLogger

	// TLS reports handshake failures.
	TLS *TLSFailureReporter

	// Metrics, if set, records pipeline counters.
	Metrics *Metrics

	// MaxBodySize bounds the bodies handed to the rewriter. Zero means
	// no limit.
	MaxBodySize int64

	// DomainSource and WordSource feed Reload. A nil source keeps the
	// current list.
	DomainSource ListLoader
	WordSource   ListLoader

	// Replacement is the redaction token used when words are reloaded.
	Replacement string

	// OnReload, if set, is called after a successful reload.
	OnReload func(domains, words int)

	filtered atomic.Int64
	reloadMu sync.Mutex
}

// PipelineConfig holds the initial lists for NewPipeline.
type PipelineConfig struct {
	// Domains is the initial blocklist.
	Domains []string

	// Words is the initial forbidden word list.
	Words []string

	// Replacement defaults to DefaultReplacement.
	Replacement string

	// DisableRewrite turns off HTML content filtering.
	DisableRewrite bool

	// Parsers ranks the HTML parsers to probe. Empty means
	// DefaultParsers.
	Parsers []Parser

	// BlockPage overrides the default block page.
	BlockPage *BlockPage

	// MaxBodySize defaults to DefaultMaxBodySize; negative disables the
	// limit.
	MaxBodySize int64
}

// NewPipeline wires the filter, rewriter and TLS reporter to log. A nil
// log discards all events.
func NewPipeline(log *ActivityLogger, cfg PipelineConfig) (*Pipeline, error) {
	if log == nil {
		log = NewActivityLogger(io.Discard, slog.LevelError)
	}

	p := &Pipeline{
		Filter:      NewDomainBlockFilter(NewBlocklist(cfg.Domains...)),
		Log:         log,
		TLS:         &TLSFailureReporter{Logger: log.Logger()},
		MaxBodySize: cfg.MaxBodySize,
		Replacement: cfg.Replacement,
	}
	switch {
	case p.MaxBodySize == 0:
		p.MaxBodySize = DefaultMaxBodySize
	case p.MaxBodySize < 0:
		p.MaxBodySize = 0
	}
	p.Filter.SetBlockPage(cfg.BlockPage)

	if !cfg.DisableRewrite {
		words, err := NewWordFilter(cfg.Words, cfg.Replacement)
		if err != nil {
			return nil, err
		}
		rw, err := NewRewriter(words, cfg.Parsers...)
		if err != nil {
			return nil, err
		}
		rw.Logger = log.Logger()
		rw.OnError = func(error) {
			if p.Metrics != nil {
				p.Metrics.RecordRewriteError()
			}
		}
		p.Rewriter = rw
	}

	return p, nil
}

// SetMetrics attaches metrics to the pipeline and its TLS reporter.
func (p *Pipeline) SetMetrics(m *Metrics) {
	p.Metrics = m
	p.TLS.Metrics = m
	if m != nil {
		m.SetListSizes(p.Filter.Blocklist().Len(), p.words().Len())
	}
}

// Request implements Addon. A denied host gets the block page and the
// upstream request is never sent.
func (p *Pipeline) Request(f *Flow) {
	req := f.Request
	v := p.Filter.Decide(req.Host())
	if v.Denied {
		f.Response = p.Filter.BlockResponse(v.Domain, req.PrettyURL())
		p.Log.LogWarning("Blocked request to "+v.Domain, "entry", v.Entry)
		if p.Metrics != nil {
			p.Metrics.RecordBlocked()
		}
		return
	}

	p.Log.LogRequest(req.Method, req.PrettyURL(), req.Header)
}

// Response implements Addon.
func (p *Pipeline) Response(f *Flow) {
	resp := f.Response
	if resp == nil {
		return
	}
	url := f.Request.PrettyURL()
	p.Log.LogResponse(resp.StatusCode, url, resp.Header)

	if p.Rewriter == nil || !resp.IsHTML() || len(resp.Body) == 0 {
		return
	}
	if p.MaxBodySize > 0 && int64(len(resp.Body)) > p.MaxBodySize {
		p.Log.Logger().Debug("Skipped filtering oversized body", "url", url, "bytes", len(resp.Body))
		if p.Metrics != nil {
			p.Metrics.RecordRewriteSkipped("too_large")
		}
		return
	}

	start := time.Now()
	out := p.Rewriter.Process(resp.Body, resp.ContentType())
	if p.Metrics != nil {
		p.Metrics.RecordRewriteDuration(time.Since(start))
	}
	if bytes.Equal(out, resp.Body) {
		return
	}

	resp.SetBody(out)
	resp.Header.Set("Content-Type", utf8ContentType(resp.ContentType()))
	p.filtered.Add(1)
	p.Log.LogWarning("Filtered content in " + url)
	if p.Metrics != nil {
		p.Metrics.RecordContentFiltered()
	}
}

// TLSHandshakeFailed implements Addon.
func (p *Pipeline) TLSHandshakeFailed(peer string, err error) {
	p.TLS.ReportHandshakeFailure(peer, err)
}

func (p *Pipeline) words() *WordFilter {
	if p.Rewriter == nil {
		return nil
	}
	return p.Rewriter.Words()
}

// Reload reloads the blocklist and word list from their sources and
// swaps them in atomically. On error the current lists stay in place.
func (p *Pipeline) Reload(ctx context.Context) error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	err := p.reload(ctx)
	if err != nil {
		p.Log.LogError("List reload failed", "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordListReloadError()
		}
		return err
	}

	domains, words := p.Filter.Blocklist().Len(), p.words().Len()
	p.Log.Logger().Info("Lists reloaded", "domains", domains, "words", words)
	if p.Metrics != nil {
		p.Metrics.RecordListReload()
		p.Metrics.SetListSizes(domains, words)
	}
	if p.OnReload != nil {
		p.OnReload(domains, words)
	}
	return nil
}

func (p *Pipeline) reload(ctx context.Context) error {
	if p.DomainSource == nil && p.WordSource == nil {
		return errors.New("no list sources configured")
	}

	var list *Blocklist
	if p.DomainSource != nil {
		entries, err := p.DomainSource.Load(ctx)
		if err != nil {
			return fmt.Errorf("load domains: %w", err)
		}
		list = NewBlocklist(entries...)
	}

	var wf *WordFilter
	if p.WordSource != nil && p.Rewriter != nil {
		entries, err := p.WordSource.Load(ctx)
		if err != nil {
			return fmt.Errorf("load words: %w", err)
		}
		wf, err = NewWordFilter(entries, p.Replacement)
		if err != nil {
			return err
		}
	}

	// Swap only after both lists loaded.
	if list != nil {
		p.Filter.SetBlocklist(list)
	}
	if wf != nil {
		p.Rewriter.SetWords(wf)
	}
	return nil
}

// StartAutoReload reloads the lists at the given interval until ctx is
// done or the returned cancel function is called.
func (p *Pipeline) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = p.Reload(ctx)
			}
		}
	}()

	return cancel
}

// PipelineStats is a point-in-time view of pipeline counters.
type PipelineStats struct {
	Blocked  int64  `json:"blocked"`
	Filtered int64  `json:"filtered"`
	Domains  int    `json:"domains"`
	Words    int    `json:"words"`
	Parser   string `json:"parser,omitempty"`
}

// Stats returns the current counters.
func (p *Pipeline) Stats() PipelineStats {
	s := PipelineStats{
		Blocked:  p.Filter.Blocked(),
		Filtered: p.filtered.Load(),
		Domains:  p.Filter.Blocklist().Len(),
		Words:    p.words().Len(),
	}
	if p.Rewriter != nil {
		s.Parser = p.Rewriter.Parser().Name()
	}
	return s
}

// Close closes the activity log.
func (p *Pipeline) Close() error {
	return p.Log.Close()
}
