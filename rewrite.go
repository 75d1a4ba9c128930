package inspector

import (
	"bytes"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"sync/atomic"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

// hiddenTextParents holds elements whose text is not prose. Rewriting
// script or style source would break the page.
var hiddenTextParents = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
}

// Rewriter redacts forbidden words from the visible text of HTML
// documents while leaving markup, attributes, scripts and styles alone.
// It is safe for concurrent use.
type Rewriter struct {
	// Logger receives parse and render failures.
	Logger *slog.Logger

	// OnError, if set, is called for every failure Process recovers from.
	OnError func(error)

	parser Parser
	words  atomic.Pointer[WordFilter]
}

// NewRewriter creates a Rewriter using the first usable parser from
// candidates, or from DefaultParsers when none are given.
func NewRewriter(words *WordFilter, candidates ...Parser) (*Rewriter, error) {
	if len(candidates) == 0 {
		candidates = DefaultParsers()
	}
	p, err := SelectParser(candidates...)
	if err != nil {
		return nil, err
	}
	rw := &Rewriter{
		Logger: slog.Default(),
		parser: p,
	}
	rw.SetWords(words)
	return rw, nil
}

// Parser returns the parser chosen at construction.
func (rw *Rewriter) Parser() Parser {
	return rw.parser
}

// SetWords swaps in a new word set.
func (rw *Rewriter) SetWords(words *WordFilter) {
	if words == nil {
		words = &WordFilter{replacement: DefaultReplacement}
	}
	rw.words.Store(words)
}

// Words returns the current word set.
func (rw *Rewriter) Words() *WordFilter {
	return rw.words.Load()
}

// Process rewrites body and returns the result. On any failure, including
// a panic inside the parser, it logs the error and returns body
// unchanged so the response is still delivered.
func (rw *Rewriter) Process(body []byte, contentType string) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			rw.fail(fmt.Errorf("panic: %v", r))
			out = body
		}
	}()

	out, _, err := rw.Rewrite(body, contentType)
	if err != nil {
		rw.fail(err)
		return body
	}
	return out
}

func (rw *Rewriter) fail(err error) {
	rw.Logger.Error(fmt.Sprintf("Error filtering content: %v", err))
	if rw.OnError != nil {
		rw.OnError(err)
	}
}

// Rewrite decodes, parses and redacts body. When no text node changes it
// returns body itself and false. The rewritten document is always UTF-8.
func (rw *Rewriter) Rewrite(body []byte, contentType string) ([]byte, bool, error) {
	wf := rw.words.Load()
	if wf.Len() == 0 || len(body) == 0 {
		return body, false, nil
	}

	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return body, false, fmt.Errorf("decode body: %w", err)
	}

	doc, err := rw.parser.Parse(r)
	if err != nil {
		return body, false, fmt.Errorf("parse html: %w", err)
	}

	if !redactText(doc, wf) {
		return body, false, nil
	}

	var buf bytes.Buffer
	buf.Grow(len(body))
	if err := html.Render(&buf, doc); err != nil {
		return body, false, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), true, nil
}

// redactText walks the tree in document order with an explicit stack and
// rewrites text nodes in place.
func redactText(doc *html.Node, wf *WordFilter) bool {
	changed := false
	stack := []*html.Node{doc}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.Type == html.TextNode {
			if hiddenText(n) {
				continue
			}
			if s, ok := wf.Replace(n.Data); ok {
				n.Data = s
				changed = true
			}
			continue
		}

		for c := n.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return changed
}

func hiddenText(n *html.Node) bool {
	p := n.Parent
	if p == nil || p.Type != html.ElementNode {
		return false
	}
	return hiddenTextParents[strings.ToLower(p.Data)]
}

// utf8ContentType returns contentType with its charset parameter set to
// utf-8, matching the encoding Rewrite produces.
func utf8ContentType(contentType string) string {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "text/html; charset=utf-8"
	}
	params["charset"] = "utf-8"
	return mime.FormatMediaType(mediaType, params)
}
