package inspector

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoParser is returned when none of the candidate parsers can parse
// the probe document.
var ErrNoParser = errors.New("no usable HTML parser")

// Parser turns an HTML byte stream (already decoded to UTF-8) into a
// node tree that html.Render can serialize.
type Parser interface {
	Name() string
	Parse(r io.Reader) (*html.Node, error)
}

// TreeParser runs the full HTML5 tree-construction algorithm. It repairs
// broken markup the way browsers do and wraps fragments in
// html/head/body.
type TreeParser struct{}

func (TreeParser) Name() string { return "html5" }

func (TreeParser) Parse(r io.Reader) (*html.Node, error) {
	return html.Parse(r)
}

// TokenParser builds a tree straight from the tokenizer stream without
// the HTML5 insertion-mode rules. Unmatched end tags are dropped and
// unclosed elements are closed at end of input. It never adds
// html/head/body wrappers.
//
// Implied end tags are not applied either, so "<p>a<p>b" renders as
// "<p>a<p>b</p></p>" and a browser re-parses it with an extra empty
// paragraph. Text content is unaffected. It is only chosen when
// content.parser pins "tokenizer" or TreeParser is unusable.
type TokenParser struct{}

func (TokenParser) Name() string { return "tokenizer" }

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "keygen": true, "link": true,
	"meta": true, "param": true, "source": true, "track": true, "wbr": true,
}

func (TokenParser) Parse(r io.Reader) (*html.Node, error) {
	doc := &html.Node{Type: html.DocumentNode}
	stack := []*html.Node{doc}
	z := html.NewTokenizer(r)

	for {
		tt := z.Next()
		top := stack[len(stack)-1]

		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			return doc, nil

		case html.TextToken:
			top.AppendChild(&html.Node{Type: html.TextNode, Data: string(z.Text())})

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			n := &html.Node{
				Type:     html.ElementNode,
				Data:     tok.Data,
				DataAtom: atom.Lookup([]byte(tok.Data)),
				Attr:     tok.Attr,
			}
			top.AppendChild(n)
			if tt == html.StartTagToken && !voidElements[tok.Data] {
				stack = append(stack, n)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].Data == string(name) {
					stack = stack[:i]
					break
				}
			}

		case html.CommentToken:
			top.AppendChild(&html.Node{Type: html.CommentNode, Data: string(z.Text())})

		case html.DoctypeToken:
			top.AppendChild(&html.Node{Type: html.DoctypeNode, Data: string(z.Text())})
		}
	}
}

// DefaultParsers returns the parsers in order of preference.
func DefaultParsers() []Parser {
	return []Parser{TreeParser{}, TokenParser{}}
}

// ParserByName returns the named parser, or all default parsers for
// "auto" and "".
func ParserByName(name string) ([]Parser, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return DefaultParsers(), nil
	case "html5":
		return []Parser{TreeParser{}}, nil
	case "tokenizer":
		return []Parser{TokenParser{}}, nil
	default:
		return nil, fmt.Errorf("unknown parser %q (expected auto, html5 or tokenizer)", name)
	}
}

const probeDocument = `<!DOCTYPE html><html><head><title>t</title></head><body><p>probe <b>x</p></body></html>`

// SelectParser returns the first candidate that parses a probe document.
func SelectParser(candidates ...Parser) (Parser, error) {
	var errs []error
	for _, p := range candidates {
		doc, err := p.Parse(strings.NewReader(probeDocument))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if doc == nil || doc.FirstChild == nil {
			errs = append(errs, fmt.Errorf("%s: empty tree", p.Name()))
			continue
		}
		return p, nil
	}
	return nil, errors.Join(append([]error{ErrNoParser}, errs...)...)
}
