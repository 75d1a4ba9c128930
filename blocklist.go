package inspector

import (
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Blocklist is an immutable set of domain substrings. A host is blocked
// when any entry occurs anywhere inside it, so "bing.com" matches
// "www.bing.com" and also "www.notbing.com". Matching is case-sensitive.
type Blocklist struct {
	entries []string
}

// NewBlocklist builds a Blocklist from the given entries. Blank entries
// and duplicates are dropped; an empty entry would otherwise match every
// host.
func NewBlocklist(entries ...string) *Blocklist {
	seen := make(map[string]struct{}, len(entries))
	bl := &Blocklist{entries: make([]string, 0, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		bl.entries = append(bl.entries, e)
	}
	slices.Sort(bl.entries)
	return bl
}

// Match returns the first entry contained in host.
func (bl *Blocklist) Match(host string) (string, bool) {
	if bl == nil {
		return "", false
	}
	for _, e := range bl.entries {
		if strings.Contains(host, e) {
			return e, true
		}
	}
	return "", false
}

// Entries returns a copy of the configured entries.
func (bl *Blocklist) Entries() []string {
	if bl == nil {
		return nil
	}
	return slices.Clone(bl.entries)
}

// Len returns the number of entries.
func (bl *Blocklist) Len() int {
	if bl == nil {
		return 0
	}
	return len(bl.entries)
}

// Verdict is the outcome of a DomainBlockFilter decision.
type Verdict struct {
	// Denied is true when the host matched a blocklist entry.
	Denied bool

	// Domain is the denied host. Empty when allowed.
	Domain string

	// Entry is the blocklist entry that matched.
	Entry string
}

// DomainBlockFilter decides whether a destination host is blocked and
// synthesizes the block page for denied flows.
type DomainBlockFilter struct {
	list      atomic.Pointer[Blocklist]
	blockPage *BlockPage
	blocked   atomic.Int64
}

// NewDomainBlockFilter creates a filter over the given blocklist using
// the default block page.
func NewDomainBlockFilter(list *Blocklist) *DomainBlockFilter {
	f := &DomainBlockFilter{blockPage: NewBlockPage()}
	if list == nil {
		list = NewBlocklist()
	}
	f.list.Store(list)
	return f
}

// SetBlockPage replaces the block page template.
func (f *DomainBlockFilter) SetBlockPage(bp *BlockPage) {
	if bp != nil {
		f.blockPage = bp
	}
}

// SetBlocklist swaps in a new blocklist snapshot.
func (f *DomainBlockFilter) SetBlocklist(list *Blocklist) {
	if list == nil {
		list = NewBlocklist()
	}
	f.list.Store(list)
}

// Blocklist returns the current snapshot.
func (f *DomainBlockFilter) Blocklist() *Blocklist {
	return f.list.Load()
}

// Decide returns the verdict for host. It never fails; every denial
// increments the blocked counter.
func (f *DomainBlockFilter) Decide(host string) Verdict {
	entry, ok := f.list.Load().Match(host)
	if !ok {
		return Verdict{}
	}
	f.blocked.Add(1)
	return Verdict{Denied: true, Domain: host, Entry: entry}
}

// Blocked returns how many requests have been denied so far.
func (f *DomainBlockFilter) Blocked() int64 {
	return f.blocked.Load()
}

// BlockResponse builds the 403 block page response for a denied domain.
func (f *DomainBlockFilter) BlockResponse(domain, rawURL string) *Response {
	body, err := f.blockPage.RenderString(BlockPageData{
		Domain:    domain,
		URL:       rawURL,
		Timestamp: time.Now().Format(time.RFC1123),
	})
	if err != nil {
		// A broken custom template must not let the request through.
		body, _ = defaultBlockPage.RenderString(BlockPageData{Domain: domain, URL: rawURL})
	}
	return NewResponse(http.StatusForbidden, "text/html", []byte(body))
}
