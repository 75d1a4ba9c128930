package inspector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// ListLoader loads a list of entries (blocked domains or forbidden words)
// from some source.
type ListLoader interface {
	// Load reads entries from the source and returns them.
	Load(ctx context.Context) ([]string, error)
}

// ListLoaderFunc is a function adapter for ListLoader.
type ListLoaderFunc func(ctx context.Context) ([]string, error)

// Load calls the underlying function to load entries.
func (f ListLoaderFunc) Load(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// ParseList reads one entry per line. Blank lines and lines starting with
// # are skipped; a trailing " # comment" is stripped.
func ParseList(r io.Reader) ([]string, error) {
	var entries []string
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// FileListLoader loads entries from a local file in ParseList format.
type FileListLoader struct {
	Path string
}

// NewFileListLoader creates a loader for the given file path.
func NewFileListLoader(path string) *FileListLoader {
	return &FileListLoader{Path: path}
}

// Load implements ListLoader.
func (l *FileListLoader) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open list file: %w", err)
	}
	defer func() { _ = file.Close() }()

	entries, err := ParseList(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.Path, err)
	}
	return entries, nil
}

// URLListLoader fetches entries over HTTP in ParseList format.
type URLListLoader struct {
	// URL to fetch the list from.
	URL string

	// Client for HTTP requests (uses http.DefaultClient if nil).
	Client *http.Client
}

// NewURLListLoader creates a loader that fetches a list from a URL.
func NewURLListLoader(endpoint string) *URLListLoader {
	return &URLListLoader{URL: endpoint}
}

// Load implements ListLoader.
func (l *URLListLoader) Load(ctx context.Context) ([]string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status: %d", l.URL, resp.StatusCode)
	}

	return ParseList(resp.Body)
}

// StaticListLoader returns a fixed set of entries.
type StaticListLoader struct {
	Entries []string
}

// NewStaticListLoader creates a loader with a fixed set of entries.
func NewStaticListLoader(entries ...string) *StaticListLoader {
	return &StaticListLoader{Entries: entries}
}

// Load implements ListLoader.
func (l *StaticListLoader) Load(context.Context) ([]string, error) {
	return append([]string(nil), l.Entries...), nil
}

// MultiListLoader concatenates the entries of several loaders. It fails
// if any loader fails, so a partial list never replaces a full one.
type MultiListLoader struct {
	Loaders []ListLoader
}

// NewMultiListLoader creates a loader that combines several sources.
func NewMultiListLoader(loaders ...ListLoader) *MultiListLoader {
	return &MultiListLoader{Loaders: loaders}
}

// Load implements ListLoader.
func (m *MultiListLoader) Load(ctx context.Context) ([]string, error) {
	var all []string
	for i, loader := range m.Loaders {
		entries, err := loader.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loader %d: %w", i, err)
		}
		all = append(all, entries...)
	}
	return all, nil
}

// SourceLoader returns a loader for a list source: an http(s) URL or a
// file path.
func SourceLoader(source string) ListLoader {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return NewURLListLoader(source)
	}
	return NewFileListLoader(source)
}
