package inspector

import (
	"html/template"
	"io"
	"net/http"
	"strings"
)

// BlockPage is the HTML page served in place of a blocked site.
type BlockPage struct {
	template *template.Template
}

// BlockPageData contains the data passed to the block page template.
// html/template escapes every field, so a hostile Host header cannot
// inject markup into the page.
type BlockPageData struct {
	Domain    string
	URL       string
	Timestamp string
}

// DefaultBlockPageHTML is the default block page template. The domain
// appears twice: in the heading and in the explanatory sentence.
const DefaultBlockPageHTML = `<!DOCTYPE html>
<html>
<head><title>Blocked</title></head>
<body style="font-family: Arial; padding: 50px;">
  <h1 style="color: #cc0000;">Access Denied: <strong>{{.Domain}}</strong></h1>
  <p>The site {{.Domain}} has been blocked by the Network Administrator.</p>
  <p>Contact Network Administrator for additional information.</p>
</body>
</html>
`

var defaultBlockPage = NewBlockPage()

// NewBlockPage creates a new BlockPage with the default template.
func NewBlockPage() *BlockPage {
	tmpl := template.Must(template.New("block").Parse(DefaultBlockPageHTML))
	return &BlockPage{template: tmpl}
}

// NewBlockPageFromTemplate creates a BlockPage from a custom template string.
func NewBlockPageFromTemplate(templateStr string) (*BlockPage, error) {
	tmpl, err := template.New("block").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// NewBlockPageFromFile creates a BlockPage from a template file.
func NewBlockPageFromFile(path string) (*BlockPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &BlockPage{template: tmpl}, nil
}

// Render writes the block page to the given writer.
func (bp *BlockPage) Render(w io.Writer, data BlockPageData) error {
	return bp.template.Execute(w, data)
}

// RenderString returns the block page as a string.
func (bp *BlockPage) RenderString(data BlockPageData) (string, error) {
	var sb strings.Builder
	if err := bp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ServeHTTP serves the block page directly, taking the domain from the
// "domain" query parameter.
func (bp *BlockPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data := BlockPageData{
		Domain:    r.URL.Query().Get("domain"),
		URL:       r.URL.Query().Get("url"),
		Timestamp: r.URL.Query().Get("time"),
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusForbidden)
	_ = bp.template.Execute(w, data)
}
