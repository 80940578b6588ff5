// Package extract turns fetched HTML into the title and plain text used for summaries.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/browsing-digest/internal/digest"
)

const strippedTags = "script, style, noscript"

// Document is parsed HTML ready for extraction.
type Document struct {
	doc *goquery.Document
}

// Parse reads an HTML document. Parsing is lenient; malformed markup still yields a Document.
func Parse(body string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &Document{doc: doc}, nil
}

// Title returns the trimmed <title>, or digest.NoTitle when there is none.
func (d *Document) Title() string {
	return digest.TitleOrPlaceholder(strings.TrimSpace(d.doc.Find("title").First().Text()))
}

// Text returns visible text, one trimmed line per text node, blank lines dropped.
func (d *Document) Text() string {
	d.doc.Find(strippedTags).Remove()
	var b strings.Builder
	for _, n := range d.doc.Nodes {
		collectText(n, &b)
	}
	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// ScriptShare reports the fraction of the raw markup spent inside <script> elements.
func (d *Document) ScriptShare(rawLen int) float64 {
	if rawLen == 0 {
		return 0
	}
	total := 0
	d.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		total += len(s.Text())
	})
	return float64(total) / float64(rawLen)
}

// Has reports whether selector matches anything.
func (d *Document) Has(selector string) bool {
	return d.doc.Find(selector).Length() > 0
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte('\n')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// Title extracts the document title from raw HTML.
func Title(body string) string {
	doc, err := Parse(body)
	if err != nil {
		return digest.NoTitle
	}
	return doc.Title()
}

// Text extracts visible text from raw HTML.
func Text(body string) string {
	doc, err := Parse(body)
	if err != nil {
		return ""
	}
	return doc.Text()
}

// Page builds a digest.Page from a fetched body.
func Page(url, body string) (digest.Page, error) {
	doc, err := Parse(body)
	if err != nil {
		return digest.Page{}, digest.Failure(digest.StageFetch, url, digest.KindParse, err)
	}
	page := digest.Page{URL: url, Title: doc.Title(), Text: doc.Text()}
	if page.Text == "" {
		return digest.Page{}, digest.NoContent(digest.StageFetch, url)
	}
	return page, nil
}
