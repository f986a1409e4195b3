package parser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// MinContentLength is the shortest extracted body accepted from a single
// strategy before the next one is tried.
const MinContentLength = 100

const maxBodyLength = 1000000

type Page struct {
	URL     string
	Title   string
	Heading string
	Body    string
}

type Parser struct{}

func New() *Parser {
	return &Parser{}
}

// Parse extracts the title, first heading and readable body of an HTML page.
// Readability is tried first; short or failed extractions fall back to
// selector heuristics over the raw document.
func (p *Parser) Parse(raw []byte, pageURL string) (*Page, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse html %q: %w", pageURL, err)
	}

	page := &Page{
		URL:     pageURL,
		Title:   collapse(doc.Find("title").First().Text()),
		Heading: collapse(textOf(doc.Find("h1").First())),
	}

	body := ""
	if article, err := readability.FromReader(bytes.NewReader(raw), u); err == nil {
		body = collapse(article.TextContent)
		if page.Title == "" {
			page.Title = collapse(article.Title)
		}
	}
	if len(body) < MinContentLength {
		if fallback := p.extractContent(doc); fallback != "" {
			body = fallback
		}
	}

	if page.Title == "" {
		page.Title = page.Heading
	}
	page.Body = truncate(body, maxBodyLength)

	return page, nil
}

func (p *Parser) extractContent(doc *goquery.Document) string {
	contentDoc := doc.Clone()
	contentDoc.Find("script, style, nav, header, footer, aside, iframe, noscript, form, button, template").Remove()

	var content string
	if article := contentDoc.Find("article").First(); article.Length() > 0 {
		content = textOf(article)
	}

	if len(content) < MinContentLength {
		if main := contentDoc.Find("main, [role='main']").First(); main.Length() > 0 {
			if text := textOf(main); len(text) > len(content) {
				content = text
			}
		}
	}

	if len(content) < MinContentLength {
		for _, selector := range []string{
			"#content", ".content", "#main-content", ".main-content",
			".markdown", ".prose", ".docs-content", ".page-content",
		} {
			if elem := contentDoc.Find(selector).First(); elem.Length() > 0 {
				if text := textOf(elem); len(text) > len(content) {
					content = text
				}
			}
		}
	}

	if len(content) < MinContentLength {
		if text := textOf(contentDoc.Find("body")); len(text) > len(content) {
			content = text
		}
	}

	return content
}

// textOf joins the text nodes under s with single spaces so adjacent block
// elements do not run together.
func textOf(s *goquery.Selection) string {
	var b strings.Builder
	for _, node := range s.Nodes {
		writeText(&b, node)
	}
	return collapse(b.String())
}

func writeText(b *strings.Builder, node *html.Node) {
	if node.Type == html.TextNode {
		b.WriteString(node.Data)
		b.WriteByte(' ')
		return
	}
	if node.Type == html.ElementNode {
		switch node.Data {
		case "script", "style", "noscript", "template":
			return
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		writeText(b, child)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
