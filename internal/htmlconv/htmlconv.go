// Package htmlconv turns fetched HTML pages into compact markdown that the
// model can observe.
package htmlconv

import (
	"bytes"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/codefionn/agentloop/internal/logger"
	"golang.org/x/net/html"
)

var (
	htmlTagPattern    = regexp.MustCompile(`<([a-zA-Z][a-zA-Z0-9]*)\b[^>]*>`)
	multipleNewlines  = regexp.MustCompile(`\n{3,}`)
	contentIdentifier = []string{
		"content", "main", "article", "post", "entry", "story",
		"body-content", "page-content", "main-content",
	}
	unwantedTags = map[string]bool{
		"script":   true,
		"style":    true,
		"noscript": true,
		"meta":     true,
		"link":     true,
		"head":     true,
		"header":   true,
		"footer":   true,
		"nav":      true,
		"aside":    true,
		"iframe":   true,
		"svg":      true,
		"form":     true,
	}
)

// Threshold for considering text as HTML (number of HTML tags)
const htmlTagThreshold = 3

// Page is the observable form of a fetched document.
type Page struct {
	Title    string
	Markdown string
}

// Convert parses an HTML document, keeps its main content and renders it as
// markdown. Non-HTML input is returned as-is.
func Convert(input string) (Page, error) {
	if !IsHTML(input) {
		return Page{Markdown: strings.TrimSpace(input)}, nil
	}

	doc, err := html.Parse(strings.NewReader(input))
	if err != nil {
		return Page{}, err
	}
	page := Page{Title: findTitle(doc)}

	main := findMainContent(doc)
	removeUnwantedNodes(main)

	var buf bytes.Buffer
	if err := html.Render(&buf, main); err != nil {
		return Page{}, err
	}

	markdown, err := htmltomarkdown.ConvertString(buf.String())
	if err != nil {
		return Page{}, err
	}
	page.Markdown = cleanMarkdown(markdown)

	logger.Debug("converted page %q (%d -> %d bytes)", page.Title, len(input), len(page.Markdown))
	return page, nil
}

// IsHTML detects if the input text is likely HTML
func IsHTML(input string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(input))
	if strings.HasPrefix(trimmed, "<!doctype") || strings.HasPrefix(trimmed, "<html") {
		return true
	}

	tagCount := len(htmlTagPattern.FindAllString(input, htmlTagThreshold))
	if tagCount >= htmlTagThreshold {
		return true
	}
	if tagCount < 2 {
		return false
	}
	return strings.Contains(trimmed, "<body") ||
		strings.Contains(trimmed, "<div") ||
		strings.Contains(trimmed, "<table") ||
		strings.Contains(trimmed, "<h1")
}

// Truncate cuts markdown to at most maxChars runes, marking the cut.
func Truncate(markdown string, maxChars int) (string, bool) {
	if maxChars <= 0 {
		return markdown, false
	}
	runes := []rune(markdown)
	if len(runes) <= maxChars {
		return markdown, false
	}
	return string(runes[:maxChars]) + "\n\n[truncated]", true
}

func cleanMarkdown(markdown string) string {
	return strings.TrimSpace(multipleNewlines.ReplaceAllString(markdown, "\n\n"))
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if title := findTitle(c); title != "" {
			return title
		}
	}
	return ""
}

// findMainContent prefers <main>, then <article>, then an element whose
// class or id names content, then <body>.
func findMainContent(doc *html.Node) *html.Node {
	var mainNode, article, identified, body *html.Node

	var search func(n *html.Node)
	search = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch strings.ToLower(n.Data) {
			case "main":
				if mainNode == nil {
					mainNode = n
				}
			case "article":
				if article == nil {
					article = n
				}
			case "body":
				body = n
			default:
				if identified == nil && hasContentIdentifier(n) {
					identified = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			search(c)
		}
	}
	search(doc)

	for _, candidate := range []*html.Node{mainNode, article, identified, body} {
		if candidate != nil {
			return candidate
		}
	}
	return doc
}

func hasContentIdentifier(n *html.Node) bool {
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		if key != "id" && key != "class" {
			continue
		}
		for _, token := range strings.Fields(strings.ToLower(attr.Val)) {
			for _, id := range contentIdentifier {
				if strings.Contains(token, id) {
					return true
				}
			}
		}
	}
	return false
}

func removeUnwantedNodes(n *html.Node) {
	child := n.FirstChild
	for child != nil {
		next := child.NextSibling
		removeUnwantedNodes(child)
		child = next
	}
	if n.Type == html.ElementNode && unwantedTags[n.Data] && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}
