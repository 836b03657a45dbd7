package epub

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const blockSelector = "p, li, blockquote, pre, h1, h2, h3, h4, h5, h6, dt, dd"

var tocAttrRE = regexp.MustCompile(`(?i)\b(toc|landmarks?)\b`)

// extractDocument returns the paragraph text of an XHTML document, with
// paragraphs separated by blank lines, and the best in-document title.
func extractDocument(data []byte) (text, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		body = doc.Selection
	}
	pruneNonContent(body)

	var paragraphs []string
	body.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if t := cleanText(nodeText(s)); t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	if len(paragraphs) == 0 {
		if t := cleanText(nodeText(body)); t != "" {
			paragraphs = append(paragraphs, t)
		}
	}
	return strings.Join(paragraphs, "\n\n"), documentTitle(doc, body), nil
}

func pruneNonContent(body *goquery.Selection) {
	body.Find("script, style, nav").Remove()
	body.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"role", "epub:type", "id", "class"} {
			if v, ok := s.Attr(attr); ok && tocAttrRE.MatchString(v) {
				return true
			}
		}
		return false
	}).Remove()
}

func documentTitle(doc *goquery.Document, body *goquery.Selection) string {
	for _, tag := range []string{"h1", "h2"} {
		if h := body.Find(tag).First(); h.Length() > 0 {
			if t := cleanText(nodeText(h)); t != "" {
				return t
			}
		}
	}
	if t := cleanText(nodeText(doc.Find("title").First())); t != "" {
		return t
	}
	return ""
}

// nodeText joins the trimmed text nodes under s with single spaces, so
// adjacent inline elements do not run together.
func nodeText(s *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}
