// Package extract turns a fetched article's raw HTML into plain text
// suitable for summarisation: boilerplate stripped, paragraph breaks
// preserved, and a best-effort title recovered.
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrExtractionFailed is returned when no text survives boilerplate removal.
var ErrExtractionFailed = errors.New("extract: no content recovered")

var removeSelectors = strings.Join([]string{
	"script", "style", "nav", "footer", "header", "aside", "form", "iframe", "noscript",
	".sidebar", "#sidebar", ".ad", ".advertisement", ".popup", ".modal", ".cookie-banner",
}, ", ")

var mainContentSelectors = []string{
	"article", "main", ".main-content", ".entry-content", ".post-content",
	".post-body", ".article-body", "[role='main']", ".content", "#content",
}

var collapseNewlines = regexp.MustCompile(`\n{2,}`)

// Result is the plain text and title recovered from one HTML document.
type Result struct {
	Title string
	Text  string
}

// Extract parses html and returns its boilerplate-free text and title.
func Extract(html string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	doc.Find(removeSelectors).Remove()

	text := extractMainText(doc)
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrExtractionFailed
	}

	return Result{Title: detectTitle(doc), Text: text}, nil
}

func extractMainText(doc *goquery.Document) string {
	var b strings.Builder
	for _, selector := range mainContentSelectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			writeBlocks(&b, s)
		})
		if b.Len() > 0 {
			return cleanText(b.String())
		}
	}

	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		writeBlocks(&b, s)
	})
	return cleanText(b.String())
}

func writeBlocks(b *strings.Builder, s *goquery.Selection) {
	s.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote, pre").Each(func(_ int, item *goquery.Selection) {
		trimmed := strings.TrimSpace(item.Text())
		if trimmed == "" {
			return
		}
		b.WriteString(trimmed)
		b.WriteString("\n\n")
	})
}

func cleanText(s string) string {
	s = collapseNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// detectTitle follows the <title> -> og:title -> first <h1> fallback chain.
func detectTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("head title").First().Text()); title != "" {
		return title
	}
	if ogTitle, ok := doc.Find(`meta[property='og:title']`).Attr("content"); ok {
		if trimmed := strings.TrimSpace(ogTitle); trimmed != "" {
			return trimmed
		}
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return ""
}
