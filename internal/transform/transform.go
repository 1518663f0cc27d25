// Package transform turns fetched HTML into the requested output formats.
package transform

import (
	"fmt"
	"net/url"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

// Markdown converts HTML into markdown.
func Markdown(html string) (string, error) {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// Links extracts absolute, deduplicated link targets from anchor tags.
// Relative hrefs resolve against baseURL.
func Links(html, baseURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	parsedBase, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	seen := make(map[string]bool)
	links := []string{}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}

		parsedHref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := parsedBase.ResolveReference(parsedHref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		abs.Scheme = strings.ToLower(abs.Scheme)
		abs.Host = strings.ToLower(abs.Host)

		u := abs.String()
		if !seen[u] {
			seen[u] = true
			links = append(links, u)
		}
	})

	return links, nil
}

// PageMeta is the metadata lifted from the document head.
type PageMeta struct {
	Title       string
	Description string
	Language    string
	Canonical   string
}

// ExtractMeta pulls title, description, language, and canonical URL out
// of the page head.
func ExtractMeta(html string) (*PageMeta, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	meta := &PageMeta{}
	meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		meta.Description = strings.TrimSpace(desc)
	}
	if meta.Description == "" {
		if og, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
			meta.Description = strings.TrimSpace(og)
		}
	}
	meta.Language = doc.Find("html").AttrOr("lang", "")
	meta.Canonical = doc.Find(`link[rel="canonical"]`).AttrOr("href", "")
	return meta, nil
}

// PlainText extracts whitespace-normalized visible text, for LLM prompts
// where markdown structure is unnecessary overhead.
func PlainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		return "", nil
	}
	body.Find("script, style, noscript").Remove()

	return collapseWhitespace(body.Text()), nil
}

func collapseWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
