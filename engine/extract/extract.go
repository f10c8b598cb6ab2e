// Package extract selects candidate passages from fetched HTML: cleaned,
// heading-contextualized fragments ready for relevance scoring.
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

// Candidate is one extracted passage with its heading context.
type Candidate struct {
	Text           string
	HeadingContext string
}

// PageMeta is the document-level metadata mined during extraction.
type PageMeta struct {
	Title       string
	CanonicalID string
	UpdatedAt   *time.Time
}

var commentRe = regexp.MustCompile(`<!--[\s\S]*?-->`)

var unwantedSelectors = []string{
	"script", "style", "nav", "footer", "aside", "header",
	".advertisement", ".ad", ".ads", ".sidebar", "#comments", ".comments",
}

// Extractor pulls fragments and metadata out of raw HTML.
type Extractor struct {
	// MinFragmentRunes drops passages shorter than this (default 80).
	MinFragmentRunes int
	// MaxFragments caps the candidates per page (default 40).
	MaxFragments int
}

// New returns an extractor with defaults.
func New() *Extractor { return &Extractor{MinFragmentRunes: 80, MaxFragments: 40} }

// Meta mines the title, canonical link and last-update date from HTML.
func (e *Extractor) Meta(html string) (PageMeta, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PageMeta{}, err
	}
	meta := PageMeta{}
	meta.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && meta.Title == "" {
		meta.Title = strings.TrimSpace(og)
	}
	if href, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		meta.CanonicalID = strings.TrimSpace(href)
	}
	for _, sel := range []string{
		`meta[property="article:modified_time"]`,
		`meta[property="article:published_time"]`,
		`meta[name="date"]`,
	} {
		if raw, ok := doc.Find(sel).Attr("content"); ok {
			if t, err := parseDate(raw); err == nil {
				meta.UpdatedAt = &t
				break
			}
		}
	}
	return meta, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// Fragments extracts candidate passages: block elements under their nearest
// preceding heading, cleaned of boilerplate and normalized to plain text via
// markdown conversion.
func (e *Extractor) Fragments(html string) ([]Candidate, error) {
	html = commentRe.ReplaceAllString(html, "")
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	for _, sel := range unwantedSelectors {
		doc.Find(sel).Remove()
	}

	minRunes := e.MinFragmentRunes
	if minRunes <= 0 {
		minRunes = 80
	}
	maxFragments := e.MaxFragments
	if maxFragments <= 0 {
		maxFragments = 40
	}

	var out []Candidate
	heading := ""
	doc.Find("body").Find("h1, h2, h3, h4, p, li, blockquote, td").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		tag := goquery.NodeName(sel)
		if tag == "h1" || tag == "h2" || tag == "h3" || tag == "h4" {
			heading = normalizeWhitespace(sel.Text())
			return true
		}
		text := e.passageText(sel)
		if len([]rune(text)) < minRunes {
			return true
		}
		out = append(out, Candidate{Text: text, HeadingContext: heading})
		return len(out) < maxFragments
	})
	return out, nil
}

// passageText renders one element to plain text, going through markdown so
// links and inline formatting normalize the way the output pipeline expects.
func (e *Extractor) passageText(sel *goquery.Selection) string {
	inner, err := goquery.OuterHtml(sel)
	if err != nil {
		return normalizeWhitespace(sel.Text())
	}
	md, err := htmltomarkdown.ConvertString(inner)
	if err != nil {
		return normalizeWhitespace(sel.Text())
	}
	return normalizeWhitespace(md)
}

var spaceRe = regexp.MustCompile(`\s+`)

func normalizeWhitespace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
