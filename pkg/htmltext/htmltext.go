// Package htmltext reduces HTML fragments to plain text.
package htmltext

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	tagPattern        = regexp.MustCompile(`<[a-zA-Z!/][^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// LooksLikeHTML reports whether s contains at least one markup tag.
func LooksLikeHTML(s string) bool {
	return tagPattern.MatchString(s)
}

// Clean strips markup and collapses whitespace. Plain text passes through
// with only whitespace normalised.
func Clean(s string) string {
	if !LooksLikeHTML(s) {
		return collapse(s)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return collapse(tagPattern.ReplaceAllString(s, " "))
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, sel *goquery.Selection) {
		sel.Remove()
	})

	return collapse(doc.Find("body").Text())
}

// Title returns the document title or first heading, or "" when neither exists.
func Title(s string) string {
	if !LooksLikeHTML(s) {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if strings.TrimSpace(title) == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}

func collapse(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
