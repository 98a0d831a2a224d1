// Package diagnostics renders a short, best-effort operator-facing excerpt
// of a page that the confidence scorer classified as a failure.
//
// Nothing in this package is part of the broker core, and the broker's
// service loop does not call Summarize; it is a standalone helper for
// making an escalation's log line actionable. It never returns an error
// and never turns a partial failure into one — the worst case is a shorter
// or emptier excerpt.
package diagnostics

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// excerptMaxRunes bounds the excerpt so a single pathological page can't
// blow out a log line.
const excerptMaxRunes = 600

// maxParagraphs caps how many paragraph-like elements are pulled out when
// readability's own extraction comes back too sparse to be useful on its
// own (common for SPA shells, which is exactly when operators want this
// excerpt the most).
const maxParagraphs = 8

// Summarize produces a short markdown excerpt of rawHTML for operator logs.
// It never returns an error: any internal failure degrades to a smaller or
// empty excerpt, logged at debug by the extraction steps themselves.
func Summarize(ctx context.Context, rawHTML, sourceURL string) string {
	select {
	case <-ctx.Done():
		return ""
	default:
	}

	article := extractContent(rawHTML, sourceURL)
	body := strings.TrimSpace(article.Content)
	if body == "" {
		body = fallbackParagraphs(rawHTML)
	}
	if body == "" {
		return ""
	}

	conv := newMarkdownConverter()
	md, err := toMarkdown(conv, body, domainOf(sourceURL))
	if err != nil {
		md = article.TextContent
	}

	return truncateRunes(strings.TrimSpace(md), excerptMaxRunes)
}

// fallbackParagraphs is used when readability's own Content is empty (it
// gave up entirely, which happens on near-empty SPA shells). It pulls the
// first handful of paragraph/heading elements verbatim via goquery, giving
// the operator something concrete to look at even on a page that is itself
// mostly empty.
func fallbackParagraphs(rawHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}

	var b strings.Builder
	count := 0
	doc.Find("h1, h2, h3, p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return true
		}
		fmt.Fprintf(&b, "<p>%s</p>\n", text)
		count++
		return count < maxParagraphs
	})
	return b.String()
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
