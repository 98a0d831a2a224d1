package diagnostics

import (
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
)

// newMarkdownConverter creates a reusable, goroutine-safe Converter for
// operator-facing excerpts:
//
//   - base plugin: strips script, style, iframe, noscript, head, meta, link,
//     input, textarea, HTML comments — noise that would blow out log lines.
//   - commonmark plugin: standard Markdown rendering so the excerpt reads
//     naturally in a terminal or log viewer.
func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
}

// toMarkdown converts clean HTML to Markdown. domain resolves relative <a>/
// <img> URLs into absolute ones so the excerpt is self-contained outside the
// page's own context.
func toMarkdown(conv *converter.Converter, htmlContent string, domain string) (string, error) {
	return conv.ConvertString(htmlContent, converter.WithDomain(domain))
}
