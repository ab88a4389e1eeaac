// ABOUTME: Markdown conversion for assistant replies
// ABOUTME: goldmark with a plain-text fallback when conversion fails

package view

import (
	"bytes"
	"html"
	"log/slog"

	"github.com/yuin/goldmark"
)

// RenderMarkdown converts assistant markdown to HTML. On conversion
// failure the content is escaped and wrapped verbatim so the reply is
// never lost.
func RenderMarkdown(logger *slog.Logger, content string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &buf); err != nil {
		if logger != nil {
			logger.Error("failed to convert markdown", "error", err)
		}
		return "<p>" + html.EscapeString(content) + "</p>"
	}
	return buf.String()
}
