package processors

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/athapong/docugraph/pkg/graph"
)

// TextProcessor passes plain text and Markdown through unchanged. Form feeds
// split pages; without them the document is a single page.
type TextProcessor struct{}

// NewTextProcessor creates a plain text parser
func NewTextProcessor() *TextProcessor {
	return &TextProcessor{}
}

// SupportedTypes lists the content types this processor handles
func (p *TextProcessor) SupportedTypes() []string {
	return []string{"text/plain", "text/markdown", "txt", "md", "markdown"}
}

// Parse returns the text as Markdown, split into pages on form feeds
func (p *TextProcessor) Parse(ctx context.Context, content []byte, metadata map[string]interface{}) (string, []string, error) {
	if len(content) == 0 {
		return "", nil, graph.NewInputError("text content is empty")
	}
	if !utf8.Valid(content) {
		return "", nil, graph.NewInputError("text content is not valid utf-8")
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", nil, graph.NewInputError("text content is blank")
	}

	pages := strings.Split(text, "\f")
	for i := range pages {
		pages[i] = strings.TrimSpace(pages[i])
	}

	return text, pages, nil
}
