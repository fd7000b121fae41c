package processors

import (
	"context"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/athapong/docugraph/pkg/graph"
	"github.com/sirupsen/logrus"
)

// HTMLProcessor converts HTML documents to Markdown. Script, style and
// navigation chrome are stripped before conversion so only content text
// reaches extraction. HTML has no page structure; the whole document is one
// page.
type HTMLProcessor struct {
	logger *logrus.Logger
}

// NewHTMLProcessor creates an HTML parser
func NewHTMLProcessor() *HTMLProcessor {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &HTMLProcessor{logger: logger}
}

// SupportedTypes lists the content types this processor handles
func (p *HTMLProcessor) SupportedTypes() []string {
	return []string{"text/html", "html", "htm"}
}

// Parse strips non-content elements and converts the remainder to Markdown
func (p *HTMLProcessor) Parse(ctx context.Context, content []byte, metadata map[string]interface{}) (string, []string, error) {
	if len(content) == 0 {
		return "", nil, graph.NewInputError("html content is empty")
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(content)))
	if err != nil {
		return "", nil, graph.NewInputError("failed to parse html: %v", err)
	}

	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	cleaned, err := doc.Html()
	if err != nil {
		return "", nil, graph.NewInputError("failed to serialize cleaned html: %v", err)
	}

	markdown, err := htmltomarkdown.ConvertString(cleaned)
	if err != nil {
		return "", nil, graph.NewInputError("failed to convert html to markdown: %v", err)
	}
	markdown = strings.TrimSpace(markdown)

	p.logger.WithFields(logrus.Fields{
		"bytes":    len(content),
		"markdown": len(markdown),
	}).Info("Parsed HTML document")

	return markdown, []string{markdown}, nil
}
