package processors

import (
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/ledongthuc/pdf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PDFProcessor extracts per-page text from PDF bytes and renders the pages as
// a single Markdown document with page headings.
type PDFProcessor struct {
	logger *logrus.Logger
}

// NewPDFProcessor creates a PDF parser
func NewPDFProcessor() *PDFProcessor {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &PDFProcessor{logger: logger}
}

// SupportedTypes lists the content types this processor handles
func (p *PDFProcessor) SupportedTypes() []string {
	return []string{"application/pdf", "pdf"}
}

// Parse extracts text page by page. Pages that yield no text are kept as
// empty strings so page numbers stay aligned with the source document.
func (p *PDFProcessor) Parse(ctx context.Context, content []byte, metadata map[string]interface{}) (string, []string, error) {
	if len(content) == 0 {
		return "", nil, graph.NewInputError("pdf content is empty")
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", nil, graph.NewInputError("failed to open pdf: %v", err)
	}

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)

	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			p.logger.WithError(errors.Wrapf(err, "page %d", i)).Warn("Failed to extract page text")
			pages = append(pages, "")
			continue
		}
		pages = append(pages, strings.TrimSpace(text))
	}

	markdown := renderMarkdownPages(pages)
	p.logger.WithFields(logrus.Fields{
		"pages": len(pages),
		"bytes": len(content),
	}).Info("Parsed PDF document")

	return markdown, pages, nil
}

// renderMarkdownPages joins page texts under per-page headings
func renderMarkdownPages(pages []string) string {
	var b strings.Builder
	for i, text := range pages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## Page ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("\n\n")
		b.WriteString(text)
	}
	return b.String()
}
