package processors

import (
	"context"
	"testing"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextProcessorPassthrough(t *testing.T) {
	p := NewTextProcessor()

	markdown, pages, err := p.Parse(context.Background(), []byte("Acme Corp acquired Beta Inc."), nil)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp acquired Beta Inc.", markdown)
	require.Len(t, pages, 1)
	assert.Equal(t, markdown, pages[0])
}

func TestTextProcessorSplitsPagesOnFormFeed(t *testing.T) {
	p := NewTextProcessor()

	_, pages, err := p.Parse(context.Background(), []byte("page one\fpage two\fpage three"), nil)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, "page one", pages[0])
	assert.Equal(t, "page three", pages[2])
}

func TestTextProcessorRejectsBadInput(t *testing.T) {
	p := NewTextProcessor()

	_, _, err := p.Parse(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))

	_, _, err = p.Parse(context.Background(), []byte{0xff, 0xfe}, nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))

	_, _, err = p.Parse(context.Background(), []byte("   "), nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))
}

func TestHTMLProcessorConvertsToMarkdown(t *testing.T) {
	p := NewHTMLProcessor()

	html := `<html><head><script>alert("x")</script><style>p{}</style></head>
<body><h1>Annual Report</h1><p>Acme Corp acquired <strong>Beta Inc</strong>.</p></body></html>`

	markdown, pages, err := p.Parse(context.Background(), []byte(html), nil)
	require.NoError(t, err)
	require.Len(t, pages, 1)

	assert.Contains(t, markdown, "# Annual Report")
	assert.Contains(t, markdown, "**Beta Inc**")
	assert.NotContains(t, markdown, "alert", "script content must be stripped")
	assert.NotContains(t, markdown, "p{}", "style content must be stripped")
}

func TestHTMLProcessorRejectsEmptyInput(t *testing.T) {
	p := NewHTMLProcessor()

	_, _, err := p.Parse(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))
}

func TestPDFProcessorRejectsBadInput(t *testing.T) {
	p := NewPDFProcessor()

	_, _, err := p.Parse(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))

	_, _, err = p.Parse(context.Background(), []byte("not a pdf"), nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))
}

func TestSupportedTypes(t *testing.T) {
	assert.Contains(t, NewPDFProcessor().SupportedTypes(), "pdf")
	assert.Contains(t, NewHTMLProcessor().SupportedTypes(), "html")
	assert.Contains(t, NewTextProcessor().SupportedTypes(), "md")
}
