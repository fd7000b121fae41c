package query

import (
	"context"
	"testing"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/athapong/docugraph/pkg/graph/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()

	entities := []graph.Entity{
		{ID: "e-acme", DocumentID: "doc-1", Text: "Acme Corp", Type: "ORG", Confidence: 0.95},
		{ID: "e-beta", DocumentID: "doc-1", Text: "Beta Inc", Type: "ORG", Confidence: 0.95},
		{ID: "e-money", DocumentID: "doc-1", Text: "$50 million", Type: "CURRENCY", Confidence: 0.95},
	}
	relationships := []graph.Relationship{
		{ID: "r-1", DocumentID: "doc-1", SourceID: "e-acme", TargetID: "e-beta", Type: "ACQUIRED", Confidence: 0.86},
	}
	require.NoError(t, store.ReplaceDocumentGraph(context.Background(), "doc-1", entities, relationships))

	other := []graph.Entity{
		{ID: "e-gamma", DocumentID: "doc-2", Text: "Gamma LLC", Type: "ORG", Confidence: 0.9},
	}
	require.NoError(t, store.ReplaceDocumentGraph(context.Background(), "doc-2", other, nil))

	return store
}

func TestAnswerAcquisitionQuestion(t *testing.T) {
	engine := NewEngine(seededStore(t), nil, nil)

	answer, err := engine.Answer(context.Background(), "doc-1", "Which company did Acme acquire?")
	require.NoError(t, err)
	require.True(t, answer.Found)

	assert.Contains(t, answer.Text, "Acme Corp")
	assert.Contains(t, answer.Text, "acquired")
	assert.Contains(t, answer.Text, "Beta Inc")
	assert.NotEmpty(t, answer.Citations)
	assert.Greater(t, answer.RowCount, 0)
	assert.NotEmpty(t, answer.QueryText)
	assert.Contains(t, answer.QueryText, "document_id")

	cited := make(map[string]bool)
	for _, c := range answer.Citations {
		cited[c.ID] = true
	}
	assert.True(t, cited["e-acme"])
	assert.True(t, cited["r-1"])
}

func TestAnswerNoMatchReturnsFixedResponse(t *testing.T) {
	engine := NewEngine(seededStore(t), nil, nil)

	answer, err := engine.Answer(context.Background(), "doc-1", "Does the report mention submarines?")
	require.NoError(t, err, "an empty result is not an error")
	assert.False(t, answer.Found)
	assert.Equal(t, NoAnswerText, answer.Text)
	assert.Empty(t, answer.Citations)
	assert.Zero(t, answer.RowCount)
}

func TestAnswerNeverLeavesDocumentScope(t *testing.T) {
	engine := NewEngine(seededStore(t), nil, nil)

	// Acme exists only in doc-1; asking doc-2 must find nothing
	answer, err := engine.Answer(context.Background(), "doc-2", "Which company did Acme acquire?")
	require.NoError(t, err)
	assert.False(t, answer.Found)
	assert.Equal(t, NoAnswerText, answer.Text)
}

type unscopedTranslator struct{}

func (unscopedTranslator) Translate(ctx context.Context, documentID, question string) (*Query, error) {
	return &Query{Keywords: []string{"acme"}}, nil
}

func TestAnswerRejectsUnscopedTranslation(t *testing.T) {
	engine := NewEngine(seededStore(t), unscopedTranslator{}, nil)

	answer, err := engine.Answer(context.Background(), "doc-1", "Which company did Acme acquire?")
	require.NoError(t, err, "an unscoped translation degrades to the no-answer response")
	assert.False(t, answer.Found)
	assert.Equal(t, NoAnswerText, answer.Text)
}

type failingTranslator struct{}

func (failingTranslator) Translate(ctx context.Context, documentID, question string) (*Query, error) {
	return nil, graph.NewQueryTranslationError("cannot translate")
}

func TestAnswerTranslationFailureIsGraceful(t *testing.T) {
	engine := NewEngine(seededStore(t), failingTranslator{}, nil)

	answer, err := engine.Answer(context.Background(), "doc-1", "gibberish")
	require.NoError(t, err)
	assert.False(t, answer.Found)
	assert.Equal(t, NoAnswerText, answer.Text)
}

func TestAnswerInputValidation(t *testing.T) {
	engine := NewEngine(seededStore(t), nil, nil)

	_, err := engine.Answer(context.Background(), "", "question")
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))

	_, err = engine.Answer(context.Background(), "doc-1", "   ")
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))
}

func TestKeywordTranslator(t *testing.T) {
	translator := &KeywordTranslator{}

	q, err := translator.Translate(context.Background(), "doc-1", "Which company did Acme acquire?")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", q.DocumentID)
	assert.Contains(t, q.EntityTypes, "ORG")
	assert.Contains(t, q.RelationshipTypes, "ACQUIRED")
	assert.Contains(t, q.Keywords, "acme")
	assert.NotContains(t, q.Keywords, "which")
}

func TestKeywordTranslatorEmptyQuestion(t *testing.T) {
	translator := &KeywordTranslator{}

	_, err := translator.Translate(context.Background(), "doc-1", "  ")
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindQueryTranslation, graph.KindOf(err))
}

func TestQueryCypherAlwaysScoped(t *testing.T) {
	q := &Query{DocumentID: "doc-1", Keywords: []string{"Acme"}, RelationshipTypes: []string{"ACQUIRED"}}

	cypher, params := q.Cypher()
	assert.Contains(t, cypher, "document_id: $document_id")
	assert.Equal(t, "doc-1", params["document_id"])
	assert.Equal(t, []string{"acme"}, params["keywords"])

	bare := &Query{DocumentID: "doc-1"}
	cypher, params = bare.Cypher()
	assert.Contains(t, cypher, "document_id: $document_id")
	assert.Equal(t, "doc-1", params["document_id"])
}

func TestQueryValidate(t *testing.T) {
	err := (&Query{}).Validate()
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindQueryTranslation, graph.KindOf(err))

	require.NoError(t, (&Query{DocumentID: "doc-1"}).Validate())
}

func TestDeterministicComposer(t *testing.T) {
	nodes := []graph.Node{
		{ID: "e-acme", Text: "Acme Corp", Type: "ORG", Confidence: 0.95},
		{ID: "e-beta", Text: "Beta Inc", Type: "ORG", Confidence: 0.95},
		{ID: "e-money", Text: "$50 million", Type: "CURRENCY", Confidence: 0.95},
	}
	edges := []graph.Edge{
		{ID: "r-1", SourceID: "e-acme", TargetID: "e-beta", Type: "ACQUIRED", Confidence: 0.86},
	}

	text, err := (&DeterministicComposer{}).Compose(context.Background(), "who acquired whom?", nodes, edges)
	require.NoError(t, err)
	assert.Contains(t, text, "Acme Corp acquired Beta Inc")
	assert.Contains(t, text, "$50 million")
}
