package query

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/athapong/docugraph/pkg/graph"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jdkato/prose/v2"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
)

// Translator turns a natural-language question into a scoped structured query
type Translator interface {
	Translate(ctx context.Context, documentID, question string) (*Query, error)
}

var stopwords = mapset.NewSet(
	"a", "an", "the", "is", "are", "was", "were", "be", "been", "do", "does",
	"did", "what", "which", "who", "whom", "when", "where", "how", "why",
	"much", "many", "of", "in", "on", "for", "to", "by", "with", "about",
	"and", "or", "not", "this", "that", "these", "those", "it", "its",
	"document", "tell", "me", "please", "did", "any",
)

// vocabulary maps question words onto graph type constraints
var (
	entityVocab = map[string]string{
		"company":    "ORG",
		"companies":  "ORG",
		"firm":       "ORG",
		"person":     "PERSON",
		"people":     "PERSON",
		"ceo":        "PERSON",
		"money":      "CURRENCY",
		"amount":     "CURRENCY",
		"cost":       "CURRENCY",
		"price":      "CURRENCY",
		"paid":       "CURRENCY",
		"percentage": "PERCENTAGE",
		"percent":    "PERCENTAGE",
		"date":       "DATE",
		"revenue":    "FINANCIAL_METRIC",
		"profit":     "FINANCIAL_METRIC",
		"earnings":   "FINANCIAL_METRIC",
		"metric":     "FINANCIAL_METRIC",
		"market":     "MARKET",
		"exchange":   "MARKET",
		"industry":   "INDUSTRY",
		"sector":     "INDUSTRY",
	}
	relationVocab = map[string]string{
		"acquired":    "ACQUIRED",
		"acquire":     "ACQUIRED",
		"acquisition": "ACQUIRED",
		"bought":      "ACQUIRED",
		"purchased":   "ACQUIRED",
		"owns":        "OWNS",
		"subsidiary":  "OWNS",
		"partner":     "PARTNERED_WITH",
		"partnership": "PARTNERED_WITH",
		"competitor":  "COMPETES_WITH",
		"competes":    "COMPETES_WITH",
		"employs":     "EMPLOYS",
		"hired":       "EMPLOYS",
		"reported":    "REPORTED",
		"announced":   "REPORTED",
		"listed":      "LISTED_ON",
	}
)

// KeywordTranslator maps questions to structured queries with token rules
// alone. It is the fallback when no language model is configured and when the
// model translation cannot be parsed.
type KeywordTranslator struct{}

// Translate tokenizes the question and derives type constraints and keywords
// from the domain vocabulary. The resulting query always carries the given
// document scope.
func (t *KeywordTranslator) Translate(ctx context.Context, documentID, question string) (*Query, error) {
	if strings.TrimSpace(question) == "" {
		return nil, graph.NewQueryTranslationError("question is empty")
	}

	doc, err := prose.NewDocument(question, prose.WithExtraction(false), prose.WithTagging(false))
	if err != nil {
		return nil, graph.NewQueryTranslationError("failed to tokenize question: %v", err)
	}

	q := &Query{DocumentID: documentID}
	entityTypes := mapset.NewSet[string]()
	relationTypes := mapset.NewSet[string]()

	for _, tok := range doc.Tokens() {
		word := strings.ToLower(strings.Trim(tok.Text, ".,?!\"'"))
		if word == "" || stopwords.Contains(word) {
			continue
		}
		if entityType, ok := entityVocab[word]; ok {
			entityTypes.Add(entityType)
			continue
		}
		if relationType, ok := relationVocab[word]; ok {
			relationTypes.Add(relationType)
			continue
		}
		q.Keywords = append(q.Keywords, word)
	}

	q.EntityTypes = entityTypes.ToSlice()
	q.RelationshipTypes = relationTypes.ToSlice()

	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

// translatePrompt instructs the model to emit the structured query as JSON
const translatePrompt = `You translate questions about a financial document's knowledge graph into a JSON query.
The graph has entities typed ORG, PERSON, CURRENCY, PERCENTAGE, DATE, FINANCIAL_METRIC, ACCOUNT, TRANSACTION, MARKET, INDUSTRY
and relationships typed ACQUIRED, OWNS, PARTNERED_WITH, COMPETES_WITH, EMPLOYS, HAS_METRIC, REPORTED, OPERATES_IN, LISTED_ON.
Respond with only a JSON object: {"entity_types": [...], "relationship_types": [...], "keywords": [...]}.
Keywords are lowercase content words from the question likely to appear in entity text.`

// LLMTranslator asks a chat model for the structured query and falls back to
// the keyword translator when the model output cannot be used.
type LLMTranslator struct {
	Client   *openai.Client
	Model    string
	Fallback Translator
}

// Translate sends the question to the model, parses the JSON reply and
// enforces the document scope on the result.
func (t *LLMTranslator) Translate(ctx context.Context, documentID, question string) (*Query, error) {
	if t.Client == nil {
		return t.fallback(ctx, documentID, question)
	}

	model := t.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	resp, err := t.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: translatePrompt},
			{Role: openai.ChatMessageRoleUser, Content: question},
		},
		Temperature: 0,
	})
	if err != nil || len(resp.Choices) == 0 {
		return t.fallback(ctx, documentID, question)
	}

	raw := extractJSON(resp.Choices[0].Message.Content)
	if !gjson.Valid(raw) {
		return t.fallback(ctx, documentID, question)
	}

	q := &Query{DocumentID: documentID}
	for _, v := range gjson.Get(raw, "entity_types").Array() {
		q.EntityTypes = append(q.EntityTypes, v.String())
	}
	for _, v := range gjson.Get(raw, "relationship_types").Array() {
		q.RelationshipTypes = append(q.RelationshipTypes, v.String())
	}
	for _, v := range gjson.Get(raw, "keywords").Array() {
		q.Keywords = append(q.Keywords, strings.ToLower(v.String()))
	}

	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (t *LLMTranslator) fallback(ctx context.Context, documentID, question string) (*Query, error) {
	fb := t.Fallback
	if fb == nil {
		fb = &KeywordTranslator{}
	}
	return fb.Translate(ctx, documentID, question)
}

// extractJSON strips markdown fences the model may wrap around its reply
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	if json.Valid([]byte(content)) {
		return content
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
