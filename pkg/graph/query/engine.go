package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_questions_total",
			Help: "Questions answered, by outcome",
		},
		[]string{"outcome"},
	)

	queryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "query_answer_duration_seconds",
			Help: "End-to-end time answering a question",
		},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal)
	prometheus.MustRegister(queryDuration)
}

// NoAnswerText is the fixed response when a question yields no graph matches
// or cannot be translated into a scoped query.
const NoAnswerText = "No answer found in this document."

// Citation points at a graph element that contributed to an answer
type Citation struct {
	Kind       string  `json:"kind"`
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Answer is the result of answering one question against one document
type Answer struct {
	Question  string        `json:"question"`
	Text      string        `json:"text"`
	Found     bool          `json:"found"`
	Citations []Citation    `json:"citations,omitempty"`
	QueryText string        `json:"query_text,omitempty"`
	RowCount  int           `json:"row_count"`
	Latency   time.Duration `json:"latency"`
}

// Composer phrases matched graph elements into a natural-language answer
type Composer interface {
	Compose(ctx context.Context, question string, nodes []graph.Node, edges []graph.Edge) (string, error)
}

// Engine answers natural-language questions against one document's persisted
// subgraph. Questions never escape the document scope.
type Engine struct {
	store      graph.GraphStore
	translator Translator
	composer   Composer
	logger     *logrus.Logger
}

// NewEngine creates a query engine. A nil translator defaults to the keyword
// translator and a nil composer to the deterministic one.
func NewEngine(store graph.GraphStore, translator Translator, composer Composer) *Engine {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if translator == nil {
		translator = &KeywordTranslator{}
	}
	if composer == nil {
		composer = &DeterministicComposer{}
	}

	return &Engine{
		store:      store,
		translator: translator,
		composer:   composer,
		logger:     logger,
	}
}

// Answer translates the question, executes the scoped query and composes a
// response citing the contributing graph elements. A failed translation or an
// empty result yields the fixed no-answer response, never an error.
func (e *Engine) Answer(ctx context.Context, documentID, question string) (*Answer, error) {
	if documentID == "" {
		return nil, graph.NewInputError("answering requires a document id")
	}
	if strings.TrimSpace(question) == "" {
		return nil, graph.NewInputError("question is empty")
	}

	timer := prometheus.NewTimer(queryDuration)
	defer timer.ObserveDuration()
	started := time.Now()

	q, err := e.translator.Translate(ctx, documentID, question)
	if err != nil {
		if graph.KindOf(err) == graph.ErrKindQueryTranslation {
			e.logQuery(documentID, question, "", 0, time.Since(started), "untranslatable")
			return e.noAnswer(question, "", time.Since(started)), nil
		}
		return nil, err
	}
	if err := q.Validate(); err != nil {
		e.logQuery(documentID, question, "", 0, time.Since(started), "unscoped")
		return e.noAnswer(question, "", time.Since(started)), nil
	}

	queryText, _ := q.Cypher()

	data, err := e.store.GetGraph(ctx, documentID, q.Filter())
	if err != nil {
		return nil, err
	}

	nodes, edges := matchElements(q, data)
	rowCount := len(nodes) + len(edges)

	if rowCount == 0 {
		e.logQuery(documentID, question, queryText, 0, time.Since(started), "no_answer")
		return e.noAnswer(question, queryText, time.Since(started)), nil
	}

	text, err := e.composer.Compose(ctx, question, nodes, edges)
	if err != nil || strings.TrimSpace(text) == "" {
		// Composition failures degrade to the deterministic phrasing
		text, _ = (&DeterministicComposer{}).Compose(ctx, question, nodes, edges)
	}

	answer := &Answer{
		Question:  question,
		Text:      text,
		Found:     true,
		Citations: citations(nodes, edges),
		QueryText: queryText,
		RowCount:  rowCount,
		Latency:   time.Since(started),
	}

	e.logQuery(documentID, question, queryText, rowCount, answer.Latency, "answered")
	return answer, nil
}

func (e *Engine) noAnswer(question, queryText string, latency time.Duration) *Answer {
	return &Answer{
		Question:  question,
		Text:      NoAnswerText,
		Found:     false,
		QueryText: queryText,
		Latency:   latency,
	}
}

func (e *Engine) logQuery(documentID, question, queryText string, rows int, latency time.Duration, outcome string) {
	queriesTotal.WithLabelValues(outcome).Inc()
	e.logger.WithFields(logrus.Fields{
		"document_id": documentID,
		"question":    question,
		"query":       queryText,
		"rows":        rows,
		"latency_ms":  latency.Milliseconds(),
		"outcome":     outcome,
	}).Info("Question answered")
}

// matchElements narrows the retrieved subgraph by the query keywords. Type
// constraints were already applied by the store filter; keywords match entity
// text case-insensitively. An edge stays when either endpoint matched, and
// both of its endpoints are pulled back in so the answer can name them.
func matchElements(q *Query, data *graph.GraphData) ([]graph.Node, []graph.Edge) {
	if len(q.Keywords) == 0 {
		return data.Nodes, data.Edges
	}

	nodeByID := make(map[string]graph.Node, len(data.Nodes))
	for _, node := range data.Nodes {
		nodeByID[node.ID] = node
	}

	seeds := make(map[string]bool)
	for _, node := range data.Nodes {
		lower := strings.ToLower(node.Text)
		for _, kw := range q.Keywords {
			if strings.Contains(lower, kw) {
				seeds[node.ID] = true
				break
			}
		}
	}

	keep := make(map[string]bool)
	for id := range seeds {
		keep[id] = true
	}

	edges := make([]graph.Edge, 0)
	for _, edge := range data.Edges {
		if !seeds[edge.SourceID] && !seeds[edge.TargetID] {
			continue
		}
		edges = append(edges, edge)
		keep[edge.SourceID] = true
		keep[edge.TargetID] = true
	}

	nodes := make([]graph.Node, 0, len(keep))
	for _, node := range data.Nodes {
		if keep[node.ID] {
			nodes = append(nodes, node)
		}
	}
	return nodes, edges
}

func citations(nodes []graph.Node, edges []graph.Edge) []Citation {
	out := make([]Citation, 0, len(nodes)+len(edges))
	for _, node := range nodes {
		out = append(out, Citation{
			Kind:       "entity",
			ID:         node.ID,
			Text:       node.Text,
			Type:       node.Type,
			Confidence: node.Confidence,
		})
	}
	for _, edge := range edges {
		out = append(out, Citation{
			Kind:       "relationship",
			ID:         edge.ID,
			Type:       edge.Type,
			Confidence: edge.Confidence,
		})
	}
	return out
}

// DeterministicComposer phrases the matched elements without a language
// model: relationship statements first, then the standalone entities.
type DeterministicComposer struct{}

// Compose renders a short factual summary of the matched subgraph
func (c *DeterministicComposer) Compose(ctx context.Context, question string, nodes []graph.Node, edges []graph.Edge) (string, error) {
	nodeText := make(map[string]string, len(nodes))
	for _, node := range nodes {
		nodeText[node.ID] = node.Text
	}

	statements := make([]string, 0)
	stated := make(map[string]bool)

	sorted := make([]graph.Edge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	for _, edge := range sorted {
		source, srcOK := nodeText[edge.SourceID]
		target, tgtOK := nodeText[edge.TargetID]
		if !srcOK || !tgtOK {
			continue
		}
		statements = append(statements, fmt.Sprintf("%s %s %s", source, phraseRelation(edge.Type), target))
		stated[edge.SourceID] = true
		stated[edge.TargetID] = true
	}

	mentions := make([]string, 0)
	for _, node := range nodes {
		if stated[node.ID] {
			continue
		}
		mentions = append(mentions, fmt.Sprintf("%s (%s)", node.Text, node.Type))
	}

	var b strings.Builder
	if len(statements) > 0 {
		b.WriteString("According to this document, ")
		b.WriteString(strings.Join(statements, "; "))
		b.WriteString(".")
	}
	if len(mentions) > 0 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("The document also mentions ")
		b.WriteString(strings.Join(mentions, ", "))
		b.WriteString(".")
	}

	return b.String(), nil
}

func phraseRelation(relationType string) string {
	switch relationType {
	case "ACQUIRED":
		return "acquired"
	case "OWNS":
		return "owns"
	case "PARTNERED_WITH":
		return "partnered with"
	case "COMPETES_WITH":
		return "competes with"
	case "EMPLOYS":
		return "employs"
	case "HAS_METRIC":
		return "reports"
	case "REPORTED":
		return "reported"
	case "OPERATES_IN":
		return "operates in"
	case "LISTED_ON":
		return "is listed on"
	default:
		return strings.ToLower(strings.ReplaceAll(relationType, "_", " "))
	}
}
