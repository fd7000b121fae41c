package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/athapong/docugraph/pkg/graph/metrics"
	"github.com/athapong/docugraph/pkg/graph/validation"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EntityRecognizer extracts typed entities from one page of text
type EntityRecognizer interface {
	Extract(ctx context.Context, documentID, text string, page int) ([]graph.Entity, error)
}

// RelationshipExtractor derives relationships between entities found in text
type RelationshipExtractor interface {
	Extract(ctx context.Context, documentID, text string, entities []graph.Entity) ([]graph.Relationship, error)
}

// Config tunes stage execution
type Config struct {
	StageTimeout time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// docState wraps one tracked document. Its mutex serializes stage execution
// so concurrent calls for the same document never interleave transitions.
type docState struct {
	mu  sync.Mutex
	doc graph.Document
}

// Pipeline drives documents through the processing state machine:
// UPLOADED, PROCESSING_PARSE, MARKDOWN_GENERATED, BUILDING_GRAPH,
// GRAPHRAG_READY, with FAILED reachable from any non-terminal stage. Stages
// advance only on explicit calls; nothing chains automatically.
type Pipeline struct {
	store      graph.GraphStore
	recognizer EntityRecognizer
	extractor  RelationshipExtractor
	validator  *validation.Engine
	parsers    map[string]graph.DocumentParser
	config     Config
	logger     *logrus.Logger

	mu   sync.RWMutex
	docs map[string]*docState
}

// New creates a pipeline over the given collaborators
func New(store graph.GraphStore, recognizer EntityRecognizer, extractor RelationshipExtractor, validator *validation.Engine, config Config) *Pipeline {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &Pipeline{
		store:      store,
		recognizer: recognizer,
		extractor:  extractor,
		validator:  validator,
		parsers:    make(map[string]graph.DocumentParser),
		config:     config.withDefaults(),
		logger:     logger,
		docs:       make(map[string]*docState),
	}
}

// RegisterParser makes a parser available for each of its supported types
func (p *Pipeline) RegisterParser(parser graph.DocumentParser) {
	for _, contentType := range parser.SupportedTypes() {
		p.parsers[normalizeContentType(contentType)] = parser
	}
}

// Upload registers a new document at the UPLOADED stage. An empty ID gets a
// generated one; re-uploading an existing ID is rejected.
func (p *Pipeline) Upload(documentID string, metadata map[string]interface{}) (*graph.Document, error) {
	if documentID == "" {
		documentID = uuid.New().String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.docs[documentID]; exists {
		return nil, graph.NewInputError("document %s already uploaded", documentID)
	}

	now := time.Now()
	state := &docState{
		doc: graph.Document{
			ID:         documentID,
			Stage:      graph.StageUploaded,
			History:    []graph.StageTransition{{Stage: graph.StageUploaded, Timestamp: now}},
			Metadata:   metadata,
			UploadedAt: now,
		},
	}
	p.docs[documentID] = state

	metrics.DocumentsByStage.WithLabelValues(string(graph.StageUploaded)).Inc()
	p.logger.WithField("document_id", documentID).Info("Document uploaded")

	snapshot := state.doc
	return &snapshot, nil
}

// ProcessDocument parses the document content into Markdown in the
// background. Malformed input is rejected synchronously; parse failures
// surface through the document's stage history.
func (p *Pipeline) ProcessDocument(documentID string, content []byte, contentType string) error {
	state, err := p.state(documentID)
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return graph.NewInputError("document %s has no content", documentID)
	}
	parser, ok := p.parsers[normalizeContentType(contentType)]
	if !ok {
		return graph.NewInputError("no parser registered for content type %q", contentType)
	}

	state.mu.Lock()
	stage := state.doc.Stage
	state.mu.Unlock()
	if stage != graph.StageUploaded && stage != graph.StageFailed {
		return graph.NewInputError("document %s cannot be parsed from stage %s", documentID, stage)
	}

	go p.runParse(state, parser, content)
	return nil
}

// BuildGraph extracts, validates and persists the document's knowledge graph
// in the background. Allowed from MARKDOWN_GENERATED, from GRAPHRAG_READY for
// a rebuild, and from FAILED as an idempotent retry.
func (p *Pipeline) BuildGraph(documentID string) error {
	state, err := p.state(documentID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	stage := state.doc.Stage
	hasMarkdown := state.doc.Markdown != ""
	state.mu.Unlock()

	switch stage {
	case graph.StageMarkdownGenerated, graph.StageGraphRAGReady:
	case graph.StageFailed:
		if !hasMarkdown {
			return graph.NewInputError("document %s failed before markdown generation; re-parse first", documentID)
		}
	default:
		return graph.NewInputError("document %s cannot build a graph from stage %s", documentID, stage)
	}

	go p.runBuild(state)
	return nil
}

// Status returns the document's current stage and full transition history
func (p *Pipeline) Status(documentID string) (graph.Stage, []graph.StageTransition, error) {
	state, err := p.state(documentID)
	if err != nil {
		return "", nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	history := make([]graph.StageTransition, len(state.doc.History))
	copy(history, state.doc.History)
	return state.doc.Stage, history, nil
}

// Document returns a snapshot of the tracked document
func (p *Pipeline) Document(documentID string) (*graph.Document, error) {
	state, err := p.state(documentID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	snapshot := state.doc
	snapshot.History = append([]graph.StageTransition(nil), state.doc.History...)
	snapshot.Entities = append([]graph.Entity(nil), state.doc.Entities...)
	snapshot.Relationships = append([]graph.Relationship(nil), state.doc.Relationships...)
	return &snapshot, nil
}

// StageCounts reports how many tracked documents sit at each stage
func (p *Pipeline) StageCounts() map[graph.Stage]int {
	p.mu.RLock()
	states := make([]*docState, 0, len(p.docs))
	for _, state := range p.docs {
		states = append(states, state)
	}
	p.mu.RUnlock()

	counts := make(map[graph.Stage]int)
	for _, state := range states {
		state.mu.Lock()
		counts[state.doc.Stage]++
		state.mu.Unlock()
	}
	return counts
}

func (p *Pipeline) runParse(state *docState, parser graph.DocumentParser, content []byte) {
	state.mu.Lock()
	defer state.mu.Unlock()

	// The gate was checked before the goroutine took the lock; a racing call
	// may have advanced the document since.
	if stage := state.doc.Stage; stage != graph.StageUploaded && stage != graph.StageFailed {
		p.logger.WithFields(logrus.Fields{
			"document_id": state.doc.ID,
			"stage":       string(stage),
		}).Warn("Skipping parse; document already advanced")
		return
	}

	p.transition(state, graph.StageProcessingParse, "")
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.StageTimeout)
	defer cancel()

	markdown, pages, err := parser.Parse(ctx, content, state.doc.Metadata)
	metrics.StageDuration.WithLabelValues(string(graph.StageProcessingParse)).Observe(time.Since(started).Seconds())
	if err != nil {
		p.fail(state, graph.StageProcessingParse, err)
		return
	}

	state.doc.Markdown = markdown
	state.doc.Pages = pages
	p.transition(state, graph.StageMarkdownGenerated, "")
}

func (p *Pipeline) runBuild(state *docState) {
	state.mu.Lock()
	defer state.mu.Unlock()

	// Re-check the gate under the lock; a racing call may have moved the
	// document since BuildGraph let this goroutine through.
	switch state.doc.Stage {
	case graph.StageMarkdownGenerated, graph.StageGraphRAGReady:
	case graph.StageFailed:
		if state.doc.Markdown == "" {
			return
		}
	default:
		p.logger.WithFields(logrus.Fields{
			"document_id": state.doc.ID,
			"stage":       string(state.doc.Stage),
		}).Warn("Skipping graph build; document not in a buildable stage")
		return
	}

	p.transition(state, graph.StageBuildingGraph, "")
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), p.config.StageTimeout)
	defer cancel()

	entities := make([]graph.Entity, 0)
	relationships := make([]graph.Relationship, 0)

	for i, pageText := range state.doc.Pages {
		if err := ctx.Err(); err != nil {
			p.fail(state, graph.StageBuildingGraph, graph.NewExtractionError(fmt.Errorf("stage timed out after %s: %w", p.config.StageTimeout, err)))
			return
		}
		pageEntities, err := p.recognizer.Extract(ctx, state.doc.ID, pageText, i+1)
		if err != nil {
			p.fail(state, graph.StageBuildingGraph, err)
			return
		}
		pageRelationships, err := p.extractor.Extract(ctx, state.doc.ID, pageText, pageEntities)
		if err != nil {
			p.fail(state, graph.StageBuildingGraph, err)
			return
		}
		entities = append(entities, pageEntities...)
		relationships = append(relationships, pageRelationships...)
	}

	state.doc.Entities = entities
	state.doc.Relationships = relationships

	if p.validator != nil {
		results, err := p.validator.Validate(&state.doc)
		if err == nil {
			summary := validation.Summarize(results)
			if summary.Failed > 0 || summary.Warnings > 0 {
				p.logger.WithFields(logrus.Fields{
					"document_id": state.doc.ID,
					"failed":      summary.Failed,
					"warnings":    summary.Warnings,
				}).Warn("Validation flagged extracted elements")
			}
		}
	}

	err := p.withRetry(ctx, graph.StageBuildingGraph, func() error {
		return p.store.ReplaceDocumentGraph(ctx, state.doc.ID, entities, relationships)
	})
	metrics.StageDuration.WithLabelValues(string(graph.StageBuildingGraph)).Observe(time.Since(started).Seconds())
	if err != nil {
		p.fail(state, graph.StageBuildingGraph, err)
		return
	}

	p.transition(state, graph.StageGraphRAGReady, "")
	p.logger.WithFields(logrus.Fields{
		"document_id":   state.doc.ID,
		"entities":      len(entities),
		"relationships": len(relationships),
	}).Info("Knowledge graph built")
}

// withRetry retries transient store failures with exponential backoff; all
// other errors return immediately.
func (p *Pipeline) withRetry(ctx context.Context, stage graph.Stage, fn func() error) error {
	backoff := p.config.RetryBackoff
	var err error

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !graph.Retryable(err) {
			return err
		}
		if attempt == p.config.MaxAttempts {
			break
		}

		metrics.RetryAttempts.WithLabelValues(string(stage)).Inc()
		p.logger.WithFields(logrus.Fields{
			"stage":   string(stage),
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warn("Retrying transient store failure")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// transition moves the document to the next stage and records it. Callers
// hold the document mutex.
func (p *Pipeline) transition(state *docState, to graph.Stage, errMsg string) {
	from := state.doc.Stage
	state.doc.Stage = to
	if to != graph.StageFailed {
		state.doc.FailedStage = ""
	}
	state.doc.History = append(state.doc.History, graph.StageTransition{
		Stage:     to,
		Timestamp: time.Now(),
		Error:     errMsg,
	})

	metrics.DocumentsByStage.WithLabelValues(string(from)).Dec()
	metrics.DocumentsByStage.WithLabelValues(string(to)).Inc()
	metrics.StageTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// fail records a FAILED transition carrying the stage that was running
func (p *Pipeline) fail(state *docState, stage graph.Stage, err error) {
	metrics.StageFailures.WithLabelValues(string(stage)).Inc()
	p.logger.WithError(err).WithFields(logrus.Fields{
		"document_id": state.doc.ID,
		"stage":       string(stage),
	}).Error("Pipeline stage failed")

	p.transition(state, graph.StageFailed, err.Error())
	state.doc.FailedStage = stage
}

func (p *Pipeline) state(documentID string) (*docState, error) {
	if documentID == "" {
		return nil, graph.NewInputError("document id is required")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.docs[documentID]
	if !ok {
		return nil, graph.NewInputError("document %s not found", documentID)
	}
	return state, nil
}

func normalizeContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	return strings.TrimPrefix(contentType, ".")
}
