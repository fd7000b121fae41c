package graph

import (
	"context"
	"time"
)

// Entity represents a typed span of text extracted from a document
type Entity struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	Text       string                 `json:"text"`
	Type       string                 `json:"type"`
	Confidence float64                `json:"confidence"`
	Page       int                    `json:"page"`
	StartPos   int                    `json:"start_pos"`
	EndPos     int                    `json:"end_pos"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Relationship represents a typed edge between two entities of the same document
type Relationship struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	Type       string                 `json:"type"`
	Confidence float64                `json:"confidence"`
	Evidence   string                 `json:"evidence,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Stage identifies one step of the document pipeline state machine
type Stage string

const (
	StageUploaded          Stage = "UPLOADED"
	StageProcessingParse   Stage = "PROCESSING_PARSE"
	StageMarkdownGenerated Stage = "MARKDOWN_GENERATED"
	StageBuildingGraph     Stage = "BUILDING_GRAPH"
	StageGraphRAGReady     Stage = "GRAPHRAG_READY"
	StageFailed            Stage = "FAILED"
)

// Terminal reports whether the stage ends a pipeline run. Explicit retry and
// rebuild calls can still move a document out of a terminal stage.
func (s Stage) Terminal() bool {
	return s == StageGraphRAGReady || s == StageFailed
}

// StageTransition is one entry of a document's stage history
type StageTransition struct {
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Document tracks a document moving through the pipeline
type Document struct {
	ID            string                 `json:"id"`
	Stage         Stage                  `json:"stage"`
	FailedStage   Stage                  `json:"failed_stage,omitempty"`
	History       []StageTransition      `json:"history"`
	Markdown      string                 `json:"markdown,omitempty"`
	Pages         []string               `json:"pages,omitempty"`
	Entities      []Entity               `json:"entities,omitempty"`
	Relationships []Relationship         `json:"relationships,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	UploadedAt    time.Time              `json:"uploaded_at"`
}

// DocumentParser turns raw document bytes into Markdown plus per-page text.
// Parsing itself is a collaborator concern; implementations live in processors.
type DocumentParser interface {
	Parse(ctx context.Context, content []byte, metadata map[string]interface{}) (markdown string, pages []string, err error)
	SupportedTypes() []string
}

// Node is the persisted-store representation of an entity. Every node carries
// the document_id property that isolates one document's graph from another's.
type Node struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	Text       string                 `json:"text"`
	Type       string                 `json:"type"`
	Confidence float64                `json:"confidence"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Edge is the persisted-store representation of a relationship
type Edge struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	Type       string                 `json:"type"`
	Confidence float64                `json:"confidence"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// GraphFilter narrows GetGraph output. The document scope is never part of the
// filter; storage applies it unconditionally.
type GraphFilter struct {
	EntityTypes       []string `json:"entity_types,omitempty"`
	RelationshipTypes []string `json:"relationship_types,omitempty"`
	MinConfidence     float64  `json:"min_confidence,omitempty"`
	Limit             int      `json:"limit,omitempty"`
}

// GraphData is a document's subgraph as returned for queries and visualization
type GraphData struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// GraphStore defines the persistence operations the pipeline depends on.
// ReplaceDocumentGraph must be atomic: concurrent readers never observe a
// partially replaced subgraph.
type GraphStore interface {
	Connect(ctx context.Context) error
	Close() error

	ReplaceDocumentGraph(ctx context.Context, documentID string, entities []Entity, relationships []Relationship) error
	GetGraph(ctx context.Context, documentID string, filter GraphFilter) (*GraphData, error)
	Run(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error)

	UpdateNode(ctx context.Context, documentID, nodeID string, props map[string]interface{}) error
	DeleteNode(ctx context.Context, documentID, nodeID string) error
	DeleteEdge(ctx context.Context, documentID, edgeID string) error
	MergeNodes(ctx context.Context, documentID, keepID, dropID string) error
}
