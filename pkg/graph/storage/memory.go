package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/pkg/errors"
)

// docGraph holds one document's subgraph keyed by natural key
type docGraph struct {
	nodes map[string]graph.Node
	edges map[string]graph.Edge
}

// MemoryStore is an in-process GraphStore used for local runs and tests. It
// mirrors the Neo4j store's semantics: merge by natural key, document_id
// isolation, and atomic replacement (the whole subgraph swaps under one lock).
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docGraph
}

// NewMemoryStore creates an empty in-memory graph store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docGraph)}
}

// Connect is a no-op for the in-memory store
func (s *MemoryStore) Connect(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error { return nil }

// ReplaceDocumentGraph builds the replacement subgraph off-lock and swaps it
// in atomically. Re-running the same build is idempotent: merge keys are the
// same natural keys the Neo4j store uses.
func (s *MemoryStore) ReplaceDocumentGraph(ctx context.Context, documentID string, entities []graph.Entity, relationships []graph.Relationship) error {
	if documentID == "" {
		return graph.NewInputError("replace requires a document id")
	}
	if err := ctx.Err(); err != nil {
		return graph.NewPersistenceError(err)
	}

	next := &docGraph{
		nodes: make(map[string]graph.Node),
		edges: make(map[string]graph.Edge),
	}

	keyByID := make(map[string]string, len(entities))
	for _, ent := range entities {
		key := graph.EntityKey(ent.Text, ent.Type)
		keyByID[ent.ID] = key
		if existing, ok := next.nodes[key]; !ok || ent.Confidence > existing.Confidence {
			next.nodes[key] = graph.Node{
				ID:         ent.ID,
				DocumentID: documentID,
				Text:       ent.Text,
				Type:       ent.Type,
				Confidence: ent.Confidence,
				Properties: map[string]interface{}{"page": ent.Page},
			}
		}
	}

	for _, rel := range relationships {
		sourceKey, srcOK := keyByID[rel.SourceID]
		targetKey, tgtOK := keyByID[rel.TargetID]
		if !srcOK || !tgtOK {
			continue
		}
		key := graph.EdgeKey(sourceKey, rel.Type, targetKey)
		if existing, ok := next.edges[key]; !ok || rel.Confidence > existing.Confidence {
			next.edges[key] = graph.Edge{
				ID:         rel.ID,
				DocumentID: documentID,
				SourceID:   next.nodes[sourceKey].ID,
				TargetID:   next.nodes[targetKey].ID,
				Type:       rel.Type,
				Confidence: rel.Confidence,
				Properties: map[string]interface{}{"evidence": rel.Evidence},
			}
		}
	}

	s.mu.Lock()
	s.docs[documentID] = next
	s.mu.Unlock()
	return nil
}

// GetGraph returns the document's subgraph narrowed by the filter. Only the
// named document's elements are ever visible.
func (s *MemoryStore) GetGraph(ctx context.Context, documentID string, filter graph.GraphFilter) (*graph.GraphData, error) {
	if documentID == "" {
		return nil, graph.NewInputError("graph retrieval requires a document id")
	}
	if err := ctx.Err(); err != nil {
		return nil, graph.NewPersistenceError(err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data := &graph.GraphData{Nodes: []graph.Node{}, Edges: []graph.Edge{}}
	doc, ok := s.docs[documentID]
	if !ok {
		return data, nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	for _, node := range doc.nodes {
		if len(filter.EntityTypes) > 0 && !containsString(filter.EntityTypes, node.Type) {
			continue
		}
		if node.Confidence < filter.MinConfidence {
			continue
		}
		data.Nodes = append(data.Nodes, node)
		if len(data.Nodes) >= limit {
			break
		}
	}

	for _, edge := range doc.edges {
		if len(filter.RelationshipTypes) > 0 && !containsString(filter.RelationshipTypes, edge.Type) {
			continue
		}
		if edge.Confidence < filter.MinConfidence {
			continue
		}
		data.Edges = append(data.Edges, edge)
		if len(data.Edges) >= limit {
			break
		}
	}

	return data, nil
}

// Run is unsupported in memory; raw queries require the Neo4j store
func (s *MemoryStore) Run(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	return nil, graph.NewPersistenceError(errors.New("memory store does not execute raw queries"))
}

// UpdateNode patches properties on one node
func (s *MemoryStore) UpdateNode(ctx context.Context, documentID, nodeID string, props map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, doc, err := s.findNode(documentID, nodeID)
	if err != nil {
		return err
	}

	node := doc.nodes[key]
	for name, value := range props {
		switch name {
		case "text":
			if text, ok := value.(string); ok {
				node.Text = text
			}
		case "type":
			if entityType, ok := value.(string); ok {
				node.Type = entityType
			}
		case "confidence":
			if confidence, ok := value.(float64); ok {
				node.Confidence = confidence
			}
		default:
			if node.Properties == nil {
				node.Properties = make(map[string]interface{})
			}
			node.Properties[name] = value
		}
	}
	doc.nodes[key] = node
	return nil
}

// DeleteNode removes one node and its attached edges
func (s *MemoryStore) DeleteNode(ctx context.Context, documentID, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, doc, err := s.findNode(documentID, nodeID)
	if err != nil {
		return err
	}

	delete(doc.nodes, key)
	for edgeKey, edge := range doc.edges {
		if edge.SourceID == nodeID || edge.TargetID == nodeID {
			delete(doc.edges, edgeKey)
		}
	}
	return nil
}

// DeleteEdge removes one edge
func (s *MemoryStore) DeleteEdge(ctx context.Context, documentID, edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[documentID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "document %s", documentID)
	}
	for key, edge := range doc.edges {
		if edge.ID == edgeID {
			delete(doc.edges, key)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "edge %s in document %s", edgeID, documentID)
}

// MergeNodes collapses dropID into keepID, rehoming edges onto the kept node
func (s *MemoryStore) MergeNodes(ctx context.Context, documentID, keepID, dropID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepKey, doc, err := s.findNode(documentID, keepID)
	if err != nil {
		return err
	}
	dropKey, _, err := s.findNode(documentID, dropID)
	if err != nil {
		return err
	}

	rehomed := make(map[string]graph.Edge)
	for key, edge := range doc.edges {
		source, target := edge.SourceID, edge.TargetID
		if source == dropID {
			source = keepID
		}
		if target == dropID {
			target = keepID
		}
		if source == target {
			delete(doc.edges, key)
			continue
		}
		if source != edge.SourceID || target != edge.TargetID {
			delete(doc.edges, key)
			edge.SourceID = source
			edge.TargetID = target
			// The edge key embeds both endpoint natural keys; swap the
			// dropped segment for the kept one.
			newKey := strings.ReplaceAll(key, dropKey, keepKey)
			if existing, ok := rehomed[newKey]; !ok || edge.Confidence > existing.Confidence {
				rehomed[newKey] = edge
			}
		}
	}
	for key, edge := range rehomed {
		if existing, ok := doc.edges[key]; !ok || edge.Confidence > existing.Confidence {
			doc.edges[key] = edge
		}
	}

	delete(doc.nodes, dropKey)
	return nil
}

func (s *MemoryStore) findNode(documentID, nodeID string) (string, *docGraph, error) {
	doc, ok := s.docs[documentID]
	if !ok {
		return "", nil, errors.Wrapf(ErrNotFound, "document %s", documentID)
	}
	for key, node := range doc.nodes {
		if node.ID == nodeID {
			return key, doc, nil
		}
	}
	return "", nil, errors.Wrapf(ErrNotFound, "node %s in document %s", nodeID, documentID)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
