package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/neo4j/neo4j-go-driver/v4/neo4j"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	replaceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "storage_replace_graph_duration_seconds",
			Help: "Time spent atomically replacing a document subgraph",
		},
	)

	storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Graph store operations by name and outcome",
		},
		[]string{"operation", "status"},
	)
)

func init() {
	prometheus.MustRegister(replaceDuration)
	prometheus.MustRegister(storeOperations)
}

// ErrNotFound marks a node or edge reference that no longer resolves.
// Correction application reports it as a stale reference rather than retrying.
var ErrNotFound = errors.New("graph element not found")

// Neo4jConfig holds connection settings for the graph database
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jStore persists document subgraphs in Neo4j. Every node and relationship
// carries a document_id property; that property is the sole isolation
// mechanism between documents sharing the database.
type Neo4jStore struct {
	config Neo4jConfig
	driver neo4j.Driver
	logger *logrus.Logger
}

// NewNeo4jStore creates an unconnected store; call Connect before use
func NewNeo4jStore(config Neo4jConfig) *Neo4jStore {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &Neo4jStore{config: config, logger: logger}
}

// Connect establishes the driver connection and verifies connectivity
func (s *Neo4jStore) Connect(ctx context.Context) error {
	driver, err := neo4j.NewDriver(s.config.URI, neo4j.BasicAuth(s.config.Username, s.config.Password, ""))
	if err != nil {
		return graph.NewPersistenceError(errors.Wrap(err, "failed to create neo4j driver"))
	}
	if err := driver.VerifyConnectivity(); err != nil {
		return graph.NewPersistenceError(errors.Wrap(err, "failed to reach neo4j"))
	}

	s.driver = driver
	s.logger.WithField("uri", s.config.URI).Info("Connected to Neo4j")
	return nil
}

// Close releases the underlying driver
func (s *Neo4jStore) Close() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close()
}

func (s *Neo4jStore) session(mode neo4j.AccessMode) neo4j.Session {
	return s.driver.NewSession(neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.config.Database,
	})
}

// ReplaceDocumentGraph atomically swaps a document's subgraph for the given
// elements in one write transaction: existing elements are marked stale,
// incoming elements are merged by natural key, and still-stale leftovers are
// deleted. Readers never observe a partially replaced graph, and re-running
// the same build converges on the same nodes.
func (s *Neo4jStore) ReplaceDocumentGraph(ctx context.Context, documentID string, entities []graph.Entity, relationships []graph.Relationship) error {
	if documentID == "" {
		return graph.NewInputError("replace requires a document id")
	}
	if err := ctx.Err(); err != nil {
		return graph.NewPersistenceError(err)
	}

	timer := prometheus.NewTimer(replaceDuration)
	defer timer.ObserveDuration()

	nodeRows, keyByEntityID := nodeParameters(entities)
	edgeRows := edgeParameters(relationships, keyByEntityID)

	session := s.session(neo4j.AccessModeWrite)
	defer session.Close()

	_, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		steps := []struct {
			cypher string
			params map[string]interface{}
		}{
			{
				`MATCH (n:Entity {document_id: $document_id}) SET n.stale = true`,
				map[string]interface{}{"document_id": documentID},
			},
			{
				`MATCH (:Entity {document_id: $document_id})-[r:RELATES]->() SET r.stale = true`,
				map[string]interface{}{"document_id": documentID},
			},
			{
				`UNWIND $nodes AS node
				 MERGE (n:Entity {document_id: $document_id, natural_key: node.natural_key})
				 SET n.id = node.id,
				     n.text = node.text,
				     n.type = node.type,
				     n.confidence = node.confidence,
				     n.page = node.page,
				     n.detected_at = node.detected_at,
				     n.stale = false`,
				map[string]interface{}{"document_id": documentID, "nodes": nodeRows},
			},
			{
				`UNWIND $edges AS edge
				 MATCH (src:Entity {document_id: $document_id, natural_key: edge.source_key})
				 MATCH (tgt:Entity {document_id: $document_id, natural_key: edge.target_key})
				 MERGE (src)-[r:RELATES {document_id: $document_id, natural_key: edge.natural_key}]->(tgt)
				 SET r.id = edge.id,
				     r.type = edge.type,
				     r.confidence = edge.confidence,
				     r.evidence = edge.evidence,
				     r.stale = false`,
				map[string]interface{}{"document_id": documentID, "edges": edgeRows},
			},
			{
				`MATCH (:Entity {document_id: $document_id})-[r:RELATES]->() WHERE r.stale DELETE r`,
				map[string]interface{}{"document_id": documentID},
			},
			{
				`MATCH (n:Entity {document_id: $document_id}) WHERE n.stale DETACH DELETE n`,
				map[string]interface{}{"document_id": documentID},
			},
		}

		for _, step := range steps {
			if _, err := tx.Run(step.cypher, step.params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	if err != nil {
		storeOperations.WithLabelValues("replace_graph", "error").Inc()
		return graph.NewPersistenceError(errors.Wrapf(err, "failed to replace graph for document %s", documentID))
	}

	storeOperations.WithLabelValues("replace_graph", "success").Inc()
	s.logger.WithFields(logrus.Fields{
		"document_id":   documentID,
		"nodes":         len(nodeRows),
		"relationships": len(edgeRows),
	}).Info("Replaced document graph")
	return nil
}

// GetGraph returns the document's subgraph. The document_id filter is applied
// server-side on every query; the caller-supplied filter only narrows further.
func (s *Neo4jStore) GetGraph(ctx context.Context, documentID string, filter graph.GraphFilter) (*graph.GraphData, error) {
	if documentID == "" {
		return nil, graph.NewInputError("graph retrieval requires a document id")
	}
	if err := ctx.Err(); err != nil {
		return nil, graph.NewPersistenceError(err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	params := map[string]interface{}{
		"document_id":        documentID,
		"entity_types":       emptyIfNil(filter.EntityTypes),
		"relationship_types": emptyIfNil(filter.RelationshipTypes),
		"min_confidence":     filter.MinConfidence,
		"limit":              limit,
	}

	session := s.session(neo4j.AccessModeRead)
	defer session.Close()

	result, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		data := &graph.GraphData{Nodes: []graph.Node{}, Edges: []graph.Edge{}}

		nodes, err := tx.Run(
			`MATCH (n:Entity {document_id: $document_id})
			 WHERE (size($entity_types) = 0 OR n.type IN $entity_types)
			   AND n.confidence >= $min_confidence
			 RETURN n.id AS id, n.text AS text, n.type AS type, n.confidence AS confidence, n.page AS page
			 LIMIT $limit`,
			params,
		)
		if err != nil {
			return nil, err
		}
		for nodes.Next() {
			rec := nodes.Record()
			data.Nodes = append(data.Nodes, graph.Node{
				ID:         stringValue(rec, "id"),
				DocumentID: documentID,
				Text:       stringValue(rec, "text"),
				Type:       stringValue(rec, "type"),
				Confidence: floatValue(rec, "confidence"),
				Properties: map[string]interface{}{"page": rec.Values[4]},
			})
		}

		edges, err := tx.Run(
			`MATCH (src:Entity {document_id: $document_id})-[r:RELATES {document_id: $document_id}]->(tgt:Entity {document_id: $document_id})
			 WHERE (size($relationship_types) = 0 OR r.type IN $relationship_types)
			   AND r.confidence >= $min_confidence
			 RETURN r.id AS id, src.id AS source_id, tgt.id AS target_id, r.type AS type, r.confidence AS confidence, r.evidence AS evidence
			 LIMIT $limit`,
			params,
		)
		if err != nil {
			return nil, err
		}
		for edges.Next() {
			rec := edges.Record()
			data.Edges = append(data.Edges, graph.Edge{
				ID:         stringValue(rec, "id"),
				DocumentID: documentID,
				SourceID:   stringValue(rec, "source_id"),
				TargetID:   stringValue(rec, "target_id"),
				Type:       stringValue(rec, "type"),
				Confidence: floatValue(rec, "confidence"),
				Properties: map[string]interface{}{"evidence": rec.Values[5]},
			})
		}

		return data, nil
	})

	if err != nil {
		storeOperations.WithLabelValues("get_graph", "error").Inc()
		return nil, graph.NewPersistenceError(errors.Wrapf(err, "failed to load graph for document %s", documentID))
	}

	storeOperations.WithLabelValues("get_graph", "success").Inc()
	return result.(*graph.GraphData), nil
}

// Run executes a read query and returns the raw records as maps
func (s *Neo4jStore) Run(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, graph.NewPersistenceError(err)
	}

	session := s.session(neo4j.AccessModeRead)
	defer session.Close()

	result, err := session.ReadTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		res, err := tx.Run(cypher, params)
		if err != nil {
			return nil, err
		}
		rows := make([]map[string]interface{}, 0)
		for res.Next() {
			rec := res.Record()
			row := make(map[string]interface{}, len(rec.Keys))
			for i, key := range rec.Keys {
				row[key] = rec.Values[i]
			}
			rows = append(rows, row)
		}
		return rows, res.Err()
	})

	if err != nil {
		storeOperations.WithLabelValues("run", "error").Inc()
		return nil, graph.NewPersistenceError(errors.Wrap(err, "query execution failed"))
	}

	storeOperations.WithLabelValues("run", "success").Inc()
	return result.([]map[string]interface{}), nil
}

// UpdateNode patches properties on one node of the document's subgraph
func (s *Neo4jStore) UpdateNode(ctx context.Context, documentID, nodeID string, props map[string]interface{}) error {
	return s.writeExpectingMatch(ctx, "update_node",
		`MATCH (n:Entity {document_id: $document_id, id: $node_id})
		 SET n += $props
		 RETURN n.id`,
		map[string]interface{}{"document_id": documentID, "node_id": nodeID, "props": props},
		fmt.Sprintf("node %s in document %s", nodeID, documentID),
	)
}

// DeleteNode removes one node and its attached relationships
func (s *Neo4jStore) DeleteNode(ctx context.Context, documentID, nodeID string) error {
	return s.writeExpectingMatch(ctx, "delete_node",
		`MATCH (n:Entity {document_id: $document_id, id: $node_id})
		 WITH n, n.id AS deleted
		 DETACH DELETE n
		 RETURN deleted`,
		map[string]interface{}{"document_id": documentID, "node_id": nodeID},
		fmt.Sprintf("node %s in document %s", nodeID, documentID),
	)
}

// DeleteEdge removes one relationship of the document's subgraph
func (s *Neo4jStore) DeleteEdge(ctx context.Context, documentID, edgeID string) error {
	return s.writeExpectingMatch(ctx, "delete_edge",
		`MATCH (:Entity {document_id: $document_id})-[r:RELATES {document_id: $document_id, id: $edge_id}]->()
		 WITH r, r.id AS deleted
		 DELETE r
		 RETURN deleted`,
		map[string]interface{}{"document_id": documentID, "edge_id": edgeID},
		fmt.Sprintf("edge %s in document %s", edgeID, documentID),
	)
}

// MergeNodes collapses dropID into keepID, rehoming the dropped node's
// relationships onto the kept node before removing it.
func (s *Neo4jStore) MergeNodes(ctx context.Context, documentID, keepID, dropID string) error {
	if err := ctx.Err(); err != nil {
		return graph.NewPersistenceError(err)
	}

	session := s.session(neo4j.AccessModeWrite)
	defer session.Close()

	_, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		res, err := tx.Run(
			`MATCH (keep:Entity {document_id: $document_id, id: $keep_id})
			 MATCH (drop:Entity {document_id: $document_id, id: $drop_id})
			 RETURN keep.id, drop.id`,
			map[string]interface{}{"document_id": documentID, "keep_id": keepID, "drop_id": dropID},
		)
		if err != nil {
			return nil, err
		}
		if !res.Next() {
			return nil, errors.Wrapf(ErrNotFound, "nodes %s/%s in document %s", keepID, dropID, documentID)
		}

		rehome := []string{
			`MATCH (keep:Entity {document_id: $document_id, id: $keep_id})
			 MATCH (drop:Entity {document_id: $document_id, id: $drop_id})-[r:RELATES]->(tgt:Entity)
			 WHERE tgt.id <> keep.id
			 MERGE (keep)-[nr:RELATES {document_id: $document_id, natural_key: keep.natural_key + '|' + r.type + '|' + tgt.natural_key}]->(tgt)
			 SET nr.id = coalesce(nr.id, r.id),
			     nr.type = r.type,
			     nr.evidence = coalesce(nr.evidence, r.evidence),
			     nr.confidence = CASE WHEN nr.confidence IS NULL OR r.confidence > nr.confidence THEN r.confidence ELSE nr.confidence END,
			     nr.stale = false`,
			`MATCH (keep:Entity {document_id: $document_id, id: $keep_id})
			 MATCH (src:Entity)-[r:RELATES]->(drop:Entity {document_id: $document_id, id: $drop_id})
			 WHERE src.id <> keep.id
			 MERGE (src)-[nr:RELATES {document_id: $document_id, natural_key: src.natural_key + '|' + r.type + '|' + keep.natural_key}]->(keep)
			 SET nr.id = coalesce(nr.id, r.id),
			     nr.type = r.type,
			     nr.evidence = coalesce(nr.evidence, r.evidence),
			     nr.confidence = CASE WHEN nr.confidence IS NULL OR r.confidence > nr.confidence THEN r.confidence ELSE nr.confidence END,
			     nr.stale = false`,
			`MATCH (drop:Entity {document_id: $document_id, id: $drop_id}) DETACH DELETE drop`,
		}
		params := map[string]interface{}{"document_id": documentID, "keep_id": keepID, "drop_id": dropID}
		for _, cypher := range rehome {
			if _, err := tx.Run(cypher, params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	if err != nil {
		storeOperations.WithLabelValues("merge_nodes", "error").Inc()
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return graph.NewPersistenceError(errors.Wrapf(err, "failed to merge nodes in document %s", documentID))
	}

	storeOperations.WithLabelValues("merge_nodes", "success").Inc()
	return nil
}

// writeExpectingMatch runs a write that must match at least one row; no match
// means the referenced element no longer exists.
func (s *Neo4jStore) writeExpectingMatch(ctx context.Context, operation, cypher string, params map[string]interface{}, target string) error {
	if err := ctx.Err(); err != nil {
		return graph.NewPersistenceError(err)
	}

	session := s.session(neo4j.AccessModeWrite)
	defer session.Close()

	matched, err := session.WriteTransaction(func(tx neo4j.Transaction) (interface{}, error) {
		res, err := tx.Run(cypher, params)
		if err != nil {
			return false, err
		}
		return res.Next(), res.Err()
	})

	if err != nil {
		storeOperations.WithLabelValues(operation, "error").Inc()
		return graph.NewPersistenceError(errors.Wrapf(err, "%s failed for %s", operation, target))
	}
	if matched != true {
		storeOperations.WithLabelValues(operation, "not_found").Inc()
		return errors.Wrap(ErrNotFound, target)
	}

	storeOperations.WithLabelValues(operation, "success").Inc()
	return nil
}

// nodeParameters dedupes entities by natural key keeping the highest
// confidence mention, and returns both the UNWIND rows and the entity-ID to
// natural-key mapping needed to resolve relationship endpoints.
func nodeParameters(entities []graph.Entity) ([]map[string]interface{}, map[string]string) {
	byKey := make(map[string]graph.Entity)
	keyByID := make(map[string]string, len(entities))

	for _, ent := range entities {
		key := graph.EntityKey(ent.Text, ent.Type)
		keyByID[ent.ID] = key
		if existing, ok := byKey[key]; !ok || ent.Confidence > existing.Confidence {
			byKey[key] = ent
		}
	}

	rows := make([]map[string]interface{}, 0, len(byKey))
	for key, ent := range byKey {
		rows = append(rows, map[string]interface{}{
			"natural_key": key,
			"id":          ent.ID,
			"text":        ent.Text,
			"type":        ent.Type,
			"confidence":  ent.Confidence,
			"page":        ent.Page,
			"detected_at": ent.DetectedAt.Format(time.RFC3339),
		})
	}
	return rows, keyByID
}

func edgeParameters(relationships []graph.Relationship, keyByEntityID map[string]string) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(relationships))
	for _, rel := range relationships {
		sourceKey, srcOK := keyByEntityID[rel.SourceID]
		targetKey, tgtOK := keyByEntityID[rel.TargetID]
		if !srcOK || !tgtOK {
			continue
		}
		rows = append(rows, map[string]interface{}{
			"natural_key": graph.EdgeKey(sourceKey, rel.Type, targetKey),
			"source_key":  sourceKey,
			"target_key":  targetKey,
			"id":          rel.ID,
			"type":        rel.Type,
			"confidence":  rel.Confidence,
			"evidence":    rel.Evidence,
		})
	}
	return rows
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func stringValue(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func floatValue(rec *neo4j.Record, key string) float64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
