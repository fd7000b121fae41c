package query

import (
	"strings"

	"github.com/athapong/docugraph/pkg/graph"
)

// Query is the structured form a natural-language question is translated
// into. DocumentID is mandatory: every rendered query is scoped to exactly
// one document's subgraph.
type Query struct {
	DocumentID        string   `json:"document_id"`
	Keywords          []string `json:"keywords,omitempty"`
	EntityTypes       []string `json:"entity_types,omitempty"`
	RelationshipTypes []string `json:"relationship_types,omitempty"`
	Limit             int      `json:"limit,omitempty"`
}

// Validate rejects queries that escaped the document scope
func (q *Query) Validate() error {
	if q == nil || q.DocumentID == "" {
		return graph.NewQueryTranslationError("translated query is missing the document scope")
	}
	return nil
}

// Filter renders the query's graph-store filter; the document scope travels
// separately because storage applies it unconditionally.
func (q *Query) Filter() graph.GraphFilter {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	return graph.GraphFilter{
		EntityTypes:       q.EntityTypes,
		RelationshipTypes: q.RelationshipTypes,
		Limit:             limit,
	}
}

// Cypher renders the equivalent read query. The document_id predicate is
// always present regardless of the other constraints.
func (q *Query) Cypher() (string, map[string]interface{}) {
	var b strings.Builder
	b.WriteString("MATCH (n:Entity {document_id: $document_id})")
	b.WriteString("\nOPTIONAL MATCH (n)-[r:RELATES {document_id: $document_id}]->(m:Entity {document_id: $document_id})")

	conditions := make([]string, 0)
	if len(q.EntityTypes) > 0 {
		conditions = append(conditions, "n.type IN $entity_types")
	}
	if len(q.RelationshipTypes) > 0 {
		conditions = append(conditions, "r.type IN $relationship_types")
	}
	if len(q.Keywords) > 0 {
		conditions = append(conditions, "any(kw IN $keywords WHERE toLower(n.text) CONTAINS kw)")
	}
	if len(conditions) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(conditions, " AND "))
	}

	b.WriteString("\nRETURN n.id AS id, n.text AS text, n.type AS type, n.confidence AS confidence,")
	b.WriteString("\n       r.type AS relationship, m.text AS related_text")
	b.WriteString("\nLIMIT $limit")

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	params := map[string]interface{}{
		"document_id": q.DocumentID,
		"limit":       limit,
	}
	if len(q.EntityTypes) > 0 {
		params["entity_types"] = q.EntityTypes
	}
	if len(q.RelationshipTypes) > 0 {
		params["relationship_types"] = q.RelationshipTypes
	}
	if len(q.Keywords) > 0 {
		lowered := make([]string, len(q.Keywords))
		for i, kw := range q.Keywords {
			lowered[i] = strings.ToLower(kw)
		}
		params["keywords"] = lowered
	}

	return b.String(), params
}
