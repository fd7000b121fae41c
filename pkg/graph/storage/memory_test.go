package storage

import (
	"context"
	"testing"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntities() []graph.Entity {
	return []graph.Entity{
		{ID: "e-acme", DocumentID: "doc-1", Text: "Acme Corp", Type: "ORG", Confidence: 0.95, Page: 1},
		{ID: "e-beta", DocumentID: "doc-1", Text: "Beta Inc", Type: "ORG", Confidence: 0.9, Page: 1},
		{ID: "e-money", DocumentID: "doc-1", Text: "$50 million", Type: "CURRENCY", Confidence: 0.95, Page: 1},
	}
}

func seedRelationships() []graph.Relationship {
	return []graph.Relationship{
		{ID: "r-1", DocumentID: "doc-1", SourceID: "e-acme", TargetID: "e-beta", Type: "ACQUIRED", Confidence: 0.86},
	}
}

func TestReplaceAndGetGraph(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 3)
	require.Len(t, data.Edges, 1)
	assert.Equal(t, "e-acme", data.Edges[0].SourceID)
	assert.Equal(t, "e-beta", data.Edges[0].TargetID)

	for _, node := range data.Nodes {
		assert.Equal(t, "doc-1", node.DocumentID)
	}
}

func TestReplaceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 3, "re-running the same build must not duplicate nodes")
	assert.Len(t, data.Edges, 1)
}

func TestReplaceRemovesStaleElements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	// A rebuild without Beta Inc drops the node and its relationship
	reduced := []graph.Entity{
		{ID: "e-acme", DocumentID: "doc-1", Text: "Acme Corp", Type: "ORG", Confidence: 0.95, Page: 1},
	}
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", reduced, nil))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 1)
	assert.Empty(t, data.Edges)
}

func TestReplaceMergesDuplicatesKeepingMaxConfidence(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	entities := []graph.Entity{
		{ID: "e-1", DocumentID: "doc-1", Text: "Acme Corp", Type: "ORG", Confidence: 0.7},
		{ID: "e-2", DocumentID: "doc-1", Text: "acme corp", Type: "ORG", Confidence: 0.95},
	}
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", entities, nil))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	require.Len(t, data.Nodes, 1, "mentions sharing a natural key merge into one node")
	assert.InDelta(t, 0.95, data.Nodes[0].Confidence, 0.001)
}

func TestDocumentIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	other := []graph.Entity{
		{ID: "e-gamma", DocumentID: "doc-2", Text: "Gamma LLC", Type: "ORG", Confidence: 0.9},
	}
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-2", other, nil))

	dataOne, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	dataTwo, err := store.GetGraph(ctx, "doc-2", graph.GraphFilter{})
	require.NoError(t, err)

	assert.Len(t, dataOne.Nodes, 3)
	assert.Len(t, dataTwo.Nodes, 1)
	for _, node := range dataTwo.Nodes {
		assert.NotEqual(t, "Acme Corp", node.Text)
	}

	// Replacing one document leaves the other untouched
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", nil, nil))
	dataTwo, err = store.GetGraph(ctx, "doc-2", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, dataTwo.Nodes, 1)
}

func TestGetGraphFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	byType, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{EntityTypes: []string{"CURRENCY"}})
	require.NoError(t, err)
	require.Len(t, byType.Nodes, 1)
	assert.Equal(t, "$50 million", byType.Nodes[0].Text)

	byConfidence, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{MinConfidence: 0.92})
	require.NoError(t, err)
	assert.Len(t, byConfidence.Nodes, 2)

	unknownDoc, err := store.GetGraph(ctx, "doc-unknown", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Empty(t, unknownDoc.Nodes)
	assert.Empty(t, unknownDoc.Edges)
}

func TestUpdateNode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), nil))

	require.NoError(t, store.UpdateNode(ctx, "doc-1", "e-acme", map[string]interface{}{
		"type":       "INDUSTRY",
		"confidence": 0.5,
	}))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	for _, node := range data.Nodes {
		if node.ID == "e-acme" {
			assert.Equal(t, "INDUSTRY", node.Type)
			assert.InDelta(t, 0.5, node.Confidence, 0.001)
		}
	}

	err = store.UpdateNode(ctx, "doc-1", "missing", map[string]interface{}{"type": "ORG"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteNodeDetachesEdges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	require.NoError(t, store.DeleteNode(ctx, "doc-1", "e-beta"))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 2)
	assert.Empty(t, data.Edges, "edges attached to a deleted node must go with it")
}

func TestDeleteEdge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	require.NoError(t, store.DeleteEdge(ctx, "doc-1", "r-1"))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 3)
	assert.Empty(t, data.Edges)

	err = store.DeleteEdge(ctx, "doc-1", "r-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMergeNodes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	entities := append(seedEntities(), graph.Entity{
		ID: "e-acme2", DocumentID: "doc-1", Text: "Acme Corporation", Type: "ORG", Confidence: 0.8, Page: 2,
	})
	relationships := append(seedRelationships(), graph.Relationship{
		ID: "r-2", DocumentID: "doc-1", SourceID: "e-acme2", TargetID: "e-money", Type: "REPORTED", Confidence: 0.8,
	})
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", entities, relationships))

	require.NoError(t, store.MergeNodes(ctx, "doc-1", "e-acme", "e-acme2"))

	data, err := store.GetGraph(ctx, "doc-1", graph.GraphFilter{})
	require.NoError(t, err)
	assert.Len(t, data.Nodes, 3)

	rehomed := false
	for _, edge := range data.Edges {
		assert.NotEqual(t, "e-acme2", edge.SourceID)
		assert.NotEqual(t, "e-acme2", edge.TargetID)
		if edge.Type == "REPORTED" && edge.SourceID == "e-acme" {
			rehomed = true
		}
	}
	assert.True(t, rehomed, "the dropped node's edge moves to the kept node")

	err = store.MergeNodes(ctx, "doc-1", "e-acme", "e-acme2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.ReplaceDocumentGraph(ctx, "doc-1", seedEntities(), seedRelationships()))

	metrics, err := Metrics(ctx, store, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.NodeCount)
	assert.Equal(t, 1, metrics.EdgeCount)
	assert.Equal(t, 2, metrics.NodesByType["ORG"])
	assert.Equal(t, 1, metrics.NodesByType["CURRENCY"])
	assert.Equal(t, 1, metrics.EdgesByType["ACQUIRED"])
	assert.InDelta(t, (0.95+0.9+0.95)/3, metrics.AverageNodeConfidence, 0.001)
	assert.InDelta(t, 0.86, metrics.AverageEdgeConfidence, 0.001)
}

func TestReplaceRequiresDocumentID(t *testing.T) {
	store := NewMemoryStore()
	err := store.ReplaceDocumentGraph(context.Background(), "", nil, nil)
	require.Error(t, err)
	assert.Equal(t, graph.ErrKindInput, graph.KindOf(err))
}
