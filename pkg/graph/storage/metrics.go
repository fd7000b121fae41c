package storage

import (
	"context"

	"github.com/athapong/docugraph/pkg/graph"
)

// GraphMetrics summarizes one document's persisted subgraph
type GraphMetrics struct {
	DocumentID            string         `json:"document_id"`
	NodeCount             int            `json:"node_count"`
	EdgeCount             int            `json:"edge_count"`
	NodesByType           map[string]int `json:"nodes_by_type"`
	EdgesByType           map[string]int `json:"edges_by_type"`
	AverageNodeConfidence float64        `json:"average_node_confidence"`
	AverageEdgeConfidence float64        `json:"average_edge_confidence"`
}

// Metrics computes subgraph metrics through the store interface so both the
// Neo4j and memory implementations serve the same dashboard data.
func Metrics(ctx context.Context, store graph.GraphStore, documentID string) (*GraphMetrics, error) {
	data, err := store.GetGraph(ctx, documentID, graph.GraphFilter{})
	if err != nil {
		return nil, err
	}

	metrics := &GraphMetrics{
		DocumentID:  documentID,
		NodeCount:   len(data.Nodes),
		EdgeCount:   len(data.Edges),
		NodesByType: make(map[string]int),
		EdgesByType: make(map[string]int),
	}

	nodeTotal := 0.0
	for _, node := range data.Nodes {
		metrics.NodesByType[node.Type]++
		nodeTotal += node.Confidence
	}
	if len(data.Nodes) > 0 {
		metrics.AverageNodeConfidence = nodeTotal / float64(len(data.Nodes))
	}

	edgeTotal := 0.0
	for _, edge := range data.Edges {
		metrics.EdgesByType[edge.Type]++
		edgeTotal += edge.Confidence
	}
	if len(data.Edges) > 0 {
		metrics.AverageEdgeConfidence = edgeTotal / float64(len(data.Edges))
	}

	return metrics, nil
}
