package graph

import "strings"

// EntityKey is the natural key nodes are merged by: normalized lowercase text
// joined with the entity type. Repeated builds of the same document converge
// on the same nodes through this key.
func EntityKey(text, entityType string) string {
	return strings.ToLower(strings.TrimSpace(text)) + "|" + entityType
}

// EdgeKey is the natural key relationships are merged by
func EdgeKey(sourceKey, relationType, targetKey string) string {
	return sourceKey + "|" + relationType + "|" + targetKey
}
