package extractor

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/google/uuid"
	"github.com/jdkato/prose/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	relationshipCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extractor_relationships_extracted_total",
			Help: "Number of relationships extracted",
		},
		[]string{"relationship_type"},
	)

	extractionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "extractor_extraction_duration_seconds",
			Help: "Time spent extracting relationships from text",
		},
	)
)

func init() {
	prometheus.MustRegister(relationshipCount)
	prometheus.MustRegister(extractionDuration)
}

const (
	RelationAcquired   = "ACQUIRED"
	RelationOwns       = "OWNS"
	RelationPartnered  = "PARTNERED_WITH"
	RelationCompetes   = "COMPETES_WITH"
	RelationEmploys    = "EMPLOYS"
	RelationHasMetric  = "HAS_METRIC"
	RelationReported   = "REPORTED"
	RelationOperatesIn = "OPERATES_IN"
	RelationListedOn   = "LISTED_ON"

	// Maximum character distance between co-occurring entity spans
	cooccurrenceWindow = 100

	// Relationships below this confidence are discarded
	minConfidence = 0.5
)

// anchorPattern detects a monetary or percentage figure inside the evidence
// span; its presence strengthens transaction-like patterns.
var anchorPattern = regexp.MustCompile(`[$€£¥]\s?\d|\d+(?:\.\d+)?\s?%`)

// relationPattern is one ordered extraction rule. Keywords must appear in the
// evidence span; endpoint type sets gate which entity pairs the rule can
// connect. Strength feeds the confidence product.
type relationPattern struct {
	relationType string
	keywords     []string
	sourceTypes  []string
	targetTypes  []string
	strength     float64
	anchorBoost  bool
}

func defaultPatterns() []relationPattern {
	org := []string{"ORG"}
	person := []string{"PERSON"}
	value := []string{"CURRENCY", "PERCENTAGE", "FINANCIAL_METRIC"}

	return []relationPattern{
		{RelationAcquired, []string{"acquired", "acquires", "acquisition of", "purchased", "bought", "takeover of"}, org, org, 0.95, true},
		{RelationOwns, []string{"owns", "owned by", "subsidiary of", "parent of", "stake in"}, org, org, 0.9, false},
		{RelationPartnered, []string{"partnered with", "partnership with", "joint venture", "alliance with", "collaborat"}, org, org, 0.85, false},
		{RelationCompetes, []string{"competes with", "competitor", "rival"}, org, org, 0.8, false},
		{RelationEmploys, []string{"ceo", "cfo", "chief", "president", "director", "founder", "hired", "appointed"}, org, person, 0.85, false},
		{RelationReported, []string{"reported", "announced", "posted", "recorded"}, org, value, 0.85, true},
		{RelationHasMetric, []string{"revenue", "income", "profit", "loss", "earnings", "margin", "reached", "totaling", "grew", "declined"}, org, value, 0.8, true},
		{RelationOperatesIn, []string{"operates in", "active in", "focused on", "sector", "industry"}, org, []string{"INDUSTRY", "MARKET"}, 0.8, false},
		{RelationListedOn, []string{"listed on", "trades on", "ipo on"}, org, []string{"MARKET"}, 0.9, false},
	}
}

// Extractor derives typed relationships between entities that co-occur within
// the same sentence.
type Extractor struct {
	patterns []relationPattern
	logger   *logrus.Logger
}

// New creates an Extractor with the default financial relation patterns
func New() *Extractor {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &Extractor{
		patterns: defaultPatterns(),
		logger:   logger,
	}
}

type sentenceSpan struct {
	start, end int
}

// Extract returns deduplicated relationships between the given entities based
// on same-sentence co-occurrence in text. Entity positions must refer to text.
func (x *Extractor) Extract(ctx context.Context, documentID, text string, entities []graph.Entity) ([]graph.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, graph.NewExtractionError(err)
	}
	if len(entities) < 2 || strings.TrimSpace(text) == "" {
		return nil, nil
	}

	timer := prometheus.NewTimer(extractionDuration)
	defer timer.ObserveDuration()

	sentences, err := segment(text)
	if err != nil {
		x.logger.WithError(err).Error("Failed to segment text into sentences")
		return nil, graph.NewExtractionError(err)
	}

	// Keep deterministic pair ordering by position
	ordered := make([]graph.Entity, len(entities))
	copy(ordered, entities)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartPos < ordered[j].StartPos })

	best := make(map[string]graph.Relationship)
	now := time.Now()

	for _, sent := range sentences {
		inSentence := entitiesWithin(ordered, sent)

		for i := 0; i < len(inSentence); i++ {
			for j := 0; j < len(inSentence); j++ {
				if i == j {
					continue
				}
				src, tgt := inSentence[i], inSentence[j]
				if tgt.StartPos <= src.StartPos {
					continue
				}
				if tgt.StartPos-src.EndPos > cooccurrenceWindow {
					continue
				}
				// Repeated mentions of one entity never relate to themselves
				if src.ID == tgt.ID || graph.EntityKey(src.Text, src.Type) == graph.EntityKey(tgt.Text, tgt.Type) {
					continue
				}

				evidence := text[src.StartPos:tgt.EndPos]
				rel, ok := x.match(src, tgt, evidence)
				if !ok {
					continue
				}

				rel.ID = uuid.New().String()
				rel.DocumentID = documentID
				rel.DetectedAt = now

				key := dedupeKey(src, tgt, rel.Type)
				if existing, seen := best[key]; !seen || rel.Confidence > existing.Confidence {
					best[key] = rel
				}
			}
		}
	}

	relationships := make([]graph.Relationship, 0, len(best))
	for _, rel := range best {
		relationships = append(relationships, rel)
		relationshipCount.WithLabelValues(rel.Type).Inc()
	}
	sort.Slice(relationships, func(i, j int) bool { return relationships[i].ID < relationships[j].ID })

	x.logger.WithFields(logrus.Fields{
		"document_id":   documentID,
		"entities":      len(entities),
		"relationships": len(relationships),
	}).Info("Relationship extraction completed")

	return relationships, nil
}

// match evaluates every pattern against the evidence span and keeps the
// highest-confidence result. Confidence is the product of both endpoint
// confidences and the pattern strength, clipped at 1.0.
func (x *Extractor) match(src, tgt graph.Entity, evidence string) (graph.Relationship, bool) {
	lower := strings.ToLower(evidence)

	var best graph.Relationship
	found := false

	for _, p := range x.patterns {
		if !contains(p.sourceTypes, src.Type) || !contains(p.targetTypes, tgt.Type) {
			continue
		}
		if !anyKeyword(lower, p.keywords) {
			continue
		}

		strength := p.strength
		if p.anchorBoost && anchorPattern.MatchString(evidence) {
			strength += 0.05
		}
		if strength > 1.0 {
			strength = 1.0
		}

		confidence := src.Confidence * tgt.Confidence * strength
		if confidence > 1.0 {
			confidence = 1.0
		}
		if confidence < minConfidence {
			continue
		}

		if !found || confidence > best.Confidence {
			best = graph.Relationship{
				SourceID:   src.ID,
				TargetID:   tgt.ID,
				Type:       p.relationType,
				Confidence: confidence,
				Evidence:   evidence,
				Metadata: map[string]interface{}{
					"source_text": src.Text,
					"target_text": tgt.Text,
				},
			}
			found = true
		}
	}

	return best, found
}

// Statistics aggregates relationship counts by type with mean confidence
type Statistics struct {
	TotalRelationships  int            `json:"total_relationships"`
	RelationshipsByType map[string]int `json:"relationships_by_type"`
	AverageConfidence   float64        `json:"average_confidence"`
}

// Stats summarizes a set of extracted relationships; safe to call with none
func Stats(relationships []graph.Relationship) Statistics {
	stats := Statistics{
		RelationshipsByType: make(map[string]int),
	}
	if len(relationships) == 0 {
		return stats
	}

	total := 0.0
	for _, r := range relationships {
		stats.RelationshipsByType[r.Type]++
		total += r.Confidence
	}
	stats.TotalRelationships = len(relationships)
	stats.AverageConfidence = total / float64(len(relationships))
	return stats
}

func segment(text string) ([]sentenceSpan, error) {
	doc, err := prose.NewDocument(text, prose.WithExtraction(false), prose.WithTagging(false))
	if err != nil {
		return nil, err
	}

	spans := make([]sentenceSpan, 0)
	cursor := 0
	for _, sent := range doc.Sentences() {
		idx := strings.Index(text[cursor:], sent.Text)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		end := start + len(sent.Text)
		spans = append(spans, sentenceSpan{start: start, end: end})
		cursor = end
	}
	if len(spans) == 0 {
		spans = append(spans, sentenceSpan{start: 0, end: len(text)})
	}
	return spans, nil
}

func entitiesWithin(entities []graph.Entity, sent sentenceSpan) []graph.Entity {
	out := make([]graph.Entity, 0)
	for _, e := range entities {
		if e.StartPos >= sent.start && e.EndPos <= sent.end {
			out = append(out, e)
		}
	}
	return out
}

// dedupeKey collapses repeated mentions of the same pair: two relationships
// with the same endpoints by natural key and the same type are one fact.
func dedupeKey(src, tgt graph.Entity, relationType string) string {
	return graph.EdgeKey(graph.EntityKey(src.Text, src.Type), relationType, graph.EntityKey(tgt.Text, tgt.Type))
}

func anyKeyword(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
