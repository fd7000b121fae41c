package recognizer

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/google/uuid"
	"github.com/jdkato/prose/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	extractionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "recognizer_extraction_duration_seconds",
			Help: "Time spent extracting entities from text",
		},
		[]string{"source"},
	)

	entityCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recognizer_entities_extracted_total",
			Help: "Number of entities extracted",
		},
		[]string{"entity_type"},
	)
)

func init() {
	prometheus.MustRegister(extractionDuration)
	prometheus.MustRegister(entityCount)
}

const (
	EntityTypeOrg        = "ORG"
	EntityTypePerson     = "PERSON"
	EntityTypeCurrency   = "CURRENCY"
	EntityTypePercentage = "PERCENTAGE"
	EntityTypeDate       = "DATE"
	EntityTypeMetric     = "FINANCIAL_METRIC"
	EntityTypeAccount    = "ACCOUNT"
	EntityTypeTxn        = "TRANSACTION"
	EntityTypeMarket     = "MARKET"
	EntityTypeIndustry   = "INDUSTRY"

	// Bounded context captured around each entity for auditability
	contextWindow = 50
)

// entityTypes maps each recognized type to a short description. The set is
// closed but extensible through RegisterType.
var entityTypes = map[string]string{
	EntityTypeOrg:        "Company or organization name",
	EntityTypePerson:     "Person name",
	EntityTypeCurrency:   "Monetary value",
	EntityTypePercentage: "Percentage value",
	EntityTypeDate:       "Date or time period",
	EntityTypeMetric:     "Financial metric or KPI",
	EntityTypeAccount:    "Financial account or category",
	EntityTypeTxn:        "Financial transaction",
	EntityTypeMarket:     "Market or exchange",
	EntityTypeIndustry:   "Industry or sector",
}

// patternRule is one ordered domain rule. Earlier rules win over later ones
// and every pattern match wins over a statistical tag on span overlap.
type patternRule struct {
	entityType string
	re         *regexp.Regexp
}

// defaultPatterns returns the ordered financial pattern set. Order matters:
// the most specific value-like patterns come first so that, for example,
// "$50 million" is claimed as CURRENCY before any looser rule sees it.
func defaultPatterns() []patternRule {
	return []patternRule{
		{EntityTypeCurrency, regexp.MustCompile(`[$€£¥]\s?\d+(?:,\d{3})*(?:\.\d+)?(?:\s(?:million|billion|trillion))?`)},
		{EntityTypePercentage, regexp.MustCompile(`\d+(?:\.\d+)?\s?%`)},
		{EntityTypeDate, regexp.MustCompile(`\b(?:Q[1-4]\s\d{4}|FY\s?\d{4}|\d{4}-\d{2}-\d{2}|(?:January|February|March|April|May|June|July|August|September|October|November|December)\s\d{1,2},?\s\d{4})\b`)},
		{EntityTypeMetric, regexp.MustCompile(`(?i)\b(?:revenue|net income|operating income|gross profit|profit|loss|earnings|expenses|ebitda|eps|roi|roe|roa|cash flow|market cap)(?:\s(?:growth|margin|ratio|rate))?\b`)},
		{EntityTypeOrg, regexp.MustCompile(`\b(?:[A-Z][A-Za-z&'-]+\s)+(?:Corp|Corporation|Inc|Ltd|LLC|Company|Group|Holdings|Bank|Partners)\.?\b`)},
		{EntityTypeAccount, regexp.MustCompile(`(?i)\b(?:accounts (?:receivable|payable)|cash equivalents|retained earnings|total (?:assets|liabilities|equity)|working capital)\b`)},
		{EntityTypeTxn, regexp.MustCompile(`(?i)\b(?:acquisition|merger|buyback|dividend payment|share issuance|stock split)\b`)},
		{EntityTypeMarket, regexp.MustCompile(`\b(?:NYSE|NASDAQ|LSE|TSX|ASX|SSE|HKEX)\b`)},
		{EntityTypeIndustry, regexp.MustCompile(`(?i)\b(?:technology|finance|healthcare|manufacturing|retail|energy|telecom)\s(?:sector|industry|market)\b`)},
	}
}

// proseLabels maps statistical tagger labels onto the recognized type set
var proseLabels = map[string]string{
	"PERSON": EntityTypePerson,
	"GPE":    EntityTypeOrg,
}

// Recognizer extracts typed entities with confidence scores from document
// text, combining a statistical base tagger with ordered pattern rules.
type Recognizer struct {
	patterns []patternRule
	types    map[string]string
	logger   *logrus.Logger
}

// New creates a Recognizer with the default financial pattern set
func New() *Recognizer {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	types := make(map[string]string, len(entityTypes))
	for t, desc := range entityTypes {
		types[t] = desc
	}

	return &Recognizer{
		patterns: defaultPatterns(),
		types:    types,
		logger:   logger,
	}
}

// RegisterType extends the recognized type set with a custom domain type
func (r *Recognizer) RegisterType(entityType, description string, pattern *regexp.Regexp) {
	r.types[entityType] = description
	if pattern != nil {
		r.patterns = append(r.patterns, patternRule{entityType: entityType, re: pattern})
	}
}

// Types returns the recognized entity types and their descriptions
func (r *Recognizer) Types() map[string]string {
	out := make(map[string]string, len(r.types))
	for t, d := range r.types {
		out[t] = d
	}
	return out
}

type span struct {
	start, end int
	text       string
	entityType string
}

// Extract returns the entities found on one page of document text. Pattern
// matches take precedence over statistical tags when spans overlap.
func (r *Recognizer) Extract(ctx context.Context, documentID, text string, page int) ([]graph.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, graph.NewExtractionError(err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	timer := prometheus.NewTimer(extractionDuration.WithLabelValues("combined"))
	defer timer.ObserveDuration()

	spans := make([]span, 0)

	// Ordered pattern rules claim their spans first
	for _, rule := range r.patterns {
		for _, match := range rule.re.FindAllStringIndex(text, -1) {
			candidate := span{
				start:      match[0],
				end:        match[1],
				text:       text[match[0]:match[1]],
				entityType: rule.entityType,
			}
			if !overlapsAny(candidate, spans) {
				spans = append(spans, candidate)
			}
		}
	}

	// Statistical tags fill in only where no pattern claimed the span
	doc, err := prose.NewDocument(text)
	if err != nil {
		r.logger.WithError(err).Error("Failed to run statistical tagger")
		return nil, graph.NewExtractionError(err)
	}

	cursor := 0
	for _, ent := range doc.Entities() {
		mapped, ok := proseLabels[ent.Label]
		if !ok {
			continue
		}
		idx := strings.Index(text[cursor:], ent.Text)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		cursor = start + len(ent.Text)

		candidate := span{start: start, end: start + len(ent.Text), text: ent.Text, entityType: mapped}
		if !overlapsAny(candidate, spans) {
			spans = append(spans, candidate)
		}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	entities := make([]graph.Entity, 0, len(spans))
	now := time.Now()
	for _, s := range spans {
		entity := graph.Entity{
			ID:         uuid.New().String(),
			DocumentID: documentID,
			Text:       s.text,
			Type:       s.entityType,
			Confidence: r.confidence(s.text, s.entityType),
			Page:       page,
			StartPos:   s.start,
			EndPos:     s.end,
			Metadata: map[string]interface{}{
				"context": contextSnippet(text, s.start, s.end),
			},
			DetectedAt: now,
		}
		entities = append(entities, entity)
		entityCount.WithLabelValues(s.entityType).Inc()
	}

	r.logger.WithFields(logrus.Fields{
		"document_id": documentID,
		"page":        page,
		"entities":    len(entities),
	}).Info("Entity extraction completed")

	return entities, nil
}

// confidence scores an entity from its type class and surface form, clipped
// to 1.0: value-like types score higher than name-like types, capitalized and
// multi-token mentions earn small bonuses.
func (r *Recognizer) confidence(text, entityType string) float64 {
	confidence := 0.7

	switch entityType {
	case EntityTypeCurrency, EntityTypePercentage, EntityTypeMetric:
		confidence += 0.2
	case EntityTypeOrg, EntityTypePerson:
		confidence += 0.1
	}

	if first := firstRune(text); unicode.IsUpper(first) {
		confidence += 0.1
	}
	if strings.Contains(strings.TrimSpace(text), " ") {
		confidence += 0.05
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// Statistics aggregates entity counts by type and page with mean confidence
type Statistics struct {
	TotalEntities     int            `json:"total_entities"`
	EntitiesByType    map[string]int `json:"entities_by_type"`
	EntitiesByPage    map[int]int    `json:"entities_by_page"`
	AverageConfidence float64        `json:"average_confidence"`
}

// Stats summarizes a set of extracted entities; safe to call with none
func Stats(entities []graph.Entity) Statistics {
	stats := Statistics{
		EntitiesByType: make(map[string]int),
		EntitiesByPage: make(map[int]int),
	}
	if len(entities) == 0 {
		return stats
	}

	total := 0.0
	for _, e := range entities {
		stats.EntitiesByType[e.Type]++
		stats.EntitiesByPage[e.Page]++
		total += e.Confidence
	}
	stats.TotalEntities = len(entities)
	stats.AverageConfidence = total / float64(len(entities))
	return stats
}

func overlapsAny(candidate span, claimed []span) bool {
	for _, s := range claimed {
		if candidate.start < s.end && s.start < candidate.end {
			return true
		}
	}
	return false
}

// contextSnippet returns the text surrounding an entity span, with the window
// bounds snapped outward to rune boundaries so the snippet stays valid UTF-8.
func contextSnippet(text string, start, end int) string {
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	for lo > 0 && !utf8.RuneStart(text[lo]) {
		lo--
	}
	hi := end + contextWindow
	if hi > len(text) {
		hi = len(text)
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return text[lo:hi]
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
