package validation

import (
	"fmt"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var resultCount = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "validation_results_total",
		Help: "Validation results produced, by status",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(resultCount)
}

// Status is the outcome of one rule evaluation against one element
type Status string

const (
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
	StatusWarning Status = "WARNING"
)

// Result records one rule evaluation. Details echo the fields the rule
// examined so a reviewer can audit the outcome without re-running it.
type Result struct {
	ID         string                 `json:"id"`
	RuleID     string                 `json:"rule_id"`
	RuleName   string                 `json:"rule_name"`
	DocumentID string                 `json:"document_id"`
	Target     Target                 `json:"target"`
	TargetID   string                 `json:"target_id"`
	Status     Status                 `json:"status"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Summary aggregates a validation run
type Summary struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
}

// Engine evaluates registry rules against documents
type Engine struct {
	registry *Registry
	logger   *logrus.Logger
}

// NewEngine creates a validation engine over the given rule registry
func NewEngine(registry *Registry) *Engine {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &Engine{registry: registry, logger: logger}
}

// Registry exposes the engine's rule repository
func (e *Engine) Registry() *Registry { return e.registry }

// Validate evaluates every enabled rule against every applicable element of
// the document. Evaluation never short-circuits: each rule-element pair yields
// exactly one result regardless of earlier failures.
func (e *Engine) Validate(doc *graph.Document, ruleIDs ...string) ([]Result, error) {
	if doc == nil || doc.ID == "" {
		return nil, graph.NewInputError("validation requires a document with an id")
	}

	rules := e.selectRules(ruleIDs)
	results := make([]Result, 0)

	entityByID := make(map[string]graph.Entity, len(doc.Entities))
	for _, ent := range doc.Entities {
		entityByID[ent.ID] = ent
	}
	duplicates := duplicateGroups(doc.Entities)

	for _, rule := range rules {
		switch rule.Target {
		case TargetEntity:
			for _, ent := range doc.Entities {
				if !rule.appliesTo(ent.Type) {
					continue
				}
				results = append(results, e.evaluateEntity(rule, doc, ent, duplicates))
			}
		case TargetRelationship:
			for _, rel := range doc.Relationships {
				if !rule.appliesTo(rel.Type) {
					continue
				}
				results = append(results, e.evaluateRelationship(rule, doc, rel, entityByID))
			}
		case TargetDocument:
			results = append(results, e.evaluateDocument(rule, doc))
		}
	}

	for _, res := range results {
		resultCount.WithLabelValues(string(res.Status)).Inc()
	}

	summary := Summarize(results)
	e.logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"rules":       len(rules),
		"total":       summary.Total,
		"failed":      summary.Failed,
		"warnings":    summary.Warnings,
	}).Info("Validation completed")

	return results, nil
}

// ValidateRule re-evaluates a single rule, used when corrections are applied
func (e *Engine) ValidateRule(doc *graph.Document, ruleID string) ([]Result, error) {
	if _, ok := e.registry.Get(ruleID); !ok {
		return nil, graph.NewInputError("validation rule %s not found", ruleID)
	}
	return e.Validate(doc, ruleID)
}

// Summarize counts results by status; safe to call with none
func Summarize(results []Result) Summary {
	summary := Summary{Total: len(results)}
	for _, res := range results {
		switch res.Status {
		case StatusPass:
			summary.Passed++
		case StatusFail:
			summary.Failed++
		case StatusWarning:
			summary.Warnings++
		}
	}
	return summary
}

func (e *Engine) selectRules(ruleIDs []string) []Rule {
	all := e.registry.List()
	selected := make([]Rule, 0, len(all))
	for _, rule := range all {
		if !rule.Enabled {
			continue
		}
		if len(ruleIDs) > 0 && !containsStr(ruleIDs, rule.ID) {
			continue
		}
		selected = append(selected, rule)
	}
	return selected
}

func (e *Engine) evaluateEntity(rule Rule, doc *graph.Document, ent graph.Entity, duplicates map[string][]string) Result {
	res := newResult(rule, doc.ID, TargetEntity, ent.ID)

	switch rule.Kind {
	case KindConfidenceThreshold:
		min := rule.minConfidence()
		res.Details = map[string]interface{}{"confidence": ent.Confidence, "min_confidence": min}
		if ent.Confidence < min {
			res.failWith(rule, "entity %q confidence %.2f below threshold %.2f", ent.Text, ent.Confidence, min)
		} else {
			res.pass("entity %q confidence %.2f meets threshold", ent.Text, ent.Confidence)
		}

	case KindRecognizedType:
		allowed := rule.allowedTypes()
		res.Details = map[string]interface{}{"type": ent.Type, "allowed_types": allowed}
		if len(allowed) > 0 && !containsStr(allowed, ent.Type) {
			res.failWith(rule, "entity %q has unrecognized type %s", ent.Text, ent.Type)
		} else {
			res.pass("entity %q type %s is recognized", ent.Text, ent.Type)
		}

	case KindFieldPattern:
		re, err := rule.fieldPattern()
		if err != nil {
			res.Details = map[string]interface{}{"error": err.Error()}
			res.failWith(rule, "rule %s has an invalid pattern", rule.ID)
			break
		}
		res.Details = map[string]interface{}{"text": ent.Text, "pattern": re.String()}
		if !re.MatchString(ent.Text) {
			res.failWith(rule, "entity %q does not match required pattern", ent.Text)
		} else {
			res.pass("entity %q matches required pattern", ent.Text)
		}

	case KindDuplicateEntity:
		key := NormalizedKey(ent.Text, ent.Type)
		siblings := duplicates[key]
		res.Details = map[string]interface{}{"normalized_key": key, "duplicate_ids": siblings}
		if len(siblings) > 1 {
			res.failWith(rule, "entity %q duplicates %d other mention(s)", ent.Text, len(siblings)-1)
		} else {
			res.pass("entity %q is unique", ent.Text)
		}

	default:
		res.pass("rule kind %s does not apply to entities", rule.Kind)
	}

	return res
}

func (e *Engine) evaluateRelationship(rule Rule, doc *graph.Document, rel graph.Relationship, entityByID map[string]graph.Entity) Result {
	res := newResult(rule, doc.ID, TargetRelationship, rel.ID)

	switch rule.Kind {
	case KindConfidenceThreshold:
		min := rule.minConfidence()
		res.Details = map[string]interface{}{"confidence": rel.Confidence, "min_confidence": min}
		if rel.Confidence < min {
			res.failWith(rule, "relationship %s confidence %.2f below threshold %.2f", rel.Type, rel.Confidence, min)
		} else {
			res.pass("relationship %s confidence %.2f meets threshold", rel.Type, rel.Confidence)
		}

	case KindDanglingEndpoints:
		_, srcOK := entityByID[rel.SourceID]
		_, tgtOK := entityByID[rel.TargetID]
		res.Details = map[string]interface{}{
			"source_id": rel.SourceID, "source_resolved": srcOK,
			"target_id": rel.TargetID, "target_resolved": tgtOK,
		}
		if !srcOK || !tgtOK {
			res.failWith(rule, "relationship %s references missing endpoint(s)", rel.Type)
		} else {
			res.pass("relationship %s endpoints resolve", rel.Type)
		}

	default:
		res.pass("rule kind %s does not apply to relationships", rule.Kind)
	}

	return res
}

func (e *Engine) evaluateDocument(rule Rule, doc *graph.Document) Result {
	res := newResult(rule, doc.ID, TargetDocument, doc.ID)

	switch rule.Kind {
	case KindStageSanity:
		hasElements := len(doc.Entities) > 0 || len(doc.Relationships) > 0
		res.Details = map[string]interface{}{
			"stage":         string(doc.Stage),
			"entities":      len(doc.Entities),
			"relationships": len(doc.Relationships),
		}
		if hasElements && doc.Stage != graph.StageBuildingGraph && doc.Stage != graph.StageGraphRAGReady {
			res.failWith(rule, "document carries graph elements at stage %s", doc.Stage)
		} else {
			res.pass("document stage %s is consistent with its contents", doc.Stage)
		}

	default:
		res.pass("rule kind %s does not apply to documents", rule.Kind)
	}

	return res
}

// NormalizedKey is the natural entity key used for duplicate detection. It is
// the same key storage merges nodes by, so duplicates flagged here are exactly
// the mentions a merge correction would collapse.
func NormalizedKey(text, entityType string) string {
	return graph.EntityKey(text, entityType)
}

func duplicateGroups(entities []graph.Entity) map[string][]string {
	groups := make(map[string][]string)
	for _, ent := range entities {
		key := NormalizedKey(ent.Text, ent.Type)
		groups[key] = append(groups[key], ent.ID)
	}
	return groups
}

// failWith records a failed check, mapping the rule severity onto the result
// status: ERROR yields FAIL, WARNING yields WARNING, INFO stays PASS.
func (r *Result) failWith(rule Rule, format string, args ...interface{}) {
	r.Message = fmt.Sprintf(format, args...)
	switch rule.Severity {
	case SeverityError:
		r.Status = StatusFail
	case SeverityWarning:
		r.Status = StatusWarning
	default:
		r.Status = StatusPass
	}
}

func (r *Result) pass(format string, args ...interface{}) {
	r.Status = StatusPass
	r.Message = fmt.Sprintf(format, args...)
}

func newResult(rule Rule, documentID string, target Target, targetID string) Result {
	return Result{
		ID:         uuid.New().String(),
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		DocumentID: documentID,
		Target:     target,
		TargetID:   targetID,
		Timestamp:  time.Now(),
	}
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
