package validation

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/athapong/docugraph/pkg/graph"
)

// Severity classifies how a failed evaluation is reported: ERROR yields FAIL,
// WARNING yields WARNING, INFO always reports PASS with a message.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Target selects which document elements a rule applies to
type Target string

const (
	TargetEntity       Target = "entity"
	TargetRelationship Target = "relationship"
	TargetDocument     Target = "document"
)

// Kind identifies the declarative check a rule performs
type Kind string

const (
	KindConfidenceThreshold Kind = "confidence_threshold"
	KindRecognizedType      Kind = "recognized_type"
	KindFieldPattern        Kind = "field_pattern"
	KindDuplicateEntity     Kind = "duplicate_entity"
	KindDanglingEndpoints   Kind = "dangling_endpoints"
	KindStageSanity         Kind = "stage_sanity"
)

// Rule is one declarative validation rule. Params carry the kind-specific
// configuration; AppliesToTypes optionally narrows the element types checked.
type Rule struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	Kind           Kind                   `json:"kind"`
	Target         Target                 `json:"target"`
	Severity       Severity               `json:"severity"`
	Enabled        bool                   `json:"enabled"`
	AppliesToTypes []string               `json:"applies_to_types,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
}

func (r Rule) appliesTo(elementType string) bool {
	if len(r.AppliesToTypes) == 0 {
		return true
	}
	for _, t := range r.AppliesToTypes {
		if t == elementType {
			return true
		}
	}
	return false
}

// minConfidence reads the threshold param, defaulting to 0.5
func (r Rule) minConfidence() float64 {
	if v, ok := r.Params["min_confidence"].(float64); ok {
		return v
	}
	return 0.5
}

func (r Rule) allowedTypes() []string {
	raw, ok := r.Params["allowed_types"].([]string)
	if ok {
		return raw
	}
	return nil
}

func (r Rule) fieldPattern() (*regexp.Regexp, error) {
	raw, ok := r.Params["pattern"].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("rule %s: missing pattern param", r.ID)
	}
	return regexp.Compile(raw)
}

// Registry is the process-wide rule repository. Rules are mutated only through
// registry operations so concurrent validations see a consistent set.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
	order []string
}

// NewRegistry creates an empty rule registry
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// NewDefaultRegistry creates a registry seeded with the standard rule set
func NewDefaultRegistry() *Registry {
	reg := NewRegistry()
	for _, rule := range DefaultRules() {
		// Seed rules are well formed; Add only rejects empty or duplicate IDs
		_ = reg.Add(rule)
	}
	return reg
}

// Add registers a rule. The ID must be unique and non-empty.
func (reg *Registry) Add(rule Rule) error {
	if rule.ID == "" {
		return graph.NewInputError("validation rule must have an id")
	}
	if rule.Kind == "" || rule.Target == "" {
		return graph.NewInputError("validation rule %s must have kind and target", rule.ID)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rules[rule.ID]; exists {
		return graph.NewInputError("validation rule %s already registered", rule.ID)
	}
	reg.rules[rule.ID] = rule
	reg.order = append(reg.order, rule.ID)
	return nil
}

// Get returns the rule with the given ID
func (reg *Registry) Get(id string) (Rule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rule, ok := reg.rules[id]
	return rule, ok
}

// List returns all rules in registration order
func (reg *Registry) List() []Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Rule, 0, len(reg.order))
	for _, id := range reg.order {
		out = append(out, reg.rules[id])
	}
	return out
}

// SetEnabled toggles a rule without removing it
func (reg *Registry) SetEnabled(id string, enabled bool) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rule, ok := reg.rules[id]
	if !ok {
		return graph.NewInputError("validation rule %s not found", id)
	}
	rule.Enabled = enabled
	reg.rules[id] = rule
	return nil
}

// Remove deletes a rule from the registry
func (reg *Registry) Remove(id string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.rules[id]; !ok {
		return graph.NewInputError("validation rule %s not found", id)
	}
	delete(reg.rules, id)
	for i, existing := range reg.order {
		if existing == id {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
	return nil
}

// DefaultRules returns the standard financial-document rule set
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "entity-confidence",
			Name:        "Entity confidence threshold",
			Description: "Entities must meet the minimum extraction confidence",
			Kind:        KindConfidenceThreshold,
			Target:      TargetEntity,
			Severity:    SeverityError,
			Enabled:     true,
			Params:      map[string]interface{}{"min_confidence": 0.5},
		},
		{
			ID:          "entity-type-known",
			Name:        "Entity type recognized",
			Description: "Entity types must belong to the recognized type set",
			Kind:        KindRecognizedType,
			Target:      TargetEntity,
			Severity:    SeverityError,
			Enabled:     true,
			Params: map[string]interface{}{"allowed_types": []string{
				"ORG", "PERSON", "CURRENCY", "PERCENTAGE", "DATE",
				"FINANCIAL_METRIC", "ACCOUNT", "TRANSACTION", "MARKET", "INDUSTRY",
			}},
		},
		{
			ID:             "currency-format",
			Name:           "Currency format",
			Description:    "Currency entities should carry a symbol and amount",
			Kind:           KindFieldPattern,
			Target:         TargetEntity,
			Severity:       SeverityWarning,
			Enabled:        true,
			AppliesToTypes: []string{"CURRENCY"},
			Params:         map[string]interface{}{"pattern": `^[$€£¥]\s?\d`},
		},
		{
			ID:          "entity-duplicates",
			Name:        "Duplicate entities",
			Description: "Entities with the same normalized text and type should be merged",
			Kind:        KindDuplicateEntity,
			Target:      TargetEntity,
			Severity:    SeverityWarning,
			Enabled:     true,
		},
		{
			ID:          "relationship-confidence",
			Name:        "Relationship confidence threshold",
			Description: "Relationships must meet the minimum extraction confidence",
			Kind:        KindConfidenceThreshold,
			Target:      TargetRelationship,
			Severity:    SeverityWarning,
			Enabled:     true,
			Params:      map[string]interface{}{"min_confidence": 0.5},
		},
		{
			ID:          "relationship-endpoints",
			Name:        "Relationship endpoints resolve",
			Description: "Both endpoints of a relationship must reference extracted entities",
			Kind:        KindDanglingEndpoints,
			Target:      TargetRelationship,
			Severity:    SeverityError,
			Enabled:     true,
		},
		{
			ID:          "document-stage",
			Name:        "Document stage sanity",
			Description: "A document carrying graph elements should have reached graph building",
			Kind:        KindStageSanity,
			Target:      TargetDocument,
			Severity:    SeverityInfo,
			Enabled:     true,
		},
	}
}
