package correction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/athapong/docugraph/pkg/graph/storage"
	"github.com/athapong/docugraph/pkg/graph/validation"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var strategyCount = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "correction_strategies_total",
		Help: "Correction strategies by kind and status transition",
	},
	[]string{"kind", "status"},
)

func init() {
	prometheus.MustRegister(strategyCount)
}

// Status tracks a strategy through its lifecycle. Transitions are monotonic:
// PENDING moves to APPLIED or REJECTED exactly once and never back.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApplied  Status = "APPLIED"
	StatusRejected Status = "REJECTED"
)

// Kind identifies the corrective action a strategy proposes
type Kind string

const (
	KindMergeDuplicates     Kind = "merge_duplicate_entities"
	KindReclassifyEntity    Kind = "reclassify_entity"
	KindDiscardRelationship Kind = "discard_relationship"
	KindAdjustConfidence    Kind = "adjust_confidence"
)

// Strategy is one proposed correction derived from a validation result. The
// Changes payload carries everything Apply needs to patch the stored graph.
type Strategy struct {
	ID         string                 `json:"id"`
	DocumentID string                 `json:"document_id"`
	RuleID     string                 `json:"rule_id"`
	ResultID   string                 `json:"result_id"`
	Kind       Kind                   `json:"kind"`
	Status     Status                 `json:"status"`
	Changes    map[string]interface{} `json:"changes"`
	ProposedAt time.Time              `json:"proposed_at"`
	ResolvedAt time.Time              `json:"resolved_at,omitempty"`
	AppliedBy  string                 `json:"applied_by,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
}

// typeAliases maps common mislabeled types onto the recognized set, used when
// proposing reclassifications.
var typeAliases = map[string]string{
	"COMPANY":      "ORG",
	"ORGANIZATION": "ORG",
	"CORP":         "ORG",
	"MONEY":        "CURRENCY",
	"AMOUNT":       "CURRENCY",
	"PCT":          "PERCENTAGE",
	"PERC":         "PERCENTAGE",
	"TIME":         "DATE",
	"KPI":          "FINANCIAL_METRIC",
	"METRIC":       "FINANCIAL_METRIC",
}

// Engine proposes and applies corrections to persisted document graphs
type Engine struct {
	store     graph.GraphStore
	validator *validation.Engine
	logger    *logrus.Logger

	mu         sync.Mutex
	strategies map[string]*Strategy
	order      []string
	inflight   map[string]bool
}

// NewEngine creates a correction engine over the given store and validator
func NewEngine(store graph.GraphStore, validator *validation.Engine) *Engine {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return &Engine{
		store:      store,
		validator:  validator,
		logger:     logger,
		strategies: make(map[string]*Strategy),
		inflight:   make(map[string]bool),
	}
}

// Propose derives correction strategies from failed validation results. Each
// strategy starts PENDING with a concrete changes payload; results that have
// no corrective action yield nothing.
func (e *Engine) Propose(doc *graph.Document, results []validation.Result) []Strategy {
	if doc == nil {
		return nil
	}

	proposed := make([]Strategy, 0)
	mergedPairs := make(map[string]bool)

	for _, res := range results {
		if res.Status == validation.StatusPass {
			continue
		}
		rule, ok := e.validator.Registry().Get(res.RuleID)
		if !ok {
			continue
		}

		var strategy *Strategy
		switch rule.Kind {
		case validation.KindDuplicateEntity:
			strategy = e.proposeMerge(doc, res, mergedPairs)
		case validation.KindRecognizedType:
			strategy = e.proposeReclassify(res)
		case validation.KindConfidenceThreshold:
			if res.Target == validation.TargetRelationship {
				strategy = e.proposeDiscard(res)
			} else {
				strategy = e.proposeAdjust(rule, res)
			}
		}
		if strategy == nil {
			continue
		}

		strategy.ID = uuid.New().String()
		strategy.DocumentID = doc.ID
		strategy.RuleID = res.RuleID
		strategy.ResultID = res.ID
		strategy.Status = StatusPending
		strategy.ProposedAt = time.Now()

		e.mu.Lock()
		e.strategies[strategy.ID] = strategy
		e.order = append(e.order, strategy.ID)
		e.mu.Unlock()

		strategyCount.WithLabelValues(string(strategy.Kind), string(StatusPending)).Inc()
		proposed = append(proposed, *strategy)
	}

	e.logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"results":     len(results),
		"strategies":  len(proposed),
	}).Info("Correction strategies proposed")

	return proposed
}

// Apply executes a pending strategy against the stored graph and re-runs the
// originating rule against the patched graph so the caller sees whether the
// correction resolved it. A stale graph reference leaves the strategy PENDING
// and reports a correction-apply error. The strategy is held in-flight for the
// duration so a concurrent Reject cannot overturn an apply in progress.
func (e *Engine) Apply(ctx context.Context, id, applier string, doc *graph.Document) ([]validation.Result, error) {
	e.mu.Lock()
	strategy, ok := e.strategies[id]
	if !ok {
		e.mu.Unlock()
		return nil, graph.NewInputError("correction strategy %s not found", id)
	}
	if strategy.Status != StatusPending {
		e.mu.Unlock()
		return nil, graph.NewInputError("correction strategy %s already resolved as %s", id, strategy.Status)
	}
	if e.inflight[id] {
		e.mu.Unlock()
		return nil, graph.NewInputError("correction strategy %s is already being applied", id)
	}
	e.inflight[id] = true
	applied := *strategy
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}()

	if err := e.execute(ctx, &applied); err != nil {
		e.mu.Lock()
		strategy.LastError = err.Error()
		e.mu.Unlock()

		if errors.Is(err, storage.ErrNotFound) {
			err = graph.NewCorrectionApplyError(err)
		}
		e.logger.WithError(err).WithFields(logrus.Fields{
			"strategy_id": id,
			"kind":        string(applied.Kind),
		}).Error("Failed to apply correction")
		return nil, err
	}

	now := time.Now()
	e.mu.Lock()
	strategy.Status = StatusApplied
	strategy.ResolvedAt = now
	strategy.AppliedBy = applier
	strategy.LastError = ""
	e.mu.Unlock()

	strategyCount.WithLabelValues(string(applied.Kind), string(StatusApplied)).Inc()
	e.logger.WithFields(logrus.Fields{
		"strategy_id": id,
		"kind":        string(applied.Kind),
		"applied_by":  applier,
	}).Info("Correction applied")

	if doc == nil {
		return nil, nil
	}
	results, err := e.revalidate(ctx, doc, applied.RuleID)
	if err != nil {
		e.logger.WithError(err).WithField("strategy_id", id).Warn("Could not re-validate after apply")
		return nil, nil
	}
	return results, nil
}

// revalidate re-runs one rule against the stored graph, not the caller's
// snapshot, so the result reflects the patch that was just applied.
func (e *Engine) revalidate(ctx context.Context, doc *graph.Document, ruleID string) ([]validation.Result, error) {
	data, err := e.store.GetGraph(ctx, doc.ID, graph.GraphFilter{})
	if err != nil {
		return nil, err
	}

	patched := *doc
	patched.Entities = make([]graph.Entity, 0, len(data.Nodes))
	for _, node := range data.Nodes {
		patched.Entities = append(patched.Entities, graph.Entity{
			ID:         node.ID,
			DocumentID: node.DocumentID,
			Text:       node.Text,
			Type:       node.Type,
			Confidence: node.Confidence,
		})
	}
	patched.Relationships = make([]graph.Relationship, 0, len(data.Edges))
	for _, edge := range data.Edges {
		patched.Relationships = append(patched.Relationships, graph.Relationship{
			ID:         edge.ID,
			DocumentID: edge.DocumentID,
			SourceID:   edge.SourceID,
			TargetID:   edge.TargetID,
			Type:       edge.Type,
			Confidence: edge.Confidence,
		})
	}
	return e.validator.ValidateRule(&patched, ruleID)
}

// Reject marks a pending strategy rejected; the transition is final
func (e *Engine) Reject(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	strategy, ok := e.strategies[id]
	if !ok {
		return graph.NewInputError("correction strategy %s not found", id)
	}
	if strategy.Status != StatusPending {
		return graph.NewInputError("correction strategy %s already resolved as %s", id, strategy.Status)
	}
	if e.inflight[id] {
		return graph.NewInputError("correction strategy %s is being applied", id)
	}

	strategy.Status = StatusRejected
	strategy.ResolvedAt = time.Now()
	strategyCount.WithLabelValues(string(strategy.Kind), string(StatusRejected)).Inc()
	return nil
}

// Get returns one strategy by ID
func (e *Engine) Get(id string) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	strategy, ok := e.strategies[id]
	if !ok {
		return Strategy{}, false
	}
	return *strategy, true
}

// List returns a document's strategies in proposal order; empty documentID
// returns all.
func (e *Engine) List(documentID string) []Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Strategy, 0)
	for _, id := range e.order {
		strategy := e.strategies[id]
		if documentID != "" && strategy.DocumentID != documentID {
			continue
		}
		out = append(out, *strategy)
	}
	return out
}

func (e *Engine) execute(ctx context.Context, strategy *Strategy) error {
	switch strategy.Kind {
	case KindMergeDuplicates:
		keepID, _ := strategy.Changes["keep_id"].(string)
		dropID, _ := strategy.Changes["drop_id"].(string)
		if keepID == "" || dropID == "" {
			return graph.NewInputError("merge strategy %s missing endpoint ids", strategy.ID)
		}
		return e.store.MergeNodes(ctx, strategy.DocumentID, keepID, dropID)

	case KindReclassifyEntity:
		nodeID, _ := strategy.Changes["node_id"].(string)
		proposedType, _ := strategy.Changes["proposed_type"].(string)
		if nodeID == "" || proposedType == "" {
			return graph.NewInputError("reclassify strategy %s missing node or type", strategy.ID)
		}
		return e.store.UpdateNode(ctx, strategy.DocumentID, nodeID, map[string]interface{}{"type": proposedType})

	case KindDiscardRelationship:
		edgeID, _ := strategy.Changes["edge_id"].(string)
		if edgeID == "" {
			return graph.NewInputError("discard strategy %s missing edge id", strategy.ID)
		}
		return e.store.DeleteEdge(ctx, strategy.DocumentID, edgeID)

	case KindAdjustConfidence:
		nodeID, _ := strategy.Changes["node_id"].(string)
		confidence, ok := strategy.Changes["proposed_confidence"].(float64)
		if nodeID == "" || !ok {
			return graph.NewInputError("adjust strategy %s missing node or confidence", strategy.ID)
		}
		return e.store.UpdateNode(ctx, strategy.DocumentID, nodeID, map[string]interface{}{"confidence": confidence})

	default:
		return graph.NewInputError("unknown correction kind %s", strategy.Kind)
	}
}

// proposeMerge keeps the highest-confidence mention of a duplicate group and
// drops the flagged entity. One strategy per (keep, drop) pair.
func (e *Engine) proposeMerge(doc *graph.Document, res validation.Result, seen map[string]bool) *Strategy {
	ids, _ := res.Details["duplicate_ids"].([]string)
	if len(ids) < 2 {
		return nil
	}

	byID := make(map[string]graph.Entity, len(doc.Entities))
	for _, ent := range doc.Entities {
		byID[ent.ID] = ent
	}

	keepID := ids[0]
	for _, id := range ids[1:] {
		if byID[id].Confidence > byID[keepID].Confidence {
			keepID = id
		}
	}
	dropID := res.TargetID
	if dropID == keepID {
		return nil
	}

	pair := []string{keepID, dropID}
	sort.Strings(pair)
	pairKey := pair[0] + "|" + pair[1]
	if seen[pairKey] {
		return nil
	}
	seen[pairKey] = true

	return &Strategy{
		Kind: KindMergeDuplicates,
		Changes: map[string]interface{}{
			"keep_id": keepID,
			"drop_id": dropID,
		},
	}
}

func (e *Engine) proposeReclassify(res validation.Result) *Strategy {
	current, _ := res.Details["type"].(string)
	proposed, ok := typeAliases[current]
	if !ok {
		return nil
	}
	return &Strategy{
		Kind: KindReclassifyEntity,
		Changes: map[string]interface{}{
			"node_id":       res.TargetID,
			"current_type":  current,
			"proposed_type": proposed,
		},
	}
}

func (e *Engine) proposeDiscard(res validation.Result) *Strategy {
	return &Strategy{
		Kind: KindDiscardRelationship,
		Changes: map[string]interface{}{
			"edge_id": res.TargetID,
		},
	}
}

func (e *Engine) proposeAdjust(rule validation.Rule, res validation.Result) *Strategy {
	confidence, _ := res.Details["confidence"].(float64)
	threshold, _ := res.Details["min_confidence"].(float64)
	return &Strategy{
		Kind: KindAdjustConfidence,
		Changes: map[string]interface{}{
			"node_id":             res.TargetID,
			"current_confidence":  confidence,
			"proposed_confidence": threshold,
		},
	}
}
