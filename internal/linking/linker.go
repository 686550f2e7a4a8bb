// Package linking resolves extracted entities to canonical graph nodes.
//
// Resolution runs three tiers in order and stops at the first success:
// exact name match through the store index, fuzzy substring candidates
// scored by longest common subsequence, then embedding similarity against
// the display names of every node of the entity's kind.
package linking

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/logger"
)

const (
	ExactScore = 1.0
	FuzzyScore = 0.9

	DefaultFuzzyRatio        = 0.7
	DefaultSemanticThreshold = 0.85
)

// Mapping error reasons.
const (
	ReasonNoMatch        = "no_match"
	ReasonUnknownKind    = "unknown_entity_type"
	ReasonLookupFailed   = "lookup_failed"
	ReasonEmbeddingError = "embedding_failed"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MappingErrorSink receives entities that could not be linked.
type MappingErrorSink interface {
	RecordMappingError(ctx context.Context, e models.MappingError) error
}

type Config struct {
	FuzzyRatio        float64
	SemanticThreshold float64
}

type Linker struct {
	lookup            kg.Lookup
	embedder          Embedder
	sink              MappingErrorSink
	fuzzyRatio        float64
	semanticThreshold float64

	mu          sync.Mutex
	nodeVectors map[string][]float32
}

// NewLinker builds a linker. embedder and sink may be nil; without an
// embedder the semantic tier is skipped.
func NewLinker(lookup kg.Lookup, embedder Embedder, sink MappingErrorSink, cfg Config) *Linker {
	if cfg.FuzzyRatio <= 0 {
		cfg.FuzzyRatio = DefaultFuzzyRatio
	}
	if cfg.SemanticThreshold <= 0 {
		cfg.SemanticThreshold = DefaultSemanticThreshold
	}
	return &Linker{
		lookup:            lookup,
		embedder:          embedder,
		sink:              sink,
		fuzzyRatio:        cfg.FuzzyRatio,
		semanticThreshold: cfg.SemanticThreshold,
		nodeVectors:       make(map[string][]float32),
	}
}

// Link resolves e without a source reference for the mapping error log.
func (l *Linker) Link(ctx context.Context, e models.ExtractedEntity) (*models.KGMappedEntity, error) {
	return l.LinkFrom(ctx, "", e)
}

// LinkFrom resolves e found in the snippet sourceID. A miss returns nil, nil
// and is recorded; lookup and embedding failures are recorded and returned.
func (l *Linker) LinkFrom(ctx context.Context, sourceID string, e models.ExtractedEntity) (*models.KGMappedEntity, error) {
	kind, ok := kg.KindFor[e.Type()]
	if !ok {
		l.recordMiss(ctx, sourceID, e, ReasonUnknownKind, nil)
		return nil, fmt.Errorf("%w: %s has no node kind", models.ErrInvalidEntity, e.Type())
	}

	mapped, err := l.exact(ctx, kind, e)
	if err != nil {
		l.recordMiss(ctx, sourceID, e, ReasonLookupFailed, err)
		return nil, err
	}
	if mapped == nil {
		if mapped, err = l.fuzzy(ctx, kind, e); err != nil {
			l.recordMiss(ctx, sourceID, e, ReasonLookupFailed, err)
			return nil, err
		}
	}
	if mapped == nil && l.embedder != nil {
		if mapped, err = l.semantic(ctx, kind, e); err != nil {
			l.recordMiss(ctx, sourceID, e, ReasonEmbeddingError, err)
			return nil, err
		}
	}

	if mapped == nil {
		l.recordMiss(ctx, sourceID, e, ReasonNoMatch, nil)
		return nil, nil
	}

	metrics.LinkResults.WithLabelValues(string(e.Type()), string(mapped.Method())).Inc()
	logger.Debug("Entity linked",
		zap.String("entity", e.Name()),
		zap.String("node_id", mapped.NodeID()),
		zap.String("method", string(mapped.Method())),
		zap.Float64("score", mapped.MatchScore()),
	)
	return mapped, nil
}

func (l *Linker) exact(ctx context.Context, kind kg.NodeKind, e models.ExtractedEntity) (*models.KGMappedEntity, error) {
	node, err := l.lookup.FindExact(ctx, kind, e.Name())
	if err != nil {
		return nil, fmt.Errorf("exact lookup: %w", err)
	}
	if node == nil {
		return nil, nil
	}
	return mapTo(e, *node, ExactScore, models.MatchExact)
}

func (l *Linker) fuzzy(ctx context.Context, kind kg.NodeKind, e models.ExtractedEntity) (*models.KGMappedEntity, error) {
	candidates, err := l.lookup.FindContaining(ctx, kind, e.Name())
	if err != nil {
		return nil, fmt.Errorf("substring lookup: %w", err)
	}

	var (
		best      kg.Node
		bestRatio float64
		found     bool
	)
	for _, n := range candidates {
		for _, name := range n.Names() {
			// Strictly greater keeps the first candidate on ties.
			if r := LCSRatio(e.Name(), name); r > bestRatio {
				best, bestRatio, found = n, r, true
			}
		}
	}
	if !found || bestRatio <= l.fuzzyRatio {
		return nil, nil
	}
	return mapTo(e, best, FuzzyScore, models.MatchFuzzy)
}

func (l *Linker) semantic(ctx context.Context, kind kg.NodeKind, e models.ExtractedEntity) (*models.KGMappedEntity, error) {
	nodes, err := l.lookup.ListNodes(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	query, err := l.embedder.Embed(ctx, e.Name())
	if err != nil {
		return nil, fmt.Errorf("embed entity: %w", err)
	}

	var (
		best    kg.Node
		bestSim = -1.0
	)
	for _, n := range nodes {
		vec, err := l.nodeVector(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("embed node %s: %w", n.ID, err)
		}
		if sim := CosineSimilarity(query, vec); sim > bestSim {
			best, bestSim = n, sim
		}
	}
	if bestSim < l.semanticThreshold {
		return nil, nil
	}
	if bestSim > 1 {
		bestSim = 1
	}
	return mapTo(e, best, bestSim, models.MatchSemantic)
}

// nodeVector embeds a node label once per linker.
func (l *Linker) nodeVector(ctx context.Context, n kg.Node) ([]float32, error) {
	key := string(n.Kind) + "|" + n.ID + "|" + n.Label()

	l.mu.Lock()
	vec, ok := l.nodeVectors[key]
	l.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := l.embedder.Embed(ctx, n.Label())
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.nodeVectors[key] = vec
	l.mu.Unlock()
	return vec, nil
}

func (l *Linker) recordMiss(ctx context.Context, sourceID string, e models.ExtractedEntity, code string, cause error) {
	metrics.MappingErrors.WithLabelValues(string(e.Type()), code).Inc()

	reason := code
	if cause != nil {
		reason = code + ": " + cause.Error()
	}

	logger.Warn("Entity not linked",
		zap.String("source_id", sourceID),
		zap.String("entity", e.Name()),
		zap.String("entity_type", string(e.Type())),
		zap.String("reason", reason),
	)

	if l.sink == nil {
		return
	}
	err := l.sink.RecordMappingError(ctx, models.MappingError{
		SourceID:   sourceID,
		EntityName: e.Name(),
		EntityType: e.Type(),
		Reason:     reason,
	})
	if err != nil {
		logger.Error("Failed to record mapping error", zap.String("entity", e.Name()), zap.Error(err))
	}
}

func mapTo(e models.ExtractedEntity, n kg.Node, score float64, method models.MatchMethod) (*models.KGMappedEntity, error) {
	m, err := models.NewKGMappedEntity(e, n.ID, n.Name, score, method)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
