// Package app wires the recommendation pipeline from configuration. Both
// the HTTP server and the CLI build their components here.
package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/assembly"
	"github.com/emergency-agent/backend/internal/cache/redis"
	"github.com/emergency-agent/backend/internal/extraction"
	"github.com/emergency-agent/backend/internal/fusion"
	"github.com/emergency-agent/backend/internal/ingestion"
	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/kg/builder"
	"github.com/emergency-agent/backend/internal/kg/memory"
	"github.com/emergency-agent/backend/internal/kg/neo4j"
	"github.com/emergency-agent/backend/internal/kg/seed"
	"github.com/emergency-agent/backend/internal/linking"
	"github.com/emergency-agent/backend/internal/llm"
	"github.com/emergency-agent/backend/internal/query"
	"github.com/emergency-agent/backend/internal/retrieval"
	"github.com/emergency-agent/backend/internal/storage/sqlite"
	"github.com/emergency-agent/backend/internal/vector/zilliz"
	"github.com/emergency-agent/backend/pkg/config"
	"github.com/emergency-agent/backend/pkg/logger"
)

// MemoryGraphURI selects the in-process graph store instead of Neo4j.
const MemoryGraphURI = "memory://"

type App struct {
	Config   *config.Config
	Audit    *sqlite.Client
	Graph    kg.Store
	LLM      *llm.Client
	Embedder llm.Embedder
	// Cache is nil unless redis is enabled and reachable.
	Cache *redis.Client
	// Vector and Indexer are nil when the vector index is disabled.
	Vector  *zilliz.Client
	Indexer *ingestion.Processor
	Engine  *query.Engine

	closers []func()
}

// Option adjusts the wiring before the engine is built.
type Option func(*options)

type options struct {
	searcher retrieval.Searcher
}

// WithSearcher replaces the vector index as the case snippet source.
func WithSearcher(s retrieval.Searcher) Option {
	return func(o *options) { o.searcher = s }
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	if err := a.init(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, o options) error {
	cfg := a.Config

	audit, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("failed to create SQLite client: %w", err)
	}
	a.closers = append(a.closers, func() { _ = audit.Close() })
	if err := audit.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	a.Audit = audit

	if a.InMemoryGraph() {
		logger.Warn("Using in-memory graph store; case evidence is lost on exit")
		a.Graph = memory.NewStore()
	} else {
		graph, err := neo4j.NewClient(cfg.Neo4j, cfg.Timeouts)
		if err != nil {
			return fmt.Errorf("failed to create Neo4j client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = graph.Close(context.Background()) })
		graph.EnsureSchema(ctx)
		a.Graph = graph
	}

	a.LLM = llm.NewClient(cfg.LLM, cfg.Timeouts)
	a.Embedder = a.LLM
	if cfg.Redis.Enabled {
		cache, err := redis.NewClient(cfg.Redis)
		if err != nil {
			logger.Warn("Embedding cache unavailable, continuing without it", zap.Error(err))
		} else {
			a.closers = append(a.closers, func() { _ = cache.Close() })
			a.Cache = cache
			a.Embedder = llm.NewCachedEmbedder(a.LLM, cache, cfg.LLM.EmbeddingModel)
		}
	}

	if cfg.Zilliz.Enabled {
		vec, err := zilliz.NewClient(ctx, cfg.Zilliz, a.Embedder)
		if err != nil {
			return fmt.Errorf("failed to create Zilliz client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = vec.Close() })
		if err := vec.CreateCollection(ctx); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		a.Vector = vec
		a.Indexer = ingestion.NewProcessor(audit, vec, a.LLM, cfg.Pipeline.RetrievalDomain)
	}

	components := query.Components{
		Extractor: extraction.NewExtractor(a.LLM, audit, cfg.Timeouts.LLMTimeout()),
		Linker: linking.NewLinker(a.Graph, a.Embedder, audit, linking.Config{
			FuzzyRatio:        cfg.Linking.FuzzyRatio,
			SemanticThreshold: cfg.Linking.SemanticThreshold,
		}),
		Writer:    builder.NewBuilder(a.Graph, audit, cfg.Timeouts.GraphWriteTimeout()),
		Fusion:    fusion.NewQuery(a.Graph),
		Assembler: assembly.NewAssembler(cfg.Pipeline.MaxCasesInEvidence),
		Recorder:  audit,
	}
	switch {
	case o.searcher != nil:
		components.Searcher = o.searcher
	case a.Vector != nil:
		components.Searcher = a.Vector
	default:
		logger.Warn("No case retrieval configured; recommendations are regulation-only")
	}

	a.Engine = query.NewEngine(components, query.Config{
		Domain:         cfg.Pipeline.RetrievalDomain,
		TopK:           cfg.Pipeline.TopK,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
	})
	return nil
}

// InMemoryGraph reports whether the graph lives only as long as the process.
func (a *App) InMemoryGraph() bool {
	return strings.HasPrefix(a.Config.Neo4j.URI, MemoryGraphURI)
}

// Seed loads the regulatory graph from path, or from the configured seed
// file when path is empty.
func (a *App) Seed(ctx context.Context, path string) error {
	if path == "" {
		path = a.Config.Seed.Path
	}
	regs, err := seed.LoadFile(path)
	if err != nil {
		return err
	}
	return seed.Apply(ctx, a.Graph, regs)
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
