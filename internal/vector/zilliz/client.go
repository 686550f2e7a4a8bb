package zilliz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/circuitbreaker"
	"github.com/emergency-agent/backend/pkg/config"
	"github.com/emergency-agent/backend/pkg/logger"
	"github.com/emergency-agent/backend/pkg/retry"
)

// Field names of the case snippet collection.
const (
	fieldChunkID   = "chunk_id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldSourceID  = "source_id"
	fieldDomain    = "domain"
	fieldTitle     = "title"
	fieldTimestamp = "timestamp"

	maxTextLength = 4096
)

var outputFields = []string{fieldChunkID, fieldText, fieldSourceID, fieldDomain, fieldTitle}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client stores case report chunks and serves them as case snippets.
type Client struct {
	client         client.Client
	embedder       Embedder
	collectionName string
	vectorDim      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

// CaseChunk is one indexed slice of a case report.
type CaseChunk struct {
	ID        string
	Embedding []float32
	Text      string
	// SourceID is the stable retrieval id returned with the snippet.
	SourceID  string
	Domain    string
	Title     string
	Timestamp time.Time
}

func NewClient(ctx context.Context, cfg config.ZillizConfig, embedder Embedder) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		embedder:       embedder,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		cb: circuitbreaker.NewCircuitBreaker("milvus", circuitbreaker.Config{
			MaxProbes:        3,
			Cooldown:         30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OnStateChange:    metrics.RecordBreakerTransition,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.load(ctx)
	}

	if err := z.client.CreateCollection(ctx, z.schema(), entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 128)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.load(ctx); err != nil {
		return err
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) load(ctx context.Context) error {
	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

func (z *Client) schema() *entity.Schema {
	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": fmt.Sprintf("%d", maxLen)},
		}
	}

	primary := varchar(fieldChunkID, 128)
	primary.PrimaryKey = true

	return &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Historical emergency response case reports",
		Fields: []*entity.Field{
			primary,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			varchar(fieldText, maxTextLength*3),
			varchar(fieldSourceID, 256),
			varchar(fieldDomain, 64),
			varchar(fieldTitle, 512),
			{Name: fieldTimestamp, DataType: entity.FieldTypeInt64},
		},
	}
}

// Insert writes chunks and flushes the collection.
func (z *Client) Insert(ctx context.Context, chunks []CaseChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	cols := columnsFor(chunks, z.vectorDim)
	if _, err := z.client.Insert(ctx, z.collectionName, "", cols...); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB", zap.Int("count", len(chunks)))
	return nil
}

// Search embeds query and returns the topK snippets of domain, best first.
// An empty domain searches the whole collection.
func (z *Client) Search(ctx context.Context, query, domain string, topK int) ([]models.CaseSnippet, error) {
	vec, err := z.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed search query: %w", err)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}
	expr := domainExpr(domain)

	var results []client.SearchResult
	err = z.cb.Execute(ctx, func() error {
		return retry.Do(ctx, z.retryConfig, func() error {
			var searchErr error
			results, searchErr = z.client.Search(
				ctx,
				z.collectionName,
				[]string{},
				expr,
				outputFields,
				[]entity.Vector{entity.FloatVector(vec)},
				fieldEmbedding,
				entity.IP,
				topK,
				sp,
			)
			return searchErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	snippets := make([]models.CaseSnippet, 0, topK)
	for _, sr := range results {
		snippets = append(snippets, snippetsFrom(sr.ResultCount, sr.Scores, sr.Fields.GetColumn)...)
	}

	logger.Info("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(snippets)),
		zap.String("filter", expr),
	)
	return snippets, nil
}

func columnsFor(chunks []CaseChunk, dim int) []entity.Column {
	chunkIDs := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	texts := make([]string, len(chunks))
	sourceIDs := make([]string, len(chunks))
	domains := make([]string, len(chunks))
	titles := make([]string, len(chunks))
	timestamps := make([]int64, len(chunks))

	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
		embeddings[i] = chunk.Embedding
		texts[i] = chunk.Text
		sourceIDs[i] = chunk.SourceID
		domains[i] = chunk.Domain
		titles[i] = chunk.Title
		timestamps[i] = chunk.Timestamp.Unix()
	}

	return []entity.Column{
		entity.NewColumnVarChar(fieldChunkID, chunkIDs),
		entity.NewColumnFloatVector(fieldEmbedding, dim, embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldSourceID, sourceIDs),
		entity.NewColumnVarChar(fieldDomain, domains),
		entity.NewColumnVarChar(fieldTitle, titles),
		entity.NewColumnInt64(fieldTimestamp, timestamps),
	}
}

// snippetsFrom reads count rows out of a search result set. Rows without a
// text value are skipped.
func snippetsFrom(count int, scores []float32, column func(name string) entity.Column) []models.CaseSnippet {
	textCol := column(fieldText)
	sourceCol := column(fieldSourceID)
	chunkCol := column(fieldChunkID)
	if textCol == nil {
		return nil
	}

	out := make([]models.CaseSnippet, 0, count)
	for i := 0; i < count; i++ {
		text := stringAt(textCol, i)
		if text == "" {
			continue
		}
		sourceID := stringAt(sourceCol, i)
		if sourceID == "" {
			sourceID = stringAt(chunkCol, i)
		}
		var score float32
		if i < len(scores) {
			score = scores[i]
		}
		out = append(out, models.CaseSnippet{Text: text, SourceID: sourceID, Score: score})
	}
	return out
}

func stringAt(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func domainExpr(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return ""
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(domain)
	return fmt.Sprintf(`%s == "%s"`, fieldDomain, escaped)
}
