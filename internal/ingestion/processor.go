// Package ingestion indexes historical case reports for case retrieval.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/metrics"
	dbmodels "github.com/emergency-agent/backend/internal/storage/models"
	"github.com/emergency-agent/backend/internal/vector/zilliz"
	"github.com/emergency-agent/backend/pkg/htmltext"
	"github.com/emergency-agent/backend/pkg/ids"
	"github.com/emergency-agent/backend/pkg/logger"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
	titleLimit          = 80
)

type BatchEmbedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type ChunkIndex interface {
	Insert(ctx context.Context, chunks []zilliz.CaseChunk) error
}

type DocumentStore interface {
	UpsertCaseDocument(ctx context.Context, doc dbmodels.CaseDocument) error
}

// Report is a case report to index. Content may be HTML or plain text.
type Report struct {
	SourceID string
	Title    string
	Content  string
	Domain   string
}

type Processor struct {
	store        DocumentStore
	index        ChunkIndex
	embedder     BatchEmbedder
	domain       string
	chunkSize    int
	chunkOverlap int
	now          func() time.Time
}

// NewProcessor builds an indexer. store may be nil; domain is used for
// reports that carry none.
func NewProcessor(store DocumentStore, index ChunkIndex, embedder BatchEmbedder, domain string) *Processor {
	return &Processor{
		store:        store,
		index:        index,
		embedder:     embedder,
		domain:       domain,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		now:          time.Now,
	}
}

// ProcessReport cleans, chunks, embeds and indexes one report and returns
// the number of chunks written. Chunk source ids are "<source>#<n>", so
// re-indexing a report overwrites the same case identities.
func (p *Processor) ProcessReport(ctx context.Context, r Report) (int, error) {
	sourceID := strings.TrimSpace(r.SourceID)
	if sourceID == "" {
		return 0, fmt.Errorf("report has no source id")
	}
	logger.Info("Processing case report", zap.String("source_id", sourceID))

	text := htmltext.Clean(r.Content)
	if text == "" {
		return 0, fmt.Errorf("no content extracted from report %s", sourceID)
	}

	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = extractTitle(r.Content, text)
	}
	domain := r.Domain
	if domain == "" {
		domain = p.domain
	}

	chunks := ChunkText(text, p.chunkSize, p.chunkOverlap)
	logger.Info("Report chunked", zap.String("source_id", sourceID), zap.Int("chunks", len(chunks)))

	embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}

	docID := generateID(sourceID)
	now := p.now()
	vectorChunks := make([]zilliz.CaseChunk, 0, len(chunks))
	for i, chunk := range chunks {
		vectorChunks = append(vectorChunks, zilliz.CaseChunk{
			ID:        fmt.Sprintf("%s_chunk_%d", docID, i),
			Embedding: embeddings[i],
			Text:      chunk,
			SourceID:  fmt.Sprintf("%s#%d", sourceID, i),
			Domain:    domain,
			Title:     title,
			Timestamp: now,
		})
	}

	if err := p.index.Insert(ctx, vectorChunks); err != nil {
		return 0, fmt.Errorf("failed to insert into vector DB: %w", err)
	}

	if p.store != nil {
		err := p.store.UpsertCaseDocument(ctx, dbmodels.CaseDocument{
			ID:         docID,
			SourceID:   sourceID,
			Title:      title,
			Domain:     domain,
			ChunkCount: len(vectorChunks),
			IndexedAt:  now,
		})
		if err != nil {
			logger.Warn("Failed to record indexed report", zap.String("source_id", sourceID), zap.Error(err))
		}
	}

	metrics.DocumentsIndexed.Inc()
	logger.Info("Case report indexed",
		zap.String("doc_id", docID),
		zap.String("source_id", sourceID),
		zap.Int("chunks", len(vectorChunks)),
	)
	return len(vectorChunks), nil
}

// ChunkText splits text into chunks of at most size runes, breaking after
// sentence terminators where possible. Consecutive chunks share up to
// overlap runes of trailing sentences.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var sentences []string
	for _, s := range splitSentences(text) {
		sentences = append(sentences, hardSplit(s, size)...)
	}
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var current []string
	currentLen := 0

	flush := func() {
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, "")))

		// Carry whole trailing sentences that fit in the overlap.
		var carried []string
		carriedLen := 0
		for i := len(current) - 1; i >= 0; i-- {
			n := runeLen(current[i])
			if carriedLen+n > overlap {
				break
			}
			carried = append([]string{current[i]}, carried...)
			carriedLen += n
		}
		current = carried
		currentLen = carriedLen
	}

	for _, s := range sentences {
		n := runeLen(s)
		if currentLen+n > size && currentLen > 0 {
			flush()
			if currentLen+n > size {
				current, currentLen = nil, 0
			}
		}
		current = append(current, s)
		currentLen += n
	}
	if currentLen > 0 {
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, "")))
	}
	return chunks
}

func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		switch r {
		case '。', '！', '？', '；', '!', '?', ';', '\n':
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func hardSplit(s string, size int) []string {
	r := []rune(s)
	if len(r) <= size {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(r); start += size {
		end := start + size
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[start:end]))
	}
	return out
}

func extractTitle(raw, text string) string {
	if htmltext.LooksLikeHTML(raw) {
		if title := htmltext.Title(raw); title != "" {
			return title
		}
	}
	r := []rune(text)
	if len(r) > titleLimit {
		return string(r[:titleLimit])
	}
	return text
}

func runeLen(s string) int {
	return len([]rune(s))
}

func generateID(input string) string {
	return ids.HashString(input)[:32]
}
