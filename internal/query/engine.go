package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emergency-agent/backend/internal/extraction"
	"github.com/emergency-agent/backend/internal/fusion"
	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/internal/retrieval"
	"github.com/emergency-agent/backend/pkg/ids"
	"github.com/emergency-agent/backend/pkg/logger"
)

// Run statuses.
const (
	StatusOK        = "ok"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type Extractor interface {
	ExtractCase(ctx context.Context, snippet models.CaseSnippet) (extraction.Result, error)
}

// Linker records its own misses; the engine only counts them.
type Linker interface {
	LinkFrom(ctx context.Context, sourceID string, e models.ExtractedEntity) (*models.KGMappedEntity, error)
}

type CaseWriter interface {
	LinkCaseToKG(ctx context.Context, c models.HistoricalCaseNode, mappings []models.KGMappedEntity) bool
}

type FusionQuery interface {
	CanonicalDisaster(ctx context.Context, disasterType string) (string, error)
	Query(ctx context.Context, disasterType string, magnitude float64, affectedArea string) ([]fusion.Row, error)
}

type Assembler interface {
	Assemble(rows []fusion.Row, snippets []models.CaseSnippet) ([]models.EquipmentRecommendation, error)
}

type RunRecorder interface {
	RecordRun(ctx context.Context, r models.RunRecord) error
}

type Config struct {
	Domain         string
	TopK           int
	MaxConcurrency int
}

// Components are the pipeline stages. Recorder may be nil.
type Components struct {
	Searcher  retrieval.Searcher
	Extractor Extractor
	Linker    Linker
	Writer    CaseWriter
	Fusion    FusionQuery
	Assembler Assembler
	Recorder  RunRecorder
}

type Engine struct {
	c   Components
	cfg Config
}

// Report describes what a run recovered from.
type Report struct {
	RunID         string
	DisasterType  string
	Snippets      int
	CasesWritten  int
	SkippedCases  int
	FailedWrites  []string
	MappingErrors []models.MappingError
	Failures      []models.StageFailure
	Status        string
	Duration      time.Duration
}

type Response struct {
	Recommendations []models.EquipmentRecommendation
	Report          Report
}

// snippetResult is the per-snippet output of the concurrent stage.
type snippetResult struct {
	snippet  models.CaseSnippet
	meta     extraction.CaseMetadata
	mappings []models.KGMappedEntity
	misses   []models.MappingError
	failures []models.StageFailure
}

func NewEngine(c Components, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.Domain == "" {
		cfg.Domain = "case"
	}
	return &Engine{c: c, cfg: cfg}
}

// RecommendEquipment runs search, extraction and linking, case writes,
// fusion and assembly for one disaster profile. Retrieval, extraction,
// linking and write failures are recovered and reported; a fusion or
// assembly failure fails the request. Writes committed before a
// cancellation stay committed.
func (e *Engine) RecommendEquipment(ctx context.Context, disasterType string, magnitude float64, affectedArea string) (*Response, error) {
	start := time.Now()
	report := Report{RunID: uuid.New().String()}

	disasterType = strings.TrimSpace(disasterType)
	if disasterType == "" {
		return nil, fmt.Errorf("%w: disaster type is required", models.ErrInvalidRequest)
	}
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) || magnitude < 0 {
		return nil, fmt.Errorf("%w: magnitude %v", models.ErrInvalidRequest, magnitude)
	}

	logger.Info("Processing recommendation request",
		zap.String("run_id", report.RunID),
		zap.String("disaster_type", disasterType),
		zap.Float64("magnitude", magnitude),
		zap.String("affected_area", affectedArea),
	)

	finish := func(recs []models.EquipmentRecommendation, err error) (*Response, error) {
		report.Duration = time.Since(start)
		report.Status = statusFor(report, err)
		metrics.RecommendationRuns.WithLabelValues(report.Status).Inc()
		e.recordRun(ctx, report, magnitude, affectedArea, len(recs), err)
		if err != nil {
			return nil, err
		}
		return &Response{Recommendations: recs, Report: report}, nil
	}

	canonical, err := e.c.Fusion.CanonicalDisaster(ctx, disasterType)
	if err != nil {
		report.DisasterType = disasterType
		return finish(nil, err)
	}
	report.DisasterType = canonical

	snippets := e.retrieve(ctx, &report, canonical, magnitude, affectedArea)
	report.Snippets = len(snippets)

	stageStart := time.Now()
	results := e.extractAndLink(ctx, snippets)
	metrics.PipelineDuration.WithLabelValues("extract_link").Observe(time.Since(stageStart).Seconds())
	for _, r := range results {
		report.MappingErrors = append(report.MappingErrors, r.misses...)
		report.Failures = append(report.Failures, r.failures...)
	}

	if err := ctx.Err(); err != nil {
		return finish(nil, err)
	}

	stageStart = time.Now()
	e.writeCases(ctx, &report, results)
	metrics.PipelineDuration.WithLabelValues("write").Observe(time.Since(stageStart).Seconds())

	if err := ctx.Err(); err != nil {
		return finish(nil, err)
	}

	stageStart = time.Now()
	rows, err := e.c.Fusion.Query(ctx, canonical, magnitude, affectedArea)
	metrics.PipelineDuration.WithLabelValues("fusion").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		return finish(nil, err)
	}

	recs, err := e.c.Assembler.Assemble(rows, snippets)
	if err != nil {
		return finish(nil, err)
	}

	logger.Info("Recommendation request completed",
		zap.String("run_id", report.RunID),
		zap.Int("recommendations", len(recs)),
		zap.Int("cases_written", report.CasesWritten),
		zap.Int("failed_writes", len(report.FailedWrites)),
		zap.Int("mapping_errors", len(report.MappingErrors)),
	)
	return finish(recs, nil)
}

func (e *Engine) retrieve(ctx context.Context, report *Report, disasterType string, magnitude float64, affectedArea string) []models.CaseSnippet {
	if e.c.Searcher == nil {
		return nil
	}

	stageStart := time.Now()
	q := retrieval.BuildQuery(disasterType, magnitude, affectedArea)
	snippets, err := e.c.Searcher.Search(ctx, q, e.cfg.Domain, e.cfg.TopK)
	metrics.PipelineDuration.WithLabelValues("retrieval").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		logger.Warn("Case retrieval failed, continuing with regulations only",
			zap.String("run_id", report.RunID),
			zap.Error(err),
		)
		report.Failures = append(report.Failures, models.StageFailure{Stage: models.StageRetrieval, Err: err})
		return nil
	}

	metrics.RetrievalResultsCount.Observe(float64(len(snippets)))
	return snippets
}

// extractAndLink processes snippets concurrently. Results keep snippet order.
func (e *Engine) extractAndLink(ctx context.Context, snippets []models.CaseSnippet) []snippetResult {
	results := make([]snippetResult, len(snippets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, s := range snippets {
		g.Go(func() error {
			results[i] = e.processSnippet(gctx, s)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) processSnippet(ctx context.Context, s models.CaseSnippet) snippetResult {
	res := snippetResult{snippet: s}

	extracted, err := e.c.Extractor.ExtractCase(ctx, s)
	if err != nil {
		metrics.SnippetsProcessed.WithLabelValues("extraction_failed").Inc()
		res.failures = append(res.failures, models.StageFailure{SourceID: s.SourceID, Stage: models.StageExtraction, Err: err})
		return res
	}
	res.meta = extracted.Case

	for _, ent := range extracted.Entities {
		mapped, err := e.c.Linker.LinkFrom(ctx, s.SourceID, ent)
		switch {
		case err != nil:
			res.failures = append(res.failures, models.StageFailure{
				SourceID: s.SourceID,
				Stage:    models.StageLinking,
				Subject:  ent.Name(),
				Err:      err,
			})
			res.misses = append(res.misses, models.MappingError{
				SourceID:   s.SourceID,
				EntityName: ent.Name(),
				EntityType: ent.Type(),
				Reason:     err.Error(),
			})
		case mapped == nil:
			res.misses = append(res.misses, models.MappingError{
				SourceID:   s.SourceID,
				EntityName: ent.Name(),
				EntityType: ent.Type(),
				Reason:     models.ErrLinkMiss.Error(),
			})
		default:
			res.mappings = append(res.mappings, *mapped)
		}
	}

	metrics.SnippetsProcessed.WithLabelValues("ok").Inc()
	return res
}

// writeCases commits one transaction per case, in snippet order. It stops
// at cancellation; earlier commits stay. A case whose disaster type cannot
// be determined is skipped.
func (e *Engine) writeCases(ctx context.Context, report *Report, results []snippetResult) {
	for _, r := range results {
		if ctx.Err() != nil {
			return
		}
		if len(r.mappings) == 0 {
			report.SkippedCases++
			continue
		}

		disaster, err := e.caseDisaster(ctx, r)
		if err != nil {
			report.Failures = append(report.Failures, models.StageFailure{
				SourceID: r.snippet.SourceID,
				Stage:    models.StageWrite,
				Err:      err,
			})
			continue
		}
		if disaster == "" {
			logger.Warn("Case has no disaster type, skipping write",
				zap.String("run_id", report.RunID),
				zap.String("source_id", r.snippet.SourceID),
			)
			report.SkippedCases++
			continue
		}

		c := caseNode(r, disaster)
		if e.c.Writer.LinkCaseToKG(ctx, c, r.mappings) {
			report.CasesWritten++
			continue
		}
		report.FailedWrites = append(report.FailedWrites, c.CaseID)
		report.Failures = append(report.Failures, models.StageFailure{
			SourceID: r.snippet.SourceID,
			Stage:    models.StageWrite,
			Subject:  c.CaseID,
			Err:      models.ErrWriteFailed,
		})
	}
}

// caseDisaster names the disaster the case itself reports: the linked
// Disaster node, else the extracted case metadata resolved to its
// canonical node name. The request's disaster is never used, so a case
// converges to the same state whichever run ingests it.
func (e *Engine) caseDisaster(ctx context.Context, r snippetResult) (string, error) {
	for _, m := range r.mappings {
		if m.Entity().Type() == models.EntityDisaster {
			return m.NodeName(), nil
		}
	}
	if r.meta.DisasterType == "" {
		return "", nil
	}
	return e.c.Fusion.CanonicalDisaster(ctx, r.meta.DisasterType)
}

// caseNode derives the case identity from the snippet.
func caseNode(r snippetResult, disasterType string) models.HistoricalCaseNode {
	caseID, chunkRef := ids.CaseID(r.snippet.SourceID, r.snippet.Text)
	c := models.HistoricalCaseNode{
		CaseID:       caseID,
		DisasterType: disasterType,
		Location:     r.meta.Location,
		Date:         r.meta.OccurredAt,
		RagChunkID:   chunkRef,
		Casualties:   r.meta.Casualties,
	}
	if c.Location == "" {
		for _, m := range r.mappings {
			if m.Entity().Type() == models.EntityLocation {
				c.Location = m.NodeName()
				break
			}
		}
	}
	return c
}

func (e *Engine) recordRun(ctx context.Context, report Report, magnitude float64, affectedArea string, recommendations int, runErr error) {
	if e.c.Recorder == nil {
		return
	}

	var extractionFailures int
	for _, f := range report.Failures {
		if f.Stage == models.StageExtraction {
			extractionFailures++
		}
	}

	rec := models.RunRecord{
		RunID:              report.RunID,
		DisasterType:       report.DisasterType,
		Magnitude:          magnitude,
		AffectedArea:       affectedArea,
		Snippets:           report.Snippets,
		CasesWritten:       report.CasesWritten,
		FailedWrites:       len(report.FailedWrites),
		MappingErrors:      len(report.MappingErrors),
		ExtractionFailures: extractionFailures,
		Recommendations:    recommendations,
		Status:             report.Status,
		StartedAt:          time.Now().Add(-report.Duration),
		Duration:           report.Duration,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}

	if err := e.c.Recorder.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error("Failed to record recommendation run", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

func statusFor(report Report, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCancelled
	case err != nil:
		return StatusFailed
	case len(report.Failures) > 0 || len(report.MappingErrors) > 0:
		return StatusPartial
	}
	return StatusOK
}
