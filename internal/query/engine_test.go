package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergency-agent/backend/internal/assembly"
	"github.com/emergency-agent/backend/internal/extraction"
	"github.com/emergency-agent/backend/internal/fusion"
	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/kg/builder"
	"github.com/emergency-agent/backend/internal/kg/memory"
	"github.com/emergency-agent/backend/internal/linking"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/internal/retrieval"
	"github.com/emergency-agent/backend/pkg/ids"
)

// scriptedCompleter answers with the response whose marker appears in the prompt.
type scriptedCompleter struct {
	responses map[string]string
}

func (s scriptedCompleter) ExtractStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	for marker, resp := range s.responses {
		if strings.Contains(userPrompt, marker) {
			return resp, nil
		}
	}
	return `{"entities": []}`, nil
}

type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, query, domain string, topK int) ([]models.CaseSnippet, error) {
	return nil, errors.New("milvus: collection not loaded")
}

type recorder struct {
	mu   sync.Mutex
	runs []models.RunRecord
}

func (r *recorder) RecordRun(ctx context.Context, rec models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return nil
}

type brokenFusion struct{}

func (brokenFusion) CanonicalDisaster(ctx context.Context, disasterType string) (string, error) {
	return disasterType, nil
}

func (brokenFusion) Query(ctx context.Context, disasterType string, magnitude float64, affectedArea string) ([]fusion.Row, error) {
	return nil, fmt.Errorf("%w: connection refused", models.ErrGraphUnavailable)
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "disaster-earthquake", Kind: kg.KindDisaster, Name: "地震", Aliases: []string{"earthquake"}}))
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "eq-life-detector", Kind: kg.KindEquipment, Name: "生命探测仪"}))
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "eq-rescue-tent", Kind: kg.KindEquipment, Name: "救灾帐篷"}))
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "loc-wenchuan", Kind: kg.KindLocation, Name: "汶川"}))
	require.NoError(t, s.UpsertRequirement(ctx, kg.Requirement{DisasterName: "地震", EquipmentID: "eq-life-detector", Quantity: 15, MinMagnitude: 7, Source: "GB/T 4.2"}))
	require.NoError(t, s.UpsertRequirement(ctx, kg.Requirement{DisasterName: "地震", EquipmentID: "eq-rescue-tent", Quantity: 200, MinMagnitude: 5, Source: "GB/T 3.2"}))
	return s
}

func detectorResponse(qty int) string {
	return fmt.Sprintf(`{
		"entities": [
			{"type": "Disaster", "name": "地震", "confidence": 0.95},
			{"type": "Equipment", "name": "探测仪", "context": "投入探测仪%d台", "quantity": %d, "confidence": 0.9},
			{"type": "Location", "name": "汶川", "confidence": 0.8}
		],
		"case": {"disaster_type": "地震", "occurred_at": "2008-05-12"}
	}`, qty, qty)
}

func caseSnippets() []models.CaseSnippet {
	return []models.CaseSnippet{
		{SourceID: "report-a", Text: "案例A: 地震救援投入生命探测仪18台", Score: 0.9},
		{SourceID: "report-b", Text: "案例B: 地震救援投入生命探测仪20台", Score: 0.8},
		{SourceID: "report-c", Text: "案例C: 地震救援投入生命探测仪22台", Score: 0.7},
	}
}

type fixture struct {
	store    *memory.Store
	recorder *recorder
	engine   *Engine
}

func newFixture(t *testing.T, searcher retrieval.Searcher, responses map[string]string) fixture {
	t.Helper()
	store := seededStore(t)
	rec := &recorder{}
	engine := NewEngine(Components{
		Searcher:  searcher,
		Extractor: extraction.NewExtractor(scriptedCompleter{responses: responses}, nil, time.Second),
		Linker:    linking.NewLinker(store, nil, nil, linking.Config{}),
		Writer:    builder.NewBuilder(store, nil, time.Second),
		Fusion:    fusion.NewQuery(store),
		Assembler: assembly.NewAssembler(5),
		Recorder:  rec,
	}, Config{MaxConcurrency: 2})
	return fixture{store: store, recorder: rec, engine: engine}
}

func defaultResponses() map[string]string {
	return map[string]string{
		"案例A": detectorResponse(18),
		"案例B": detectorResponse(20),
		"案例C": detectorResponse(22),
	}
}

func recommendationFor(t *testing.T, recs []models.EquipmentRecommendation, id string) models.EquipmentRecommendation {
	t.Helper()
	for _, r := range recs {
		if r.EquipmentID() == id {
			return r
		}
	}
	t.Fatalf("no recommendation for %s", id)
	return models.EquipmentRecommendation{}
}

func TestRecommendEquipment_CaseValidatedHighConfidence(t *testing.T) {
	f := newFixture(t, retrieval.Static{Snippets: caseSnippets()}, defaultResponses())

	resp, err := f.engine.RecommendEquipment(context.Background(), "地震", 7.8, "汶川县")
	require.NoError(t, err)

	detector := recommendationFor(t, resp.Recommendations, "eq-life-detector")
	assert.Equal(t, 20, detector.RecommendedQuantity())
	assert.Equal(t, 3, detector.ValidatedByCases())
	assert.Equal(t, models.ConfidenceHigh, detector.ConfidenceLevel())
	require.Len(t, detector.Cases(), 3)
	for _, c := range detector.Cases() {
		assert.NotEmpty(t, c.SourceText)
		assert.Equal(t, "汶川", c.Location)
		assert.Equal(t, "2008-05-12", c.Date)
	}

	tent := recommendationFor(t, resp.Recommendations, "eq-rescue-tent")
	assert.Equal(t, 200, tent.RecommendedQuantity())
	assert.Equal(t, models.ConfidenceLow, tent.ConfidenceLevel())

	assert.Equal(t, "eq-rescue-tent", resp.Recommendations[0].EquipmentID())
	assert.Equal(t, 3, resp.Report.CasesWritten)
	assert.Equal(t, StatusOK, resp.Report.Status)
	assert.Equal(t, 3, f.store.CaseCount())

	require.Len(t, f.recorder.runs, 1)
	assert.Equal(t, StatusOK, f.recorder.runs[0].Status)
	assert.Equal(t, 2, f.recorder.runs[0].Recommendations)
}

func TestRecommendEquipment_RerunIsIdempotent(t *testing.T) {
	f := newFixture(t, retrieval.Static{Snippets: caseSnippets()}, defaultResponses())

	first, err := f.engine.RecommendEquipment(context.Background(), "地震", 7.8, "")
	require.NoError(t, err)
	second, err := f.engine.RecommendEquipment(context.Background(), "地震", 7.8, "")
	require.NoError(t, err)

	assert.Equal(t, 3, f.store.CaseCount())
	assert.Equal(t, 3, f.store.ValidationCount())
	assert.Equal(t, first.Recommendations, second.Recommendations)
}

func TestRecommendEquipment_AliasDisasterType(t *testing.T) {
	f := newFixture(t, retrieval.Static{Snippets: caseSnippets()}, defaultResponses())

	resp, err := f.engine.RecommendEquipment(context.Background(), "earthquake", 7.8, "")
	require.NoError(t, err)
	assert.Equal(t, "地震", resp.Report.DisasterType)
	assert.Equal(t, models.ConfidenceHigh, recommendationFor(t, resp.Recommendations, "eq-life-detector").ConfidenceLevel())
}

func TestRecommendEquipment_RetrievalFailureIsRegulationOnly(t *testing.T) {
	f := newFixture(t, failingSearcher{}, nil)

	resp, err := f.engine.RecommendEquipment(context.Background(), "地震", 7.8, "")
	require.NoError(t, err)

	detector := recommendationFor(t, resp.Recommendations, "eq-life-detector")
	assert.Equal(t, 15, detector.RecommendedQuantity())
	assert.Equal(t, models.ConfidenceLow, detector.ConfidenceLevel())
	assert.Equal(t, StatusPartial, resp.Report.Status)
	require.Len(t, resp.Report.Failures, 1)
	assert.Equal(t, models.StageRetrieval, resp.Report.Failures[0].Stage)
}

func TestRecommendEquipment_MalformedSnippetIsSkipped(t *testing.T) {
	responses := defaultResponses()
	responses["案例C"] = "not json"
	f := newFixture(t, retrieval.Static{Snippets: caseSnippets()}, responses)

	resp, err := f.engine.RecommendEquipment(context.Background(), "地震", 7.8, "")
	require.NoError(t, err)

	detector := recommendationFor(t, resp.Recommendations, "eq-life-detector")
	assert.Equal(t, 2, detector.ValidatedByCases())
	assert.Equal(t, 19, detector.RecommendedQuantity())
	assert.Equal(t, models.ConfidenceMedium, detector.ConfidenceLevel())
	assert.Equal(t, 2, resp.Report.CasesWritten)
	assert.Equal(t, 1, resp.Report.SkippedCases)

	require.Len(t, resp.Report.Failures, 1)
	assert.Equal(t, "report-c", resp.Report.Failures[0].SourceID)
	assert.ErrorIs(t, resp.Report.Failures[0].Err, models.ErrMalformedExtraction)
	assert.Equal(t, 1, f.recorder.runs[0].ExtractionFailures)
}

func TestRecommendEquipment_UnlinkedEntitiesAreReported(t *testing.T) {
	responses := defaultResponses()
	responses["案例D"] = `{"entities": [{"type": "Equipment", "name": "无人机", "quantity": 4, "confidence": 0.9}]}`
	snippets := append(caseSnippets(), models.CaseSnippet{SourceID: "report-d", Text: "案例D: 无人机4架"})
	f := newFixture(t, retrieval.Static{Snippets: snippets}, responses)

	resp, err := f.engine.RecommendEquipment(context.Background(), "地震", 7.8, "")
	require.NoError(t, err)

	require.Len(t, resp.Report.MappingErrors, 1)
	assert.Equal(t, "无人机", resp.Report.MappingErrors[0].EntityName)
	assert.Equal(t, 1, resp.Report.SkippedCases)
	assert.Equal(t, 3, resp.Report.CasesWritten)
	assert.Equal(t, StatusPartial, resp.Report.Status)
}

func TestRecommendEquipment_FusionFailureIsFatal(t *testing.T) {
	store := seededStore(t)
	rec := &recorder{}
	engine := NewEngine(Components{
		Searcher:  retrieval.Static{},
		Extractor: extraction.NewExtractor(scriptedCompleter{}, nil, time.Second),
		Linker:    linking.NewLinker(store, nil, nil, linking.Config{}),
		Writer:    builder.NewBuilder(store, nil, time.Second),
		Fusion:    brokenFusion{},
		Assembler: assembly.NewAssembler(5),
		Recorder:  rec,
	}, Config{})

	resp, err := engine.RecommendEquipment(context.Background(), "地震", 7.8, "")
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, models.ErrGraphUnavailable)
	require.Len(t, rec.runs, 1)
	assert.Equal(t, StatusFailed, rec.runs[0].Status)
	assert.NotEmpty(t, rec.runs[0].Error)
}

func TestRecommendEquipment_InvalidRequest(t *testing.T) {
	f := newFixture(t, retrieval.Static{}, nil)

	_, err := f.engine.RecommendEquipment(context.Background(), " ", 7, "")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = f.engine.RecommendEquipment(context.Background(), "地震", -1, "")
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestRecommendEquipment_CancelledBeforeWrites(t *testing.T) {
	f := newFixture(t, retrieval.Static{Snippets: caseSnippets()}, defaultResponses())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.RecommendEquipment(ctx, "地震", 7.8, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.store.CaseCount())
	require.Len(t, f.recorder.runs, 1)
	assert.Equal(t, StatusCancelled, f.recorder.runs[0].Status)
}

func TestRecommendEquipment_CaseKeepsItsOwnDisaster(t *testing.T) {
	ctx := context.Background()
	snippet := models.CaseSnippet{SourceID: "report-flood", Text: "案例F: 洪水救援投入生命探测仪50台"}
	f := newFixture(t, retrieval.Static{Snippets: []models.CaseSnippet{snippet}}, map[string]string{
		"案例F": `{
			"entities": [{"type": "Equipment", "name": "生命探测仪", "quantity": 50, "confidence": 0.9}],
			"case": {"disaster_type": "洪水"}
		}`,
	})
	require.NoError(t, f.store.UpsertNode(ctx, kg.Node{ID: "disaster-flood", Kind: kg.KindDisaster, Name: "洪涝", Aliases: []string{"洪水"}}))
	require.NoError(t, f.store.UpsertRequirement(ctx, kg.Requirement{DisasterName: "洪涝", EquipmentID: "eq-life-detector", Quantity: 10, MinMagnitude: 0, Source: "GB/T 7.1"}))
	caseID, _ := ids.CaseID(snippet.SourceID, snippet.Text)

	quake, err := f.engine.RecommendEquipment(ctx, "地震", 7.8, "")
	require.NoError(t, err)
	detector := recommendationFor(t, quake.Recommendations, "eq-life-detector")
	assert.Equal(t, 0, detector.ValidatedByCases())
	assert.Equal(t, 15, detector.RecommendedQuantity())
	assert.Equal(t, models.ConfidenceLow, detector.ConfidenceLevel())

	stored, _, _, ok := f.store.Case(caseID)
	require.True(t, ok)
	assert.Equal(t, "洪涝", stored.DisasterType)

	flood, err := f.engine.RecommendEquipment(ctx, "洪涝", 1, "")
	require.NoError(t, err)
	detector = recommendationFor(t, flood.Recommendations, "eq-life-detector")
	assert.Equal(t, 1, detector.ValidatedByCases())
	assert.Equal(t, 50, detector.RecommendedQuantity())
	assert.Equal(t, models.ConfidenceMedium, detector.ConfidenceLevel())

	stored, _, _, ok = f.store.Case(caseID)
	require.True(t, ok)
	assert.Equal(t, "洪涝", stored.DisasterType)
	assert.Equal(t, 1, f.store.CaseCount())
}

func TestRecommendEquipment_CaseWithoutDisasterIsSkipped(t *testing.T) {
	snippet := models.CaseSnippet{SourceID: "report-x", Text: "案例X: 投入生命探测仪9台"}
	f := newFixture(t, retrieval.Static{Snippets: []models.CaseSnippet{snippet}}, map[string]string{
		"案例X": `{"entities": [{"type": "Equipment", "name": "生命探测仪", "quantity": 9, "confidence": 0.9}]}`,
	})

	resp, err := f.engine.RecommendEquipment(context.Background(), "地震", 7.8, "")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Report.CasesWritten)
	assert.Equal(t, 1, resp.Report.SkippedCases)
	assert.Equal(t, 0, f.store.CaseCount())
	assert.Equal(t, 15, recommendationFor(t, resp.Recommendations, "eq-life-detector").RecommendedQuantity())
}

func TestCaseNode(t *testing.T) {
	e, err := models.NewExtractedEntity(models.EntityLocation, "汶川县", "", nil, 0.9)
	require.NoError(t, err)
	loc, err := models.NewKGMappedEntity(e, "loc-wenchuan", "汶川", 0.9, models.MatchFuzzy)
	require.NoError(t, err)

	r := snippetResult{
		snippet:  models.CaseSnippet{Text: "无来源的案例文本"},
		mappings: []models.KGMappedEntity{loc},
	}
	c := caseNode(r, "地震")
	assert.Equal(t, "地震", c.DisasterType)
	assert.Equal(t, "汶川", c.Location)
	assert.True(t, strings.HasPrefix(c.RagChunkID, "content:"))

	again := caseNode(r, "地震")
	assert.Equal(t, c.CaseID, again.CaseID)
}

func TestCaseDisaster(t *testing.T) {
	store := seededStore(t)
	e := NewEngine(Components{Fusion: fusion.NewQuery(store)}, Config{})

	quake, err := models.NewExtractedEntity(models.EntityDisaster, "大地震", "", nil, 0.9)
	require.NoError(t, err)
	mapped, err := models.NewKGMappedEntity(quake, "disaster-earthquake", "地震", 0.9, models.MatchFuzzy)
	require.NoError(t, err)

	got, err := e.caseDisaster(context.Background(), snippetResult{
		meta:     extraction.CaseMetadata{DisasterType: "洪水"},
		mappings: []models.KGMappedEntity{mapped},
	})
	require.NoError(t, err)
	assert.Equal(t, "地震", got)

	got, err = e.caseDisaster(context.Background(), snippetResult{meta: extraction.CaseMetadata{DisasterType: "earthquake"}})
	require.NoError(t, err)
	assert.Equal(t, "地震", got)

	got, err = e.caseDisaster(context.Background(), snippetResult{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
