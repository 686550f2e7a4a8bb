// Package extraction turns case snippets into typed entities with one
// JSON-mode LLM call per snippet.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/htmltext"
	"github.com/emergency-agent/backend/pkg/logger"
)

// MaxSnippetRunes bounds the text sent to the model.
const MaxSnippetRunes = 6000

// rawResponseLimit bounds the audit copy of a rejected response.
const rawResponseLimit = 4000

// Failure reasons.
const (
	ReasonMalformed = "malformed"
	ReasonTimeout   = "timeout"
	ReasonLLMError  = "llm_error"
)

type StructuredCompleter interface {
	ExtractStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// FailureSink receives discarded extractions for audit.
type FailureSink interface {
	RecordExtractionFailure(ctx context.Context, f models.ExtractionFailure) error
}

// CaseMetadata is the optional case description returned alongside entities.
type CaseMetadata struct {
	DisasterType string
	Location     string
	// OccurredAt is YYYY-MM-DD or "".
	OccurredAt string
	Casualties *int
}

type Result struct {
	Entities []models.ExtractedEntity
	Case     CaseMetadata
}

type rawEntity struct {
	Type       string   `json:"type" validate:"required,oneof=Disaster Equipment Location Unit"`
	Name       string   `json:"name" validate:"required"`
	Context    string   `json:"context"`
	Quantity   *int     `json:"quantity" validate:"omitempty,gte=0"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
}

type rawCase struct {
	DisasterType string `json:"disaster_type"`
	Location     string `json:"location"`
	OccurredAt   string `json:"occurred_at"`
	Casualties   *int   `json:"casualties" validate:"omitempty,gte=0"`
}

type rawOutput struct {
	Entities []rawEntity `json:"entities" validate:"dive"`
	Case     *rawCase    `json:"case"`
}

type Extractor struct {
	completer StructuredCompleter
	sink      FailureSink
	timeout   time.Duration
	validate  *validator.Validate
}

// NewExtractor builds an extractor. sink may be nil; timeout <= 0 leaves the
// deadline to the caller.
func NewExtractor(completer StructuredCompleter, sink FailureSink, timeout time.Duration) *Extractor {
	return &Extractor{
		completer: completer,
		sink:      sink,
		timeout:   timeout,
		validate:  validator.New(),
	}
}

// Extract returns the entities in snippet, or an empty slice when the model
// output could not be trusted. It never fails.
func (x *Extractor) Extract(ctx context.Context, snippet models.CaseSnippet) []models.ExtractedEntity {
	res, _ := x.ExtractCase(ctx, snippet)
	return res.Entities
}

// ExtractCase returns entities plus case metadata. On failure the result is
// empty and the failure has already been logged and audited. Rejected output
// wraps ErrMalformedExtraction; a call over its deadline wraps ErrExtractionTimeout.
func (x *Extractor) ExtractCase(ctx context.Context, snippet models.CaseSnippet) (Result, error) {
	text := htmltext.Clean(snippet.Text)
	if text == "" {
		return Result{Entities: []models.ExtractedEntity{}}, nil
	}
	if r := []rune(text); len(r) > MaxSnippetRunes {
		text = string(r[:MaxSnippetRunes])
	}

	callCtx := ctx
	if x.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	raw, err := x.completer.ExtractStructured(callCtx, systemPrompt, userPrompt(text))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return x.fail(ctx, snippet, ReasonTimeout, "", fmt.Errorf("%w: %v", models.ErrExtractionTimeout, err))
		}
		return x.fail(ctx, snippet, ReasonLLMError, "", fmt.Errorf("extraction call failed: %w", err))
	}

	res, err := x.parse(raw)
	if err != nil {
		return x.fail(ctx, snippet, ReasonMalformed, raw, err)
	}

	for _, e := range res.Entities {
		metrics.EntitiesExtracted.WithLabelValues(string(e.Type())).Inc()
	}
	logger.Debug("Entities extracted",
		zap.String("source_id", snippet.SourceID),
		zap.Int("count", len(res.Entities)),
	)
	return res, nil
}

// parse decodes and validates the whole response. One bad entity rejects
// the response.
func (x *Extractor) parse(raw string) (Result, error) {
	var out rawOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrMalformedExtraction, err)
	}
	if out.Entities == nil {
		return Result{}, fmt.Errorf("%w: missing entities array", models.ErrMalformedExtraction)
	}
	if err := x.validate.Struct(out); err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrMalformedExtraction, err)
	}

	entities := make([]models.ExtractedEntity, 0, len(out.Entities))
	for i, re := range out.Entities {
		typ, err := models.ParseEntityType(re.Type)
		if err != nil {
			return Result{}, fmt.Errorf("%w: entity %d: %v", models.ErrMalformedExtraction, i, err)
		}
		e, err := models.NewExtractedEntity(typ, re.Name, re.Context, re.Quantity, *re.Confidence)
		if err != nil {
			return Result{}, fmt.Errorf("%w: entity %d: %v", models.ErrMalformedExtraction, i, err)
		}
		entities = append(entities, e)
	}

	res := Result{Entities: entities}
	if out.Case != nil {
		res.Case = CaseMetadata{
			DisasterType: strings.TrimSpace(out.Case.DisasterType),
			Location:     strings.TrimSpace(out.Case.Location),
			OccurredAt:   models.NormalizeDate(out.Case.OccurredAt),
			Casualties:   out.Case.Casualties,
		}
	}
	return res, nil
}

func (x *Extractor) fail(ctx context.Context, snippet models.CaseSnippet, reason, raw string, err error) (Result, error) {
	metrics.ExtractionFailures.WithLabelValues(reason).Inc()
	logger.Warn("Extraction discarded",
		zap.String("source_id", snippet.SourceID),
		zap.String("reason", reason),
		zap.String("raw_response", truncate(raw, rawResponseLimit)),
		zap.Error(err),
	)

	if x.sink != nil {
		auditErr := x.sink.RecordExtractionFailure(ctx, models.ExtractionFailure{
			SourceID:    snippet.SourceID,
			Reason:      reason + ": " + err.Error(),
			RawResponse: truncate(raw, rawResponseLimit),
		})
		if auditErr != nil {
			logger.Error("Failed to record extraction failure", zap.String("source_id", snippet.SourceID), zap.Error(auditErr))
		}
	}
	return Result{Entities: []models.ExtractedEntity{}}, err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
