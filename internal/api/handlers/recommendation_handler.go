package handlers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/internal/query"
	"github.com/emergency-agent/backend/pkg/logger"
)

type Recommender interface {
	RecommendEquipment(ctx context.Context, disasterType string, magnitude float64, affectedArea string) (*query.Response, error)
}

type RecommendationHandler struct {
	engine   Recommender
	validate *validator.Validate
}

type recommendationRequest struct {
	DisasterType string   `json:"disaster_type" validate:"required,max=64"`
	Magnitude    *float64 `json:"magnitude" validate:"required,gte=0,lte=12"`
	AffectedArea string   `json:"affected_area" validate:"max=256"`
}

type reportBody struct {
	RunID         string   `json:"run_id"`
	Status        string   `json:"status"`
	DisasterType  string   `json:"disaster_type"`
	Snippets      int      `json:"snippets"`
	CasesWritten  int      `json:"cases_written"`
	SkippedCases  int      `json:"skipped_cases"`
	FailedWrites  []string `json:"failed_writes"`
	MappingErrors int      `json:"mapping_errors"`
	Failures      []string `json:"failures"`
	LatencyMS     int64    `json:"latency_ms"`
}

func NewRecommendationHandler(engine Recommender) *RecommendationHandler {
	return &RecommendationHandler{
		engine:   engine,
		validate: validator.New(),
	}
}

func (h *RecommendationHandler) HandleRecommend(c *fiber.Ctx) error {
	var req recommendationRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := h.validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	resp, err := h.engine.RecommendEquipment(c.Context(), req.DisasterType, *req.Magnitude, req.AffectedArea)
	if err != nil {
		logger.Error("Failed to recommend equipment",
			zap.String("disaster_type", req.DisasterType),
			zap.Float64("magnitude", *req.Magnitude),
			zap.Error(err),
		)
		return c.Status(statusFor(err)).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	recs := resp.Recommendations
	if recs == nil {
		recs = []models.EquipmentRecommendation{}
	}

	return c.JSON(fiber.Map{
		"recommendations": recs,
		"report":          toReportBody(resp.Report),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return fiber.StatusBadRequest
	case errors.Is(err, models.ErrGraphUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}
	return fiber.StatusInternalServerError
}

func toReportBody(r query.Report) reportBody {
	failures := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		failures = append(failures, f.Error())
	}
	failedWrites := r.FailedWrites
	if failedWrites == nil {
		failedWrites = []string{}
	}
	return reportBody{
		RunID:         r.RunID,
		Status:        r.Status,
		DisasterType:  r.DisasterType,
		Snippets:      r.Snippets,
		CasesWritten:  r.CasesWritten,
		SkippedCases:  r.SkippedCases,
		FailedWrites:  failedWrites,
		MappingErrors: len(r.MappingErrors),
		Failures:      failures,
		LatencyMS:     r.Duration.Milliseconds(),
	}
}
