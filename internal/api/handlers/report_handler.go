package handlers

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/ingestion"
	"github.com/emergency-agent/backend/pkg/logger"
)

type ReportIndexer interface {
	ProcessReport(ctx context.Context, r ingestion.Report) (int, error)
}

type ReportHandler struct {
	indexer  ReportIndexer
	validate *validator.Validate
}

type reportRequest struct {
	SourceID string `json:"source_id" validate:"required,max=200"`
	Title    string `json:"title" validate:"max=512"`
	Content  string `json:"content" validate:"required"`
	Domain   string `json:"domain" validate:"max=64"`
}

func NewReportHandler(indexer ReportIndexer) *ReportHandler {
	return &ReportHandler{
		indexer:  indexer,
		validate: validator.New(),
	}
}

func (h *ReportHandler) UploadReport(c *fiber.Ctx) error {
	var req reportRequest
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

	chunks, err := h.indexer.ProcessReport(c.Context(), ingestion.Report{
		SourceID: req.SourceID,
		Title:    req.Title,
		Content:  req.Content,
		Domain:   req.Domain,
	})
	if err != nil {
		logger.Error("Failed to index case report", zap.String("source_id", req.SourceID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to index case report",
		})
	}

	return c.JSON(fiber.Map{
		"message":   "Case report indexed",
		"source_id": req.SourceID,
		"chunks":    chunks,
	})
}
