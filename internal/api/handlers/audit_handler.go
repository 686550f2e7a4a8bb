package handlers

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	dbmodels "github.com/emergency-agent/backend/internal/storage/models"
	"github.com/emergency-agent/backend/pkg/logger"
)

const maxListLimit = 500

// AuditLog is implemented by sqlite.Client.
type AuditLog interface {
	ListMappingErrors(ctx context.Context, entityType string, limit int) ([]dbmodels.MappingErrorRow, error)
	SummarizeMappingErrors(ctx context.Context, limit int) ([]dbmodels.MappingErrorSummary, error)
	ListExtractionFailures(ctx context.Context, limit int) ([]dbmodels.ExtractionFailureRow, error)
	ListWriteFailures(ctx context.Context, limit int) ([]dbmodels.WriteFailureRow, error)
	ListRuns(ctx context.Context, limit int) ([]dbmodels.RunRow, error)
	GetCaseDocument(ctx context.Context, id string) (*dbmodels.CaseDocument, error)
}

type AuditHandler struct {
	audit AuditLog
}

func NewAuditHandler(audit AuditLog) *AuditHandler {
	return &AuditHandler{audit: audit}
}

type mappingErrorBody struct {
	ID         int64  `json:"id"`
	SourceID   string `json:"source_id"`
	EntityName string `json:"entity_name"`
	EntityType string `json:"entity_type"`
	Reason     string `json:"reason"`
	CreatedAt  int64  `json:"created_at"`
}

type mappingSummaryBody struct {
	EntityName  string `json:"entity_name"`
	EntityType  string `json:"entity_type"`
	Occurrences int    `json:"occurrences"`
	LastSeen    int64  `json:"last_seen"`
}

type extractionFailureBody struct {
	ID          int64  `json:"id"`
	SourceID    string `json:"source_id"`
	Reason      string `json:"reason"`
	RawResponse string `json:"raw_response,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

type writeFailureBody struct {
	ID        int64  `json:"id"`
	CaseID    string `json:"case_id"`
	SourceID  string `json:"source_id,omitempty"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"created_at"`
}

type documentBody struct {
	ID         string `json:"id"`
	SourceID   string `json:"source_id"`
	Title      string `json:"title"`
	Domain     string `json:"domain"`
	ChunkCount int    `json:"chunk_count"`
	IndexedAt  int64  `json:"indexed_at"`
}

type runBody struct {
	RunID              string  `json:"run_id"`
	DisasterType       string  `json:"disaster_type"`
	Magnitude          float64 `json:"magnitude"`
	AffectedArea       string  `json:"affected_area,omitempty"`
	Snippets           int     `json:"snippets"`
	CasesWritten       int     `json:"cases_written"`
	FailedWrites       int     `json:"failed_writes"`
	MappingErrors      int     `json:"mapping_errors"`
	ExtractionFailures int     `json:"extraction_failures"`
	Recommendations    int     `json:"recommendations"`
	Status             string  `json:"status"`
	Error              string  `json:"error,omitempty"`
	StartedAt          int64   `json:"started_at"`
	DurationMS         int64   `json:"duration_ms"`
}

func (h *AuditHandler) ListMappingErrors(c *fiber.Ctx) error {
	entityType := c.Query("entity_type")
	switch entityType {
	case "", "Disaster", "Equipment", "Location", "Unit":
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "entity_type must be one of Disaster, Equipment, Location, Unit",
		})
	}

	rows, err := h.audit.ListMappingErrors(c.Context(), entityType, limitParam(c, 100))
	if err != nil {
		logger.Error("Failed to list mapping errors", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list mapping errors",
		})
	}

	out := make([]mappingErrorBody, 0, len(rows))
	for _, r := range rows {
		out = append(out, mappingErrorBody{
			ID:         r.ID,
			SourceID:   r.SourceID,
			EntityName: r.EntityName,
			EntityType: r.EntityType,
			Reason:     r.Reason,
			CreatedAt:  r.CreatedAt.Unix(),
		})
	}
	return c.JSON(fiber.Map{"mapping_errors": out})
}

func (h *AuditHandler) SummarizeMappingErrors(c *fiber.Ctx) error {
	rows, err := h.audit.SummarizeMappingErrors(c.Context(), limitParam(c, 50))
	if err != nil {
		logger.Error("Failed to summarize mapping errors", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to summarize mapping errors",
		})
	}

	out := make([]mappingSummaryBody, 0, len(rows))
	for _, r := range rows {
		out = append(out, mappingSummaryBody{
			EntityName:  r.EntityName,
			EntityType:  r.EntityType,
			Occurrences: r.Occurrences,
			LastSeen:    r.LastSeen.Unix(),
		})
	}
	return c.JSON(fiber.Map{"summary": out})
}

func (h *AuditHandler) ListExtractionFailures(c *fiber.Ctx) error {
	rows, err := h.audit.ListExtractionFailures(c.Context(), limitParam(c, 100))
	if err != nil {
		logger.Error("Failed to list extraction failures", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list extraction failures",
		})
	}

	out := make([]extractionFailureBody, 0, len(rows))
	for _, r := range rows {
		out = append(out, extractionFailureBody{
			ID:          r.ID,
			SourceID:    r.SourceID,
			Reason:      r.Reason,
			RawResponse: r.RawResponse,
			CreatedAt:   r.CreatedAt.Unix(),
		})
	}
	return c.JSON(fiber.Map{"extraction_failures": out})
}

func (h *AuditHandler) ListWriteFailures(c *fiber.Ctx) error {
	rows, err := h.audit.ListWriteFailures(c.Context(), limitParam(c, 100))
	if err != nil {
		logger.Error("Failed to list write failures", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list write failures",
		})
	}

	out := make([]writeFailureBody, 0, len(rows))
	for _, r := range rows {
		out = append(out, writeFailureBody{
			ID:        r.ID,
			CaseID:    r.CaseID,
			SourceID:  r.SourceID,
			Reason:    r.Reason,
			CreatedAt: r.CreatedAt.Unix(),
		})
	}
	return c.JSON(fiber.Map{"write_failures": out})
}

func (h *AuditHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.audit.GetCaseDocument(c.Context(), c.Params("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Case document not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get case document", zap.String("doc_id", c.Params("id")), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get case document",
		})
	}

	return c.JSON(documentBody{
		ID:         doc.ID,
		SourceID:   doc.SourceID,
		Title:      doc.Title,
		Domain:     doc.Domain,
		ChunkCount: doc.ChunkCount,
		IndexedAt:  doc.IndexedAt.Unix(),
	})
}

func (h *AuditHandler) ListRuns(c *fiber.Ctx) error {
	rows, err := h.audit.ListRuns(c.Context(), limitParam(c, 20))
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	out := make([]runBody, 0, len(rows))
	for _, r := range rows {
		out = append(out, runBody{
			RunID:              r.RunID,
			DisasterType:       r.DisasterType,
			Magnitude:          r.Magnitude,
			AffectedArea:       r.AffectedArea,
			Snippets:           r.Snippets,
			CasesWritten:       r.CasesWritten,
			FailedWrites:       r.FailedWrites,
			MappingErrors:      r.MappingErrors,
			ExtractionFailures: r.ExtractionFailures,
			Recommendations:    r.Recommendations,
			Status:             r.Status,
			Error:              r.Error,
			StartedAt:          r.StartedAt.Unix(),
			DurationMS:         r.DurationMS,
		})
	}
	return c.JSON(fiber.Map{"runs": out})
}

func limitParam(c *fiber.Ctx, def int) int {
	limit := c.QueryInt("limit", def)
	if limit <= 0 {
		return def
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
