package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Routes groups the services behind the HTTP API. Indexer may be nil when
// no vector index is configured; the upload route is then not mounted.
type Routes struct {
	Recommender Recommender
	Audit       AuditLog
	Indexer     ReportIndexer
}

func Register(router fiber.Router, r Routes) {
	recommendation := NewRecommendationHandler(r.Recommender)
	router.Post("/recommendations", recommendation.HandleRecommend)

	if r.Indexer != nil {
		reports := NewReportHandler(r.Indexer)
		router.Post("/reports", reports.UploadReport)
	}

	audit := NewAuditHandler(r.Audit)
	router.Get("/audit/mapping-errors", audit.ListMappingErrors)
	router.Get("/audit/mapping-errors/summary", audit.SummarizeMappingErrors)
	router.Get("/audit/extraction-failures", audit.ListExtractionFailures)
	router.Get("/audit/write-failures", audit.ListWriteFailures)
	router.Get("/audit/runs", audit.ListRuns)
	router.Get("/audit/documents/:id", audit.GetDocument)

	router.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	router.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})
}
