package models

import (
	"fmt"
	"strings"
	"time"
)

// CaseSnippet is one ranked result from the case retrieval collaborator.
type CaseSnippet struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float32 `json:"score"`
}

// HistoricalCaseNode is the graph identity of one incident-response case.
type HistoricalCaseNode struct {
	CaseID       string
	DisasterType string
	Location     string
	// Date is ISO 8601 (YYYY-MM-DD); empty when the report gives no date.
	Date       string
	RagChunkID string
	Casualties *int
}

func (c HistoricalCaseNode) Validate() error {
	if strings.TrimSpace(c.CaseID) == "" {
		return fmt.Errorf("%w: empty case id", ErrInvalidCase)
	}
	if strings.TrimSpace(c.DisasterType) == "" {
		return fmt.Errorf("%w: case %s has no disaster type", ErrInvalidCase, c.CaseID)
	}
	if c.Date != "" {
		if _, err := time.Parse("2006-01-02", c.Date); err != nil {
			return fmt.Errorf("%w: case %s date %q is not ISO 8601", ErrInvalidCase, c.CaseID, c.Date)
		}
	}
	if c.Casualties != nil && *c.Casualties < 0 {
		return fmt.Errorf("%w: case %s has negative casualties", ErrInvalidCase, c.CaseID)
	}
	return nil
}

// NormalizeDate accepts the layouts case reports commonly use and returns
// YYYY-MM-DD, or "" when the value cannot be read. Values without a day,
// such as "2008-05", are unknown.
func NormalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	layouts := []string{"2006-01-02", time.RFC3339, "2006/01/02", "2006.01.02", "2006年1月2日"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return ""
}

// ValidationEdge is the case -> equipment evidence edge.
type ValidationEdge struct {
	CaseID        string
	EquipmentID   string
	Quantity      int
	Confidence    float64
	Context       string
	Effectiveness *float64
}
