// Package assembly turns fused rows into traceable equipment recommendations.
package assembly

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/fusion"
	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/htmltext"
	"github.com/emergency-agent/backend/pkg/ids"
	"github.com/emergency-agent/backend/pkg/logger"
)

const (
	DefaultMaxCases = 5
	quoteLimit      = 300
)

type Assembler struct {
	maxCases int
}

// NewAssembler keeps at most maxCases validating cases per recommendation.
// maxCases <= 0 uses DefaultMaxCases.
func NewAssembler(maxCases int) *Assembler {
	if maxCases <= 0 {
		maxCases = DefaultMaxCases
	}
	return &Assembler{maxCases: maxCases}
}

// Assemble builds one recommendation per row, in row order. Case quotes are
// re-attached from snippets by chunk reference; cases written by earlier
// requests keep only their stored context. Any row that cannot produce a
// complete recommendation fails the whole call.
func (a *Assembler) Assemble(rows []fusion.Row, snippets []models.CaseSnippet) ([]models.EquipmentRecommendation, error) {
	quotes := indexSnippets(snippets)

	out := make([]models.EquipmentRecommendation, 0, len(rows))
	for _, row := range rows {
		rec, err := a.build(row, quotes)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble recommendation for %s: %w", row.EquipmentID, err)
		}
		out = append(out, rec)
	}

	logger.Debug("Recommendations assembled", zap.Int("count", len(out)))
	return out, nil
}

func (a *Assembler) build(row fusion.Row, quotes map[string]string) (models.EquipmentRecommendation, error) {
	standard := row.StandardQuantity
	basis := models.StandardBasis{
		Quantity:     &standard,
		MinMagnitude: row.MinMagnitude,
		Source:       row.Source,
		Description:  fmt.Sprintf("%s等级≥%.1f时配备%s, 数量%d", row.DisasterType, row.MinMagnitude, row.EquipmentName, row.StandardQuantity),
	}

	evidence := models.NewEvidence(basis, a.selectCases(row.Cases, quotes), describePath(row))

	return models.NewEquipmentRecommendation(models.RecommendationFields{
		EquipmentName:       row.EquipmentName,
		EquipmentID:         row.EquipmentID,
		RecommendedQuantity: row.RecommendedQuantity,
		StandardQuantity:    &standard,
		ActualAvgQuantity:   row.AvgCaseQuantity,
		ValidatedByCases:    row.ValidatedByCases,
		ConfidenceLevel:     row.Confidence,
	}, evidence)
}

// selectCases keeps the most confident cases, ties broken by case id.
func (a *Assembler) selectCases(cases []kg.ValidatingCase, quotes map[string]string) []models.CaseEvidence {
	sorted := append([]kg.ValidatingCase(nil), cases...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].CaseID < sorted[j].CaseID
	})
	if len(sorted) > a.maxCases {
		sorted = sorted[:a.maxCases]
	}

	out := make([]models.CaseEvidence, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, models.CaseEvidence{
			CaseID:     c.CaseID,
			RagChunkID: c.RagChunkID,
			Location:   c.Location,
			Date:       c.Date,
			Quantity:   c.Quantity,
			Confidence: c.Confidence,
			Context:    c.Context,
			SourceText: quotes[c.RagChunkID],
		})
	}
	return out
}

func describePath(row fusion.Row) models.TraversalPath {
	steps := []string{
		fmt.Sprintf("(:Disaster {name: %q})-[:%s {min_magnitude: %.1f, quantity: %d}]->(:Equipment {id: %q})",
			row.DisasterType, kg.RelRequires, row.MinMagnitude, row.StandardQuantity, row.EquipmentID),
		fmt.Sprintf("(:%s {disaster_type: %q})-[:%s]->(:Equipment {id: %q}) x %d",
			kg.LabelCase, row.DisasterType, kg.RelValidates, row.EquipmentID, row.ValidatedByCases),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (等级 %.1f", row.DisasterType, row.Magnitude)
	if row.AffectedArea != "" {
		fmt.Fprintf(&b, ", 受灾区域 %s", row.AffectedArea)
	}
	fmt.Fprintf(&b, "): 规范要求等级≥%.1f时配备%s, 数量%d", row.MinMagnitude, row.EquipmentName, row.StandardQuantity)
	if row.Source != "" {
		fmt.Fprintf(&b, " (%s)", row.Source)
	}
	if row.ValidatedByCases > 0 && row.AvgCaseQuantity != nil {
		fmt.Fprintf(&b, "; %d个历史案例验证, 平均数量%.1f", row.ValidatedByCases, *row.AvgCaseQuantity)
	} else {
		b.WriteString("; 无历史案例验证, 采用规范标准")
	}
	fmt.Fprintf(&b, "; 推荐数量%d, 置信度%s", row.RecommendedQuantity, row.Confidence.Label())

	return models.TraversalPath{Steps: steps, Description: b.String()}
}

// indexSnippets maps each snippet's chunk reference to its display text.
func indexSnippets(snippets []models.CaseSnippet) map[string]string {
	out := make(map[string]string, len(snippets))
	for _, s := range snippets {
		_, ref := ids.CaseID(s.SourceID, s.Text)
		if _, seen := out[ref]; seen {
			continue
		}
		out[ref] = truncate(htmltext.Clean(s.Text), quoteLimit)
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
