package assembly

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergency-agent/backend/internal/fusion"
	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/ids"
)

func highRow(cases int) fusion.Row {
	avg := 20.0
	row := fusion.Row{
		EquipmentID:         "eq-life-detector",
		EquipmentName:       "生命探测仪",
		DisasterType:        "地震",
		Magnitude:           7.8,
		AffectedArea:        "汶川县",
		StandardQuantity:    15,
		MinMagnitude:        7,
		Source:              "GB/T 4.2",
		ValidatedByCases:    cases,
		AvgCaseQuantity:     &avg,
		RecommendedQuantity: 20,
		Confidence:          models.ConfidenceHigh,
	}
	for i := 0; i < cases; i++ {
		row.Cases = append(row.Cases, kg.ValidatingCase{
			CaseID:     fmt.Sprintf("case-%02d", i),
			RagChunkID: fmt.Sprintf("report-%02d", i),
			Quantity:   20,
			Confidence: 0.5 + float64(i)/100,
			Context:    "投入生命探测仪",
		})
	}
	return row
}

func TestAssemble_HighConfidenceRow(t *testing.T) {
	snippets := []models.CaseSnippet{
		{SourceID: "report-00", Text: "<p>汶川地震中投入<b>生命探测仪</b>18台</p>"},
		{SourceID: "unrelated", Text: "洪涝救援"},
	}

	recs, err := NewAssembler(0).Assemble([]fusion.Row{highRow(3)}, snippets)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.Equal(t, 20, rec.RecommendedQuantity())
	assert.Equal(t, models.ConfidenceHigh, rec.ConfidenceLevel())
	std, ok := rec.StandardQuantity()
	require.True(t, ok)
	assert.Equal(t, 15, std)

	basis := rec.Standard()
	assert.Equal(t, "GB/T 4.2", basis.Source)
	assert.Equal(t, 7.0, basis.MinMagnitude)

	cases := rec.Cases()
	require.Len(t, cases, 3)
	// Most confident first.
	assert.Equal(t, "case-02", cases[0].CaseID)
	assert.Equal(t, "汶川地震中投入生命探测仪18台", cases[2].SourceText)
	assert.Empty(t, cases[0].SourceText)

	path := rec.Path()
	require.Len(t, path.Steps, 2)
	assert.Contains(t, path.Steps[0], "REQUIRES")
	assert.Contains(t, path.Description, "汶川县")
	assert.Contains(t, path.Description, "置信度高")
}

func TestAssemble_DescriptionsFitAnyDisaster(t *testing.T) {
	row := fusion.Row{
		EquipmentID:         "eq-boat",
		EquipmentName:       "冲锋舟",
		DisasterType:        "洪涝",
		Magnitude:           2,
		StandardQuantity:    12,
		MinMagnitude:        1,
		RecommendedQuantity: 12,
		Confidence:          models.ConfidenceLow,
	}

	recs, err := NewAssembler(5).Assemble([]fusion.Row{row}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	assert.Equal(t, "洪涝等级≥1.0时配备冲锋舟, 数量12", recs[0].Standard().Description)
	desc := recs[0].Path().Description
	assert.Contains(t, desc, "洪涝 (等级 2.0)")
	assert.Contains(t, desc, "推荐数量12")
	for _, s := range []string{desc, recs[0].Standard().Description} {
		assert.NotContains(t, s, "震级")
		assert.NotContains(t, s, "台")
	}
}

func TestAssemble_CapsCases(t *testing.T) {
	recs, err := NewAssembler(2).Assemble([]fusion.Row{highRow(6)}, nil)
	require.NoError(t, err)
	require.Len(t, recs[0].Cases(), 2)
	assert.Equal(t, 6, recs[0].ValidatedByCases())
}

func TestAssemble_DefaultCap(t *testing.T) {
	recs, err := NewAssembler(0).Assemble([]fusion.Row{highRow(8)}, nil)
	require.NoError(t, err)
	assert.Len(t, recs[0].Cases(), DefaultMaxCases)
}

func TestAssemble_LowTierKeepsEmptyCases(t *testing.T) {
	row := fusion.Row{
		EquipmentID:         "eq-life-detector",
		EquipmentName:       "生命探测仪",
		DisasterType:        "地震",
		Magnitude:           7.8,
		StandardQuantity:    15,
		MinMagnitude:        7,
		RecommendedQuantity: 15,
		Confidence:          models.ConfidenceLow,
	}

	recs, err := NewAssembler(5).Assemble([]fusion.Row{row}, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	raw, err := json.Marshal(recs[0])
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	evidence := decoded["evidence"].(map[string]any)
	assert.Contains(t, evidence, "standard")
	assert.Contains(t, evidence, "path")
	assert.Equal(t, []any{}, evidence["cases"])
	assert.Equal(t, "低", decoded["confidence_label"])
	assert.Contains(t, recs[0].Path().Description, "无历史案例验证")
}

func TestAssemble_InvalidRowFails(t *testing.T) {
	row := highRow(0)
	row.Confidence = models.ConfidenceHigh

	_, err := NewAssembler(5).Assemble([]fusion.Row{row}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidRecommendation)
}

func TestAssemble_ContentKeyedSnippet(t *testing.T) {
	text := "救援队携带生命探测仪20台"
	_, ref := ids.CaseID("", text)

	row := highRow(1)
	row.Confidence = models.ConfidenceMedium
	row.Cases[0].RagChunkID = ref

	recs, err := NewAssembler(5).Assemble([]fusion.Row{row}, []models.CaseSnippet{{Text: text}})
	require.NoError(t, err)
	assert.Equal(t, text, recs[0].Cases()[0].SourceText)
}
