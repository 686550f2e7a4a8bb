package neo4j

import (
	"context"
	"errors"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/models"
)

func TestLabel(t *testing.T) {
	for _, kind := range []kg.NodeKind{kg.KindDisaster, kg.KindEquipment, kg.KindLocation, kg.KindUnit} {
		lbl, err := label(kind)
		require.NoError(t, err)
		assert.Equal(t, string(kind), lbl)
	}

	_, err := label(kg.NodeKind("Equipment) DETACH DELETE (n"))
	assert.Error(t, err)
}

func TestEvidenceFromRecord(t *testing.T) {
	record := &neo4j.Record{
		Keys: []string{"id", "name", "display_name", "aliases", "quantity", "min_magnitude", "source", "case_count", "avg_quantity", "cases"},
		Values: []any{
			"eq-life-detector", "生命探测仪", "", []any{"life detector"},
			int64(15), 7.0, "4.2", int64(2), 19.0,
			[]any{
				map[string]any{"case_id": "c2", "rag_chunk_id": "r2", "quantity": int64(20), "confidence": 0.8, "context": "b"},
				map[string]any{"case_id": "c1", "rag_chunk_id": "r1", "quantity": int64(18), "confidence": 0.9, "context": "a"},
			},
		},
	}

	rec := evidenceFromRecord("地震", record)
	assert.Equal(t, "eq-life-detector", rec.Equipment.ID)
	assert.Equal(t, []string{"life detector"}, rec.Equipment.Aliases)
	assert.Equal(t, 15, rec.Requirement.Quantity)
	assert.Equal(t, 7.0, rec.Requirement.MinMagnitude)
	assert.Equal(t, "地震", rec.Requirement.DisasterName)
	assert.Equal(t, 2, rec.CaseCount)
	require.NotNil(t, rec.AvgQuantity)
	assert.Equal(t, 19.0, *rec.AvgQuantity)
	require.Len(t, rec.Cases, 2)
	assert.Equal(t, "c1", rec.Cases[0].CaseID)
	assert.Equal(t, 18, rec.Cases[0].Quantity)
}

func TestEvidenceFromRecord_NoCases(t *testing.T) {
	record := &neo4j.Record{
		Keys:   []string{"id", "name", "display_name", "aliases", "quantity", "min_magnitude", "source", "case_count", "avg_quantity", "cases"},
		Values: []any{"eq-tent", "救灾帐篷", "", []any{}, int64(200), int64(5), "3.2", int64(0), nil, []any{}},
	}

	rec := evidenceFromRecord("地震", record)
	assert.Equal(t, 0, rec.CaseCount)
	assert.Nil(t, rec.AvgQuantity)
	assert.Empty(t, rec.Cases)
	assert.Equal(t, 5.0, rec.Requirement.MinMagnitude)
}

func TestValidationParams(t *testing.T) {
	eff := 0.7
	w := kg.CaseWrite{
		Case: models.HistoricalCaseNode{CaseID: "c1", DisasterType: "地震"},
		Validations: []models.ValidationEdge{
			{EquipmentID: "b", Quantity: 3, Confidence: 0.5},
			{EquipmentID: "a", Quantity: 4, Effectiveness: &eff},
		},
	}

	params := validationParams(w)
	require.Len(t, params, 2)
	assert.Equal(t, int64(3), params[0]["quantity"])
	assert.Nil(t, params[0]["effectiveness"])
	assert.Equal(t, 0.7, params[1]["effectiveness"])
	assert.Equal(t, []string{"a", "b"}, w.ValidationEdgeIDs())
}

func TestIsInfraFailure(t *testing.T) {
	assert.False(t, isInfraFailure(context.Canceled))
	assert.False(t, isInfraFailure(models.ErrInvalidCase))
	assert.False(t, isInfraFailure(errMissingNodes))
	assert.True(t, isInfraFailure(errors.New("connection reset")))
}
