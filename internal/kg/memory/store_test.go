package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/models"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "disaster-earthquake", Kind: kg.KindDisaster, Name: "地震", Aliases: []string{"earthquake"}}))
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "eq-life-detector", Kind: kg.KindEquipment, Name: "生命探测仪", DisplayName: "生命探测仪", Aliases: []string{"life detector"}}))
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "eq-tent", Kind: kg.KindEquipment, Name: "救灾帐篷", Aliases: []string{"帐篷"}}))
	require.NoError(t, s.UpsertRequirement(ctx, kg.Requirement{DisasterName: "地震", EquipmentID: "eq-life-detector", Quantity: 10, MinMagnitude: 6, Source: "4.1"}))
	require.NoError(t, s.UpsertRequirement(ctx, kg.Requirement{DisasterName: "地震", EquipmentID: "eq-life-detector", Quantity: 15, MinMagnitude: 7, Source: "4.2"}))
	require.NoError(t, s.UpsertRequirement(ctx, kg.Requirement{DisasterName: "地震", EquipmentID: "eq-tent", Quantity: 200, MinMagnitude: 5, Source: "3.2"}))
	return s
}

func caseWrite(id string, qty int) kg.CaseWrite {
	return kg.CaseWrite{
		Case: models.HistoricalCaseNode{CaseID: id, DisasterType: "地震", Location: "汶川", Date: "2008-05-12", RagChunkID: "chunk-" + id},
		Validations: []models.ValidationEdge{
			{EquipmentID: "eq-life-detector", Quantity: qty, Confidence: 0.9, Context: "投入生命探测仪"},
		},
	}
}

func TestUpsertCase_Idempotent(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	require.NoError(t, s.UpsertCase(ctx, caseWrite("c1", 18)))

	s.now = func() time.Time { return t0.Add(time.Hour) }
	require.NoError(t, s.UpsertCase(ctx, caseWrite("c1", 18)))

	assert.Equal(t, 1, s.CaseCount())
	assert.Equal(t, 1, s.ValidationCount())

	node, created, updated, ok := s.Case("c1")
	require.True(t, ok)
	assert.Equal(t, "汶川", node.Location)
	assert.Equal(t, t0, created)
	assert.Equal(t, t0.Add(time.Hour), updated)

	disaster, ok := s.OccurredIn("c1")
	require.True(t, ok)
	assert.Equal(t, "地震", disaster)
}

func TestUpsertCase_UnknownEquipmentLeavesStoreUnchanged(t *testing.T) {
	s := seeded(t)
	w := caseWrite("c1", 18)
	w.Validations = append(w.Validations, models.ValidationEdge{EquipmentID: "eq-missing", Quantity: 1})

	err := s.UpsertCase(context.Background(), w)
	require.Error(t, err)
	assert.Equal(t, 0, s.CaseCount())
	assert.Equal(t, 0, s.ValidationCount())
}

func TestUpsertCase_ReplacesValidationsKeepsEffectiveness(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	eff := 0.8
	w := caseWrite("c1", 18)
	w.Validations[0].Effectiveness = &eff
	w.Validations = append(w.Validations, models.ValidationEdge{EquipmentID: "eq-tent", Quantity: 300})
	require.NoError(t, s.UpsertCase(ctx, w))
	assert.Equal(t, 2, s.ValidationCount())

	require.NoError(t, s.UpsertCase(ctx, caseWrite("c1", 20)))
	assert.Equal(t, 1, s.ValidationCount())

	edge := s.cases["c1"].validates["eq-life-detector"]
	assert.Equal(t, 20, edge.Quantity)
	require.NotNil(t, edge.Effectiveness)
	assert.Equal(t, 0.8, *edge.Effectiveness)
}

func TestUpsertCase_CreatesMissingDisaster(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	w := caseWrite("c1", 3)
	w.Case.DisasterType = "泥石流"
	require.NoError(t, s.UpsertCase(ctx, w))

	n, err := s.FindExact(ctx, kg.KindDisaster, "泥石流")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "disaster:泥石流", n.ID)
}

func TestFindExact_Priority(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "a", Kind: kg.KindEquipment, Name: "担架车", Aliases: []string{"担架"}}))
	require.NoError(t, s.UpsertNode(ctx, kg.Node{ID: "b", Kind: kg.KindEquipment, Name: "担架"}))

	n, err := s.FindExact(ctx, kg.KindEquipment, "担架")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "b", n.ID)

	n, err = s.FindExact(ctx, kg.KindEquipment, "雷达")
	require.NoError(t, err)
	assert.Nil(t, n)

	n, err = s.FindExact(ctx, kg.KindDisaster, "担架")
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestFindContaining(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	nodes, err := s.FindContaining(ctx, kg.KindEquipment, "探测仪")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "eq-life-detector", nodes[0].ID)

	nodes, err = s.FindContaining(ctx, kg.KindEquipment, "大型救灾帐篷组")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "eq-tent", nodes[0].ID)

	nodes, err = s.FindContaining(ctx, kg.KindEquipment, "")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestTraverseEvidence(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	for i, q := range []int{18, 20, 22} {
		require.NoError(t, s.UpsertCase(ctx, caseWrite(string(rune('a'+i)), q)))
	}
	flood := caseWrite("z", 99)
	flood.Case.DisasterType = "洪涝"
	require.NoError(t, s.UpsertCase(ctx, flood))

	records, err := s.TraverseEvidence(ctx, "地震", 7.5)
	require.NoError(t, err)
	require.Len(t, records, 2)

	detector := records[0]
	assert.Equal(t, "eq-life-detector", detector.Equipment.ID)
	assert.Equal(t, 15, detector.Requirement.Quantity)
	assert.Equal(t, 7.0, detector.Requirement.MinMagnitude)
	assert.Equal(t, 3, detector.CaseCount)
	require.NotNil(t, detector.AvgQuantity)
	assert.InDelta(t, 20.0, *detector.AvgQuantity, 1e-9)
	assert.Equal(t, []string{"a", "b", "c"}, []string{detector.Cases[0].CaseID, detector.Cases[1].CaseID, detector.Cases[2].CaseID})

	tent := records[1]
	assert.Equal(t, "eq-tent", tent.Equipment.ID)
	assert.Equal(t, 0, tent.CaseCount)
	assert.Nil(t, tent.AvgQuantity)
}

func TestTraverseEvidence_MagnitudeGate(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	records, err := s.TraverseEvidence(ctx, "地震", 6.5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 10, records[0].Requirement.Quantity)

	records, err = s.TraverseEvidence(ctx, "地震", 4.0)
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = s.TraverseEvidence(ctx, "台风", 9.0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestUpsertRequirement_UnknownNodes(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	assert.Error(t, s.UpsertRequirement(ctx, kg.Requirement{DisasterName: "地震", EquipmentID: "eq-x", Quantity: 1}))
	assert.Error(t, s.UpsertRequirement(ctx, kg.Requirement{DisasterName: "台风", EquipmentID: "eq-tent", Quantity: 1}))
}
