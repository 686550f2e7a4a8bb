package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergency-agent/backend/internal/models"
)

func TestBuildQuery(t *testing.T) {
	assert.Equal(t, "地震 震级7.8 汶川县 救援装备 投入数量", BuildQuery(" 地震 ", 7.8, "汶川县"))
	assert.Equal(t, "洪涝 震级0.0 救援装备 投入数量", BuildQuery("洪涝", 0, "  "))
}

func TestStatic(t *testing.T) {
	s := Static{Snippets: []models.CaseSnippet{{SourceID: "a"}, {SourceID: "b"}, {SourceID: "c"}}}

	got, err := s.Search(context.Background(), "q", "case", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].SourceID)

	all, err := s.Search(context.Background(), "q", "case", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Search(ctx, "q", "case", 2)
	assert.ErrorIs(t, err, context.Canceled)
}
