// Package retrieval defines the case snippet search the pipeline starts from.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/emergency-agent/backend/internal/models"
)

// Searcher returns the topK case snippets for query within domain, best first.
type Searcher interface {
	Search(ctx context.Context, query, domain string, topK int) ([]models.CaseSnippet, error)
}

// BuildQuery phrases a disaster profile as a case search query.
func BuildQuery(disasterType string, magnitude float64, affectedArea string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s 震级%.1f", strings.TrimSpace(disasterType), magnitude)
	if area := strings.TrimSpace(affectedArea); area != "" {
		b.WriteString(" ")
		b.WriteString(area)
	}
	b.WriteString(" 救援装备 投入数量")
	return b.String()
}

// Static serves a fixed snippet list. It is used by the CLI when snippets
// come from a file instead of the vector index.
type Static struct {
	Snippets []models.CaseSnippet
}

func (s Static) Search(ctx context.Context, query, domain string, topK int) ([]models.CaseSnippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := s.Snippets
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return append([]models.CaseSnippet(nil), out...), nil
}
