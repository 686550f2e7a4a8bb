// Package fusion merges regulatory requirements with case validations into
// confidence-tiered equipment rows.
package fusion

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/logger"
)

// Case count thresholds of the confidence tiers.
const (
	HighConfidenceCases   = 3
	MediumConfidenceCases = 1
)

// Store is the slice of the graph the fusion query needs.
type Store interface {
	kg.Lookup
	kg.EvidenceReader
}

// Row is one fused equipment result.
type Row struct {
	EquipmentID   string
	EquipmentName string

	// Request profile the row was computed for.
	DisasterType string
	Magnitude    float64
	AffectedArea string

	StandardQuantity int
	MinMagnitude     float64
	Source           string

	ValidatedByCases int
	AvgCaseQuantity  *float64
	Cases            []kg.ValidatingCase

	RecommendedQuantity int
	Confidence          models.ConfidenceLevel
}

type Query struct {
	store Store
}

func NewQuery(store Store) *Query {
	return &Query{store: store}
}

// Query runs the evidence traversal for one disaster profile. It never
// writes. Results are ordered by recommended quantity descending, then
// equipment id. Store failures wrap models.ErrGraphUnavailable.
func (q *Query) Query(ctx context.Context, disasterType string, magnitude float64, affectedArea string) ([]Row, error) {
	canonical, err := q.CanonicalDisaster(ctx, disasterType)
	if err != nil {
		return nil, err
	}

	records, err := q.store.TraverseEvidence(ctx, canonical, magnitude)
	if err != nil {
		return nil, fmt.Errorf("%w: evidence traversal for %s: %w", models.ErrGraphUnavailable, canonical, err)
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := Row{
			EquipmentID:      rec.Equipment.ID,
			EquipmentName:    rec.Equipment.Label(),
			DisasterType:     canonical,
			Magnitude:        magnitude,
			AffectedArea:     strings.TrimSpace(affectedArea),
			StandardQuantity: rec.Requirement.Quantity,
			MinMagnitude:     rec.Requirement.MinMagnitude,
			Source:           rec.Requirement.Source,
			ValidatedByCases: rec.CaseCount,
			AvgCaseQuantity:  rec.AvgQuantity,
			Cases:            rec.Cases,
		}
		row.RecommendedQuantity, row.Confidence = Tier(row.StandardQuantity, row.ValidatedByCases, row.AvgCaseQuantity)
		metrics.FusionRows.WithLabelValues(string(row.Confidence)).Inc()
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].RecommendedQuantity != rows[j].RecommendedQuantity {
			return rows[i].RecommendedQuantity > rows[j].RecommendedQuantity
		}
		return rows[i].EquipmentID < rows[j].EquipmentID
	})

	logger.Info("Evidence fused",
		zap.String("disaster_type", canonical),
		zap.Float64("magnitude", magnitude),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

// Tier applies the recommendation policy. Without cases, or without an
// average, the standard quantity is returned at low confidence.
func Tier(standard, cases int, avg *float64) (int, models.ConfidenceLevel) {
	if cases < MediumConfidenceCases || avg == nil {
		return standard, models.ConfidenceLow
	}
	qty := int(math.Round(*avg))
	if cases >= HighConfidenceCases {
		return qty, models.ConfidenceHigh
	}
	return qty, models.ConfidenceMedium
}

// CanonicalDisaster maps an alias such as "earthquake" to the disaster
// node's name. Unknown names pass through unchanged.
func (q *Query) CanonicalDisaster(ctx context.Context, disasterType string) (string, error) {
	name := strings.TrimSpace(disasterType)
	node, err := q.store.FindExact(ctx, kg.KindDisaster, name)
	if err != nil {
		return "", fmt.Errorf("%w: disaster lookup for %s: %w", models.ErrGraphUnavailable, name, err)
	}
	if node == nil {
		return name, nil
	}
	return node.Name, nil
}
