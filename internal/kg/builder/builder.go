package builder

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/logger"
)

// WriteFailureSink receives case transactions that did not commit.
type WriteFailureSink interface {
	RecordWriteFailure(ctx context.Context, f models.WriteFailure) error
}

// Builder writes one historical case and its evidence edges per
// transaction. It never retries; callers own the retry policy.
type Builder struct {
	store   kg.CaseStore
	sink    WriteFailureSink
	timeout time.Duration
}

// NewBuilder creates a case writer. sink may be nil.
func NewBuilder(store kg.CaseStore, sink WriteFailureSink, timeout time.Duration) *Builder {
	return &Builder{
		store:   store,
		sink:    sink,
		timeout: timeout,
	}
}

// LinkCaseToKG upserts the case node, one VALIDATES edge per Equipment
// mapping that carries a quantity, and the OCCURRED_IN edge, atomically.
// It returns true only when the transaction committed. On false the graph
// is unchanged by this call.
func (b *Builder) LinkCaseToKG(ctx context.Context, c models.HistoricalCaseNode, mappings []models.KGMappedEntity) bool {
	w := kg.CaseWrite{
		Case:        c,
		Validations: validationsFor(c.CaseID, mappings),
	}

	if err := c.Validate(); err != nil {
		b.fail(ctx, w, err)
		return false
	}

	writeCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if err := b.store.UpsertCase(writeCtx, w); err != nil {
		b.fail(ctx, w, err)
		return false
	}

	metrics.CaseWrites.WithLabelValues("committed").Inc()
	logger.Info("Case linked to KG",
		zap.String("case_id", c.CaseID),
		zap.String("disaster_type", c.DisasterType),
		zap.Int("validations", len(w.Validations)),
	)
	return true
}

func (b *Builder) fail(ctx context.Context, w kg.CaseWrite, err error) {
	metrics.CaseWrites.WithLabelValues("failed").Inc()
	logger.Error("Case write failed",
		zap.String("case_id", w.Case.CaseID),
		zap.String("rag_chunk_id", w.Case.RagChunkID),
		zap.String("disaster_type", w.Case.DisasterType),
		zap.Strings("equipment_ids", w.ValidationEdgeIDs()),
		zap.Error(err),
	)

	if b.sink == nil {
		return
	}
	// The audit write must survive a cancelled request.
	auditCtx := context.WithoutCancel(ctx)
	auditErr := b.sink.RecordWriteFailure(auditCtx, models.WriteFailure{
		CaseID:   w.Case.CaseID,
		SourceID: w.Case.RagChunkID,
		Reason:   err.Error(),
	})
	if auditErr != nil {
		logger.Error("Failed to record write failure", zap.String("case_id", w.Case.CaseID), zap.Error(auditErr))
	}
}

// validationsFor keeps Equipment mappings with a quantity. Several mappings
// to the same equipment collapse to the most confident one.
func validationsFor(caseID string, mappings []models.KGMappedEntity) []models.ValidationEdge {
	byEquipment := make(map[string]models.ValidationEdge)
	for _, m := range mappings {
		e := m.Entity()
		if e.Type() != models.EntityEquipment {
			continue
		}
		qty, ok := e.Quantity()
		if !ok {
			continue
		}

		edge := models.ValidationEdge{
			CaseID:      caseID,
			EquipmentID: m.NodeID(),
			Quantity:    qty,
			Confidence:  e.Confidence(),
			Context:     e.Context(),
		}
		if prev, seen := byEquipment[edge.EquipmentID]; seen && prev.Confidence >= edge.Confidence {
			continue
		}
		byEquipment[edge.EquipmentID] = edge
	}

	out := make([]models.ValidationEdge, 0, len(byEquipment))
	for _, v := range byEquipment {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EquipmentID < out[j].EquipmentID })
	return out
}
