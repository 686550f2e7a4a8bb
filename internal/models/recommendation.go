package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ConfidenceLevel is the evidence tier of a recommendation.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Label is the display form used in rescue plans.
func (c ConfidenceLevel) Label() string {
	switch c {
	case ConfidenceHigh:
		return "高"
	case ConfidenceMedium:
		return "中"
	case ConfidenceLow:
		return "低"
	}
	return ""
}

func (c ConfidenceLevel) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// Evidence keys. A recommendation's evidence carries exactly these three.
const (
	EvidenceStandard = "standard"
	EvidenceCases    = "cases"
	EvidencePath     = "path"
)

var requiredEvidenceKeys = []string{EvidenceStandard, EvidenceCases, EvidencePath}

// Evidence is the provenance payload of a recommendation.
type Evidence map[string]any

// StandardBasis is the regulatory baseline behind a recommendation.
type StandardBasis struct {
	Quantity     *int    `json:"quantity,omitempty"`
	MinMagnitude float64 `json:"min_magnitude"`
	Source       string  `json:"source"`
	Description  string  `json:"description"`
}

// CaseEvidence is one validating case with its original quote re-attached.
type CaseEvidence struct {
	CaseID     string  `json:"case_id"`
	RagChunkID string  `json:"rag_chunk_id"`
	Location   string  `json:"location,omitempty"`
	Date       string  `json:"date,omitempty"`
	Quantity   int     `json:"quantity"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context"`
	SourceText string  `json:"source_text,omitempty"`
}

// TraversalPath describes how the graph was walked to produce a row.
type TraversalPath struct {
	Steps       []string `json:"steps"`
	Description string   `json:"description"`
}

// NewEvidence builds a complete evidence payload.
func NewEvidence(standard StandardBasis, cases []CaseEvidence, path TraversalPath) Evidence {
	if cases == nil {
		cases = []CaseEvidence{}
	}
	return Evidence{
		EvidenceStandard: standard,
		EvidenceCases:    cases,
		EvidencePath:     path,
	}
}

// Validate checks that exactly the required keys are present with the expected value types.
func (e Evidence) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: evidence is nil", ErrIncompleteEvidence)
	}
	var missing []string
	for _, k := range requiredEvidenceKeys {
		if _, ok := e[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteEvidence, strings.Join(missing, ", "))
	}
	if len(e) != len(requiredEvidenceKeys) {
		var extra []string
		for k := range e {
			if k != EvidenceStandard && k != EvidenceCases && k != EvidencePath {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return fmt.Errorf("%w: unexpected keys %s", ErrIncompleteEvidence, strings.Join(extra, ", "))
	}
	if _, ok := e[EvidenceStandard].(StandardBasis); !ok {
		return fmt.Errorf("%w: %q has type %T", ErrIncompleteEvidence, EvidenceStandard, e[EvidenceStandard])
	}
	if _, ok := e[EvidenceCases].([]CaseEvidence); !ok {
		return fmt.Errorf("%w: %q has type %T", ErrIncompleteEvidence, EvidenceCases, e[EvidenceCases])
	}
	if _, ok := e[EvidencePath].(TraversalPath); !ok {
		return fmt.Errorf("%w: %q has type %T", ErrIncompleteEvidence, EvidencePath, e[EvidencePath])
	}
	return nil
}

// RecommendationFields carries the values for NewEquipmentRecommendation.
type RecommendationFields struct {
	EquipmentName       string
	EquipmentID         string
	RecommendedQuantity int
	StandardQuantity    *int
	ActualAvgQuantity   *float64
	ValidatedByCases    int
	ConfidenceLevel     ConfidenceLevel
}

// EquipmentRecommendation is the immutable output of the pipeline.
type EquipmentRecommendation struct {
	fields   RecommendationFields
	evidence Evidence
}

// NewEquipmentRecommendation rejects out-of-range values and incomplete evidence.
func NewEquipmentRecommendation(f RecommendationFields, evidence Evidence) (EquipmentRecommendation, error) {
	if err := evidence.Validate(); err != nil {
		return EquipmentRecommendation{}, err
	}
	if f.EquipmentID == "" || f.EquipmentName == "" {
		return EquipmentRecommendation{}, fmt.Errorf("%w: equipment id and name are required", ErrInvalidRecommendation)
	}
	if f.RecommendedQuantity < 0 {
		return EquipmentRecommendation{}, fmt.Errorf("%w: negative recommended quantity for %s", ErrInvalidRecommendation, f.EquipmentID)
	}
	if f.ValidatedByCases < 0 {
		return EquipmentRecommendation{}, fmt.Errorf("%w: negative case count for %s", ErrInvalidRecommendation, f.EquipmentID)
	}
	if !f.ConfidenceLevel.Valid() {
		return EquipmentRecommendation{}, fmt.Errorf("%w: unknown confidence level %q", ErrInvalidRecommendation, f.ConfidenceLevel)
	}
	if f.ValidatedByCases == 0 && f.ConfidenceLevel != ConfidenceLow {
		return EquipmentRecommendation{}, fmt.Errorf("%w: %s claims %s confidence without cases", ErrInvalidRecommendation, f.EquipmentID, f.ConfidenceLevel)
	}

	copied := f
	if f.StandardQuantity != nil {
		v := *f.StandardQuantity
		copied.StandardQuantity = &v
	}
	if f.ActualAvgQuantity != nil {
		v := *f.ActualAvgQuantity
		copied.ActualAvgQuantity = &v
	}
	cases := evidence[EvidenceCases].([]CaseEvidence)
	path := evidence[EvidencePath].(TraversalPath)
	path.Steps = append([]string(nil), path.Steps...)

	return EquipmentRecommendation{
		fields:   copied,
		evidence: NewEvidence(evidence[EvidenceStandard].(StandardBasis), append([]CaseEvidence(nil), cases...), path),
	}, nil
}

func (r EquipmentRecommendation) EquipmentName() string            { return r.fields.EquipmentName }
func (r EquipmentRecommendation) EquipmentID() string              { return r.fields.EquipmentID }
func (r EquipmentRecommendation) RecommendedQuantity() int         { return r.fields.RecommendedQuantity }
func (r EquipmentRecommendation) ValidatedByCases() int            { return r.fields.ValidatedByCases }
func (r EquipmentRecommendation) ConfidenceLevel() ConfidenceLevel { return r.fields.ConfidenceLevel }

func (r EquipmentRecommendation) StandardQuantity() (int, bool) {
	if r.fields.StandardQuantity == nil {
		return 0, false
	}
	return *r.fields.StandardQuantity, true
}

func (r EquipmentRecommendation) ActualAvgQuantity() (float64, bool) {
	if r.fields.ActualAvgQuantity == nil {
		return 0, false
	}
	return *r.fields.ActualAvgQuantity, true
}

func (r EquipmentRecommendation) Standard() StandardBasis {
	return r.evidence[EvidenceStandard].(StandardBasis)
}

// Cases returns a copy of the validating cases.
func (r EquipmentRecommendation) Cases() []CaseEvidence {
	return append([]CaseEvidence(nil), r.evidence[EvidenceCases].([]CaseEvidence)...)
}

func (r EquipmentRecommendation) Path() TraversalPath {
	p := r.evidence[EvidencePath].(TraversalPath)
	p.Steps = append([]string(nil), p.Steps...)
	return p
}

type recommendationJSON struct {
	EquipmentName       string          `json:"equipment_name"`
	EquipmentID         string          `json:"equipment_id"`
	RecommendedQuantity int             `json:"recommended_quantity"`
	StandardQuantity    *int            `json:"standard_quantity,omitempty"`
	ActualAvgQuantity   *float64        `json:"actual_avg_quantity,omitempty"`
	ValidatedByCases    int             `json:"validated_by_cases"`
	ConfidenceLevel     ConfidenceLevel `json:"confidence_level"`
	ConfidenceLabel     string          `json:"confidence_label"`
	Evidence            Evidence        `json:"evidence"`
}

func (r EquipmentRecommendation) MarshalJSON() ([]byte, error) {
	return json.Marshal(recommendationJSON{
		EquipmentName:       r.fields.EquipmentName,
		EquipmentID:         r.fields.EquipmentID,
		RecommendedQuantity: r.fields.RecommendedQuantity,
		StandardQuantity:    r.fields.StandardQuantity,
		ActualAvgQuantity:   r.fields.ActualAvgQuantity,
		ValidatedByCases:    r.fields.ValidatedByCases,
		ConfidenceLevel:     r.fields.ConfidenceLevel,
		ConfidenceLabel:     r.fields.ConfidenceLevel.Label(),
		Evidence:            r.evidence,
	})
}
