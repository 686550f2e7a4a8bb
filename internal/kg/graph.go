// Package kg defines the graph store the evidence pipeline reads and writes.
//
// The store owns regulatory nodes (disasters, equipment), the requires edges
// between them, and the historical case nodes with their validation edges.
// Implementations live in kg/neo4j and kg/memory.
package kg

import (
	"context"
	"sort"

	"github.com/emergency-agent/backend/internal/models"
)

// NodeKind is the graph label of a linkable node.
type NodeKind string

const (
	KindDisaster  NodeKind = "Disaster"
	KindEquipment NodeKind = "Equipment"
	KindLocation  NodeKind = "Location"
	KindUnit      NodeKind = "Unit"
)

// Relationship types.
const (
	RelRequires   = "REQUIRES"
	RelValidates  = "VALIDATES"
	RelOccurredIn = "OCCURRED_IN"
	LabelCase     = "HistoricalCase"
)

// KindFor is the dispatch table from extracted entity types to node kinds.
var KindFor = map[models.EntityType]NodeKind{
	models.EntityDisaster:  KindDisaster,
	models.EntityEquipment: KindEquipment,
	models.EntityLocation:  KindLocation,
	models.EntityUnit:      KindUnit,
}

type Node struct {
	ID          string
	Kind        NodeKind
	Name        string
	DisplayName string
	Aliases     []string
}

// Label is the name shown to users and used for semantic matching.
func (n Node) Label() string {
	if n.DisplayName != "" {
		return n.DisplayName
	}
	return n.Name
}

// Names returns the canonical name, display name and aliases, without duplicates.
func (n Node) Names() []string {
	seen := make(map[string]bool, len(n.Aliases)+2)
	out := make([]string, 0, len(n.Aliases)+2)
	for _, s := range append([]string{n.Name, n.DisplayName}, n.Aliases...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Requirement is a regulatory requires edge: disaster -> equipment.
type Requirement struct {
	DisasterName string
	EquipmentID  string
	Quantity     int
	MinMagnitude float64
	Source       string
}

// CaseWrite is everything persisted for one case in a single transaction.
type CaseWrite struct {
	Case        models.HistoricalCaseNode
	Validations []models.ValidationEdge
}

// ValidatingCase is a case node joined through a validation edge.
type ValidatingCase struct {
	CaseID     string
	RagChunkID string
	Location   string
	Date       string
	Quantity   int
	Confidence float64
	Context    string
}

// EvidenceRecord is one equipment row of the evidence traversal.
type EvidenceRecord struct {
	Equipment   Node
	Requirement Requirement
	CaseCount   int
	AvgQuantity *float64
	Cases       []ValidatingCase
}

// Lookup resolves names against the indexed node properties.
type Lookup interface {
	// FindExact returns the node of kind whose name, display name or alias
	// equals name, or nil when there is none.
	FindExact(ctx context.Context, kind NodeKind, name string) (*Node, error)
	// FindContaining returns nodes of kind where name is a substring of one
	// of the node's names, or one of the node's names is a substring of name.
	FindContaining(ctx context.Context, kind NodeKind, name string) ([]Node, error)
	ListNodes(ctx context.Context, kind NodeKind) ([]Node, error)
}

// CaseStore persists case evidence. UpsertCase applies all of a CaseWrite or none of it.
type CaseStore interface {
	UpsertCase(ctx context.Context, w CaseWrite) error
}

// EvidenceReader runs the read-only fusion traversal.
type EvidenceReader interface {
	// TraverseEvidence returns one record per equipment required for the
	// disaster at the given magnitude, with validating cases of the same
	// disaster type aggregated. Records are ordered by equipment id.
	TraverseEvidence(ctx context.Context, disasterType string, magnitude float64) ([]EvidenceRecord, error)
}

// RegulationWriter loads the regulatory part of the graph.
type RegulationWriter interface {
	UpsertNode(ctx context.Context, n Node) error
	UpsertRequirement(ctx context.Context, r Requirement) error
}

type Store interface {
	Lookup
	CaseStore
	EvidenceReader
	RegulationWriter
}

// ValidationEdgeIDs returns the equipment ids of w in sorted order.
func (w CaseWrite) ValidationEdgeIDs() []string {
	out := make([]string, 0, len(w.Validations))
	for _, v := range w.Validations {
		out = append(out, v.EquipmentID)
	}
	sort.Strings(out)
	return out
}
