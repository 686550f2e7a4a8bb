// Package models holds the domain types shared by the evidence fusion pipeline.
package models

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// MaxContextRunes caps the quote stored with an extracted entity.
const MaxContextRunes = 200

// EntityType is the closed set of entity kinds the extractor may produce.
type EntityType string

const (
	EntityDisaster  EntityType = "Disaster"
	EntityEquipment EntityType = "Equipment"
	EntityLocation  EntityType = "Location"
	EntityUnit      EntityType = "Unit"
)

// EntityTypes lists every valid EntityType in a stable order.
var EntityTypes = []EntityType{EntityDisaster, EntityEquipment, EntityLocation, EntityUnit}

// ParseEntityType accepts the canonical spelling, case-insensitively.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range EntityTypes {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidEntity, s)
}

func (t EntityType) Valid() bool {
	switch t {
	case EntityDisaster, EntityEquipment, EntityLocation, EntityUnit:
		return true
	}
	return false
}

// ExtractedEntity is one typed mention pulled from case text. Values are
// immutable once built by NewExtractedEntity.
type ExtractedEntity struct {
	typ        EntityType
	name       string
	context    string
	quantity   *int
	confidence float64
}

// NewExtractedEntity validates and builds an entity. quantity may be nil.
func NewExtractedEntity(typ EntityType, name, context string, quantity *int, confidence float64) (ExtractedEntity, error) {
	if !typ.Valid() {
		return ExtractedEntity{}, fmt.Errorf("%w: unknown entity type %q", ErrInvalidEntity, typ)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ExtractedEntity{}, fmt.Errorf("%w: empty name", ErrInvalidEntity)
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return ExtractedEntity{}, fmt.Errorf("%w: confidence %v out of [0,1]", ErrInvalidEntity, confidence)
	}

	var q *int
	if quantity != nil {
		if *quantity < 0 {
			return ExtractedEntity{}, fmt.Errorf("%w: negative quantity %d for %q", ErrInvalidEntity, *quantity, name)
		}
		v := *quantity
		q = &v
	}

	return ExtractedEntity{
		typ:        typ,
		name:       name,
		context:    truncateRunes(strings.TrimSpace(context), MaxContextRunes),
		quantity:   q,
		confidence: confidence,
	}, nil
}

func (e ExtractedEntity) Type() EntityType    { return e.typ }
func (e ExtractedEntity) Name() string        { return e.name }
func (e ExtractedEntity) Context() string     { return e.context }
func (e ExtractedEntity) Confidence() float64 { return e.confidence }

// Quantity returns the reported quantity and whether one was present.
func (e ExtractedEntity) Quantity() (int, bool) {
	if e.quantity == nil {
		return 0, false
	}
	return *e.quantity, true
}

// MatchMethod names the linking tier that produced a mapping.
type MatchMethod string

const (
	MatchExact    MatchMethod = "exact"
	MatchFuzzy    MatchMethod = "fuzzy"
	MatchSemantic MatchMethod = "semantic"
)

// KGMappedEntity is an extracted entity resolved to a graph node.
type KGMappedEntity struct {
	entity     ExtractedEntity
	nodeID     string
	nodeName   string
	matchScore float64
	method     MatchMethod
}

func NewKGMappedEntity(entity ExtractedEntity, nodeID, nodeName string, score float64, method MatchMethod) (KGMappedEntity, error) {
	if nodeID == "" {
		return KGMappedEntity{}, fmt.Errorf("%w: mapping without node id", ErrInvalidEntity)
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return KGMappedEntity{}, fmt.Errorf("%w: match score %v out of [0,1]", ErrInvalidEntity, score)
	}
	switch method {
	case MatchExact, MatchFuzzy, MatchSemantic:
	default:
		return KGMappedEntity{}, fmt.Errorf("%w: unknown match method %q", ErrInvalidEntity, method)
	}
	return KGMappedEntity{
		entity:     entity,
		nodeID:     nodeID,
		nodeName:   nodeName,
		matchScore: score,
		method:     method,
	}, nil
}

func (m KGMappedEntity) Entity() ExtractedEntity { return m.entity }
func (m KGMappedEntity) NodeID() string          { return m.nodeID }
func (m KGMappedEntity) NodeName() string        { return m.nodeName }
func (m KGMappedEntity) MatchScore() float64     { return m.matchScore }
func (m KGMappedEntity) Method() MatchMethod     { return m.method }

// MappingError records an entity that could not be linked.
type MappingError struct {
	SourceID   string
	EntityName string
	EntityType EntityType
	Reason     string
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// IntPtr is a small helper for optional quantities.
func IntPtr(v int) *int { return &v }
