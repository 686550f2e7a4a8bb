// Package memory is an in-process kg.Store used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/models"
)

type caseNode struct {
	node      models.HistoricalCaseNode
	createdAt time.Time
	updatedAt time.Time
	disaster  string
	// equipment id -> edge
	validates map[string]models.ValidationEdge
}

type Store struct {
	mu           sync.RWMutex
	nodes        map[kg.NodeKind]map[string]kg.Node
	requirements map[string]kg.Requirement
	cases        map[string]*caseNode
	now          func() time.Time
}

var _ kg.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		nodes:        make(map[kg.NodeKind]map[string]kg.Node),
		requirements: make(map[string]kg.Requirement),
		cases:        make(map[string]*caseNode),
		now:          time.Now,
	}
}

func requirementKey(r kg.Requirement) string {
	return fmt.Sprintf("%s|%s|%g", r.DisasterName, r.EquipmentID, r.MinMagnitude)
}

func (s *Store) UpsertNode(ctx context.Context, n kg.Node) error {
	if n.ID == "" || n.Kind == "" {
		return fmt.Errorf("memory: node requires id and kind")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.nodes[n.Kind]
	if !ok {
		byID = make(map[string]kg.Node)
		s.nodes[n.Kind] = byID
	}
	n.Aliases = append([]string(nil), n.Aliases...)
	byID[n.ID] = n
	return nil
}

func (s *Store) UpsertRequirement(ctx context.Context, r kg.Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[kg.KindEquipment][r.EquipmentID]; !ok {
		return fmt.Errorf("memory: equipment %s not found", r.EquipmentID)
	}
	if s.findByNameLocked(kg.KindDisaster, r.DisasterName) == nil {
		return fmt.Errorf("memory: disaster %s not found", r.DisasterName)
	}
	s.requirements[requirementKey(r)] = r
	return nil
}

func (s *Store) FindExact(ctx context.Context, kind kg.NodeKind, name string) (*kg.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := s.sortedLocked(kind)
	// Canonical name beats display name beats alias.
	for _, match := range []func(kg.Node) bool{
		func(n kg.Node) bool { return n.Name == name },
		func(n kg.Node) bool { return n.DisplayName == name },
		func(n kg.Node) bool { return contains(n.Aliases, name) },
	} {
		for _, n := range nodes {
			if match(n) {
				found := n
				return &found, nil
			}
		}
	}
	return nil, nil
}

func (s *Store) FindContaining(ctx context.Context, kind kg.NodeKind, name string) ([]kg.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []kg.Node
	for _, n := range s.sortedLocked(kind) {
		for _, candidate := range n.Names() {
			if strings.Contains(candidate, name) || strings.Contains(name, candidate) {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListNodes(ctx context.Context, kind kg.NodeKind) ([]kg.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(kind), nil
}

// UpsertCase validates the whole write before touching state so a failure
// leaves the store unchanged.
func (s *Store) UpsertCase(ctx context.Context, w kg.CaseWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.Case.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range w.Validations {
		if _, ok := s.nodes[kg.KindEquipment][v.EquipmentID]; !ok {
			return fmt.Errorf("memory: equipment %s not found for case %s", v.EquipmentID, w.Case.CaseID)
		}
		if v.Quantity < 0 {
			return fmt.Errorf("memory: negative quantity on case %s", w.Case.CaseID)
		}
	}

	now := s.now()
	if s.findByNameLocked(kg.KindDisaster, w.Case.DisasterType) == nil {
		s.upsertDisasterLocked(w.Case.DisasterType)
	}

	c, ok := s.cases[w.Case.CaseID]
	if !ok {
		c = &caseNode{createdAt: now}
		s.cases[w.Case.CaseID] = c
	}
	c.node = w.Case
	c.updatedAt = now
	c.disaster = w.Case.DisasterType

	edges := make(map[string]models.ValidationEdge, len(w.Validations))
	for _, v := range w.Validations {
		v.CaseID = w.Case.CaseID
		if v.Effectiveness == nil {
			if prev, ok := c.validates[v.EquipmentID]; ok {
				v.Effectiveness = prev.Effectiveness
			}
		}
		edges[v.EquipmentID] = v
	}
	c.validates = edges
	return nil
}

func (s *Store) TraverseEvidence(ctx context.Context, disasterType string, magnitude float64) ([]kg.EvidenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	best := make(map[string]kg.Requirement)
	for _, r := range s.requirements {
		if r.DisasterName != disasterType || r.MinMagnitude > magnitude {
			continue
		}
		cur, ok := best[r.EquipmentID]
		if !ok || r.MinMagnitude > cur.MinMagnitude || (r.MinMagnitude == cur.MinMagnitude && r.Quantity > cur.Quantity) {
			best[r.EquipmentID] = r
		}
	}

	records := make([]kg.EvidenceRecord, 0, len(best))
	for equipmentID, req := range best {
		rec := kg.EvidenceRecord{
			Equipment:   s.nodes[kg.KindEquipment][equipmentID],
			Requirement: req,
		}
		var sum float64
		for _, c := range s.cases {
			if c.disaster != disasterType {
				continue
			}
			edge, ok := c.validates[equipmentID]
			if !ok {
				continue
			}
			rec.Cases = append(rec.Cases, kg.ValidatingCase{
				CaseID:     c.node.CaseID,
				RagChunkID: c.node.RagChunkID,
				Location:   c.node.Location,
				Date:       c.node.Date,
				Quantity:   edge.Quantity,
				Confidence: edge.Confidence,
				Context:    edge.Context,
			})
			sum += float64(edge.Quantity)
		}
		sort.Slice(rec.Cases, func(i, j int) bool { return rec.Cases[i].CaseID < rec.Cases[j].CaseID })
		rec.CaseCount = len(rec.Cases)
		if rec.CaseCount > 0 {
			avg := sum / float64(rec.CaseCount)
			rec.AvgQuantity = &avg
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Equipment.ID < records[j].Equipment.ID })
	return records, nil
}

// CaseCount reports how many case nodes exist.
func (s *Store) CaseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

// ValidationCount reports how many validation edges exist.
func (s *Store) ValidationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.cases {
		n += len(c.validates)
	}
	return n
}

// Case returns a stored case node and its timestamps.
func (s *Store) Case(caseID string) (models.HistoricalCaseNode, time.Time, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return models.HistoricalCaseNode{}, time.Time{}, time.Time{}, false
	}
	return c.node, c.createdAt, c.updatedAt, true
}

// OccurredIn returns the disaster a case is attached to.
func (s *Store) OccurredIn(caseID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return "", false
	}
	return c.disaster, true
}

func (s *Store) upsertDisasterLocked(name string) {
	byID, ok := s.nodes[kg.KindDisaster]
	if !ok {
		byID = make(map[string]kg.Node)
		s.nodes[kg.KindDisaster] = byID
	}
	id := "disaster:" + name
	byID[id] = kg.Node{ID: id, Kind: kg.KindDisaster, Name: name, DisplayName: name}
}

func (s *Store) findByNameLocked(kind kg.NodeKind, name string) *kg.Node {
	for _, n := range s.nodes[kind] {
		if n.Name == name {
			found := n
			return &found
		}
	}
	return nil
}

func (s *Store) sortedLocked(kind kg.NodeKind) []kg.Node {
	byID := s.nodes[kind]
	out := make([]kg.Node, 0, len(byID))
	for _, n := range byID {
		n.Aliases = append([]string(nil), n.Aliases...)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
