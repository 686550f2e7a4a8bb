// Package seed loads the regulatory part of the knowledge graph from YAML.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/pkg/logger"
)

type NodeSpec struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	Aliases     []string `yaml:"aliases"`
}

type RequirementSpec struct {
	Disaster     string  `yaml:"disaster"`
	Equipment    string  `yaml:"equipment"`
	Quantity     int     `yaml:"quantity"`
	MinMagnitude float64 `yaml:"min_magnitude"`
	Source       string  `yaml:"source"`
}

// Regulations is the seed file layout.
type Regulations struct {
	Disasters    []NodeSpec        `yaml:"disasters"`
	Equipment    []NodeSpec        `yaml:"equipment"`
	Locations    []NodeSpec        `yaml:"locations"`
	Units        []NodeSpec        `yaml:"units"`
	Requirements []RequirementSpec `yaml:"requirements"`
}

func LoadFile(path string) (*Regulations, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (*Regulations, error) {
	var regs Regulations
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&regs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}
	if err := regs.Validate(); err != nil {
		return nil, err
	}
	return &regs, nil
}

// Validate checks that every requirement references declared nodes.
func (r *Regulations) Validate() error {
	disasters := make(map[string]bool)
	for _, d := range r.Disasters {
		if d.ID == "" || d.Name == "" {
			return fmt.Errorf("seed: disaster requires id and name")
		}
		disasters[d.Name] = true
	}
	equipment := make(map[string]bool)
	for _, e := range r.Equipment {
		if e.ID == "" || e.Name == "" {
			return fmt.Errorf("seed: equipment requires id and name")
		}
		if equipment[e.ID] {
			return fmt.Errorf("seed: duplicate equipment id %s", e.ID)
		}
		equipment[e.ID] = true
	}
	for i, req := range r.Requirements {
		if !disasters[req.Disaster] {
			return fmt.Errorf("seed: requirement %d references unknown disaster %q", i, req.Disaster)
		}
		if !equipment[req.Equipment] {
			return fmt.Errorf("seed: requirement %d references unknown equipment %q", i, req.Equipment)
		}
		if req.Quantity < 0 {
			return fmt.Errorf("seed: requirement %d has negative quantity", i)
		}
		if strings.TrimSpace(req.Source) == "" {
			return fmt.Errorf("seed: requirement %d has no source clause", i)
		}
	}
	return nil
}

// Apply upserts every node and requirement. It is safe to run repeatedly.
func Apply(ctx context.Context, w kg.RegulationWriter, regs *Regulations) error {
	groups := []struct {
		kind  kg.NodeKind
		specs []NodeSpec
	}{
		{kg.KindDisaster, regs.Disasters},
		{kg.KindEquipment, regs.Equipment},
		{kg.KindLocation, regs.Locations},
		{kg.KindUnit, regs.Units},
	}

	nodes := 0
	for _, g := range groups {
		for _, spec := range g.specs {
			n := kg.Node{
				ID:          spec.ID,
				Kind:        g.kind,
				Name:        spec.Name,
				DisplayName: spec.DisplayName,
				Aliases:     spec.Aliases,
			}
			if n.DisplayName == "" {
				n.DisplayName = n.Name
			}
			if err := w.UpsertNode(ctx, n); err != nil {
				return fmt.Errorf("failed to upsert %s node %s: %w", g.kind, spec.ID, err)
			}
			nodes++
		}
	}

	for _, req := range regs.Requirements {
		err := w.UpsertRequirement(ctx, kg.Requirement{
			DisasterName: req.Disaster,
			EquipmentID:  req.Equipment,
			Quantity:     req.Quantity,
			MinMagnitude: req.MinMagnitude,
			Source:       req.Source,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert requirement %s -> %s: %w", req.Disaster, req.Equipment, err)
		}
	}

	logger.Info("Regulatory graph seeded",
		zap.Int("nodes", nodes),
		zap.Int("requirements", len(regs.Requirements)),
	)
	return nil
}
