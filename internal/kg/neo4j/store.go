package neo4j

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/pkg/logger"
)

var errMissingNodes = errors.New("neo4j: referenced node not found")

// label returns the Cypher label for kind. Labels cannot be parameters, so
// only the fixed kinds are accepted.
func label(kind kg.NodeKind) (string, error) {
	switch kind {
	case kg.KindDisaster, kg.KindEquipment, kg.KindLocation, kg.KindUnit:
		return string(kind), nil
	}
	return "", fmt.Errorf("neo4j: unknown node kind %q", kind)
}

const nodeReturn = `n.id AS id, n.name AS name, coalesce(n.display_name, '') AS display_name, coalesce(n.aliases, []) AS aliases`

func (c *Client) UpsertNode(ctx context.Context, n kg.Node) error {
	lbl, err := label(n.Kind)
	if err != nil {
		return err
	}
	if n.ID == "" || n.Name == "" {
		return fmt.Errorf("neo4j: node requires id and name")
	}
	aliases := n.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	query := fmt.Sprintf(`
		MERGE (n:%s {id: $id})
		SET n.name = $name,
		    n.display_name = $display_name,
		    n.aliases = $aliases,
		    n.updated_at = timestamp()
	`, lbl)

	err = c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"id":           n.ID,
			"name":         n.Name,
			"display_name": n.DisplayName,
			"aliases":      aliases,
		})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
	}

	logger.Debug("Node upserted in KG", zap.String("kind", lbl), zap.String("node_id", n.ID))
	return nil
}

// UpsertRequirement keys a requires edge on its min_magnitude so several
// thresholds can coexist between the same pair.
func (c *Client) UpsertRequirement(ctx context.Context, r kg.Requirement) error {
	query := `
		MATCH (d:Disaster {name: $disaster})
		MATCH (e:Equipment {id: $equipment_id})
		MERGE (d)-[r:REQUIRES {min_magnitude: $min_magnitude}]->(e)
		SET r.quantity = $quantity,
		    r.source = $source
		RETURN count(r) AS n
	`

	err := c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"disaster":      r.DisasterName,
			"equipment_id":  r.EquipmentID,
			"min_magnitude": r.MinMagnitude,
			"quantity":      int64(r.Quantity),
			"source":        r.Source,
		})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if n, _ := record.Get("n"); asInt(n) == 0 {
			return nil, fmt.Errorf("%w: %s -> %s", errMissingNodes, r.DisasterName, r.EquipmentID)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert requirement: %w", err)
	}
	return nil
}

func (c *Client) FindExact(ctx context.Context, kind kg.NodeKind, name string) (*kg.Node, error) {
	lbl, err := label(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		MATCH (n:%s)
		WHERE n.name = $name OR n.display_name = $name OR $name IN coalesce(n.aliases, [])
		WITH n, CASE WHEN n.name = $name THEN 0 WHEN n.display_name = $name THEN 1 ELSE 2 END AS rank
		RETURN %s
		ORDER BY rank, id
		LIMIT 1
	`, lbl, nodeReturn)

	out, err := c.executeRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collectNodes(ctx, tx, kind, query, map[string]any{"name": name})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find %s %q: %w", lbl, name, err)
	}

	nodes := out.([]kg.Node)
	if len(nodes) == 0 {
		return nil, nil
	}
	return &nodes[0], nil
}

func (c *Client) FindContaining(ctx context.Context, kind kg.NodeKind, name string) ([]kg.Node, error) {
	lbl, err := label(kind)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`
		MATCH (n:%s)
		WHERE any(s IN [n.name, n.display_name] + coalesce(n.aliases, [])
		          WHERE s IS NOT NULL AND s <> '' AND (s CONTAINS $name OR $name CONTAINS s))
		RETURN %s
		ORDER BY id
	`, lbl, nodeReturn)

	out, err := c.executeRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collectNodes(ctx, tx, kind, query, map[string]any{"name": name})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s containing %q: %w", lbl, name, err)
	}
	return out.([]kg.Node), nil
}

func (c *Client) ListNodes(ctx context.Context, kind kg.NodeKind) ([]kg.Node, error) {
	lbl, err := label(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`MATCH (n:%s) RETURN %s ORDER BY id`, lbl, nodeReturn)

	out, err := c.executeRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collectNodes(ctx, tx, kind, query, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s nodes: %w", lbl, err)
	}
	return out.([]kg.Node), nil
}

// UpsertCase writes the case node, its OCCURRED_IN edge and its VALIDATES
// edges in one transaction. Validation edges not in w are removed; an
// existing effectiveness value survives the update.
func (c *Client) UpsertCase(ctx context.Context, w kg.CaseWrite) error {
	if err := w.Case.Validate(); err != nil {
		return err
	}
	equipmentIDs := w.ValidationEdgeIDs()
	validations := validationParams(w)

	var casualties any
	if w.Case.Casualties != nil {
		casualties = int64(*w.Case.Casualties)
	}

	return c.executeWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if len(equipmentIDs) > 0 {
			res, err := tx.Run(ctx, `
				UNWIND $ids AS id
				MATCH (e:Equipment {id: id})
				RETURN count(DISTINCT e) AS found
			`, map[string]any{"ids": equipmentIDs})
			if err != nil {
				return nil, err
			}
			record, err := res.Single(ctx)
			if err != nil {
				return nil, err
			}
			if found, _ := record.Get("found"); asInt(found) != len(distinct(equipmentIDs)) {
				return nil, fmt.Errorf("%w: equipment for case %s", errMissingNodes, w.Case.CaseID)
			}
		}

		steps := []struct {
			query  string
			params map[string]any
		}{
			{
				query: `
					MERGE (c:HistoricalCase {case_id: $case_id})
					ON CREATE SET c.created_at = datetime()
					SET c.disaster_type = $disaster_type,
					    c.location = $location,
					    c.date = $date,
					    c.rag_chunk_id = $rag_chunk_id,
					    c.casualties = $casualties,
					    c.updated_at = datetime()
				`,
				params: map[string]any{
					"case_id":       w.Case.CaseID,
					"disaster_type": w.Case.DisasterType,
					"location":      w.Case.Location,
					"date":          w.Case.Date,
					"rag_chunk_id":  w.Case.RagChunkID,
					"casualties":    casualties,
				},
			},
			{
				query: `
					MATCH (c:HistoricalCase {case_id: $case_id})
					OPTIONAL MATCH (c)-[old:OCCURRED_IN]->(prev:Disaster)
					WHERE prev.name <> $disaster_type
					DELETE old
					WITH DISTINCT c
					MERGE (d:Disaster {name: $disaster_type})
					ON CREATE SET d.id = 'disaster:' + $disaster_type,
					              d.display_name = $disaster_type,
					              d.aliases = []
					MERGE (c)-[:OCCURRED_IN]->(d)
				`,
				params: map[string]any{"case_id": w.Case.CaseID, "disaster_type": w.Case.DisasterType},
			},
			{
				query: `
					MATCH (c:HistoricalCase {case_id: $case_id})-[v:VALIDATES]->(e:Equipment)
					WHERE NOT e.id IN $ids
					DELETE v
				`,
				params: map[string]any{"case_id": w.Case.CaseID, "ids": equipmentIDs},
			},
		}
		if len(validations) > 0 {
			steps = append(steps, struct {
				query  string
				params map[string]any
			}{
				query: `
					UNWIND $validations AS v
					MATCH (c:HistoricalCase {case_id: $case_id})
					MATCH (e:Equipment {id: v.equipment_id})
					MERGE (c)-[r:VALIDATES]->(e)
					SET r.quantity = v.quantity,
					    r.confidence = v.confidence,
					    r.context = v.context,
					    r.effectiveness = coalesce(v.effectiveness, r.effectiveness)
				`,
				params: map[string]any{"case_id": w.Case.CaseID, "validations": validations},
			})
		}

		for _, step := range steps {
			res, err := tx.Run(ctx, step.query, step.params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

const evidenceQuery = `
	MATCH (d:Disaster {name: $disaster})-[r:REQUIRES]->(e:Equipment)
	WHERE r.min_magnitude <= $magnitude
	WITH e, r
	ORDER BY r.min_magnitude DESC, r.quantity DESC
	WITH e, collect(r)[0] AS r
	OPTIONAL MATCH (c:HistoricalCase {disaster_type: $disaster})-[v:VALIDATES]->(e)
	WITH e, r, c, v
	ORDER BY c.case_id
	WITH e, r,
	     count(v) AS case_count,
	     avg(v.quantity) AS avg_quantity,
	     collect(CASE WHEN v IS NULL THEN NULL ELSE {
	         case_id: c.case_id,
	         rag_chunk_id: coalesce(c.rag_chunk_id, ''),
	         location: coalesce(c.location, ''),
	         date: coalesce(c.date, ''),
	         quantity: v.quantity,
	         confidence: coalesce(v.confidence, 0.0),
	         context: coalesce(v.context, '')
	     } END) AS cases
	RETURN e.id AS id, e.name AS name, coalesce(e.display_name, '') AS display_name,
	       coalesce(e.aliases, []) AS aliases,
	       r.quantity AS quantity, r.min_magnitude AS min_magnitude, coalesce(r.source, '') AS source,
	       case_count, avg_quantity, cases
	ORDER BY id
`

func (c *Client) TraverseEvidence(ctx context.Context, disasterType string, magnitude float64) ([]kg.EvidenceRecord, error) {
	out, err := c.executeRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, evidenceQuery, map[string]any{
			"disaster":  disasterType,
			"magnitude": magnitude,
		})
		if err != nil {
			return nil, err
		}

		var records []kg.EvidenceRecord
		for res.Next(ctx) {
			records = append(records, evidenceFromRecord(disasterType, res.Record()))
		}
		if err := res.Err(); err != nil {
			return nil, fmt.Errorf("error iterating results: %w", err)
		}
		return records, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to traverse evidence for %s: %w", disasterType, err)
	}

	records := out.([]kg.EvidenceRecord)
	logger.Debug("KG evidence traversal completed",
		zap.String("disaster_type", disasterType),
		zap.Float64("magnitude", magnitude),
		zap.Int("equipment_rows", len(records)),
	)
	return records, nil
}

func collectNodes(ctx context.Context, tx neo4j.ManagedTransaction, kind kg.NodeKind, query string, params map[string]any) ([]kg.Node, error) {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	nodes := []kg.Node{}
	for res.Next(ctx) {
		nodes = append(nodes, nodeFromRecord(kind, res.Record()))
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return nodes, nil
}

func nodeFromRecord(kind kg.NodeKind, record *neo4j.Record) kg.Node {
	id, _ := record.Get("id")
	name, _ := record.Get("name")
	display, _ := record.Get("display_name")
	aliases, _ := record.Get("aliases")

	return kg.Node{
		ID:          asString(id),
		Kind:        kind,
		Name:        asString(name),
		DisplayName: asString(display),
		Aliases:     asStrings(aliases),
	}
}

func evidenceFromRecord(disasterType string, record *neo4j.Record) kg.EvidenceRecord {
	equipment := nodeFromRecord(kg.KindEquipment, record)
	quantity, _ := record.Get("quantity")
	minMagnitude, _ := record.Get("min_magnitude")
	source, _ := record.Get("source")
	count, _ := record.Get("case_count")
	avg, _ := record.Get("avg_quantity")
	rawCases, _ := record.Get("cases")

	rec := kg.EvidenceRecord{
		Equipment: equipment,
		Requirement: kg.Requirement{
			DisasterName: disasterType,
			EquipmentID:  equipment.ID,
			Quantity:     asInt(quantity),
			MinMagnitude: asFloat(minMagnitude),
			Source:       asString(source),
		},
		CaseCount: asInt(count),
		Cases:     casesFromList(rawCases),
	}
	if v, ok := avg.(float64); ok && rec.CaseCount > 0 {
		rec.AvgQuantity = &v
	}
	return rec
}

func casesFromList(raw any) []kg.ValidatingCase {
	list, _ := raw.([]any)
	out := make([]kg.ValidatingCase, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, kg.ValidatingCase{
			CaseID:     asString(m["case_id"]),
			RagChunkID: asString(m["rag_chunk_id"]),
			Location:   asString(m["location"]),
			Date:       asString(m["date"]),
			Quantity:   asInt(m["quantity"]),
			Confidence: asFloat(m["confidence"]),
			Context:    asString(m["context"]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out
}

func validationParams(w kg.CaseWrite) []map[string]any {
	out := make([]map[string]any, 0, len(w.Validations))
	for _, v := range w.Validations {
		var effectiveness any
		if v.Effectiveness != nil {
			effectiveness = *v.Effectiveness
		}
		out = append(out, map[string]any{
			"equipment_id":  v.EquipmentID,
			"quantity":      int64(v.Quantity),
			"confidence":    v.Confidence,
			"context":       v.Context,
			"effectiveness": effectiveness,
		})
	}
	return out
}

func distinct(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}
