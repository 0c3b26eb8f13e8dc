package graph

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// buildSQLiteUpsert renders a NodeUpsert as INSERT ... ON CONFLICT DO UPDATE
func buildSQLiteUpsert(u NodeUpsert) (string, []any, error) {
	if err := u.validate(); err != nil {
		return "", nil, err
	}
	schema := nodeSchemas[u.Label]

	var cols, marks []string
	var args []any
	appendInsert := func(p Props) error {
		for _, k := range sortedKeys(p) {
			v, err := sqlValue(plain(p[k]))
			if err != nil {
				return fmt.Errorf("%s.%s: %w", u.Label, k, err)
			}
			cols = append(cols, k)
			marks = append(marks, "?")
			args = append(args, v)
		}
		return nil
	}
	if err := appendInsert(u.Key); err != nil {
		return "", nil, err
	}
	if err := appendInsert(u.OnCreate); err != nil {
		return "", nil, err
	}
	if err := appendInsert(u.Always); err != nil {
		return "", nil, err
	}

	var sets []string
	appendSet := func(p Props) error {
		for _, k := range sortedKeys(p) {
			switch e := p[k].(type) {
			case Add:
				v, err := sqlValue(e.Delta)
				if err != nil {
					return err
				}
				sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, 0) + ?", k, k))
				args = append(args, v)
			case Greatest:
				v, err := sqlValue(e.Value)
				if err != nil {
					return err
				}
				sets = append(sets, fmt.Sprintf("%s = MAX(COALESCE(%s, ?), ?)", k, k))
				args = append(args, v, v)
			default:
				v, err := sqlValue(e)
				if err != nil {
					return err
				}
				sets = append(sets, k+" = ?")
				args = append(args, v)
			}
		}
		return nil
	}
	if err := appendSet(u.OnMatch); err != nil {
		return "", nil, err
	}
	if err := appendSet(u.Always); err != nil {
		return "", nil, err
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) ",
		schema.table, strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(schema.key, ", "))
	if len(sets) == 0 {
		q += "DO NOTHING"
	} else {
		q += "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return q, args, nil
}

// UpsertNode merges a node by its logical key
func (g *DB) UpsertNode(ctx context.Context, u NodeUpsert) error {
	q, args, err := buildSQLiteUpsert(u)
	if err != nil {
		return err
	}
	if _, err := g.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", u.Label, err)
	}

	if u.Label == LabelEntitySummary && g.vecAvailable {
		if emb, ok := u.OnCreate["embedding"].([]float64); ok && len(emb) > 0 {
			g.indexSummaryVec(ctx, u.Key["entity_id"].(string), u.Key["entity_type"].(string), emb)
		}
	}
	return nil
}

// UpsertEdge merges a relationship on (type, from, to)
func (g *DB) UpsertEdge(ctx context.Context, e EdgeUpsert) error {
	if err := e.validate(); err != nil {
		return err
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	weight := e.Weight
	if weight == 0 {
		weight = 1.0
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO edges (edge_type, from_label, from_id, to_label, to_id, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(edge_type, from_id, to_id) DO UPDATE SET updated_at = excluded.updated_at
	`, string(e.Type), string(e.FromLabel), e.FromID, string(e.ToLabel), e.ToID, weight,
		toMillis(created), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert edge %s: %w", e.Type, err)
	}
	return nil
}
