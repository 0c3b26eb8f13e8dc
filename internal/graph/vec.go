package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/vthunder/patterngraph/internal/logging"
)

// initVecTable determines the embedding dimension from the first stored
// summary embedding and builds the vec index. No-ops on an empty graph.
func (g *DB) initVecTable() error {
	var embBytes []byte
	err := g.db.QueryRow(`SELECT embedding FROM entity_summaries WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // nothing embedded yet; defer to first summary
	}
	var emb64 []float64
	if err := json.Unmarshal(embBytes, &emb64); err != nil || len(emb64) == 0 {
		return nil
	}
	return g.ensureVecTable(len(emb64))
}

// ensureVecTable creates summary_vec for the given dimension and backfills
// existing summaries. The vec0 rowid is the entity_summaries rowid.
func (g *DB) ensureVecTable(dim int) error {
	g.vecMu.Lock()
	defer g.vecMu.Unlock()

	if g.vecDim == dim {
		return nil
	}
	if g.vecDim != 0 && g.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, g.vecDim)
	}

	_, err := g.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS summary_vec USING vec0(
			embedding float[%d],
			+summary_id TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create summary_vec(float[%d]): %w", dim, err)
	}
	g.vecDim = dim

	rows, err := g.db.Query(`SELECT rowid, id, embedding FROM entity_summaries WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	var count int
	for rows.Next() {
		var rowid int64
		var id string
		var emb []byte
		if err := rows.Scan(&rowid, &id, &emb); err != nil {
			continue
		}
		emb64, err := LoadEmbeddingJSON(emb)
		if err != nil || len(emb64) != dim {
			continue
		}
		if err := g.writeVec(context.Background(), rowid, id, emb64); err != nil {
			logging.Warn("graph", "vec backfill failed for %s: %v", id, err)
			continue
		}
		count++
	}
	if count > 0 {
		logging.Info("graph", "vec backfill: indexed %d summaries (dim=%d)", count, dim)
	}
	return nil
}

func (g *DB) writeVec(ctx context.Context, rowid int64, summaryID string, emb []float64) error {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return err
	}
	// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
	g.db.ExecContext(ctx, `DELETE FROM summary_vec WHERE rowid = ?`, rowid)
	_, err = g.db.ExecContext(ctx, `INSERT INTO summary_vec(rowid, embedding, summary_id) VALUES (?, ?, ?)`,
		rowid, serialized, summaryID)
	return err
}

// indexSummaryVec adds a freshly created summary to the vec index. Failures
// only cost search recall, so they are logged and swallowed.
func (g *DB) indexSummaryVec(ctx context.Context, entityID, entityType string, emb []float64) {
	if err := g.ensureVecTable(len(emb)); err != nil {
		logging.Warn("graph", "vec index skipped: %v", err)
		return
	}
	var rowid int64
	var id string
	err := g.db.QueryRowContext(ctx, `SELECT rowid, id FROM entity_summaries WHERE entity_id = ? AND entity_type = ?`,
		entityID, entityType).Scan(&rowid, &id)
	if err != nil {
		return
	}
	if err := g.writeVec(ctx, rowid, id, emb); err != nil {
		logging.Warn("graph", "vec index failed for %s: %v", id, err)
	}
}

// SimilarSummaries returns up to k visible summaries nearest to embedding by
// cosine similarity. Uses the vec index when available, else a full scan.
func (g *DB) SimilarSummaries(ctx context.Context, scope Scope, embedding []float64, k int) ([]SimilarSummary, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}

	g.vecMu.Lock()
	dim := g.vecDim
	g.vecMu.Unlock()

	if g.vecAvailable && dim == len(embedding) {
		return g.similarVec(ctx, scope, embedding, k)
	}
	return g.similarScan(ctx, scope, embedding, k)
}

func (g *DB) similarVec(ctx context.Context, scope Scope, embedding []float64, k int) ([]SimilarSummary, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(embedding)))
	if err != nil {
		return nil, fmt.Errorf("serialize query: %w", err)
	}

	// Over-fetch so the ownership filter still leaves k candidates.
	filter, args := scope.SQL("s")
	q := fmt.Sprintf(`
		WITH knn AS (
			SELECT rowid, distance FROM summary_vec
			WHERE embedding MATCH ? AND k = ?
		)
		SELECT %s, knn.distance FROM knn
		JOIN entity_summaries s ON s.rowid = knn.rowid
		WHERE %s
		ORDER BY knn.distance ASC LIMIT ?`, summarySelect("s"), filter)
	qargs := append([]any{serialized, k * 4}, args...)
	rows, err := g.db.QueryContext(ctx, q, append(qargs, k)...)
	if err != nil {
		return nil, fmt.Errorf("vec search: %w", err)
	}
	defer rows.Close()

	var out []SimilarSummary
	for rows.Next() {
		var dist float64
		s, err := scanSummaryWith(rows, &dist)
		if err != nil {
			return nil, err
		}
		out = append(out, SimilarSummary{Summary: s, Similarity: l2ToCosineSim(dist)})
	}
	return out, rows.Err()
}

func (g *DB) similarScan(ctx context.Context, scope Scope, embedding []float64, k int) ([]SimilarSummary, error) {
	filter, args := scope.SQL("s")
	q := fmt.Sprintf(`SELECT %s FROM entity_summaries s WHERE s.embedding IS NOT NULL AND %s`, summarySelect("s"), filter)
	all, err := g.querySummaries(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := make([]SimilarSummary, 0, len(all))
	for _, s := range all {
		out = append(out, SimilarSummary{Summary: s, Similarity: CosineSimilarity(embedding, s.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// scanSummaryWith scans a summary row followed by extra trailing columns
func scanSummaryWith(row scanner, extra ...any) (*EntitySummary, error) {
	var captured []any
	wrapped := scanFunc(func(dest ...any) error {
		captured = append(dest, extra...)
		return row.Scan(captured...)
	})
	return scanSummary(wrapped)
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }
