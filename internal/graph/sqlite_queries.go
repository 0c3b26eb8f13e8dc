package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const entitySelect = `id, entity_type, content, name, path, language, user_id, team_id, workspace_id,
	project_name, chunk_id, session_id, content_hash, embedding, metadata, created_at, updated_at`

func summarySelect(alias string) string {
	cols := []string{"id", "entity_id", "entity_type", "user_id", "team_id", "workspace_id",
		"project_name", "embedding", "keyword_frequencies", "pattern_signals",
		"created_at", "updated_at", "processed_at"}
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + c
	}
	return out
}

const sessionSelect = `id, user_id, team_id, workspace_id, project_name, start_time, end_time,
	entity_count, dominant_patterns, created_at, updated_at`

const patternSelect = `id, pattern_type, scope_type, scope_id, name, description, user_id, team_id,
	workspace_id, confidence, frequency, stability, first_detected, last_validated, last_updated,
	example_entity_ids, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*Entity, error) {
	var e Entity
	var etype string
	var content, name, path, lang, user, team, project, chunk, sess, hash, meta sql.NullString
	var emb []byte
	var created, updated sql.NullInt64
	if err := row.Scan(&e.ID, &etype, &content, &name, &path, &lang, &user, &team, &e.WorkspaceID,
		&project, &chunk, &sess, &hash, &emb, &meta, &created, &updated); err != nil {
		return nil, err
	}
	e.Type = EntityType(etype)
	e.Content, e.Name, e.Path, e.Language = content.String, name.String, path.String, lang.String
	e.UserID, e.TeamID, e.ProjectName = user.String, team.String, project.String
	e.ChunkID, e.SessionID, e.ContentHash = chunk.String, sess.String, hash.String
	e.CreatedAt, e.UpdatedAt = fromMillis(created), fromMillis(updated)
	var err error
	if e.Embedding, err = LoadEmbeddingJSON(emb); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if err := decodeJSON(meta, &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &e, nil
}

func scanSummary(row scanner) (*EntitySummary, error) {
	var s EntitySummary
	var etype string
	var user, team, project, keywords, signals sql.NullString
	var emb []byte
	var created, updated, processed sql.NullInt64
	if err := row.Scan(&s.ID, &s.EntityID, &etype, &user, &team, &s.WorkspaceID, &project,
		&emb, &keywords, &signals, &created, &updated, &processed); err != nil {
		return nil, err
	}
	s.EntityType = EntityType(etype)
	s.UserID, s.TeamID, s.ProjectName = user.String, team.String, project.String
	s.CreatedAt, s.UpdatedAt, s.ProcessedAt = fromMillis(created), fromMillis(updated), fromMillis(processed)
	var err error
	if s.Embedding, err = LoadEmbeddingJSON(emb); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if err := decodeJSON(keywords, &s.KeywordFrequencies); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if err := decodeJSON(signals, &s.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	return &s, nil
}

func scanSession(row scanner) (*SessionSummary, error) {
	var s SessionSummary
	var user, team, project, dominant sql.NullString
	var start, end, created, updated sql.NullInt64
	if err := row.Scan(&s.ID, &user, &team, &s.WorkspaceID, &project, &start, &end,
		&s.EntityCount, &dominant, &created, &updated); err != nil {
		return nil, err
	}
	s.UserID, s.TeamID, s.ProjectName = user.String, team.String, project.String
	s.StartTime, s.EndTime = fromMillis(start), fromMillis(end)
	s.CreatedAt, s.UpdatedAt = fromMillis(created), fromMillis(updated)
	if err := decodeJSON(dominant, &s.DominantPatterns); err != nil {
		return nil, fmt.Errorf("decode dominant patterns: %w", err)
	}
	return &s, nil
}

func scanPattern(row scanner) (*PatternSummary, error) {
	var p PatternSummary
	var scopeID, name, desc, user, team, ws, examples, meta sql.NullString
	var first, validated, updated sql.NullInt64
	if err := row.Scan(&p.ID, &p.PatternType, &p.ScopeType, &scopeID, &name, &desc, &user, &team,
		&ws, &p.Confidence, &p.Frequency, &p.Stability, &first, &validated, &updated,
		&examples, &meta); err != nil {
		return nil, err
	}
	p.ScopeID, p.Name, p.Description = scopeID.String, name.String, desc.String
	p.UserID, p.TeamID, p.WorkspaceID = user.String, team.String, ws.String
	p.FirstDetected, p.LastValidated, p.LastUpdated = fromMillis(first), fromMillis(validated), fromMillis(updated)
	if err := decodeJSON(examples, &p.ExampleEntityIDs); err != nil {
		return nil, fmt.Errorf("decode examples: %w", err)
	}
	if err := decodeJSON(meta, &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &p, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetEntity returns a visible entity by id
func (g *DB) GetEntity(ctx context.Context, scope Scope, t EntityType, id string) (*Entity, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND %s", entitySelect, nodeSchemas[t.Label()].table, filter)
	e, err := scanEntity(g.db.QueryRowContext(ctx, q, append([]any{id}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// FindEntityByHash returns the most recently updated visible entity with the
// given content hash that already carries an embedding.
func (g *DB) FindEntityByHash(ctx context.Context, scope Scope, t EntityType, hash string) (*Entity, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf(`SELECT %s FROM %s
		WHERE content_hash = ? AND embedding IS NOT NULL AND %s
		ORDER BY updated_at DESC LIMIT 1`, entitySelect, nodeSchemas[t.Label()].table, filter)
	e, err := scanEntity(g.db.QueryRowContext(ctx, q, append([]any{hash}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// FindSummary returns the summary of an entity, if one exists and is visible
func (g *DB) FindSummary(ctx context.Context, scope Scope, t EntityType, entityID string) (*EntitySummary, error) {
	filter, args := scope.SQL("s")
	q := fmt.Sprintf(`SELECT %s FROM entity_summaries s
		WHERE s.entity_id = ? AND s.entity_type = ? AND %s`, summarySelect("s"), filter)
	s, err := scanSummary(g.db.QueryRowContext(ctx, q, append([]any{entityID, string(t)}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// LatestSession returns the most recent session for (userID, project) whose
// end_time is at or after endedAfter.
func (g *DB) LatestSession(ctx context.Context, scope Scope, userID, project string, endedAfter time.Time) (*SessionSummary, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf(`SELECT %s FROM sessions
		WHERE user_id = ? AND project_name = ? AND end_time >= ? AND %s
		ORDER BY end_time DESC LIMIT 1`, sessionSelect, filter)
	s, err := scanSession(g.db.QueryRowContext(ctx, q,
		append([]any{userID, project, toMillis(endedAfter)}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// GetSession returns a visible session by id
func (g *DB) GetSession(ctx context.Context, scope Scope, id string) (*SessionSummary, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf("SELECT %s FROM sessions WHERE id = ? AND %s", sessionSelect, filter)
	s, err := scanSession(g.db.QueryRowContext(ctx, q, append([]any{id}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// SessionsWithoutPatterns returns recently active sessions not yet linked to any pattern
func (g *DB) SessionsWithoutPatterns(ctx context.Context, scope Scope, endedAfter time.Time, limit int) ([]*SessionSummary, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf(`SELECT %s FROM sessions
		WHERE end_time > ? AND %s
		AND NOT EXISTS (SELECT 1 FROM edges e WHERE e.from_id = sessions.id AND e.edge_type = ?)
		ORDER BY end_time DESC LIMIT ?`, sessionSelect, filter)
	qargs := append([]any{toMillis(endedAfter)}, args...)
	qargs = append(qargs, string(EdgeExhibitsPattern), limit)

	rows, err := g.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionSummary
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionMembers returns the summaries contained in a session ordered by
// creation time. Both the session and each member must be visible.
func (g *DB) SessionMembers(ctx context.Context, scope Scope, sessionID string) ([]*EntitySummary, error) {
	sFilter, sArgs := scope.SQL("s")
	mFilter, mArgs := scope.SQL("m")
	q := fmt.Sprintf(`SELECT %s FROM edges e
		JOIN sessions s ON s.id = e.from_id
		JOIN entity_summaries m ON m.id = e.to_id
		WHERE e.edge_type = ? AND s.id = ? AND %s AND %s
		ORDER BY m.created_at ASC`, summarySelect("m"), sFilter, mFilter)
	args := append([]any{string(EdgeContainsEntity), sessionID}, sArgs...)
	args = append(args, mArgs...)
	return g.querySummaries(ctx, q, args...)
}

// SummarySession returns the visible session that already contains the summary
func (g *DB) SummarySession(ctx context.Context, scope Scope, summaryID string) (*SessionSummary, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf(`SELECT %s FROM sessions
		WHERE id IN (SELECT from_id FROM edges WHERE edge_type = ? AND to_id = ?) AND %s
		ORDER BY end_time DESC LIMIT 1`, sessionSelect, filter)
	s, err := scanSession(g.db.QueryRowContext(ctx, q, append([]any{string(EdgeContainsEntity), summaryID}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// ActiveProjects returns (project, user) pairs with summaries created since the given time
func (g *DB) ActiveProjects(ctx context.Context, scope Scope, since time.Time, limit int) ([]ProjectActivity, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf(`SELECT COALESCE(project_name, ''), COALESCE(user_id, ''), COUNT(*) AS activity
		FROM entity_summaries WHERE created_at > ? AND %s
		GROUP BY project_name, user_id ORDER BY activity DESC LIMIT ?`, filter)
	qargs := append([]any{toMillis(since)}, args...)
	qargs = append(qargs, limit)

	rows, err := g.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, fmt.Errorf("query active projects: %w", err)
	}
	defer rows.Close()

	var out []ProjectActivity
	for rows.Next() {
		var pa ProjectActivity
		if err := rows.Scan(&pa.ProjectName, &pa.UserID, &pa.Count); err != nil {
			return nil, err
		}
		out = append(out, pa)
	}
	return out, rows.Err()
}

// DebuggingSummaries returns debugging-signalled summaries for one project and user
func (g *DB) DebuggingSummaries(ctx context.Context, scope Scope, project, userID string, since time.Time) ([]*EntitySummary, error) {
	filter, args := scope.SQL("s")
	q := fmt.Sprintf(`SELECT %s FROM entity_summaries s
		WHERE s.project_name = ? AND s.user_id = ? AND s.is_debugging = 1 AND s.created_at > ? AND %s
		ORDER BY s.created_at ASC`, summarySelect("s"), filter)
	return g.querySummaries(ctx, q, append([]any{project, userID, toMillis(since)}, args...)...)
}

// RecentSummaries returns the newest visible summaries created since the given time
func (g *DB) RecentSummaries(ctx context.Context, scope Scope, since time.Time, limit int) ([]*EntitySummary, error) {
	filter, args := scope.SQL("s")
	q := fmt.Sprintf(`SELECT %s FROM entity_summaries s
		WHERE s.created_at > ? AND %s
		ORDER BY s.created_at DESC LIMIT ?`, summarySelect("s"), filter)
	qargs := append([]any{toMillis(since)}, args...)
	return g.querySummaries(ctx, q, append(qargs, limit)...)
}

func (g *DB) querySummaries(ctx context.Context, q string, args ...any) ([]*EntitySummary, error) {
	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []*EntitySummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetPattern returns a visible pattern by id
func (g *DB) GetPattern(ctx context.Context, scope Scope, id string) (*PatternSummary, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf("SELECT %s FROM patterns WHERE id = ? AND %s", patternSelect, filter)
	p, err := scanPattern(g.db.QueryRowContext(ctx, q, append([]any{id}, args...)...))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// ListPatterns returns visible patterns by descending confidence
func (g *DB) ListPatterns(ctx context.Context, scope Scope, limit int) ([]*PatternSummary, error) {
	filter, args := scope.SQL("")
	q := fmt.Sprintf("SELECT %s FROM patterns WHERE %s ORDER BY confidence DESC, last_updated DESC LIMIT ?", patternSelect, filter)
	rows, err := g.db.QueryContext(ctx, q, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []*PatternSummary
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PatternEvidence returns the EXHIBITS_PATTERN edges into a pattern whose
// pattern and source node are both visible.
func (g *DB) PatternEvidence(ctx context.Context, scope Scope, patternID string) ([]Edge, error) {
	pFilter, pArgs := scope.SQL("p")
	sFilter, sArgs := scope.SQL("s")
	mFilter, mArgs := scope.SQL("m")
	q := fmt.Sprintf(`SELECT e.id, e.edge_type, e.from_id, e.to_id, e.weight, e.created_at
		FROM edges e
		JOIN patterns p ON p.id = e.to_id
		LEFT JOIN sessions s ON s.id = e.from_id
		LEFT JOIN entity_summaries m ON m.id = e.from_id
		WHERE e.edge_type = ? AND p.id = ? AND %s AND (%s OR %s)
		ORDER BY e.created_at ASC`, pFilter, sFilter, mFilter)
	args := append([]any{string(EdgeExhibitsPattern), patternID}, pArgs...)
	args = append(args, sArgs...)
	args = append(args, mArgs...)

	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var etype string
		var created sql.NullInt64
		if err := rows.Scan(&e.ID, &etype, &e.FromID, &e.ToID, &e.Weight, &created); err != nil {
			return nil, err
		}
		e.Type = EdgeType(etype)
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DecayPatterns lowers confidence and stability of patterns not validated
// since p.StaleBefore. Returns the number of patterns touched.
func (g *DB) DecayPatterns(ctx context.Context, p DecayPolicy) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE patterns SET
			confidence = confidence * ?,
			stability = CASE WHEN stability > ? THEN MAX(stability - ?, ?) ELSE stability END,
			last_updated = ?
		WHERE last_validated < ?
	`, p.Factor, p.StabilityFloor, p.StabilityStep, p.StabilityFloor, toMillis(p.Now), toMillis(p.StaleBefore))
	if err != nil {
		return 0, fmt.Errorf("decay patterns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// BoostPatterns raises confidence of patterns with more than p.MinEvidence
// EXHIBITS_PATTERN edges created since p.EvidenceSince.
func (g *DB) BoostPatterns(ctx context.Context, p BoostPolicy) (int, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE patterns SET
			confidence = CASE WHEN patterns.confidence >= ? THEN patterns.confidence ELSE MIN(patterns.confidence + ?, ?) END,
			frequency = patterns.frequency + ev.cnt,
			last_validated = ?,
			last_updated = ?
		FROM (
			SELECT to_id, COUNT(*) AS cnt FROM edges
			WHERE edge_type = ? AND created_at >= ?
			GROUP BY to_id HAVING COUNT(*) > ?
		) AS ev
		WHERE patterns.id = ev.to_id
	`, p.Cap, p.Step, p.Cap, toMillis(p.Now), toMillis(p.Now),
		string(EdgeExhibitsPattern), toMillis(p.EvidenceSince), p.MinEvidence)
	if err != nil {
		return 0, fmt.Errorf("boost patterns: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ActiveWorkspaces lists workspaces with summaries created since the given time.
// Used by the scheduler to fan detection out per tenant; it returns ids only.
func (g *DB) ActiveWorkspaces(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id FROM entity_summaries
		WHERE created_at > ? AND workspace_id != '' ORDER BY workspace_id`, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}
