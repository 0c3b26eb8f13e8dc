package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v6/neo4j"

	"github.com/vthunder/patterngraph/internal/logging"
)

// Neo4jConfig holds connection settings for the Neo4j backend
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

// Neo4j is the Neo4j-backed property graph. Node labels and relationship
// types match the SQLite backend's tables one to one.
type Neo4j struct {
	driver   neo4j.Driver
	database string
}

var knownEdges = map[EdgeType]bool{
	EdgeSummarizes:      true,
	EdgeHasSummary:      true,
	EdgeContainsEntity:  true,
	EdgeExhibitsPattern: true,
}

// OpenNeo4j connects to Neo4j and ensures merge-key constraints exist
func OpenNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4j, error) {
	driver, err := neo4j.NewDriver(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}

	n := &Neo4j{driver: driver, database: cfg.Database}
	if err := n.ensureConstraints(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	logging.Info("graph", "connected to neo4j at %s", cfg.URI)
	return n, nil
}

// Close closes the driver
func (n *Neo4j) Close() error {
	return n.driver.Close(context.Background())
}

func (n *Neo4j) ensureConstraints(ctx context.Context) error {
	stmts := []string{
		"CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (n:Memory) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT code_entity_id IF NOT EXISTS FOR (n:CodeEntity) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT entity_summary_key IF NOT EXISTS FOR (n:EntitySummary) REQUIRE (n.entity_id, n.entity_type) IS UNIQUE",
		"CREATE CONSTRAINT session_id IF NOT EXISTS FOR (n:SessionSummary) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT pattern_id IF NOT EXISTS FOR (n:PatternSummary) REQUIRE n.id IS UNIQUE",
		"CREATE INDEX entity_summary_id IF NOT EXISTS FOR (n:EntitySummary) ON (n.id)",
		"CREATE INDEX entity_summary_created IF NOT EXISTS FOR (n:EntitySummary) ON (n.created_at)",
	}
	for _, stmt := range stmts {
		if err := n.write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("ensure constraints: %w", err)
		}
	}
	return nil
}

func (n *Neo4j) sessionConfig(mode neo4j.AccessMode) neo4j.SessionConfig {
	return neo4j.SessionConfig{AccessMode: mode, DatabaseName: n.database}
}

func (n *Neo4j) write(ctx context.Context, cypher string, params map[string]any) error {
	session := n.driver.NewSession(ctx, n.sessionConfig(neo4j.AccessModeWrite))
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

// writeCount runs a write that returns a single count column
func (n *Neo4j) writeCount(ctx context.Context, cypher string, params map[string]any) (int, error) {
	session := n.driver.NewSession(ctx, n.sessionConfig(neo4j.AccessModeWrite))
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return rec.Values[0], nil
	})
	if err != nil {
		return 0, err
	}
	return int(asInt64(out)), nil
}

func (n *Neo4j) read(ctx context.Context, cypher string, params map[string]any, fn func(*neo4j.Record) error) error {
	session := n.driver.NewSession(ctx, n.sessionConfig(neo4j.AccessModeRead))
	defer session.Close(ctx)

	_, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		for res.Next(ctx) {
			if err := fn(res.Record()); err != nil {
				return nil, err
			}
		}
		return nil, res.Err()
	})
	return err
}

// buildCypherUpsert renders a NodeUpsert as MERGE ... ON CREATE SET ... ON MATCH SET ... SET
func buildCypherUpsert(u NodeUpsert) (string, map[string]any, error) {
	if err := u.validate(); err != nil {
		return "", nil, err
	}
	params := map[string]any{}
	put := func(prefix, k string, v any) (string, error) {
		cv, err := neo4jValue(v)
		if err != nil {
			return "", fmt.Errorf("%s.%s: %w", u.Label, k, err)
		}
		name := prefix + "_" + k
		params[name] = cv
		return "$" + name, nil
	}

	var keyParts []string
	for _, k := range sortedKeys(u.Key) {
		p, err := put("k", k, u.Key[k])
		if err != nil {
			return "", nil, err
		}
		keyParts = append(keyParts, fmt.Sprintf("%s: %s", k, p))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE (n:%s {%s})", u.Label, strings.Join(keyParts, ", "))

	if len(u.OnCreate) > 0 {
		var sets []string
		for _, k := range sortedKeys(u.OnCreate) {
			p, err := put("c", k, plain(u.OnCreate[k]))
			if err != nil {
				return "", nil, err
			}
			sets = append(sets, fmt.Sprintf("n.%s = %s", k, p))
		}
		b.WriteString("\nON CREATE SET " + strings.Join(sets, ", "))
	}

	if len(u.OnMatch) > 0 {
		var sets []string
		for _, k := range sortedKeys(u.OnMatch) {
			switch e := u.OnMatch[k].(type) {
			case Add:
				p, err := put("m", k, e.Delta)
				if err != nil {
					return "", nil, err
				}
				sets = append(sets, fmt.Sprintf("n.%[1]s = coalesce(n.%[1]s, 0) + %[2]s", k, p))
			case Greatest:
				p, err := put("m", k, e.Value)
				if err != nil {
					return "", nil, err
				}
				sets = append(sets, fmt.Sprintf("n.%[1]s = CASE WHEN n.%[1]s IS NULL OR n.%[1]s < %[2]s THEN %[2]s ELSE n.%[1]s END", k, p))
			default:
				p, err := put("m", k, e)
				if err != nil {
					return "", nil, err
				}
				sets = append(sets, fmt.Sprintf("n.%s = %s", k, p))
			}
		}
		b.WriteString("\nON MATCH SET " + strings.Join(sets, ", "))
	}

	if len(u.Always) > 0 {
		var sets []string
		for _, k := range sortedKeys(u.Always) {
			p, err := put("a", k, u.Always[k])
			if err != nil {
				return "", nil, err
			}
			sets = append(sets, fmt.Sprintf("n.%s = %s", k, p))
		}
		b.WriteString("\nSET " + strings.Join(sets, ", "))
	}
	return b.String(), params, nil
}

func buildCypherEdge(e EdgeUpsert, now time.Time) (string, map[string]any, error) {
	if err := e.validate(); err != nil {
		return "", nil, err
	}
	if !knownEdges[e.Type] {
		return "", nil, fmt.Errorf("unknown edge type %q", e.Type)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	weight := e.Weight
	if weight == 0 {
		weight = 1.0
	}
	q := fmt.Sprintf(`MATCH (a:%s {id: $from})
MATCH (b:%s {id: $to})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.weight = $weight, r.created_at = $created
SET r.updated_at = $now`, e.FromLabel, e.ToLabel, e.Type)
	return q, map[string]any{
		"from":    e.FromID,
		"to":      e.ToID,
		"weight":  weight,
		"created": created.UTC(),
		"now":     now.UTC(),
	}, nil
}

// UpsertNode merges a node by its logical key
func (n *Neo4j) UpsertNode(ctx context.Context, u NodeUpsert) error {
	q, params, err := buildCypherUpsert(u)
	if err != nil {
		return err
	}
	if err := n.write(ctx, q, params); err != nil {
		return fmt.Errorf("upsert %s: %w", u.Label, err)
	}
	return nil
}

// UpsertEdge merges a relationship on (type, from, to)
func (n *Neo4j) UpsertEdge(ctx context.Context, e EdgeUpsert) error {
	q, params, err := buildCypherEdge(e, time.Now())
	if err != nil {
		return err
	}
	if err := n.write(ctx, q, params); err != nil {
		return fmt.Errorf("upsert edge %s: %w", e.Type, err)
	}
	return nil
}

func mergeParams(dst map[string]any, src ...map[string]any) map[string]any {
	for _, m := range src {
		for k, v := range m {
			dst[k] = v
		}
	}
	return dst
}

// queryNodes runs a read and decodes the node in column v of each record
func (n *Neo4j) queryNodes(ctx context.Context, cypher string, params map[string]any, v string, fn func(map[string]any) error) error {
	return n.read(ctx, cypher, params, func(rec *neo4j.Record) error {
		raw, ok := rec.Get(v)
		if !ok {
			return fmt.Errorf("missing column %q", v)
		}
		node, ok := raw.(neo4j.Node)
		if !ok {
			return fmt.Errorf("column %q is %T, not a node", v, raw)
		}
		return fn(node.Props)
	})
}

// GetEntity returns a visible entity by id
func (n *Neo4j) GetEntity(ctx context.Context, scope Scope, t EntityType, id string) (*Entity, error) {
	filter, sp := scope.Cypher("n")
	q := fmt.Sprintf("MATCH (n:%s {id: $id}) WHERE %s RETURN n LIMIT 1", t.Label(), filter)
	var out *Entity
	err := n.queryNodes(ctx, q, mergeParams(map[string]any{"id": id}, sp), "n", func(p map[string]any) error {
		e, err := entityFromProps(p)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// FindEntityByHash returns the latest visible entity with the content hash and an embedding
func (n *Neo4j) FindEntityByHash(ctx context.Context, scope Scope, t EntityType, hash string) (*Entity, error) {
	filter, sp := scope.Cypher("n")
	q := fmt.Sprintf(`MATCH (n:%s {content_hash: $hash})
WHERE n.embedding IS NOT NULL AND %s
RETURN n ORDER BY n.updated_at DESC LIMIT 1`, t.Label(), filter)
	var out *Entity
	err := n.queryNodes(ctx, q, mergeParams(map[string]any{"hash": hash}, sp), "n", func(p map[string]any) error {
		e, err := entityFromProps(p)
		out = e
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// FindSummary returns the summary of an entity, if one exists and is visible
func (n *Neo4j) FindSummary(ctx context.Context, scope Scope, t EntityType, entityID string) (*EntitySummary, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf("MATCH (s:EntitySummary {entity_id: $eid, entity_type: $etype}) WHERE %s RETURN s LIMIT 1", filter)
	out, err := n.summaries(ctx, q, mergeParams(map[string]any{"eid": entityID, "etype": string(t)}, sp))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// SimilarSummaries ranks visible summaries by vector.similarity.cosine.
// Neo4j rescales cosine to [0,1]; it is mapped back to [-1,1] here.
func (n *Neo4j) SimilarSummaries(ctx context.Context, scope Scope, embedding []float64, k int) ([]SimilarSummary, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (s:EntitySummary)
WHERE s.embedding IS NOT NULL AND size(s.embedding) = size($emb) AND %s
WITH s, vector.similarity.cosine(s.embedding, $emb) AS sim
ORDER BY sim DESC LIMIT $k
RETURN s, sim`, filter)
	var out []SimilarSummary
	err := n.read(ctx, q, mergeParams(map[string]any{"emb": embedding, "k": k}, sp), func(rec *neo4j.Record) error {
		raw, _ := rec.Get("s")
		node, ok := raw.(neo4j.Node)
		if !ok {
			return fmt.Errorf("unexpected %T for summary", raw)
		}
		s, err := summaryFromProps(node.Props)
		if err != nil {
			return err
		}
		sim, _ := rec.Get("sim")
		out = append(out, SimilarSummary{Summary: s, Similarity: 2*asFloat(sim) - 1})
		return nil
	})
	return out, err
}

func (n *Neo4j) summaries(ctx context.Context, q string, params map[string]any) ([]*EntitySummary, error) {
	var out []*EntitySummary
	err := n.queryNodes(ctx, q, params, "s", func(p map[string]any) error {
		s, err := summaryFromProps(p)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func (n *Neo4j) sessions(ctx context.Context, q string, params map[string]any) ([]*SessionSummary, error) {
	var out []*SessionSummary
	err := n.queryNodes(ctx, q, params, "s", func(p map[string]any) error {
		s, err := sessionFromProps(p)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func (n *Neo4j) patterns(ctx context.Context, q string, params map[string]any) ([]*PatternSummary, error) {
	var out []*PatternSummary
	err := n.queryNodes(ctx, q, params, "p", func(props map[string]any) error {
		p, err := patternFromProps(props)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// LatestSession returns the latest session for (userID, project) ending at or after endedAfter
func (n *Neo4j) LatestSession(ctx context.Context, scope Scope, userID, project string, endedAfter time.Time) (*SessionSummary, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (s:SessionSummary)
WHERE s.user_id = $user AND s.project_name = $project AND s.end_time >= $after AND %s
RETURN s ORDER BY s.end_time DESC LIMIT 1`, filter)
	out, err := n.sessions(ctx, q, mergeParams(map[string]any{
		"user": userID, "project": project, "after": endedAfter.UTC(),
	}, sp))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// GetSession returns a visible session by id
func (n *Neo4j) GetSession(ctx context.Context, scope Scope, id string) (*SessionSummary, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf("MATCH (s:SessionSummary {id: $id}) WHERE %s RETURN s LIMIT 1", filter)
	out, err := n.sessions(ctx, q, mergeParams(map[string]any{"id": id}, sp))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// SessionsWithoutPatterns returns recently active sessions not yet linked to any pattern
func (n *Neo4j) SessionsWithoutPatterns(ctx context.Context, scope Scope, endedAfter time.Time, limit int) ([]*SessionSummary, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (s:SessionSummary)
WHERE s.end_time > $after AND %s AND NOT EXISTS { (s)-[:EXHIBITS_PATTERN]->() }
RETURN s ORDER BY s.end_time DESC LIMIT $limit`, filter)
	return n.sessions(ctx, q, mergeParams(map[string]any{"after": endedAfter.UTC(), "limit": limit}, sp))
}

// SessionMembers returns session members ordered by creation; both endpoints are filtered
func (n *Neo4j) SessionMembers(ctx context.Context, scope Scope, sessionID string) ([]*EntitySummary, error) {
	sFilter, sp := scope.Cypher("sess")
	mFilter, mp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (sess:SessionSummary {id: $id})-[:CONTAINS_ENTITY]->(s:EntitySummary)
WHERE %s AND %s
RETURN s ORDER BY s.created_at ASC`, sFilter, mFilter)
	return n.summaries(ctx, q, mergeParams(map[string]any{"id": sessionID}, sp, mp))
}

// SummarySession returns the visible session that already contains the summary
func (n *Neo4j) SummarySession(ctx context.Context, scope Scope, summaryID string) (*SessionSummary, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (s:SessionSummary)-[:CONTAINS_ENTITY]->(:EntitySummary {id: $id})
WHERE %s
RETURN s ORDER BY s.end_time DESC LIMIT 1`, filter)
	out, err := n.sessions(ctx, q, mergeParams(map[string]any{"id": summaryID}, sp))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// ActiveProjects returns (project, user) pairs with summaries created since the given time
func (n *Neo4j) ActiveProjects(ctx context.Context, scope Scope, since time.Time, limit int) ([]ProjectActivity, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (s:EntitySummary)
WHERE s.created_at > $since AND %s
RETURN coalesce(s.project_name, '') AS project, coalesce(s.user_id, '') AS user, count(s) AS activity
ORDER BY activity DESC LIMIT $limit`, filter)
	var out []ProjectActivity
	err := n.read(ctx, q, mergeParams(map[string]any{"since": since.UTC(), "limit": limit}, sp), func(rec *neo4j.Record) error {
		project, _ := rec.Get("project")
		user, _ := rec.Get("user")
		activity, _ := rec.Get("activity")
		out = append(out, ProjectActivity{ProjectName: asString(project), UserID: asString(user), Count: int(asInt64(activity))})
		return nil
	})
	return out, err
}

// DebuggingSummaries returns debugging-signalled summaries for one project and user
func (n *Neo4j) DebuggingSummaries(ctx context.Context, scope Scope, project, userID string, since time.Time) ([]*EntitySummary, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (s:EntitySummary)
WHERE s.project_name = $project AND s.user_id = $user AND s.is_debugging = true AND s.created_at > $since AND %s
RETURN s ORDER BY s.created_at ASC`, filter)
	return n.summaries(ctx, q, mergeParams(map[string]any{"project": project, "user": userID, "since": since.UTC()}, sp))
}

// RecentSummaries returns the newest visible summaries created since the given time
func (n *Neo4j) RecentSummaries(ctx context.Context, scope Scope, since time.Time, limit int) ([]*EntitySummary, error) {
	filter, sp := scope.Cypher("s")
	q := fmt.Sprintf(`MATCH (s:EntitySummary)
WHERE s.created_at > $since AND %s
RETURN s ORDER BY s.created_at DESC LIMIT $limit`, filter)
	return n.summaries(ctx, q, mergeParams(map[string]any{"since": since.UTC(), "limit": limit}, sp))
}

// GetPattern returns a visible pattern by id
func (n *Neo4j) GetPattern(ctx context.Context, scope Scope, id string) (*PatternSummary, error) {
	filter, sp := scope.Cypher("p")
	q := fmt.Sprintf("MATCH (p:PatternSummary {id: $id}) WHERE %s RETURN p LIMIT 1", filter)
	out, err := n.patterns(ctx, q, mergeParams(map[string]any{"id": id}, sp))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out[0], nil
}

// ListPatterns returns visible patterns by descending confidence
func (n *Neo4j) ListPatterns(ctx context.Context, scope Scope, limit int) ([]*PatternSummary, error) {
	filter, sp := scope.Cypher("p")
	q := fmt.Sprintf("MATCH (p:PatternSummary) WHERE %s RETURN p ORDER BY p.confidence DESC, p.last_updated DESC LIMIT $limit", filter)
	return n.patterns(ctx, q, mergeParams(map[string]any{"limit": limit}, sp))
}

// PatternEvidence returns EXHIBITS_PATTERN edges whose endpoints are both visible
func (n *Neo4j) PatternEvidence(ctx context.Context, scope Scope, patternID string) ([]Edge, error) {
	pFilter, pp := scope.Cypher("p")
	sFilter, sp := scope.Cypher("src")
	q := fmt.Sprintf(`MATCH (src)-[r:EXHIBITS_PATTERN]->(p:PatternSummary {id: $id})
WHERE %s AND %s
RETURN src.id AS from_id, r.weight AS weight, r.created_at AS created_at
ORDER BY r.created_at ASC`, pFilter, sFilter)
	var out []Edge
	err := n.read(ctx, q, mergeParams(map[string]any{"id": patternID}, pp, sp), func(rec *neo4j.Record) error {
		from, _ := rec.Get("from_id")
		weight, _ := rec.Get("weight")
		created, _ := rec.Get("created_at")
		out = append(out, Edge{
			Type:      EdgeExhibitsPattern,
			FromID:    asString(from),
			ToID:      patternID,
			Weight:    asFloat(weight),
			CreatedAt: asTime(created),
		})
		return nil
	})
	return out, err
}

// DecayPatterns lowers confidence and stability of stale patterns
func (n *Neo4j) DecayPatterns(ctx context.Context, p DecayPolicy) (int, error) {
	q := `MATCH (p:PatternSummary)
WHERE p.last_validated < $stale
SET p.confidence = p.confidence * $factor,
    p.stability = CASE
        WHEN p.stability > $floor THEN CASE WHEN p.stability - $step < $floor THEN $floor ELSE p.stability - $step END
        ELSE p.stability END,
    p.last_updated = $now
RETURN count(p)`
	n2, err := n.writeCount(ctx, q, map[string]any{
		"stale": p.StaleBefore.UTC(), "factor": p.Factor, "floor": p.StabilityFloor,
		"step": p.StabilityStep, "now": p.Now.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("decay patterns: %w", err)
	}
	return n2, nil
}

// BoostPatterns raises confidence of patterns with enough fresh evidence
func (n *Neo4j) BoostPatterns(ctx context.Context, p BoostPolicy) (int, error) {
	q := `MATCH ()-[r:EXHIBITS_PATTERN]->(p:PatternSummary)
WHERE r.created_at >= $since
WITH p, count(r) AS cnt
WHERE cnt > $min
SET p.confidence = CASE
        WHEN p.confidence >= $cap THEN p.confidence
        WHEN p.confidence + $step > $cap THEN $cap
        ELSE p.confidence + $step END,
    p.frequency = coalesce(p.frequency, 0) + cnt,
    p.last_validated = $now,
    p.last_updated = $now
RETURN count(p)`
	n2, err := n.writeCount(ctx, q, map[string]any{
		"since": p.EvidenceSince.UTC(), "min": p.MinEvidence, "cap": p.Cap,
		"step": p.Step, "now": p.Now.UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("boost patterns: %w", err)
	}
	return n2, nil
}

// ActiveWorkspaces lists workspaces with summaries created since the given time
func (n *Neo4j) ActiveWorkspaces(ctx context.Context, since time.Time) ([]string, error) {
	q := `MATCH (s:EntitySummary)
WHERE s.created_at > $since AND s.workspace_id <> ''
RETURN DISTINCT s.workspace_id AS ws ORDER BY ws`
	var out []string
	err := n.read(ctx, q, map[string]any{"since": since.UTC()}, func(rec *neo4j.Record) error {
		ws, _ := rec.Get("ws")
		out = append(out, asString(ws))
		return nil
	})
	return out, err
}

// Stats returns node counts per label and the relationship count
func (n *Neo4j) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}
	for _, label := range []Label{LabelMemory, LabelCodeEntity, LabelEntitySummary, LabelSession, LabelPattern} {
		q := fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS c", label)
		err := n.read(ctx, q, nil, func(rec *neo4j.Record) error {
			stats[nodeSchemas[label].table] = int(asInt64(rec.Values[0]))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	err := n.read(ctx, "MATCH ()-[r]->() RETURN count(r) AS c", nil, func(rec *neo4j.Record) error {
		stats["edges"] = int(asInt64(rec.Values[0]))
		return nil
	})
	return stats, err
}

// Property decoding. Bolt returns int64 for integers, []any for lists and
// time.Time for DateTime values; JSON-encoded structures are strings.

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	}
	return 0
}

func asTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	}
	return time.Time{}
}

func asFloats(v any) []float64 {
	switch x := v.(type) {
	case []float64:
		return x
	case []any:
		out := make([]float64, 0, len(x))
		for _, f := range x {
			out = append(out, asFloat(f))
		}
		return out
	}
	return nil
}

func asStrings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, s := range x {
			out = append(out, asString(s))
		}
		return out
	case string:
		var out []string
		json.Unmarshal([]byte(x), &out)
		return out
	}
	return nil
}

func unmarshalProp[T any](v any, dst *T) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func ownerFromProps(p map[string]any) Owner {
	return Owner{
		UserID:      asString(p["user_id"]),
		TeamID:      asString(p["team_id"]),
		WorkspaceID: asString(p["workspace_id"]),
	}
}

func entityFromProps(p map[string]any) (*Entity, error) {
	e := &Entity{
		ID:          asString(p["id"]),
		Type:        EntityType(asString(p["entity_type"])),
		Content:     asString(p["content"]),
		Name:        asString(p["name"]),
		Path:        asString(p["path"]),
		Language:    asString(p["language"]),
		ProjectName: asString(p["project_name"]),
		ChunkID:     asString(p["chunk_id"]),
		SessionID:   asString(p["session_id"]),
		ContentHash: asString(p["content_hash"]),
		Embedding:   asFloats(p["embedding"]),
		CreatedAt:   asTime(p["created_at"]),
		UpdatedAt:   asTime(p["updated_at"]),
		Owner:       ownerFromProps(p),
	}
	if err := unmarshalProp(p["metadata"], &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return e, nil
}

func summaryFromProps(p map[string]any) (*EntitySummary, error) {
	s := &EntitySummary{
		ID:          asString(p["id"]),
		EntityID:    asString(p["entity_id"]),
		EntityType:  EntityType(asString(p["entity_type"])),
		ProjectName: asString(p["project_name"]),
		Embedding:   asFloats(p["embedding"]),
		CreatedAt:   asTime(p["created_at"]),
		UpdatedAt:   asTime(p["updated_at"]),
		ProcessedAt: asTime(p["processed_at"]),
		Owner:       ownerFromProps(p),
	}
	if err := unmarshalProp(p["keyword_frequencies"], &s.KeywordFrequencies); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if err := unmarshalProp(p["pattern_signals"], &s.Signals); err != nil {
		return nil, fmt.Errorf("decode signals: %w", err)
	}
	return s, nil
}

func sessionFromProps(p map[string]any) (*SessionSummary, error) {
	return &SessionSummary{
		ID:               asString(p["id"]),
		ProjectName:      asString(p["project_name"]),
		StartTime:        asTime(p["start_time"]),
		EndTime:          asTime(p["end_time"]),
		EntityCount:      int(asInt64(p["entity_count"])),
		DominantPatterns: asStrings(p["dominant_patterns"]),
		CreatedAt:        asTime(p["created_at"]),
		UpdatedAt:        asTime(p["updated_at"]),
		Owner:            ownerFromProps(p),
	}, nil
}

func patternFromProps(props map[string]any) (*PatternSummary, error) {
	p := &PatternSummary{
		ID:               asString(props["id"]),
		PatternType:      asString(props["pattern_type"]),
		ScopeType:        asString(props["scope_type"]),
		ScopeID:          asString(props["scope_id"]),
		Name:             asString(props["name"]),
		Description:      asString(props["description"]),
		Confidence:       asFloat(props["confidence"]),
		Frequency:        int(asInt64(props["frequency"])),
		Stability:        asFloat(props["stability"]),
		FirstDetected:    asTime(props["first_detected"]),
		LastValidated:    asTime(props["last_validated"]),
		LastUpdated:      asTime(props["last_updated"]),
		ExampleEntityIDs: asStrings(props["example_entity_ids"]),
		Owner:            ownerFromProps(props),
	}
	if err := unmarshalProp(props["metadata"], &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return p, nil
}
