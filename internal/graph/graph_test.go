package graph

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "graph-test-*")
	require.NoError(t, err)

	db, err := Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
	return db, cleanup
}

func addSummary(t *testing.T, db *DB, s *EntitySummary, at time.Time) {
	t.Helper()
	require.NoError(t, db.UpsertNode(context.Background(), SummaryUpsert(s, at)))
}

func addPattern(t *testing.T, db *DB, p *PatternSummary) {
	t.Helper()
	require.NoError(t, db.UpsertNode(context.Background(), NodeUpsert{
		Label: LabelPattern,
		Key:   Props{"id": p.ID},
		OnCreate: Props{
			"pattern_type":   p.PatternType,
			"scope_type":     p.ScopeType,
			"scope_id":       p.ScopeID,
			"user_id":        p.UserID,
			"team_id":        p.TeamID,
			"workspace_id":   p.WorkspaceID,
			"confidence":     p.Confidence,
			"frequency":      p.Frequency,
			"stability":      p.Stability,
			"first_detected": p.FirstDetected,
			"last_validated": p.LastValidated,
			"metadata":       p.Metadata,
		},
		Always: Props{"last_updated": p.LastUpdated},
	}))
}

func TestEntityUpsertIsIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := &Entity{
		ID:          "mem-1",
		Type:        EntityMemory,
		Content:     "fixed the login bug",
		ContentHash: "h1",
		Embedding:   []float64{0.1, 0.2, 0.3},
		Owner:       Owner{UserID: "alice"},
	}
	require.NoError(t, db.UpsertNode(ctx, EntityUpsert(e, first)))

	e.Content = "fixed the login bug again"
	require.NoError(t, db.UpsertNode(ctx, EntityUpsert(e, first.Add(time.Minute))))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["memories"])

	got, err := db.GetEntity(ctx, NewScope("", "alice", ""), EntityMemory, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "fixed the login bug again", got.Content)
	assert.Equal(t, "user:alice", got.WorkspaceID)
	assert.Equal(t, DefaultProject, got.ProjectName)
	assert.True(t, got.CreatedAt.Equal(first), "created_at kept from first write")
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, got.Embedding)
}

func TestSummaryUpsertKeepsFirstRecord(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := &EntitySummary{
		ID: "sum-1", EntityID: "mem-1", EntityType: EntityMemory,
		KeywordFrequencies: map[string]int{"error": 2},
		Signals:            PatternSignals{IsDebugging: true},
		Owner:              Owner{UserID: "alice"},
	}
	addSummary(t, db, s, now)

	s.ID = "sum-2"
	s.KeywordFrequencies = map[string]int{}
	addSummary(t, db, s, now.Add(time.Second))

	got, err := db.FindSummary(ctx, NewScope("", "alice", ""), EntityMemory, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "sum-1", got.ID)
	assert.Equal(t, 2, got.KeywordFrequencies["error"])
	assert.True(t, got.Signals.IsDebugging)
	assert.True(t, got.ProcessedAt.After(got.CreatedAt))
}

func TestOwnershipVisibility(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	e := &Entity{ID: "mem-a", Type: EntityMemory, Content: "x", Owner: Owner{UserID: "A", WorkspaceID: "user:A"}}
	require.NoError(t, db.UpsertNode(ctx, EntityUpsert(e, time.Now())))
	teamEntity := &Entity{ID: "mem-t", Type: EntityMemory, Content: "y", Owner: Owner{UserID: "C", WorkspaceID: "team:T"}}
	require.NoError(t, db.UpsertNode(ctx, EntityUpsert(teamEntity, time.Now())))

	tests := []struct {
		name    string
		scope   Scope
		id      string
		visible bool
	}{
		{"own workspace", NewScope("user:A", "A", ""), "mem-a", true},
		{"team workspace with own user", NewScope("team:T", "A", ""), "mem-a", true},
		{"other user", NewScope("user:B", "B", ""), "mem-a", false},
		{"other team", NewScope("team:Z", "B", ""), "mem-a", false},
		{"zero scope", Scope{}, "mem-a", false},
		{"team member sees team node", NewScope("team:T", "B", ""), "mem-t", true},
		{"outsider misses team node", NewScope("team:Z", "B", ""), "mem-t", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.GetEntity(ctx, tt.scope, EntityMemory, tt.id)
			if tt.visible {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		})
	}
}

func TestScopeFragments(t *testing.T) {
	frag, args := Scope{}.SQL("s")
	assert.Equal(t, "(1 = 0)", frag)
	assert.Empty(t, args)

	frag, args = NewScope("team:T", "A", "").SQL("s")
	assert.Contains(t, frag, "s.workspace_id = ?")
	assert.Contains(t, frag, "s.team_id = ?")
	assert.Contains(t, args, "T")
	assert.Contains(t, args, "user:A")

	cy, params := NewScope("user:A", "A", "").Cypher("m")
	assert.Contains(t, cy, "m.workspace_id = $m_scope_ws")
	assert.Equal(t, "A", params["m_scope_user"])

	cy, _ = Scope{}.Cypher("m")
	assert.Equal(t, "false", cy)
}

func TestSessionUpsertExtends(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	start := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Millisecond)
	s := &SessionSummary{ID: "sess-1", ProjectName: "p", Owner: Owner{UserID: "alice"}}
	require.NoError(t, db.UpsertNode(ctx, SessionUpsert(s, start)))
	require.NoError(t, db.UpsertNode(ctx, SessionUpsert(s, start.Add(5*time.Minute))))
	// An out-of-order arrival never moves end_time backwards
	require.NoError(t, db.UpsertNode(ctx, SessionUpsert(s, start.Add(time.Minute))))

	scope := NewScope("", "alice", "")
	got, err := db.GetSession(ctx, scope, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.EntityCount)
	assert.True(t, got.StartTime.Equal(start))
	assert.True(t, got.EndTime.Equal(start.Add(5*time.Minute)))

	latest, err := db.LatestSession(ctx, scope, "alice", "p", start)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", latest.ID)

	_, err = db.LatestSession(ctx, scope, "alice", "p", start.Add(time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionMembersFiltersBothEndpoints(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	sess := &SessionSummary{ID: "sess-1", ProjectName: "p", Owner: Owner{UserID: "A"}}
	require.NoError(t, db.UpsertNode(ctx, SessionUpsert(sess, now)))

	mine := &EntitySummary{ID: "s-mine", EntityID: "m1", EntityType: EntityMemory, Owner: Owner{UserID: "A"}}
	foreign := &EntitySummary{ID: "s-foreign", EntityID: "m2", EntityType: EntityMemory, Owner: Owner{UserID: "B"}}
	addSummary(t, db, mine, now)
	addSummary(t, db, foreign, now.Add(time.Second))

	for _, id := range []string{"s-mine", "s-foreign"} {
		require.NoError(t, db.UpsertEdge(ctx, EdgeUpsert{
			Type: EdgeContainsEntity, FromLabel: LabelSession, FromID: "sess-1",
			ToLabel: LabelEntitySummary, ToID: id,
		}))
	}

	members, err := db.SessionMembers(ctx, NewScope("", "A", ""), "sess-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "s-mine", members[0].ID)

	members, err = db.SessionMembers(ctx, NewScope("", "B", ""), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, members, "session itself is invisible to B")
}

func TestEdgeUpsertKeepsWeight(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	p := &PatternSummary{ID: "pat-1", PatternType: "temporal", ScopeType: ScopeSession, Owner: Owner{UserID: "A", WorkspaceID: "user:A"},
		Confidence: 0.7, Stability: 0.8, LastValidated: created, LastUpdated: created}
	addPattern(t, db, p)
	sess := &SessionSummary{ID: "sess-1", Owner: Owner{UserID: "A"}}
	require.NoError(t, db.UpsertNode(ctx, SessionUpsert(sess, created)))

	edge := EdgeUpsert{Type: EdgeExhibitsPattern, FromLabel: LabelSession, FromID: "sess-1",
		ToLabel: LabelPattern, ToID: "pat-1", Weight: 0.7, CreatedAt: created}
	require.NoError(t, db.UpsertEdge(ctx, edge))
	edge.Weight = 0.2
	edge.CreatedAt = time.Now()
	require.NoError(t, db.UpsertEdge(ctx, edge))

	ev, err := db.PatternEvidence(ctx, NewScope("user:A", "A", ""), "pat-1")
	require.NoError(t, err)
	require.Len(t, ev, 1)
	assert.InDelta(t, 0.7, ev[0].Weight, 1e-9)
	assert.True(t, ev[0].CreatedAt.Equal(created))
}

func TestDecayPatterns(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-8 * 24 * time.Hour)
	owner := Owner{UserID: "A", WorkspaceID: "user:A"}
	addPattern(t, db, &PatternSummary{ID: "stale", PatternType: "temporal", Owner: owner,
		Confidence: 0.8, Stability: 0.8, LastValidated: old, LastUpdated: old})
	addPattern(t, db, &PatternSummary{ID: "floor", PatternType: "temporal", Owner: owner,
		Confidence: 0.5, Stability: 0.35, LastValidated: old, LastUpdated: old})
	addPattern(t, db, &PatternSummary{ID: "fresh", PatternType: "temporal", Owner: owner,
		Confidence: 0.8, Stability: 0.8, LastValidated: now, LastUpdated: now})

	n, err := db.DecayPatterns(ctx, DecayPolicy{
		StaleBefore: now.Add(-7 * 24 * time.Hour), Factor: 0.9,
		StabilityStep: 0.1, StabilityFloor: 0.3, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scope := owner.Scope()
	stale, err := db.GetPattern(ctx, scope, "stale")
	require.NoError(t, err)
	assert.InDelta(t, 0.72, stale.Confidence, 1e-9)
	assert.InDelta(t, 0.7, stale.Stability, 1e-9)

	floor, err := db.GetPattern(ctx, scope, "floor")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, floor.Stability, 1e-9)

	fresh, err := db.GetPattern(ctx, scope, "fresh")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, fresh.Confidence, 1e-9)
}

func TestBoostPatterns(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	owner := Owner{UserID: "A", WorkspaceID: "user:A"}
	addPattern(t, db, &PatternSummary{ID: "busy", PatternType: "debugging", Owner: owner,
		Confidence: 0.88, Frequency: 6, Stability: 0.7, LastValidated: now.Add(-2 * time.Hour), LastUpdated: now})
	addPattern(t, db, &PatternSummary{ID: "quiet", PatternType: "debugging", Owner: owner,
		Confidence: 0.5, Frequency: 1, Stability: 0.7, LastValidated: now, LastUpdated: now})
	addPattern(t, db, &PatternSummary{ID: "high", PatternType: "llm", Owner: owner,
		Confidence: 0.95, Frequency: 1, Stability: 0.7, LastValidated: now, LastUpdated: now})

	link := func(pattern string, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, db.UpsertEdge(ctx, EdgeUpsert{
				Type: EdgeExhibitsPattern, FromLabel: LabelEntitySummary, FromID: pattern + "-src-" + string(rune('a'+i)),
				ToLabel: LabelPattern, ToID: pattern, Weight: 0.5, CreatedAt: now.Add(-time.Minute),
			}))
		}
	}
	link("busy", 3)
	link("quiet", 2)
	link("high", 3)

	n, err := db.BoostPatterns(ctx, BoostPolicy{
		EvidenceSince: now.Add(-24 * time.Hour), MinEvidence: 2, Step: 0.05, Cap: 0.9, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	scope := owner.Scope()
	busy, err := db.GetPattern(ctx, scope, "busy")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, busy.Confidence, 1e-9)
	assert.Equal(t, 9, busy.Frequency)
	assert.WithinDuration(t, now, busy.LastValidated, time.Second)

	quiet, err := db.GetPattern(ctx, scope, "quiet")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, quiet.Confidence, 1e-9)

	high, err := db.GetPattern(ctx, scope, "high")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, high.Confidence, 1e-9, "boost never lowers confidence")
}

func TestDebuggingSummariesAndActiveProjects(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		addSummary(t, db, &EntitySummary{
			ID: "d" + string(rune('0'+i)), EntityID: "m" + string(rune('0'+i)), EntityType: EntityMemory,
			ProjectName: "api", Signals: PatternSignals{IsDebugging: i%2 == 0},
			Owner: Owner{UserID: "A"},
		}, now.Add(-time.Duration(i)*time.Minute))
	}
	scope := NewScope("user:A", "A", "")

	debug, err := db.DebuggingSummaries(ctx, scope, "api", "A", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, debug, 2)

	active, err := db.ActiveProjects(ctx, scope, now.Add(-time.Hour), 20)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ProjectActivity{ProjectName: "api", UserID: "A", Count: 4}, active[0])

	ws, err := db.ActiveWorkspaces(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"user:A"}, ws)
}

func TestSimilarSummaries(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	addSummary(t, db, &EntitySummary{ID: "near", EntityID: "m1", EntityType: EntityMemory,
		Embedding: []float64{1, 0, 0}, Owner: Owner{UserID: "A"}}, now)
	addSummary(t, db, &EntitySummary{ID: "far", EntityID: "m2", EntityType: EntityMemory,
		Embedding: []float64{0, 1, 0}, Owner: Owner{UserID: "A"}}, now)
	addSummary(t, db, &EntitySummary{ID: "hidden", EntityID: "m3", EntityType: EntityMemory,
		Embedding: []float64{1, 0, 0}, Owner: Owner{UserID: "B"}}, now)

	hits, err := db.SimilarSummaries(ctx, NewScope("", "A", ""), []float64{0.9, 0.1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].Summary.ID)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestUpsertValidation(t *testing.T) {
	_, _, err := buildSQLiteUpsert(NodeUpsert{Label: "Nope", Key: Props{"id": "x"}})
	assert.Error(t, err)

	_, _, err = buildSQLiteUpsert(NodeUpsert{Label: LabelPattern, Key: Props{"id": "x"}, Always: Props{"bogus; DROP": 1}})
	assert.Error(t, err)

	_, _, err = buildSQLiteUpsert(NodeUpsert{Label: LabelPattern, Key: Props{"id": "x"},
		OnCreate: Props{"confidence": 0.5}, Always: Props{"confidence": 0.6}})
	assert.Error(t, err, "always may not overlap on-create")

	q, _, err := buildSQLiteUpsert(NodeUpsert{Label: LabelPattern, Key: Props{"id": "x"},
		OnCreate: Props{"frequency": 1}, OnMatch: Props{"frequency": Add{1}}})
	require.NoError(t, err)
	assert.Contains(t, q, "frequency = COALESCE(frequency, 0) + ?")

	q, _, err = buildSQLiteUpsert(NodeUpsert{Label: LabelPattern, Key: Props{"id": "x"}, OnCreate: Props{"frequency": 1}})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(q, "DO NOTHING"))
}

func TestCypherUpsertRendering(t *testing.T) {
	q, params, err := buildCypherUpsert(SessionUpsert(&SessionSummary{ID: "s1", Owner: Owner{UserID: "A"}}, time.Unix(0, 0)))
	require.NoError(t, err)
	assert.Contains(t, q, "MERGE (n:SessionSummary {id: $k_id})")
	assert.Contains(t, q, "ON CREATE SET")
	assert.Contains(t, q, "n.entity_count = coalesce(n.entity_count, 0) + $m_entity_count")
	assert.Contains(t, q, "CASE WHEN n.end_time IS NULL OR n.end_time < $m_end_time")
	assert.Equal(t, "user:A", params["c_workspace_id"])

	_, _, err = buildCypherEdge(EdgeUpsert{Type: "DROP", FromLabel: LabelSession, FromID: "a", ToLabel: LabelPattern, ToID: "b"}, time.Now())
	assert.Error(t, err)
}

func TestNeo4jRoundTrip(t *testing.T) {
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI not set")
	}
	ctx := context.Background()
	n, err := OpenNeo4j(ctx, Neo4jConfig{URI: uri, User: os.Getenv("NEO4J_USER"), Password: os.Getenv("NEO4J_PASSWORD")})
	require.NoError(t, err)
	defer n.Close()

	id := "neo4j-test-" + time.Now().Format("150405.000")
	s := &SessionSummary{ID: id, ProjectName: "p", Owner: Owner{UserID: "neo"}}
	now := time.Now().UTC()
	require.NoError(t, n.UpsertNode(ctx, SessionUpsert(s, now)))
	require.NoError(t, n.UpsertNode(ctx, SessionUpsert(s, now.Add(time.Minute))))

	got, err := n.GetSession(ctx, NewScope("", "neo", ""), id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.EntityCount)

	_, err = n.GetSession(ctx, NewScope("", "other", ""), id)
	assert.ErrorIs(t, err, ErrNotFound)
}
