package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/patterngraph/internal/graph"
)

func setupTestDB(t *testing.T) (*graph.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "session-test-*")
	require.NoError(t, err)
	db, err := graph.Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}
	return db, func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}
}

func addSummary(t *testing.T, db *graph.DB, id string, at time.Time) *graph.EntitySummary {
	t.Helper()
	s := &graph.EntitySummary{
		ID: id, EntityID: "entity-" + id, EntityType: graph.EntityMemory,
		ProjectName: "api", Owner: graph.Owner{UserID: "alice"},
	}
	require.NoError(t, db.UpsertNode(context.Background(), graph.SummaryUpsert(s, at)))
	return s
}

func TestSessionBoundaries(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)

	tests := []struct {
		name     string
		gap      time.Duration
		sessions int
	}{
		{"within window", 29 * time.Minute, 1},
		{"past window", 31 * time.Minute, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, cleanup := setupTestDB(t)
			defer cleanup()
			ctx := context.Background()

			agg := NewAggregator(db)
			clock := base
			agg.now = func() time.Time { return clock }

			first, err := agg.Add(ctx, addSummary(t, db, "s1", clock))
			require.NoError(t, err)

			clock = base.Add(tt.gap)
			second, err := agg.Add(ctx, addSummary(t, db, "s2", clock))
			require.NoError(t, err)

			stats, err := db.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.sessions, stats["sessions"])

			if tt.sessions == 1 {
				assert.Equal(t, first, second)
				sess, err := db.GetSession(ctx, graph.NewScope("", "alice", ""), first)
				require.NoError(t, err)
				assert.Equal(t, 2, sess.EntityCount)
				assert.True(t, sess.StartTime.Equal(base))
				assert.True(t, sess.EndTime.Equal(clock))
			} else {
				assert.NotEqual(t, first, second)
			}
		})
	}
}

func TestAddIsIdempotentPerSummary(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	agg := NewAggregator(db)
	s := addSummary(t, db, "s1", time.Now())

	first, err := agg.Add(ctx, s)
	require.NoError(t, err)
	second, err := agg.Add(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	sess, err := db.GetSession(ctx, graph.NewScope("", "alice", ""), first)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.EntityCount)

	members, err := db.SessionMembers(ctx, graph.NewScope("", "alice", ""), first)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "s1", members[0].ID)
}

func TestSessionsSeparatePerProject(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	agg := NewAggregator(db)
	a := addSummary(t, db, "s1", time.Now())
	b := &graph.EntitySummary{ID: "s2", EntityID: "e2", EntityType: graph.EntityMemory, ProjectName: "web", Owner: graph.Owner{UserID: "alice"}}
	require.NoError(t, db.UpsertNode(ctx, graph.SummaryUpsert(b, time.Now())))

	first, err := agg.Add(ctx, a)
	require.NoError(t, err)
	second, err := agg.Add(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
