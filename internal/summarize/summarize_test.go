package summarize

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vthunder/patterngraph/internal/graph"
)

func setupTestDB(t *testing.T) (*graph.DB, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "summarize-test-*")
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

func TestLexiconClassify(t *testing.T) {
	l := DefaultLexicon()

	got := l.Classify("Crash on startup: an Error in the auth module. Need to fix this bug; the Problem is real.")
	assert.Equal(t, 3, got["error"]) // crash, error, bug
	assert.Equal(t, 1, got["fix"])
	assert.Equal(t, 1, got["issue"])
	assert.Equal(t, 1, got["component"])
	assert.Equal(t, 1, got["security"])
	_, hasLearn := got["learn"]
	assert.False(t, hasLearn, "absent categories are omitted")

	// whole words only
	got = l.Classify("fixed errors in the prefix")
	assert.Empty(t, got)

	// a word in two categories counts toward both
	got = l.Classify("optimize")
	assert.Equal(t, 1, got["improve"])
	assert.Equal(t, 1, got["performance"])

	assert.Empty(t, l.Classify(""))
}

func TestCustomClassifierTable(t *testing.T) {
	l := NewLexicon([]Category{{Name: "db", Words: []string{"postgres", "sqlite"}}})
	assert.Equal(t, map[string]int{"db": 2}, l.Classify("Postgres or SQLite?"))
}

func TestSignals(t *testing.T) {
	tests := []struct {
		name     string
		keywords map[string]int
		intent   string
		check    func(t *testing.T, s graph.PatternSignals)
	}{
		{"error means debugging", map[string]int{"error": 1}, "", func(t *testing.T, s graph.PatternSignals) {
			assert.True(t, s.IsDebugging)
			assert.False(t, s.IsProblemSolving)
		}},
		{"fix means debugging", map[string]int{"fix": 1}, "", func(t *testing.T, s graph.PatternSignals) {
			assert.True(t, s.IsDebugging)
		}},
		{"issue and fix is problem solving", map[string]int{"issue": 1, "fix": 2}, "", func(t *testing.T, s graph.PatternSignals) {
			assert.True(t, s.IsProblemSolving)
			assert.InDelta(t, 0.3, s.UrgencyScore, 1e-9)
		}},
		{"understand means learning", map[string]int{"understand": 1}, "", func(t *testing.T, s graph.PatternSignals) {
			assert.True(t, s.IsLearning)
		}},
		{"improve means refactoring", map[string]int{"improve": 1}, "", func(t *testing.T, s graph.PatternSignals) {
			assert.True(t, s.IsRefactoring)
		}},
		{"pattern means architecture", map[string]int{"pattern": 1}, "", func(t *testing.T, s graph.PatternSignals) {
			assert.True(t, s.IsArchitecture)
		}},
		{"intent overrides", map[string]int{}, "debugging", func(t *testing.T, s graph.PatternSignals) {
			assert.True(t, s.IsDebugging)
			assert.Equal(t, "debugging", s.Intent)
		}},
		{"urgency caps at one", map[string]int{"error": 8, "fix": 8}, "", func(t *testing.T, s graph.PatternSignals) {
			assert.InDelta(t, 1.0, s.UrgencyScore, 1e-9)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Signals(tt.keywords, tt.intent))
		})
	}
}

func TestComplexityScore(t *testing.T) {
	assert.Equal(t, 0.0, ComplexityScore(""))

	// 500 chars, no fences or terms
	assert.InDelta(t, 0.15, ComplexityScore(strings.Repeat("x", 500)), 1e-9)

	// two fences, one tech term, short text
	text := "```go\nfunction```"
	want := float64(len(text))/1000*0.3 + 0.2*0.3 + 1.0/20*0.4
	assert.InDelta(t, want, ComplexityScore(text), 1e-9)

	huge := strings.Repeat("api database ``` ", 200)
	assert.InDelta(t, 1.0, ComplexityScore(huge), 1e-9)
}

func TestCodeEmbeddingTextAndSignals(t *testing.T) {
	e := &graph.Entity{
		Type:     graph.EntityCode,
		Name:     "auth",
		Path:     "src/auth/login_test.ts",
		Language: "typescript",
		Content:  strings.Repeat("a", 600),
		Metadata: graph.EntityMetadata{
			Functions: []graph.CodeSymbol{{Name: "login"}, {Name: "logout"}},
			Classes:   []graph.CodeSymbol{{Name: "Session"}},
			Imports:   []graph.CodeSymbol{{Source: "react"}},
		},
	}
	text := CodeEmbeddingText(e)
	assert.True(t, strings.HasPrefix(text, "auth src/auth/login_test.ts login logout Session "))
	assert.Equal(t, len("auth src/auth/login_test.ts login logout Session ")+500, len(text))

	cs := CodeSignals(e)
	assert.True(t, cs.HasFunctions)
	assert.True(t, cs.HasClasses)
	assert.True(t, cs.HasImports)
	assert.False(t, cs.HasExports)
	assert.True(t, cs.IsTestFile)
	assert.False(t, cs.IsConfigFile)
	assert.Equal(t, 2, cs.FunctionCount)
	assert.Equal(t, "typescript", cs.Language)
}

func TestSummarizeIsIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	e := &graph.Entity{
		ID:      "mem-1",
		Type:    graph.EntityMemory,
		Content: "Hit an error in the parser, trying a fix",
		Owner:   graph.Owner{UserID: "alice"},
	}
	require.NoError(t, db.UpsertNode(ctx, graph.EntityUpsert(e, time.Now())))

	s := New(db, nil)
	clock := time.Now().UTC()
	s.now = func() time.Time { return clock }

	first, err := s.Summarize(ctx, e, []float64{1, 0})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.Summary.Signals.IsDebugging)

	clock = clock.Add(time.Minute)
	second, err := s.Summarize(ctx, e, []float64{0, 1})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Summary.ID, second.Summary.ID)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["entity_summaries"])
	assert.Equal(t, 2, stats["edges"])

	stored, err := db.FindSummary(ctx, graph.NewScope("", "alice", ""), graph.EntityMemory, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, stored.Embedding, "first record kept")
	assert.WithinDuration(t, clock, stored.UpdatedAt, time.Millisecond)
	assert.WithinDuration(t, clock, stored.ProcessedAt, time.Millisecond)
}

func TestSummarizeCodeEntity(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	e := &graph.Entity{
		ID: "code-1", Type: graph.EntityCode, Path: "config/app.json", Language: "json",
		Content: `{"test": true}`, ProjectName: "web",
		Owner: graph.Owner{UserID: "bob", WorkspaceID: "team:core"},
	}
	res, err := New(db, nil).Summarize(ctx, e, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Summary.Signals.Code)
	assert.True(t, res.Summary.Signals.Code.IsConfigFile)
	assert.Equal(t, "core", res.Summary.TeamID)
	assert.Equal(t, "web", res.Summary.ProjectName)
}

func TestSummarizeRefusesOtherTenantsRow(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// bob already has a summary for an entity with the same id
	bobs := &graph.EntitySummary{
		ID: "sum-bob", EntityID: "shared", EntityType: graph.EntityMemory,
		Owner: graph.Owner{UserID: "bob"},
	}
	require.NoError(t, db.UpsertNode(ctx, graph.SummaryUpsert(bobs, time.Now())))

	e := &graph.Entity{
		ID:      "shared",
		Type:    graph.EntityMemory,
		Content: "notes on the deploy",
		Owner:   graph.Owner{UserID: "alice"},
	}
	_, err := New(db, nil).Summarize(ctx, e, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrNotFound)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["entity_summaries"])
	assert.Equal(t, 0, stats["edges"], "nothing linked to an unsaved summary")
}
