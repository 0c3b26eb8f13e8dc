package graph

import (
	"context"
	"time"
)

// Writer is the merge-only write surface shared by both backends
type Writer interface {
	UpsertNode(ctx context.Context, u NodeUpsert) error
	UpsertEdge(ctx context.Context, e EdgeUpsert) error
}

// Store is a property graph backend. Every read takes the caller's Scope;
// only the maintenance sweeps and ActiveWorkspaces act across tenants.
type Store interface {
	Writer

	GetEntity(ctx context.Context, scope Scope, t EntityType, id string) (*Entity, error)
	FindEntityByHash(ctx context.Context, scope Scope, t EntityType, hash string) (*Entity, error)
	FindSummary(ctx context.Context, scope Scope, t EntityType, entityID string) (*EntitySummary, error)
	SimilarSummaries(ctx context.Context, scope Scope, embedding []float64, k int) ([]SimilarSummary, error)

	LatestSession(ctx context.Context, scope Scope, userID, project string, endedAfter time.Time) (*SessionSummary, error)
	GetSession(ctx context.Context, scope Scope, id string) (*SessionSummary, error)
	SessionsWithoutPatterns(ctx context.Context, scope Scope, endedAfter time.Time, limit int) ([]*SessionSummary, error)
	SessionMembers(ctx context.Context, scope Scope, sessionID string) ([]*EntitySummary, error)
	SummarySession(ctx context.Context, scope Scope, summaryID string) (*SessionSummary, error)

	ActiveProjects(ctx context.Context, scope Scope, since time.Time, limit int) ([]ProjectActivity, error)
	DebuggingSummaries(ctx context.Context, scope Scope, project, userID string, since time.Time) ([]*EntitySummary, error)
	RecentSummaries(ctx context.Context, scope Scope, since time.Time, limit int) ([]*EntitySummary, error)

	GetPattern(ctx context.Context, scope Scope, id string) (*PatternSummary, error)
	ListPatterns(ctx context.Context, scope Scope, limit int) ([]*PatternSummary, error)
	PatternEvidence(ctx context.Context, scope Scope, patternID string) ([]Edge, error)
	DecayPatterns(ctx context.Context, p DecayPolicy) (int, error)
	BoostPatterns(ctx context.Context, p BoostPolicy) (int, error)

	ActiveWorkspaces(ctx context.Context, since time.Time) ([]string, error)
	Stats(ctx context.Context) (map[string]int, error)
	Close() error
}

// DecayPolicy parameterises the confidence decay sweep
type DecayPolicy struct {
	StaleBefore    time.Time
	Factor         float64 // confidence multiplier
	StabilityStep  float64 // subtracted from stability
	StabilityFloor float64
	Now            time.Time
}

// BoostPolicy parameterises the evidence boost sweep
type BoostPolicy struct {
	EvidenceSince time.Time
	MinEvidence   int // boost when fresh evidence count exceeds this
	Step          float64
	Cap           float64
	Now           time.Time
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*Neo4j)(nil)
)
