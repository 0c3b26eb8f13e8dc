// Package session groups summaries into bursts of activity per user and project.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/metrics"
)

// Aggregator attaches each summary to its user's open session for the project
type Aggregator struct {
	store graph.Store

	// TimeWindow is how long after a session's last activity it still accepts
	// new members (default 30 min)
	TimeWindow time.Duration

	now func() time.Time
}

// NewAggregator creates a new aggregator
func NewAggregator(store graph.Store) *Aggregator {
	return &Aggregator{
		store:      store,
		TimeWindow: 30 * time.Minute,
		now:        time.Now,
	}
}

// Add places the summary in a session and returns that session's id.
// A summary already in a session is left where it is.
func (a *Aggregator) Add(ctx context.Context, summary *graph.EntitySummary) (string, error) {
	owner := summary.Owner.Normalize()
	scope := owner.Scope()

	if existing, err := a.store.SummarySession(ctx, scope, summary.ID); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, graph.ErrNotFound) {
		return "", fmt.Errorf("find summary session: %w", err)
	}

	project := summary.ProjectName
	if project == "" {
		project = graph.DefaultProject
	}
	now := a.now()

	var sessionID string
	latest, err := a.store.LatestSession(ctx, scope, owner.UserID, project, now.Add(-a.TimeWindow))
	switch {
	case err == nil:
		sessionID = latest.ID
	case errors.Is(err, graph.ErrNotFound):
		sessionID = uuid.NewString()
		metrics.Get().SessionsOpened.Inc()
		logging.Debug("session", "opening session %s for %s/%s", sessionID, owner.UserID, project)
	default:
		return "", fmt.Errorf("find latest session: %w", err)
	}

	sess := &graph.SessionSummary{ID: sessionID, ProjectName: project, Owner: owner}
	if err := a.store.UpsertNode(ctx, graph.SessionUpsert(sess, now)); err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}
	if err := a.store.UpsertEdge(ctx, graph.EdgeUpsert{
		Type:      graph.EdgeContainsEntity,
		FromLabel: graph.LabelSession,
		FromID:    sessionID,
		ToLabel:   graph.LabelEntitySummary,
		ToID:      summary.ID,
		CreatedAt: now,
	}); err != nil {
		return "", fmt.Errorf("link session member: %w", err)
	}
	return sessionID, nil
}
