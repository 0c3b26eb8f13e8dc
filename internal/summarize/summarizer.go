// Package summarize derives an EntitySummary (keywords, behavioural signals,
// scores and embedding) for each ingested entity.
package summarize

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

// Summarizer writes at most one summary per entity
type Summarizer struct {
	store      graph.Store
	classifier Classifier
	now        func() time.Time
}

// New creates a summarizer. A nil classifier uses the default lexicon.
func New(store graph.Store, classifier Classifier) *Summarizer {
	if classifier == nil {
		classifier = DefaultLexicon()
	}
	return &Summarizer{store: store, classifier: classifier, now: time.Now}
}

// Result is the outcome of one Summarize call
type Result struct {
	Summary *graph.EntitySummary
	Created bool // false when an existing summary was only touched
}

// Summarize returns the entity's summary, creating it on first sight. For an
// entity that already has one, only updated_at and processed_at move.
func (s *Summarizer) Summarize(ctx context.Context, e *graph.Entity, embedding []float64) (*Result, error) {
	owner := e.Owner.Normalize()
	scope := owner.Scope()
	now := s.now()
	m := metrics.Get()

	existing, err := s.store.FindSummary(ctx, scope, e.Type, e.ID)
	switch {
	case err == nil:
		if err := s.store.UpsertNode(ctx, graph.SummaryUpsert(existing, now)); err != nil {
			return nil, fmt.Errorf("touch summary: %w", err)
		}
		logging.Debug("summarize", "summary exists for %s %s, touched", e.Type, e.ID)
		m.SummariesCreated.WithLabelValues(string(e.Type), "existing").Inc()
		return &Result{Summary: existing}, nil
	case !errors.Is(err, graph.ErrNotFound):
		return nil, fmt.Errorf("find summary: %w", err)
	}

	summary := s.build(e, owner, embedding)
	if err := s.store.UpsertNode(ctx, graph.SummaryUpsert(summary, now)); err != nil {
		return nil, fmt.Errorf("upsert summary: %w", err)
	}

	// A concurrent writer may have won the merge; link to whichever node exists.
	// Not finding it means the merged row belongs to another tenant.
	stored, err := s.store.FindSummary(ctx, scope, e.Type, e.ID)
	if err != nil {
		return nil, fmt.Errorf("re-read summary for %s %s: %w", e.Type, e.ID, err)
	}
	summary = stored

	for _, edge := range []graph.EdgeUpsert{
		{Type: graph.EdgeSummarizes, FromLabel: graph.LabelEntitySummary, FromID: summary.ID, ToLabel: e.Type.Label(), ToID: e.ID, CreatedAt: now},
		{Type: graph.EdgeHasSummary, FromLabel: e.Type.Label(), FromID: e.ID, ToLabel: graph.LabelEntitySummary, ToID: summary.ID, CreatedAt: now},
	} {
		if err := s.store.UpsertEdge(ctx, edge); err != nil {
			return nil, fmt.Errorf("link summary: %w", err)
		}
	}

	m.SummariesCreated.WithLabelValues(string(e.Type), "created").Inc()
	logging.Debug("summarize", "created summary %s for %s %s (debugging=%v)", summary.ID, e.Type, e.ID, summary.Signals.IsDebugging)
	return &Result{Summary: summary, Created: true}, nil
}

func (s *Summarizer) build(e *graph.Entity, owner graph.Owner, embedding []float64) *graph.EntitySummary {
	keywords := s.classifier.Classify(e.Content)
	signals := Signals(keywords, e.Metadata.Intent)
	signals.ComplexityScore = ComplexityScore(e.Content)
	if e.Type == graph.EntityCode {
		signals.Code = CodeSignals(e)
	}

	project := e.ProjectName
	if project == "" {
		project = graph.DefaultProject
	}
	return &graph.EntitySummary{
		ID:                 uuid.NewString(),
		EntityID:           e.ID,
		EntityType:         e.Type,
		ProjectName:        project,
		Embedding:          embedding,
		KeywordFrequencies: keywords,
		Signals:            signals,
		Owner:              owner,
	}
}
