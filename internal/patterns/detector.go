// Package patterns mines PatternSummary nodes from sessions and summaries and
// maintains their confidence over time.
package patterns

import (
	"context"
	"errors"
	"time"

	"github.com/vthunder/patterngraph/internal/embedding"
	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/logging"
)

// Detector runs the detection strategies for one tenant scope at a time
type Detector struct {
	store graph.Store
	llm   embedding.Completer // nil disables LLM discovery

	// Temporal
	SessionLookback time.Duration // sessions ending within this window (default 1h)
	SessionLimit    int           // default 10

	// Debugging spikes
	ActivityLookback  time.Duration // active project window (default 6h)
	ProjectLimit      int           // default 20
	DebugLookback     time.Duration // trailing window grouped by day (default 7d)
	DebugSpikeMinimum int           // a day is a spike when count exceeds this (default 5)

	// LLM discovery
	DiscoveryLookback time.Duration // default 2h
	DiscoveryLimit    int           // default 50
	DiscoveryMinGroup int           // default 5
	LLMTimeout        time.Duration // default 60s

	// Sweep
	DecayAfter time.Duration // default 7d
	BoostSince time.Duration // default 24h

	now func() time.Time
}

// NewDetector creates a detector. llm may be nil.
func NewDetector(store graph.Store, llm embedding.Completer) *Detector {
	return &Detector{
		store:             store,
		llm:               llm,
		SessionLookback:   time.Hour,
		SessionLimit:      10,
		ActivityLookback:  6 * time.Hour,
		ProjectLimit:      20,
		DebugLookback:     7 * 24 * time.Hour,
		DebugSpikeMinimum: 5,
		DiscoveryLookback: 2 * time.Hour,
		DiscoveryLimit:    50,
		DiscoveryMinGroup: 5,
		LLMTimeout:        60 * time.Second,
		DecayAfter:        7 * 24 * time.Hour,
		BoostSince:        24 * time.Hour,
		now:               time.Now,
	}
}

// Report counts what one Run merged
type Report struct {
	Temporal   int
	Debugging  int
	Discovered int
}

// Run executes temporal, debugging and LLM detection within scope. A
// failing strategy does not stop the others; their errors are joined.
func (d *Detector) Run(ctx context.Context, scope graph.Scope) (*Report, error) {
	report := &Report{}
	var errs []error

	n, err := d.DetectTemporal(ctx, scope)
	report.Temporal = n
	if err != nil {
		errs = append(errs, err)
	}

	n, err = d.DetectDebugging(ctx, scope)
	report.Debugging = n
	if err != nil {
		errs = append(errs, err)
	}

	if d.llm != nil {
		n, err = d.Discover(ctx, scope)
		report.Discovered = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	logging.Info("patterns", "detection for %s: temporal=%d debugging=%d discovered=%d",
		scopeLabel(scope), report.Temporal, report.Debugging, report.Discovered)
	return report, errors.Join(errs...)
}

func scopeLabel(s graph.Scope) string {
	if s.WorkspaceID != "" {
		return s.WorkspaceID
	}
	if s.UserID != "" {
		return "user:" + s.UserID
	}
	return "team:" + s.TeamID
}

// patternUpsert builds the common part of a pattern merge. Type, scope and
// ownership are fixed at creation.
func patternUpsert(id, patternType, scopeType, scopeID string, owner graph.Owner, now time.Time) graph.NodeUpsert {
	owner = owner.Normalize()
	return graph.NodeUpsert{
		Label: graph.LabelPattern,
		Key:   graph.Props{"id": id},
		OnCreate: graph.Props{
			"pattern_type":   patternType,
			"scope_type":     scopeType,
			"scope_id":       scopeID,
			"user_id":        owner.UserID,
			"team_id":        owner.TeamID,
			"workspace_id":   owner.WorkspaceID,
			"first_detected": now,
		},
		OnMatch: graph.Props{},
		Always: graph.Props{
			"last_validated": now,
			"last_updated":   now,
		},
	}
}
