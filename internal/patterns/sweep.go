package patterns

import (
	"context"
	"fmt"

	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/metrics"
)

// SweepResult counts patterns touched by one sweep
type SweepResult struct {
	Decayed int
	Boosted int
}

// Sweep decays stale patterns and boosts patterns with fresh evidence.
// It runs across all tenants.
func (d *Detector) Sweep(ctx context.Context) (SweepResult, error) {
	now := d.now()
	var res SweepResult

	n, err := d.store.DecayPatterns(ctx, graph.DecayPolicy{
		StaleBefore:    now.Add(-d.DecayAfter),
		Factor:         0.9,
		StabilityStep:  0.1,
		StabilityFloor: 0.3,
		Now:            now,
	})
	if err != nil {
		return res, fmt.Errorf("decay: %w", err)
	}
	res.Decayed = n
	metrics.Get().SweepUpdates.WithLabelValues("decay").Add(float64(n))

	n, err = d.store.BoostPatterns(ctx, graph.BoostPolicy{
		EvidenceSince: now.Add(-d.BoostSince),
		MinEvidence:   2,
		Step:          0.05,
		Cap:           0.9,
		Now:           now,
	})
	if err != nil {
		return res, fmt.Errorf("boost: %w", err)
	}
	res.Boosted = n
	metrics.Get().SweepUpdates.WithLabelValues("boost").Add(float64(n))

	logging.Info("patterns", "sweep: decayed=%d boosted=%d", res.Decayed, res.Boosted)
	return res, nil
}
