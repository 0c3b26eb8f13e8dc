package patterns

import (
	"context"
	"fmt"
	"time"

	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/metrics"
)

// Work rhythms
const (
	RhythmRapidFire   = "rapid-fire"
	RhythmSteadyFlow  = "steady-flow"
	RhythmInterrupted = "interrupted"
	RhythmUnknown     = "unknown"
)

// GapStats summarises the minute gaps between consecutive session members
type GapStats struct {
	Avg float64
	Max int
	Min int // smallest non-zero gap, 0 if every gap is zero
}

// Gaps returns the whole-minute gaps between consecutive timestamps
func Gaps(times []time.Time) []int {
	if len(times) < 2 {
		return nil
	}
	gaps := make([]int, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, int(times[i].Sub(times[i-1])/time.Minute))
	}
	return gaps
}

// Stats computes avg, max and min (ignoring zero gaps)
func Stats(gaps []int) GapStats {
	var s GapStats
	if len(gaps) == 0 {
		return s
	}
	sum := 0
	for _, g := range gaps {
		sum += g
		if g > s.Max {
			s.Max = g
		}
		if g > 0 && (s.Min == 0 || g < s.Min) {
			s.Min = g
		}
	}
	s.Avg = float64(sum) / float64(len(gaps))
	return s
}

// Classify maps gap statistics to a work rhythm
func Classify(s GapStats) string {
	switch {
	case s.Avg < 5 && s.Max < 10:
		return RhythmRapidFire
	case s.Avg >= 5 && s.Avg <= 15 && s.Max < 30:
		return RhythmSteadyFlow
	case s.Avg > 15 || s.Max > 30:
		return RhythmInterrupted
	}
	return RhythmUnknown
}

// DetectTemporal classifies the rhythm of recent sessions that have no pattern yet
func (d *Detector) DetectTemporal(ctx context.Context, scope graph.Scope) (int, error) {
	now := d.now()
	sessions, err := d.store.SessionsWithoutPatterns(ctx, scope, now.Add(-d.SessionLookback), d.SessionLimit)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	merged := 0
	for _, sess := range sessions {
		members, err := d.store.SessionMembers(ctx, scope, sess.ID)
		if err != nil {
			return merged, fmt.Errorf("session members %s: %w", sess.ID, err)
		}
		if len(members) <= 3 {
			continue
		}

		times := make([]time.Time, len(members))
		for i, m := range members {
			times[i] = m.CreatedAt
		}
		stats := Stats(Gaps(times))
		rhythm := Classify(stats)
		if rhythm == RhythmUnknown {
			logging.Debug("patterns", "session %s rhythm unknown (avg=%.1f max=%d)", sess.ID, stats.Avg, stats.Max)
			continue
		}

		id := fmt.Sprintf("temporal-%s-%s", rhythm, sess.ID)
		u := patternUpsert(id, "temporal", graph.ScopeSession, sess.ID, sess.Owner, now)
		u.OnCreate["frequency"] = 1
		u.OnMatch["frequency"] = graph.Add{Delta: 1}
		u.Always["name"] = rhythm + " session"
		u.Always["confidence"] = 0.7
		u.Always["stability"] = 0.8
		u.Always["metadata"] = graph.PatternMetadata{
			SchemaVersion: graph.MetadataSchemaVersion,
			Rhythm:        rhythm,
			AvgGap:        stats.Avg,
			MaxGap:        stats.Max,
			MinGap:        stats.Min,
			EntityCount:   len(members),
		}
		if err := d.store.UpsertNode(ctx, u); err != nil {
			return merged, fmt.Errorf("merge temporal pattern: %w", err)
		}
		if err := d.store.UpsertEdge(ctx, graph.EdgeUpsert{
			Type:      graph.EdgeExhibitsPattern,
			FromLabel: graph.LabelSession,
			FromID:    sess.ID,
			ToLabel:   graph.LabelPattern,
			ToID:      id,
			Weight:    0.7,
			CreatedAt: now,
		}); err != nil {
			return merged, fmt.Errorf("link temporal pattern: %w", err)
		}
		metrics.Get().PatternsMerged.WithLabelValues("temporal").Inc()
		merged++
	}
	return merged, nil
}
