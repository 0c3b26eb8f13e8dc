package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/metrics"
)

const maxExamples = 5

// DetectDebugging merges a spike pattern for every UTC day in the trailing
// window where a user logged more than DebugSpikeMinimum debugging summaries
// in one project.
func (d *Detector) DetectDebugging(ctx context.Context, scope graph.Scope) (int, error) {
	now := d.now()
	active, err := d.store.ActiveProjects(ctx, scope, now.Add(-d.ActivityLookback), d.ProjectLimit)
	if err != nil {
		return 0, fmt.Errorf("active projects: %w", err)
	}

	merged := 0
	for _, pa := range active {
		if pa.ProjectName == "" || pa.UserID == "" {
			continue
		}
		summaries, err := d.store.DebuggingSummaries(ctx, scope, pa.ProjectName, pa.UserID, now.Add(-d.DebugLookback))
		if err != nil {
			return merged, fmt.Errorf("debugging summaries %s: %w", pa.ProjectName, err)
		}

		byDay := map[string][]*graph.EntitySummary{}
		for _, s := range summaries {
			day := s.CreatedAt.UTC().Format("2006-01-02")
			byDay[day] = append(byDay[day], s)
		}
		days := make([]string, 0, len(byDay))
		for day := range byDay {
			days = append(days, day)
		}
		sort.Strings(days)

		for _, day := range days {
			group := byDay[day]
			count := len(group)
			if count <= d.DebugSpikeMinimum {
				continue
			}

			examples := make([]string, 0, maxExamples)
			for _, s := range group {
				if len(examples) == maxExamples {
					break
				}
				examples = append(examples, s.ID)
			}
			intensity := "moderate"
			if count > 10 {
				intensity = "high"
			}

			owner := group[0].Owner.Normalize()
			id := spikeID(owner.WorkspaceID, pa.UserID, pa.ProjectName, day)
			u := patternUpsert(id, "debugging", graph.ScopeProject, pa.ProjectName, owner, now)
			u.OnCreate["stability"] = 0.7
			u.OnCreate["frequency"] = count
			u.OnMatch["frequency"] = graph.Greatest{Value: count}
			u.Always["name"] = "debugging spike in " + pa.ProjectName
			u.Always["confidence"] = SpikeConfidence(count)
			u.Always["example_entity_ids"] = examples
			u.Always["metadata"] = graph.PatternMetadata{
				SchemaVersion: graph.MetadataSchemaVersion,
				Day:           day,
				Intensity:     intensity,
				EntityCount:   count,
			}
			if err := d.store.UpsertNode(ctx, u); err != nil {
				return merged, fmt.Errorf("merge debugging pattern: %w", err)
			}
			metrics.Get().PatternsMerged.WithLabelValues("debugging").Inc()
			merged++
		}
	}
	return merged, nil
}

// spikeID includes the tenant; project names repeat across workspaces
func spikeID(workspaceID, userID, project, day string) string {
	return fmt.Sprintf("debugging-spike-%s-%s-%s-%s", workspaceID, userID, project, day)
}

// SpikeConfidence is min(count/10, 0.9)
func SpikeConfidence(count int) float64 {
	return math.Min(float64(count)/10, 0.9)
}
