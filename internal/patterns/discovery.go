package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/metrics"
)

// ErrMalformedLLMOutput means the model's reply could not be parsed. The
// detection job should be retried.
var ErrMalformedLLMOutput = errors.New("malformed LLM output")

const discoveryPrompt = `You are a pattern detection expert. Analyze these development entity summaries and identify patterns.

SUMMARIES:
%s

Look for:
1. Learning progressions (concepts building on each other)
2. Problem-solving patterns (how issues are approached and resolved)
3. Knowledge gaps (areas needing more exploration)
4. Collaboration opportunities (related work by different users)

Only reference entity ids from the list above.

Respond with JSON only:
{"patterns": [{"type": "...", "name": "...", "confidence": 0.0, "entities": ["id", ...], "description": "...", "recommendations": ["...", ...]}]}`

// promptSummary is what the model sees for each summary
type promptSummary struct {
	ID       string               `json:"id"`
	Type     graph.EntityType     `json:"type"`
	Keywords map[string]int       `json:"keywords"`
	Signals  graph.PatternSignals `json:"signals"`
	Created  time.Time            `json:"created"`
}

type discoveryReply struct {
	Patterns []discoveredPattern `json:"patterns"`
}

type discoveredPattern struct {
	Type            string     `json:"type"`
	Name            string     `json:"name"`
	Confidence      float64    `json:"confidence"`
	Entities        []string   `json:"entities"`
	Description     string     `json:"description"`
	Recommendations stringList `json:"recommendations"`
}

// stringList accepts either a JSON array of strings or a single string
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*l = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// Discover asks the LLM for higher-level patterns in each project's recent
// summaries. Projects with too few summaries are skipped.
func (d *Detector) Discover(ctx context.Context, scope graph.Scope) (int, error) {
	if d.llm == nil {
		return 0, nil
	}
	now := d.now()
	recent, err := d.store.RecentSummaries(ctx, scope, now.Add(-d.DiscoveryLookback), d.DiscoveryLimit)
	if err != nil {
		return 0, fmt.Errorf("recent summaries: %w", err)
	}

	byProject := map[string][]*graph.EntitySummary{}
	for _, s := range recent {
		byProject[s.ProjectName] = append(byProject[s.ProjectName], s)
	}
	projects := make([]string, 0, len(byProject))
	for p := range byProject {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	merged := 0
	var errs []error
	for _, project := range projects {
		group := byProject[project]
		if len(group) < d.DiscoveryMinGroup {
			continue
		}
		n, err := d.discoverProject(ctx, project, group)
		merged += n
		if err != nil {
			logging.Warn("patterns", "discovery for project %s: %v", project, err)
			errs = append(errs, fmt.Errorf("project %s: %w", project, err))
		}
	}
	return merged, errors.Join(errs...)
}

func (d *Detector) discoverProject(ctx context.Context, project string, group []*graph.EntitySummary) (int, error) {
	batch := make(map[string]*graph.EntitySummary, len(group))
	items := make([]promptSummary, 0, len(group))
	for _, s := range group {
		batch[s.ID] = s
		items = append(items, promptSummary{
			ID:       s.ID,
			Type:     s.EntityType,
			Keywords: s.KeywordFrequencies,
			Signals:  s.Signals,
			Created:  s.CreatedAt,
		})
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode summaries: %w", err)
	}

	llmCtx, cancel := context.WithTimeout(ctx, d.LLMTimeout)
	defer cancel()
	reply, err := d.llm.Complete(llmCtx, fmt.Sprintf(discoveryPrompt, string(data)))
	if err != nil {
		return 0, fmt.Errorf("discovery completion: %w", err)
	}

	patterns, err := parseDiscovery(reply)
	if err != nil {
		return 0, err
	}

	now := d.now()
	merged := 0
	for _, p := range patterns {
		refs := make([]string, 0, len(p.Entities))
		seen := map[string]bool{}
		for _, id := range p.Entities {
			if _, ok := batch[id]; ok && !seen[id] {
				seen[id] = true
				refs = append(refs, id)
			}
		}
		patternType := slug(p.Type)
		if patternType == "" || len(refs) == 0 {
			logging.Debug("patterns", "dropping discovered pattern %q: no type or no known entities", p.Name)
			continue
		}
		confidence := math.Max(0, math.Min(p.Confidence, 1))

		owner := batch[refs[0]].Owner.Normalize()
		id := discoveredID(owner.WorkspaceID, project, patternType, refs)
		u := patternUpsert(id, patternType, graph.ScopeAnalysis, project, owner, now)
		u.OnCreate["name"] = p.Name
		u.OnCreate["description"] = p.Description
		u.OnCreate["confidence"] = confidence
		u.OnCreate["frequency"] = len(refs)
		u.OnCreate["stability"] = 0.5
		u.OnCreate["example_entity_ids"] = refs
		u.OnCreate["metadata"] = graph.PatternMetadata{
			SchemaVersion:   graph.MetadataSchemaVersion,
			Recommendations: p.Recommendations,
			EntityCount:     len(refs),
		}
		if err := d.store.UpsertNode(ctx, u); err != nil {
			return merged, fmt.Errorf("merge discovered pattern: %w", err)
		}
		for _, ref := range refs {
			if err := d.store.UpsertEdge(ctx, graph.EdgeUpsert{
				Type:      graph.EdgeExhibitsPattern,
				FromLabel: graph.LabelEntitySummary,
				FromID:    ref,
				ToLabel:   graph.LabelPattern,
				ToID:      id,
				Weight:    confidence,
				CreatedAt: now,
			}); err != nil {
				return merged, fmt.Errorf("link discovered pattern: %w", err)
			}
		}
		metrics.Get().PatternsMerged.WithLabelValues("llm").Inc()
		merged++
	}
	return merged, nil
}

// discoveredID names a discovered pattern by what it is about, so the same
// finding over the same summaries merges on a later pass
func discoveredID(workspaceID, project, patternType string, refs []string) string {
	sorted := append([]string(nil), refs...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, part := range append([]string{workspaceID, project, patternType}, sorted...) {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("llm-%s-%s", patternType, hex.EncodeToString(h.Sum(nil))[:16])
}

// parseDiscovery decodes the model reply, tolerating markdown fences
func parseDiscovery(reply string) ([]discoveredPattern, error) {
	var out discoveryReply
	if err := json.Unmarshal([]byte(extractJSON(reply)), &out); err != nil {
		return nil, fmt.Errorf("%w: %v (response: %s)", ErrMalformedLLMOutput, err, logging.Truncate(reply, 200))
	}
	return out.Patterns, nil
}

// extractJSON pulls JSON out of a markdown code block, or returns the input
func extractJSON(s string) string {
	if start := strings.Index(s, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if start := strings.Index(s, "```"); start != -1 {
		start += 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			content := strings.TrimSpace(s[start : start+end])
			if !strings.HasPrefix(content, "{") {
				if idx := strings.Index(content, "\n"); idx != -1 {
					content = content[idx+1:]
				}
			}
			return strings.TrimSpace(content)
		}
	}
	return strings.TrimSpace(s)
}

// slug lowercases a model-chosen type and keeps it id-safe
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
