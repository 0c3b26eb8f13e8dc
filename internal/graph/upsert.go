package graph

import (
	"fmt"
	"sort"
	"time"
)

// Props maps property names to values. A value may be a plain Go value, or an
// Add / Greatest expression evaluated against the stored value on match.
type Props map[string]any

// Add increments the stored value by Delta (inserts Delta on create)
type Add struct{ Delta any }

// Greatest keeps the larger of the stored value and Value (inserts Value on create)
type Greatest struct{ Value any }

// NodeUpsert is a merge-by-key write: find the node whose Key properties
// match, create it with Key+OnCreate+Always if absent, otherwise apply
// OnMatch+Always. Every node write in the pipeline goes through this.
type NodeUpsert struct {
	Label    Label
	Key      Props
	OnCreate Props
	OnMatch  Props
	Always   Props
}

// EdgeUpsert merges a relationship on (Type, FromID, ToID). Weight and
// CreatedAt are only written when the edge is first created.
type EdgeUpsert struct {
	Type      EdgeType
	FromLabel Label
	FromID    string
	ToLabel   Label
	ToID      string
	Weight    float64
	CreatedAt time.Time
}

// plain unwraps an expression to the value used on create
func plain(v any) any {
	switch e := v.(type) {
	case Add:
		return e.Delta
	case Greatest:
		return e.Value
	}
	return v
}

func sortedKeys(p Props) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validate checks the upsert against the label's known properties so that
// property names can be interpolated into queries safely.
func (u NodeUpsert) validate() error {
	schema, ok := nodeSchemas[u.Label]
	if !ok {
		return fmt.Errorf("unknown label %q", u.Label)
	}
	if len(u.Key) == 0 {
		return fmt.Errorf("upsert %s: empty key", u.Label)
	}
	keys := sortedKeys(u.Key)
	if !equalStrings(keys, schema.key) {
		return fmt.Errorf("upsert %s: key %v does not match merge key %v", u.Label, keys, schema.key)
	}
	seen := map[string]string{}
	for _, k := range keys {
		seen[k] = "key"
	}
	check := func(part string, p Props) error {
		for k := range p {
			if !schema.columns[k] {
				return fmt.Errorf("upsert %s: unknown property %q", u.Label, k)
			}
			if prev, dup := seen[k]; dup && !(prev == "on_create" && part == "on_match") && !(prev == "on_match" && part == "on_create") {
				return fmt.Errorf("upsert %s: property %q set in both %s and %s", u.Label, k, prev, part)
			}
			seen[k] = part
		}
		return nil
	}
	if err := check("on_create", u.OnCreate); err != nil {
		return err
	}
	if err := check("on_match", u.OnMatch); err != nil {
		return err
	}
	return check("always", u.Always)
}

func (e EdgeUpsert) validate() error {
	if e.Type == "" || e.FromID == "" || e.ToID == "" {
		return fmt.Errorf("edge upsert: type, from and to are required")
	}
	if _, ok := nodeSchemas[e.FromLabel]; !ok {
		return fmt.Errorf("edge upsert %s: unknown from label %q", e.Type, e.FromLabel)
	}
	if _, ok := nodeSchemas[e.ToLabel]; !ok {
		return fmt.Errorf("edge upsert %s: unknown to label %q", e.Type, e.ToLabel)
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type nodeSchema struct {
	table   string
	key     []string // sorted merge key
	columns map[string]bool
}

func columnSet(cols ...string) map[string]bool {
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[c] = true
	}
	return m
}

var entityColumns = columnSet(
	"id", "entity_type", "content", "name", "path", "language",
	"user_id", "team_id", "workspace_id", "project_name",
	"chunk_id", "session_id", "content_hash", "embedding", "metadata",
	"created_at", "updated_at",
)

var nodeSchemas = map[Label]nodeSchema{
	LabelMemory:     {table: "memories", key: []string{"id"}, columns: entityColumns},
	LabelCodeEntity: {table: "code_entities", key: []string{"id"}, columns: entityColumns},
	LabelEntitySummary: {
		table: "entity_summaries",
		key:   []string{"entity_id", "entity_type"},
		columns: columnSet(
			"id", "entity_id", "entity_type", "user_id", "team_id", "workspace_id",
			"project_name", "embedding", "keyword_frequencies", "pattern_signals",
			"is_debugging", "created_at", "updated_at", "processed_at",
		),
	},
	LabelSession: {
		table: "sessions",
		key:   []string{"id"},
		columns: columnSet(
			"id", "user_id", "team_id", "workspace_id", "project_name",
			"start_time", "end_time", "entity_count", "dominant_patterns",
			"created_at", "updated_at",
		),
	},
	LabelPattern: {
		table: "patterns",
		key:   []string{"id"},
		columns: columnSet(
			"id", "pattern_type", "scope_type", "scope_id", "name", "description",
			"user_id", "team_id", "workspace_id", "confidence", "frequency", "stability",
			"first_detected", "last_validated", "last_updated", "example_entity_ids", "metadata",
		),
	},
}

// EntityUpsert returns the merge for an entity node. Reprocessing overwrites
// content and tags in place; created_at is kept from the first write.
func EntityUpsert(e *Entity, now time.Time) NodeUpsert {
	owner := e.Owner.Normalize()
	project := e.ProjectName
	if project == "" {
		project = DefaultProject
	}
	meta := e.Metadata
	meta.SchemaVersion = MetadataSchemaVersion
	meta.Embedding = nil
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	return NodeUpsert{
		Label:    e.Type.Label(),
		Key:      Props{"id": e.ID},
		OnCreate: Props{"created_at": created},
		Always: Props{
			"entity_type":  string(e.Type),
			"content":      e.Content,
			"name":         e.Name,
			"path":         e.Path,
			"language":     e.Language,
			"user_id":      owner.UserID,
			"team_id":      owner.TeamID,
			"workspace_id": owner.WorkspaceID,
			"project_name": project,
			"chunk_id":     e.ChunkID,
			"session_id":   e.SessionID,
			"content_hash": e.ContentHash,
			"embedding":    e.Embedding,
			"metadata":     meta,
			"updated_at":   now,
		},
	}
}

// SummaryUpsert returns the merge for an entity summary. The full record is
// only written on create; a repeat merge only refreshes updated_at and
// processed_at, so re-running it is how an existing summary is touched.
func SummaryUpsert(s *EntitySummary, now time.Time) NodeUpsert {
	owner := s.Owner.Normalize()
	project := s.ProjectName
	if project == "" {
		project = DefaultProject
	}
	return NodeUpsert{
		Label: LabelEntitySummary,
		Key:   Props{"entity_id": s.EntityID, "entity_type": string(s.EntityType)},
		OnCreate: Props{
			"id":                  s.ID,
			"user_id":             owner.UserID,
			"team_id":             owner.TeamID,
			"workspace_id":        owner.WorkspaceID,
			"project_name":        project,
			"embedding":           s.Embedding,
			"keyword_frequencies": s.KeywordFrequencies,
			"pattern_signals":     s.Signals,
			"is_debugging":        s.Signals.IsDebugging,
			"created_at":          now,
		},
		Always: Props{
			"updated_at":   now,
			"processed_at": now,
		},
	}
}

// SessionUpsert returns the merge that either opens a session for s (one
// entity, start = end = now) or extends the existing one with the same id.
func SessionUpsert(s *SessionSummary, now time.Time) NodeUpsert {
	owner := s.Owner.Normalize()
	project := s.ProjectName
	if project == "" {
		project = DefaultProject
	}
	return NodeUpsert{
		Label: LabelSession,
		Key:   Props{"id": s.ID},
		OnCreate: Props{
			"user_id":      owner.UserID,
			"team_id":      owner.TeamID,
			"workspace_id": owner.WorkspaceID,
			"project_name": project,
			"start_time":   now,
			"end_time":     now,
			"entity_count": 1,
			"created_at":   now,
		},
		OnMatch: Props{
			"end_time":     Greatest{now},
			"entity_count": Add{1},
		},
		Always: Props{"updated_at": now},
	}
}
