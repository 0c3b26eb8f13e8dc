package graph

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by single-node lookups that match nothing visible
var ErrNotFound = errors.New("not found")

// Label names a node kind in the graph
type Label string

const (
	LabelMemory        Label = "Memory"
	LabelCodeEntity    Label = "CodeEntity"
	LabelEntitySummary Label = "EntitySummary"
	LabelSession       Label = "SessionSummary"
	LabelPattern       Label = "PatternSummary"
)

// EdgeType defines the type of relationship between nodes
type EdgeType string

const (
	EdgeSummarizes      EdgeType = "SUMMARIZES"       // EntitySummary -> Entity
	EdgeHasSummary      EdgeType = "HAS_SUMMARY"      // Entity -> EntitySummary
	EdgeContainsEntity  EdgeType = "CONTAINS_ENTITY"  // SessionSummary -> EntitySummary
	EdgeExhibitsPattern EdgeType = "EXHIBITS_PATTERN" // SessionSummary|EntitySummary -> PatternSummary
)

// EntityType distinguishes the two raw content streams
type EntityType string

const (
	EntityMemory EntityType = "memory"
	EntityCode   EntityType = "code"
)

// Label returns the node label that stores entities of this type
func (t EntityType) Label() Label {
	if t == EntityCode {
		return LabelCodeEntity
	}
	return LabelMemory
}

// DefaultProject is used when an entity carries no project name
const DefaultProject = "default"

// Owner carries the tenancy tags stamped on every node
type Owner struct {
	UserID      string `json:"user_id,omitempty"`
	TeamID      string `json:"team_id,omitempty"`
	WorkspaceID string `json:"workspace_id"`
}

// Normalize fills derived tags: workspace defaults to user:<id>, and a
// team:<id> workspace implies the team id.
func (o Owner) Normalize() Owner {
	if o.WorkspaceID == "" && o.UserID != "" {
		o.WorkspaceID = "user:" + o.UserID
	}
	if o.TeamID == "" {
		if id, ok := strings.CutPrefix(o.WorkspaceID, "team:"); ok {
			o.TeamID = id
		}
	}
	return o
}

// Scope returns the read scope of the owner itself
func (o Owner) Scope() Scope {
	return NewScope(o.WorkspaceID, o.UserID, o.TeamID)
}

// Entity is a Memory or CodeEntity node, the unit of raw ingested content
type Entity struct {
	ID          string         `json:"id"`
	Type        EntityType     `json:"entity_type"`
	Content     string         `json:"content"`
	Name        string         `json:"name,omitempty"`
	Path        string         `json:"path,omitempty"`
	Language    string         `json:"language,omitempty"`
	ProjectName string         `json:"project_name"`
	ChunkID     string         `json:"chunk_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	ContentHash string         `json:"content_hash,omitempty"`
	Embedding   []float64      `json:"embedding,omitempty"`
	Metadata    EntityMetadata `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Owner
}

// MetadataSchemaVersion is bumped whenever EntityMetadata or PatternMetadata change shape
const MetadataSchemaVersion = 1

// CodeSymbol is one parsed declaration or import from a source file
type CodeSymbol struct {
	Name       string   `json:"name,omitempty"`
	Source     string   `json:"source,omitempty"`
	Specifiers []string `json:"specifiers,omitempty"`
}

// EntityMetadata is the typed form of the producer-supplied metadata blob
type EntityMetadata struct {
	SchemaVersion int `json:"schema_version"`

	Source string `json:"source,omitempty"`

	// Upstream LLM analysis, when the producer ran one
	Intent     string `json:"intent,omitempty"` // debugging, learning, building, refactoring
	Urgency    string `json:"urgency,omitempty"`
	Complexity string `json:"complexity,omitempty"`

	// Parsed code structure (code entities only)
	Imports    []CodeSymbol `json:"imports,omitempty"`
	Exports    []CodeSymbol `json:"exports,omitempty"`
	Functions  []CodeSymbol `json:"functions,omitempty"`
	Classes    []CodeSymbol `json:"classes,omitempty"`
	Components []CodeSymbol `json:"components,omitempty"`
	Types      []CodeSymbol `json:"types,omitempty"`
	APICalls   []CodeSymbol `json:"api_calls,omitempty"`

	// Embedding is a precomputed vector supplied by the producer. It is
	// consumed by the resolver and never persisted inside metadata.
	Embedding []float64 `json:"embedding,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

// PatternSignals are the derived behavioural flags and scores of a summary
type PatternSignals struct {
	IsDebugging      bool        `json:"is_debugging"`
	IsLearning       bool        `json:"is_learning"`
	IsRefactoring    bool        `json:"is_refactoring"`
	IsArchitecture   bool        `json:"is_architecture"`
	IsProblemSolving bool        `json:"is_problem_solving"`
	ComplexityScore  float64     `json:"complexity_score"`
	UrgencyScore     float64     `json:"urgency_score"`
	Intent           string      `json:"intent,omitempty"`
	Code             *CodeSignals `json:"code,omitempty"`
}

// CodeSignals describe the structure of a code entity
type CodeSignals struct {
	HasImports    bool   `json:"has_imports"`
	HasExports    bool   `json:"has_exports"`
	HasFunctions  bool   `json:"has_functions"`
	HasClasses    bool   `json:"has_classes"`
	HasComponents bool   `json:"has_components"`
	HasTypes      bool   `json:"has_types"`
	HasAPICalls   bool   `json:"has_api_calls"`
	IsTestFile    bool   `json:"is_test_file"`
	IsConfigFile  bool   `json:"is_config_file"`
	Language      string `json:"language"`
	FunctionCount int    `json:"function_count"`
	ClassCount    int    `json:"class_count"`
	ImportCount   int    `json:"import_count"`
}

// EntitySummary holds derived keyword, signal and embedding data for one entity.
// Exactly one exists per (EntityID, EntityType).
type EntitySummary struct {
	ID                 string         `json:"id"`
	EntityID           string         `json:"entity_id"`
	EntityType         EntityType     `json:"entity_type"`
	ProjectName        string         `json:"project_name"`
	Embedding          []float64      `json:"embedding,omitempty"`
	KeywordFrequencies map[string]int `json:"keyword_frequencies"`
	Signals            PatternSignals `json:"pattern_signals"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	ProcessedAt        time.Time      `json:"processed_at"`
	Owner
}

// SessionSummary is a contiguous burst of activity for one user and project
type SessionSummary struct {
	ID               string    `json:"id"`
	ProjectName      string    `json:"project_name"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	EntityCount      int       `json:"entity_count"`
	DominantPatterns []string  `json:"dominant_patterns,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Owner
}

// Pattern scope types
const (
	ScopeSession  = "session"
	ScopeProject  = "project"
	ScopeAnalysis = "analysis"
)

// PatternMetadata is the typed metadata carried by a pattern
type PatternMetadata struct {
	SchemaVersion int `json:"schema_version"`

	// temporal
	Rhythm      string  `json:"rhythm,omitempty"`
	AvgGap      float64 `json:"avg_gap,omitempty"`
	MaxGap      int     `json:"max_gap,omitempty"`
	MinGap      int     `json:"min_gap,omitempty"`
	EntityCount int     `json:"entity_count,omitempty"`

	// debugging
	Day       string `json:"day,omitempty"`
	Intensity string `json:"intensity,omitempty"`

	// llm
	Recommendations []string `json:"recommendations,omitempty"`
	Model           string   `json:"model,omitempty"`
}

// PatternSummary is a mined, confidence-scored hypothesis about behaviour
type PatternSummary struct {
	ID               string          `json:"id"`
	PatternType      string          `json:"pattern_type"`
	ScopeType        string          `json:"scope_type"`
	ScopeID          string          `json:"scope_id"`
	Name             string          `json:"name,omitempty"`
	Description      string          `json:"description,omitempty"`
	Confidence       float64         `json:"confidence"`
	Frequency        int             `json:"frequency"`
	Stability        float64         `json:"stability"`
	FirstDetected    time.Time       `json:"first_detected"`
	LastValidated    time.Time       `json:"last_validated"`
	LastUpdated      time.Time       `json:"last_updated"`
	ExampleEntityIDs []string        `json:"example_entity_ids,omitempty"`
	Metadata         PatternMetadata `json:"metadata"`
	Owner
}

// Edge represents a relationship between nodes
type Edge struct {
	ID        int64     `json:"id,omitempty"`
	Type      EdgeType  `json:"type"`
	FromID    string    `json:"from_id"`
	ToID      string    `json:"to_id"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ProjectActivity is one (project, user) pair with recent summaries
type ProjectActivity struct {
	ProjectName string
	UserID      string
	Count       int
}

// SimilarSummary is a nearest-neighbour hit from an embedding search
type SimilarSummary struct {
	Summary    *EntitySummary
	Similarity float64
}
