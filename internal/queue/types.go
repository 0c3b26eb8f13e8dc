// Package queue is the durable work queue feeding the ingestion and detection
// consumers. Items are claimed with a visibility timeout and never deleted on
// failure, so a crashed consumer's work is redelivered.
package queue

import (
	"errors"
	"time"

	"github.com/vthunder/patterngraph/internal/graph"
)

// Queue names
const (
	MemoryIngestion  = "memory_ingestion"
	CodeIngestion    = "code_ingestion"
	PatternDetection = "pattern_detection"
)

// Queues lists every queue the pipeline consumes
var Queues = []string{MemoryIngestion, CodeIngestion, PatternDetection}

// ErrNoItems is returned by Dequeue when nothing is claimable
var ErrNoItems = errors.New("no items available")

// Status is the lifecycle state of an item
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Payload is the producer-supplied content of an item
type Payload struct {
	EntityID    string               `json:"entity_id,omitempty"` // defaults to the item id
	Content     string               `json:"content,omitempty"`
	SourceCode  string               `json:"source_code,omitempty"`
	Name        string               `json:"name,omitempty"`
	Path        string               `json:"path,omitempty"`
	Language    string               `json:"language,omitempty"`
	ChunkID     string               `json:"chunk_id,omitempty"`
	SessionID   string               `json:"session_id,omitempty"`
	WorkspaceID string               `json:"workspace_id"`
	ProjectName string               `json:"project_name,omitempty"`
	UserID      string               `json:"user_id,omitempty"`
	TeamID      string               `json:"team_id,omitempty"`
	Metadata    graph.EntityMetadata `json:"metadata"`
}

// Owner returns the tenancy tags the payload's entity will carry
func (p Payload) Owner() graph.Owner {
	return graph.Owner{UserID: p.UserID, TeamID: p.TeamID, WorkspaceID: p.WorkspaceID}.Normalize()
}

// Item is one unit of queued work
type Item struct {
	ID         string    `json:"id"`
	Queue      string    `json:"queue"`
	Status     Status    `json:"status"`
	Payload    Payload   `json:"payload"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	ErrorStack string    `json:"error_stack,omitempty"`
	VisibleAt  time.Time `json:"visible_at"`
	JobID      string    `json:"job_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobStatus is the state of one consumer batch run
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job tracks one batch taken off a queue
type Job struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	Status      JobStatus  `json:"status"`
	ItemCount   int        `json:"item_count"`
	Processed   int        `json:"processed"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Depth is the item count for one queue and status
type Depth struct {
	Queue  string
	Status Status
	Count  int
}
