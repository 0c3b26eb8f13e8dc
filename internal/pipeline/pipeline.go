// Package pipeline wires the queue consumers to the graph: each ingestion
// item becomes an entity, its summary and a session membership, and queues a
// detection pass for its workspace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vthunder/patterngraph/internal/embedding"
	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/messagebus"
	"github.com/vthunder/patterngraph/internal/patterns"
	"github.com/vthunder/patterngraph/internal/queue"
	"github.com/vthunder/patterngraph/internal/session"
	"github.com/vthunder/patterngraph/internal/summarize"
)

// ErrMissingContent marks an ingestion item with nothing to process
var ErrMissingContent = errors.New("item has no content")

// VectorResolver picks an entity's embedding
type VectorResolver interface {
	Resolve(ctx context.Context, req embedding.Request) []float64
}

// Deps are the collaborators a Pipeline is built from
type Deps struct {
	Graph      graph.Store
	Queue      queue.Store
	Resolver   VectorResolver
	Summarizer *summarize.Summarizer
	Sessions   *session.Aggregator
	Detector   *patterns.Detector
	Bus        messagebus.Publisher // optional
}

// Pipeline processes queue items
type Pipeline struct {
	graph      graph.Store
	queue      queue.Store
	resolver   VectorResolver
	summarizer *summarize.Summarizer
	sessions   *session.Aggregator
	detector   *patterns.Detector
	bus        messagebus.Publisher

	now func() time.Time
}

// New creates a pipeline. Summarizer and Sessions default to stock instances
// over d.Graph.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		graph:      d.Graph,
		queue:      d.Queue,
		resolver:   d.Resolver,
		summarizer: d.Summarizer,
		sessions:   d.Sessions,
		detector:   d.Detector,
		bus:        d.Bus,
		now:        time.Now,
	}
	if p.summarizer == nil {
		p.summarizer = summarize.New(d.Graph, nil)
	}
	if p.sessions == nil {
		p.sessions = session.NewAggregator(d.Graph)
	}
	if p.detector == nil {
		p.detector = patterns.NewDetector(d.Graph, nil)
	}
	return p
}

// Handler returns the item handler for a queue
func (p *Pipeline) Handler(name string) (queue.Handler, error) {
	switch name {
	case queue.MemoryIngestion:
		return p.ProcessMemory, nil
	case queue.CodeIngestion:
		return p.ProcessCode, nil
	case queue.PatternDetection:
		return p.ProcessDetection, nil
	}
	return nil, fmt.Errorf("unknown queue %q", name)
}

// ProcessMemory ingests one memory item
func (p *Pipeline) ProcessMemory(ctx context.Context, item *queue.Item) error {
	return p.ingest(ctx, item, graph.EntityMemory)
}

// ProcessCode ingests one code item
func (p *Pipeline) ProcessCode(ctx context.Context, item *queue.Item) error {
	return p.ingest(ctx, item, graph.EntityCode)
}

func (p *Pipeline) ingest(ctx context.Context, item *queue.Item, t graph.EntityType) error {
	pl := item.Payload
	content := pl.Content
	if t == graph.EntityCode && pl.SourceCode != "" {
		content = pl.SourceCode
	}
	if content == "" {
		return fmt.Errorf("%s item %s: %w", t, item.ID, ErrMissingContent)
	}

	owner := pl.Owner()
	id := pl.EntityID
	if id == "" {
		id = item.ID
	}
	entity := &graph.Entity{
		ID:          id,
		Type:        t,
		Content:     content,
		Name:        pl.Name,
		Path:        pl.Path,
		Language:    pl.Language,
		ProjectName: pl.ProjectName,
		ChunkID:     pl.ChunkID,
		SessionID:   pl.SessionID,
		Metadata:    pl.Metadata,
		Owner:       owner,
	}

	embedText := content
	if t == graph.EntityCode {
		embedText = summarize.CodeEmbeddingText(entity)
	}
	entity.ContentHash = embedding.ContentHash(embedText)
	entity.Embedding = p.vector(ctx, entity, embedText)

	now := p.now()
	if err := p.graph.UpsertNode(ctx, graph.EntityUpsert(entity, now)); err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}

	res, err := p.summarizer.Summarize(ctx, entity, entity.Embedding)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	sessionID, err := p.sessions.Add(ctx, res.Summary)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	logging.Debug("pipeline", "%s %s -> summary %s (new=%v), session %s",
		t, entity.ID, res.Summary.ID, res.Created, sessionID)

	p.requestDetection(ctx, owner.WorkspaceID, "ingest")
	return nil
}

// vector reuses a vector already in the graph for this entity or for
// identical content in the same tenant before asking the resolver.
func (p *Pipeline) vector(ctx context.Context, e *graph.Entity, text string) []float64 {
	if len(e.Metadata.Embedding) > 0 {
		return p.resolver.Resolve(ctx, embedding.Request{Precomputed: e.Metadata.Embedding})
	}
	scope := e.Owner.Scope()
	if prev, err := p.graph.GetEntity(ctx, scope, e.Type, e.ID); err == nil && len(prev.Embedding) > 0 && prev.ContentHash == e.ContentHash {
		logging.Debug("pipeline", "reusing vector of %s %s", e.Type, e.ID)
		return prev.Embedding
	}
	if dup, err := p.graph.FindEntityByHash(ctx, scope, e.Type, e.ContentHash); err == nil && len(dup.Embedding) > 0 {
		logging.Debug("pipeline", "reusing vector of duplicate %s %s", e.Type, dup.ID)
		return dup.Embedding
	}
	return p.resolver.Resolve(ctx, embedding.Request{Text: text, ContentHash: e.ContentHash})
}

// requestDetection queues a detection pass and announces it. Failures only
// delay detection until the next scheduled fan-out.
func (p *Pipeline) requestDetection(ctx context.Context, workspaceID, reason string) {
	if p.queue == nil || workspaceID == "" {
		return
	}
	added, err := p.queue.EnqueueDetection(ctx, workspaceID)
	if err != nil {
		logging.Warn("pipeline", "enqueue detection for %s: %v", workspaceID, err)
		return
	}
	if added && p.bus != nil {
		p.announce(ctx, workspaceID, reason)
	}
}

// announce tells running detection consumers that work is waiting
func (p *Pipeline) announce(ctx context.Context, workspaceID, reason string) {
	if err := p.bus.PublishDetection(ctx, messagebus.DetectionRequest{
		WorkspaceID: workspaceID,
		Reason:      reason,
		RequestedAt: p.now(),
	}); err != nil {
		logging.Warn("pipeline", "publish detection for %s: %v", workspaceID, err)
	}
}

// ProcessDetection runs one detection pass for the item's workspace
func (p *Pipeline) ProcessDetection(ctx context.Context, item *queue.Item) error {
	ws := item.Payload.WorkspaceID
	if ws == "" {
		return fmt.Errorf("detection item %s: %w", item.ID, ErrMissingContent)
	}
	_, err := p.detector.Run(ctx, graph.ScopeForWorkspace(ws))
	return err
}
