package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/hasher"
	"github.com/acervo-ai/acervo-backend/internal/metrics"
	"github.com/acervo-ai/acervo-backend/internal/policy"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// IngestRequest describes a pure-text ingest.
type IngestRequest struct {
	WorkspaceID uuid.UUID
	Actor       repository.Actor
	Title       string
	Text        string
	Tags        []string
	Metadata    map[string]string
}

// IngestResult reports the outcome of an ingest.
type IngestResult struct {
	DocumentID    uuid.UUID
	ChunksCreated int
	Status        string
	Deduplicated  bool
}

// Pipeline orchestrates hash, dedup, chunk, embed and atomic persist for
// pure-text ingestion. Node building is optional and degrades gracefully.
type Pipeline struct {
	workspaces  repository.WorkspaceRepository
	docs        repository.DocumentRepository
	chunker     *Chunker
	embedder    embedder.Embedder
	nodeBuilder *NodeBuilder
	audit       repository.AuditRepository
	metrics     *metrics.Set
}

// Option customises the pipeline.
type Option func(*Pipeline)

// WithNodeBuilder enables two-tier node construction during ingest.
func WithNodeBuilder(nb *NodeBuilder) Option {
	return func(p *Pipeline) { p.nodeBuilder = nb }
}

// WithAudit records an audit event per successful ingest.
func WithAudit(audit repository.AuditRepository) Option {
	return func(p *Pipeline) { p.audit = audit }
}

// WithMetrics attaches ingestion counters.
func WithMetrics(m *metrics.Set) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(workspaces repository.WorkspaceRepository, docs repository.DocumentRepository, chunker *Chunker, emb embedder.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		workspaces: workspaces,
		docs:       docs,
		chunker:    chunker,
		embedder:   emb,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest runs the full text ingestion flow. Re-ingesting identical text in
// the same workspace is idempotent: the existing document is returned with
// zero new chunks and zero provider calls.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ws, err := p.workspaces.GetByID(ctx, req.WorkspaceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("workspace")
		}
		return nil, fmt.Errorf("ingestion.Ingest: get workspace: %w", err)
	}

	acl, err := p.workspaces.ListACL(ctx, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("ingestion.Ingest: list acl: %w", err)
	}
	if !policy.CanRead(ws, req.Actor, acl) {
		// Existence is not disclosed to actors outside the workspace.
		return nil, apperr.NotFound("workspace")
	}
	if !policy.CanWrite(ws, req.Actor) {
		return nil, apperr.Forbidden("workspace is read-only for this actor")
	}

	contentHash := ""
	if hasher.NormalizeText(req.Text) != "" {
		contentHash = hasher.HashText(ws.ID.String(), req.Text)

		existing, err := p.docs.GetByContentHash(ctx, ws.ID, contentHash)
		if err == nil {
			slog.Info("ingest deduplicated", "workspace_id", ws.ID, "document_id", existing.ID)
			p.countOutcome("deduplicated")
			return &IngestResult{
				DocumentID:   existing.ID,
				Status:       existing.Status,
				Deduplicated: true,
			}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("ingestion.Ingest: dedup lookup: %w", err)
		}
	}

	doc := &repository.Document{
		ID:          uuid.New(),
		WorkspaceID: ws.ID,
		Title:       req.Title,
		Status:      repository.StatusReady,
		ContentHash: contentHash,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now(),
	}

	chunks := ChunksToRepository(doc.ID, p.chunker.Chunk(req.Text))

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, chunk := range chunks {
			texts[i] = chunk.Content
		}
		embeddings, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			p.countOutcome("failed")
			return nil, apperr.Unavailable("embedding provider failed").WithCause(err)
		}
		if len(embeddings) != len(chunks) {
			p.countOutcome("failed")
			return nil, apperr.Internal(fmt.Sprintf("expected %d embeddings, got %d", len(chunks), len(embeddings)))
		}
		for i := range chunks {
			chunks[i].Embedding = embeddings[i]
		}
	}

	var nodes []*repository.Node
	if p.nodeBuilder != nil && len(chunks) > 0 {
		nodes, err = p.nodeBuilder.Build(ctx, ws.ID, doc.ID, chunks)
		if err != nil {
			// Node building is best-effort; the write proceeds without the
			// coarse tier.
			slog.Warn("node building failed, continuing without nodes",
				"workspace_id", ws.ID, "document_id", doc.ID, "error", err)
			nodes = nil
		}
	}

	if err := p.docs.SaveDocumentWithChunks(ctx, doc, chunks, nodes); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && contentHash != "" {
			// Lost a race against a concurrent identical ingest; the winner
			// is the canonical document.
			winner, readErr := p.docs.GetByContentHash(ctx, ws.ID, contentHash)
			if readErr != nil {
				return nil, fmt.Errorf("ingestion.Ingest: race re-read: %w", readErr)
			}
			slog.Info("ingest lost dedup race", "workspace_id", ws.ID, "document_id", winner.ID)
			p.countOutcome("deduplicated")
			return &IngestResult{
				DocumentID:   winner.ID,
				Status:       winner.Status,
				Deduplicated: true,
			}, nil
		}
		p.countOutcome("failed")
		return nil, fmt.Errorf("ingestion.Ingest: save: %w", err)
	}

	slog.Info("ingest completed",
		"workspace_id", ws.ID, "document_id", doc.ID,
		"chunk_count", len(chunks), "node_count", len(nodes))
	p.countOutcome("created")
	p.recordAudit(ctx, req.Actor, doc, len(chunks))

	return &IngestResult{
		DocumentID:    doc.ID,
		ChunksCreated: len(chunks),
		Status:        doc.Status,
	}, nil
}

func (p *Pipeline) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.IngestDocuments.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) recordAudit(ctx context.Context, actor repository.Actor, doc *repository.Document, chunkCount int) {
	if p.audit == nil {
		return
	}
	event := &repository.AuditEvent{
		ID:       uuid.New(),
		Actor:    actor.UserID,
		Action:   "documents.ingest",
		TargetID: doc.ID.String(),
		Metadata: map[string]string{
			"workspace_id": doc.WorkspaceID.String(),
			"chunk_count":  fmt.Sprintf("%d", chunkCount),
		},
		CreatedAt: time.Now(),
	}
	if err := p.audit.Record(ctx, event); err != nil {
		slog.Warn("audit record failed", "action", event.Action, "error", err)
	}
}

// ChunksToRepository converts chunker output to repository chunks.
func ChunksToRepository(documentID uuid.UUID, chunks []Chunk) []*repository.Chunk {
	out := make([]*repository.Chunk, len(chunks))
	for i, chunk := range chunks {
		out[i] = &repository.Chunk{
			ID:         uuid.New(),
			DocumentID: documentID,
			ChunkIndex: chunk.Index,
			Content:    chunk.Content,
			Metadata:   chunk.Metadata,
		}
	}
	return out
}
