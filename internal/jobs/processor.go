package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/ingestion"
	"github.com/acervo-ai/acervo-backend/internal/metrics"
	"github.com/acervo-ai/acervo-backend/internal/objectstore"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// Processor turns an uploaded file into chunks and nodes. Exactly one
// worker wins the PENDING to PROCESSING claim; the rest see CONFLICT and
// drop the job.
type Processor struct {
	docs        repository.DocumentRepository
	store       objectstore.Store
	parsers     *Registry
	chunker     *ingestion.Chunker
	embedder    embedder.Embedder
	nodeBuilder *ingestion.NodeBuilder
	metrics     *metrics.Set
}

// ProcessorOption customises the processor.
type ProcessorOption func(*Processor)

// WithNodeBuilder enables node construction during processing.
func WithNodeBuilder(nb *ingestion.NodeBuilder) ProcessorOption {
	return func(p *Processor) { p.nodeBuilder = nb }
}

// WithMetrics attaches processing counters.
func WithMetrics(m *metrics.Set) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a document processor.
func NewProcessor(docs repository.DocumentRepository, store objectstore.Store, parsers *Registry, chunker *ingestion.Chunker, emb embedder.Embedder, opts ...ProcessorOption) *Processor {
	p := &Processor{
		docs:     docs,
		store:    store,
		parsers:  parsers,
		chunker:  chunker,
		embedder: emb,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the full document lifecycle for one job. Any failure after
// the claim marks the document FAILED with the error message; transient
// infrastructure problems are not retried here, a reprocess re-enqueues.
func (p *Processor) Process(ctx context.Context, job Job) error {
	claimed, err := p.docs.TransitionStatus(ctx, job.DocumentID, repository.StatusPending, repository.StatusProcessing)
	if err != nil {
		return fmt.Errorf("jobs.Process: claim: %w", err)
	}
	if !claimed {
		return apperr.Conflict("document is not pending")
	}

	doc, err := p.docs.GetByID(ctx, job.WorkspaceID, job.DocumentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("document")
		}
		return fmt.Errorf("jobs.Process: get document: %w", err)
	}

	if err := p.run(ctx, doc); err != nil {
		p.countOutcome("failed")
		if failErr := p.docs.SetFailed(ctx, doc.ID, err.Error()); failErr != nil {
			slog.Error("failed to mark document FAILED", "document_id", doc.ID, "error", failErr)
		}
		return err
	}

	applied, err := p.docs.TransitionStatus(ctx, doc.ID, repository.StatusProcessing, repository.StatusReady)
	if err != nil {
		return fmt.Errorf("jobs.Process: finish: %w", err)
	}
	if !applied {
		return apperr.Conflict("document left PROCESSING during the run")
	}

	p.countOutcome("processed")
	slog.Info("document processed", "workspace_id", doc.WorkspaceID, "document_id", doc.ID)
	return nil
}

func (p *Processor) run(ctx context.Context, doc *repository.Document) error {
	data, err := p.store.Download(ctx, doc.StorageKey)
	if err != nil {
		return fmt.Errorf("download %q: %w", doc.StorageKey, err)
	}

	parser, err := p.parsers.For(doc.MimeType)
	if err != nil {
		return err
	}
	text, err := parser.Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", doc.MimeType, err)
	}
	text = normalizeText(text)

	chunks := ingestion.ChunksToRepository(doc.ID, p.chunker.Chunk(text))
	if len(chunks) == 0 {
		return apperr.Validation("content", "file produced no indexable text")
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("expected %d embeddings, got %d", len(chunks), len(embeddings))
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}

	var nodes []*repository.Node
	if p.nodeBuilder != nil {
		nodes, err = p.nodeBuilder.Build(ctx, doc.WorkspaceID, doc.ID, chunks)
		if err != nil {
			slog.Warn("node building failed, continuing without nodes",
				"document_id", doc.ID, "error", err)
			nodes = nil
		}
	}

	// Replace semantics: a reprocess must not leave stale chunks behind.
	if err := p.docs.DeleteChunks(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete prior chunks: %w", err)
	}
	if err := p.docs.DeleteNodes(ctx, doc.ID); err != nil {
		return fmt.Errorf("delete prior nodes: %w", err)
	}
	if err := p.docs.CreateChunks(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("create chunks: %w", err)
	}
	if len(nodes) > 0 {
		if err := p.docs.CreateNodes(ctx, nodes); err != nil {
			return fmt.Errorf("create nodes: %w", err)
		}
	}
	return nil
}

func (p *Processor) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.IngestDocuments.WithLabelValues(outcome).Inc()
	}
}

// Reprocess resets a document and re-enqueues it. Admin only; a document
// mid-processing cannot be reclaimed.
func Reprocess(ctx context.Context, docs repository.DocumentRepository, queue *Queue, workspaceID, documentID uuid.UUID, actor repository.Actor) error {
	if actor.Role != repository.RoleAdmin {
		return apperr.Forbidden("reprocess requires the admin role")
	}

	doc, err := docs.GetByID(ctx, workspaceID, documentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.NotFound("document")
		}
		return fmt.Errorf("jobs.Reprocess: get document: %w", err)
	}
	if doc.Status == repository.StatusProcessing {
		return apperr.Conflict("document is already being processed")
	}
	if doc.StorageKey == "" {
		return apperr.Validation("document", "document has no stored file to reprocess")
	}

	applied, err := docs.TransitionStatus(ctx, doc.ID, doc.Status, repository.StatusPending)
	if err != nil {
		return fmt.Errorf("jobs.Reprocess: reset: %w", err)
	}
	if !applied {
		return apperr.Conflict("document status changed concurrently")
	}

	return queue.Enqueue(Job{WorkspaceID: workspaceID, DocumentID: documentID})
}
