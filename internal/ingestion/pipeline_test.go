package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	"github.com/acervo-ai/acervo-backend/internal/repository/memory"
)

func newTestWorkspace(t *testing.T, store *memory.Store, visibility string) *repository.Workspace {
	t.Helper()
	ws := &repository.Workspace{
		ID:          uuid.New(),
		Name:        "test-" + uuid.NewString()[:8],
		OwnerUserID: "owner-1",
		Visibility:  visibility,
		FTSLanguage: "spanish",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := store.Create(context.Background(), ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return ws
}

func newTestPipeline(store *memory.Store, fake *embedder.Fake, opts ...Option) *Pipeline {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 50, Overlap: 10})
	return NewPipeline(store, store.Documents(), chunker, fake, opts...)
}

func owner() repository.Actor {
	return repository.Actor{UserID: "owner-1", Role: repository.RoleEmployee}
}

func TestIngest_CreatesDocument(t *testing.T) {
	store := memory.NewStore()
	fake := embedder.NewFake(repository.EmbeddingDim)
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)
	p := newTestPipeline(store, fake, WithAudit(store))

	result, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID,
		Actor:       owner(),
		Title:       "Manual",
		Text:        "el contrato establece las condiciones generales de la prestación del servicio y sus anexos",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Status != repository.StatusReady {
		t.Errorf("expected READY, got %s", result.Status)
	}
	if result.ChunksCreated == 0 {
		t.Error("expected at least one chunk")
	}
	if result.Deduplicated {
		t.Error("first ingest must not be deduplicated")
	}

	doc, err := store.GetDocument(context.Background(), ws.ID, result.DocumentID)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.ContentHash == "" {
		t.Error("expected a content hash on the stored document")
	}

	events := store.Events()
	if len(events) != 1 || events[0].Action != "documents.ingest" {
		t.Errorf("expected one documents.ingest audit event, got %+v", events)
	}
}

func TestIngest_DedupIdempotent(t *testing.T) {
	store := memory.NewStore()
	fake := embedder.NewFake(repository.EmbeddingDim)
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)
	p := newTestPipeline(store, fake)

	first, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID, Actor: owner(), Title: "Manual", Text: "  hello   world  ",
	})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Whitespace variants normalise to the same hash.
	second, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID, Actor: owner(), Title: "Manual copia", Text: "hello world",
	})
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if second.DocumentID != first.DocumentID {
		t.Errorf("expected same document, got %s and %s", first.DocumentID, second.DocumentID)
	}
	if !second.Deduplicated {
		t.Error("second ingest must report deduplication")
	}
	if second.ChunksCreated != 0 {
		t.Errorf("dedup must create no chunks, got %d", second.ChunksCreated)
	}
	if calls := fake.BatchCalls(); calls != 1 {
		t.Errorf("expected exactly one provider call, got %d", calls)
	}
}

func TestIngest_WorkspaceNotFound(t *testing.T) {
	store := memory.NewStore()
	p := newTestPipeline(store, embedder.NewFake(repository.EmbeddingDim))

	_, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: uuid.New(), Actor: owner(), Title: "x", Text: "y",
	})
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestIngest_OutsiderGetsNotFound(t *testing.T) {
	store := memory.NewStore()
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)
	p := newTestPipeline(store, embedder.NewFake(repository.EmbeddingDim))

	// A stranger must not learn that the workspace exists.
	_, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID,
		Actor:       repository.Actor{UserID: "stranger", Role: repository.RoleEmployee},
		Title:       "x", Text: "y",
	})
	if !apperr.IsCode(err, apperr.CodeNotFound) {
		t.Errorf("expected NOT_FOUND for an outsider, got %v", err)
	}
}

func TestIngest_ReaderCannotWrite(t *testing.T) {
	store := memory.NewStore()
	ws := newTestWorkspace(t, store, repository.VisibilityShared)
	if err := store.GrantACL(context.Background(), &repository.ACLEntry{
		WorkspaceID: ws.ID, UserID: "reader-1", Role: repository.ACLRoleViewer, GrantedBy: "owner-1",
	}); err != nil {
		t.Fatalf("grant acl: %v", err)
	}
	p := newTestPipeline(store, embedder.NewFake(repository.EmbeddingDim))

	_, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID,
		Actor:       repository.Actor{UserID: "reader-1", Role: repository.RoleEmployee},
		Title:       "x", Text: "y",
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("expected FORBIDDEN for a granted reader, got %v", err)
	}
}

func TestIngest_ArchivedWorkspaceRejectsWrites(t *testing.T) {
	store := memory.NewStore()
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)
	if err := store.Archive(context.Background(), ws.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	p := newTestPipeline(store, embedder.NewFake(repository.EmbeddingDim))

	_, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID, Actor: owner(), Title: "x", Text: "y",
	})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("expected FORBIDDEN on an archived workspace, got %v", err)
	}
}

func TestIngest_EmptyTextSkipsProvider(t *testing.T) {
	store := memory.NewStore()
	fake := embedder.NewFake(repository.EmbeddingDim)
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)
	p := newTestPipeline(store, fake)

	result, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID, Actor: owner(), Title: "vacío", Text: "   \n\t  ",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.ChunksCreated != 0 {
		t.Errorf("expected no chunks for whitespace text, got %d", result.ChunksCreated)
	}
	if fake.BatchCalls() != 0 {
		t.Errorf("expected zero provider calls, got %d", fake.BatchCalls())
	}
}

type failingEmbedder struct{}

func (failingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("provider down")
}
func (failingEmbedder) Dimension() int  { return repository.EmbeddingDim }
func (failingEmbedder) ModelID() string { return "failing" }

func TestIngest_EmbedderFailureIsUnavailable(t *testing.T) {
	store := memory.NewStore()
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)
	chunker := NewChunker(ChunkerConfig{ChunkSize: 50, Overlap: 10})
	p := NewPipeline(store, store.Documents(), chunker, failingEmbedder{})

	_, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID, Actor: owner(), Title: "x", Text: "contenido suficiente para un fragmento",
	})
	if !apperr.IsCode(err, apperr.CodeServiceUnavailable) {
		t.Errorf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
}

func TestIngest_NodeFailureDegradesGracefully(t *testing.T) {
	store := memory.NewStore()
	fake := embedder.NewFake(repository.EmbeddingDim)
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)
	nb := NewNodeBuilder(NodeBuilderConfig{GroupSize: 3}, failingEmbedder{})
	p := newTestPipeline(store, fake, WithNodeBuilder(nb))

	result, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID, Actor: owner(), Title: "Manual",
		Text: "el documento continúa con varias secciones que producen más de un fragmento de texto",
	})
	if err != nil {
		t.Fatalf("ingest must survive a node build failure: %v", err)
	}
	if result.ChunksCreated == 0 {
		t.Fatal("expected chunks despite node failure")
	}

	nodes, err := store.FindSimilarNodes(context.Background(), ws.ID, make([]float32, repository.EmbeddingDim), 10)
	if err != nil {
		t.Fatalf("node search: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("expected no nodes persisted after failure, got %d", len(nodes))
	}
}

// racingDocs injects a concurrent identical ingest between the dedup lookup
// and the save.
type racingDocs struct {
	repository.DocumentRepository
	store    *memory.Store
	winnerID uuid.UUID
	raced    bool
}

func (r *racingDocs) SaveDocumentWithChunks(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk, nodes []*repository.Node) error {
	if !r.raced && doc.ContentHash != "" {
		r.raced = true
		winner := &repository.Document{
			ID:          uuid.New(),
			WorkspaceID: doc.WorkspaceID,
			Title:       "winner",
			Status:      repository.StatusReady,
			ContentHash: doc.ContentHash,
			CreatedAt:   time.Now(),
		}
		if err := r.store.Documents().SaveDocumentWithChunks(ctx, winner, nil, nil); err != nil {
			return err
		}
		r.winnerID = winner.ID
	}
	return r.DocumentRepository.SaveDocumentWithChunks(ctx, doc, chunks, nodes)
}

func TestIngest_RecoversLostDedupRace(t *testing.T) {
	store := memory.NewStore()
	fake := embedder.NewFake(repository.EmbeddingDim)
	ws := newTestWorkspace(t, store, repository.VisibilityPrivate)

	docs := &racingDocs{DocumentRepository: store.Documents(), store: store}
	chunker := NewChunker(ChunkerConfig{ChunkSize: 50, Overlap: 10})
	p := NewPipeline(store, docs, chunker, fake)

	result, err := p.Ingest(context.Background(), IngestRequest{
		WorkspaceID: ws.ID, Actor: owner(), Title: "Manual", Text: "texto disputado entre dos escritores",
	})
	if err != nil {
		t.Fatalf("expected race recovery, got %v", err)
	}
	if !result.Deduplicated {
		t.Error("losing a dedup race must report deduplication")
	}
	if result.DocumentID != docs.winnerID {
		t.Errorf("expected the winner %s, got %s", docs.winnerID, result.DocumentID)
	}
}
