package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/ingestion"
	"github.com/acervo-ai/acervo-backend/internal/objectstore"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	"github.com/acervo-ai/acervo-backend/internal/repository/memory"
)

type jobFixture struct {
	store *memory.Store
	blobs *objectstore.Memory
	ws    *repository.Workspace
	proc  *Processor
}

func newJobFixture(t *testing.T) *jobFixture {
	t.Helper()
	store := memory.NewStore()
	ws := &repository.Workspace{
		ID:          uuid.New(),
		Name:        "test-" + uuid.NewString()[:8],
		OwnerUserID: "owner-1",
		Visibility:  repository.VisibilityPrivate,
		FTSLanguage: "spanish",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := store.Create(context.Background(), ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	blobs := objectstore.NewMemory()
	fake := embedder.NewFake(repository.EmbeddingDim)
	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{ChunkSize: 50, Overlap: 10})
	proc := NewProcessor(store.Documents(), blobs, NewRegistry(), chunker, fake,
		WithNodeBuilder(ingestion.NewNodeBuilder(ingestion.NodeBuilderConfig{GroupSize: 3}, fake)))

	return &jobFixture{store: store, blobs: blobs, ws: ws, proc: proc}
}

func (f *jobFixture) pendingDocument(t *testing.T, mimeType, content string) *repository.Document {
	t.Helper()
	ctx := context.Background()
	doc := &repository.Document{
		ID:          uuid.New(),
		WorkspaceID: f.ws.ID,
		Title:       "subida",
		Status:      repository.StatusPending,
		FileName:    "doc.txt",
		MimeType:    mimeType,
		StorageKey:  "ws/" + uuid.NewString(),
		CreatedAt:   time.Now(),
	}
	if err := f.blobs.Upload(ctx, doc.StorageKey, []byte(content)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := f.store.Documents().SaveDocumentWithChunks(ctx, doc, nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	return doc
}

func TestProcess_HappyPath(t *testing.T) {
	f := newJobFixture(t)
	doc := f.pendingDocument(t, "text/plain",
		"el convenio colectivo regula la jornada laboral y el calendario de vacaciones del personal")
	ctx := context.Background()

	if err := f.proc.Process(ctx, Job{WorkspaceID: f.ws.ID, DocumentID: doc.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := f.store.GetDocument(ctx, f.ws.ID, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != repository.StatusReady {
		t.Errorf("expected READY, got %s", got.Status)
	}
	count, _ := f.store.CountChunks(ctx, doc.ID)
	if count == 0 {
		t.Error("expected chunks after processing")
	}
}

func TestProcess_DuplicateClaimIsConflict(t *testing.T) {
	f := newJobFixture(t)
	doc := f.pendingDocument(t, "text/plain", "texto suficiente para procesar sin problemas")
	ctx := context.Background()
	job := Job{WorkspaceID: f.ws.ID, DocumentID: doc.ID}

	if err := f.proc.Process(ctx, job); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := f.proc.Process(ctx, job); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("second claim must be CONFLICT, got %v", err)
	}
}

func TestProcess_UnsupportedMimeFails(t *testing.T) {
	f := newJobFixture(t)
	doc := f.pendingDocument(t, "application/x-unknown", "datos")
	ctx := context.Background()

	err := f.proc.Process(ctx, Job{WorkspaceID: f.ws.ID, DocumentID: doc.ID})
	if err == nil {
		t.Fatal("expected a failure for an unsupported mime type")
	}

	got, _ := f.store.GetDocument(ctx, f.ws.ID, doc.ID)
	if got.Status != repository.StatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "unsupported mime type") {
		t.Errorf("expected the parse error recorded, got %q", got.ErrorMessage)
	}
}

func TestProcess_MissingBlobFails(t *testing.T) {
	f := newJobFixture(t)
	ctx := context.Background()
	doc := &repository.Document{
		ID: uuid.New(), WorkspaceID: f.ws.ID, Title: "perdido",
		Status: repository.StatusPending, MimeType: "text/plain",
		StorageKey: "ws/desaparecido", CreatedAt: time.Now(),
	}
	if err := f.store.Documents().SaveDocumentWithChunks(ctx, doc, nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := f.proc.Process(ctx, Job{WorkspaceID: f.ws.ID, DocumentID: doc.ID}); err == nil {
		t.Fatal("expected a failure for a missing blob")
	}
	got, _ := f.store.GetDocument(ctx, f.ws.ID, doc.ID)
	if got.Status != repository.StatusFailed {
		t.Errorf("expected FAILED, got %s", got.Status)
	}
}

func TestProcess_StripsNullBytes(t *testing.T) {
	f := newJobFixture(t)
	doc := f.pendingDocument(t, "text/plain", "texto con\x00bytes nulos\x00 dentro del contenido")
	ctx := context.Background()

	if err := f.proc.Process(ctx, Job{WorkspaceID: f.ws.ID, DocumentID: doc.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}
	count, _ := f.store.CountChunks(ctx, doc.ID)
	if count == 0 {
		t.Error("expected chunks from null-containing text")
	}
}

func TestReprocess_AdminResetsAndEnqueues(t *testing.T) {
	f := newJobFixture(t)
	doc := f.pendingDocument(t, "text/plain", "contenido para reprocesar con cambios")
	ctx := context.Background()
	if err := f.proc.Process(ctx, Job{WorkspaceID: f.ws.ID, DocumentID: doc.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}

	queue := NewQueue(4)
	admin := repository.Actor{UserID: "admin-1", Role: repository.RoleAdmin}
	if err := Reprocess(ctx, f.store.Documents(), queue, f.ws.ID, doc.ID, admin); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if queue.Len() != 1 {
		t.Errorf("expected one queued job, got %d", queue.Len())
	}
	got, _ := f.store.GetDocument(ctx, f.ws.ID, doc.ID)
	if got.Status != repository.StatusPending {
		t.Errorf("expected PENDING after reprocess, got %s", got.Status)
	}
}

func TestReprocess_NonAdminForbidden(t *testing.T) {
	f := newJobFixture(t)
	doc := f.pendingDocument(t, "text/plain", "contenido")
	queue := NewQueue(4)

	err := Reprocess(context.Background(), f.store.Documents(), queue, f.ws.ID, doc.ID,
		repository.Actor{UserID: "owner-1", Role: repository.RoleEmployee})
	if !apperr.IsCode(err, apperr.CodeForbidden) {
		t.Errorf("expected FORBIDDEN, got %v", err)
	}
}

func TestReprocess_ProcessingIsConflict(t *testing.T) {
	f := newJobFixture(t)
	doc := f.pendingDocument(t, "text/plain", "contenido")
	ctx := context.Background()
	if _, err := f.store.TransitionStatus(ctx, doc.ID, repository.StatusPending, repository.StatusProcessing); err != nil {
		t.Fatalf("transition: %v", err)
	}

	queue := NewQueue(4)
	admin := repository.Actor{UserID: "admin-1", Role: repository.RoleAdmin}
	if err := Reprocess(ctx, f.store.Documents(), queue, f.ws.ID, doc.ID, admin); !apperr.IsCode(err, apperr.CodeConflict) {
		t.Errorf("expected CONFLICT while PROCESSING, got %v", err)
	}
}

func TestQueue_FullRejects(t *testing.T) {
	queue := NewQueue(1)
	if err := queue.Enqueue(Job{DocumentID: uuid.New()}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := queue.Enqueue(Job{DocumentID: uuid.New()}); !apperr.IsCode(err, apperr.CodeServiceUnavailable) {
		t.Errorf("expected SERVICE_UNAVAILABLE when full, got %v", err)
	}
}
