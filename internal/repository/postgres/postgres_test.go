package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// Integration tests require a migrated database; they skip when
// DATABASE_URL is unset.
func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	db, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

// axisVector returns a unit vector with a single 1.0 at the given axis, so
// cosine similarity between distinct axes is exactly 0 and identical axes 1.
func axisVector(axis int) []float32 {
	vec := make([]float32, repository.EmbeddingDim)
	vec[axis] = 1.0
	return vec
}

func createTestWorkspace(t *testing.T, db *DB, lang string) *repository.Workspace {
	t.Helper()
	repo := NewWorkspaceRepo(db)
	ws := &repository.Workspace{
		ID:          uuid.New(),
		Name:        fmt.Sprintf("test-%s", uuid.NewString()[:8]),
		OwnerUserID: "test-owner",
		Visibility:  repository.VisibilityPrivate,
		FTSLanguage: lang,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := repo.Create(context.Background(), ws); err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Pool.Exec(context.Background(), `DELETE FROM workspaces WHERE id = $1`, ws.ID)
	})
	return ws
}

func testDocument(ws *repository.Workspace, hash string) *repository.Document {
	return &repository.Document{
		ID:          uuid.New(),
		WorkspaceID: ws.ID,
		Title:       "Manual",
		Status:      repository.StatusReady,
		ContentHash: hash,
		Metadata:    map[string]string{"origin": "test"},
		CreatedAt:   time.Now(),
	}
}

func testChunks(docID uuid.UUID, axes ...int) []*repository.Chunk {
	chunks := make([]*repository.Chunk, len(axes))
	for i, axis := range axes {
		chunks[i] = &repository.Chunk{
			ID:         uuid.New(),
			DocumentID: docID,
			ChunkIndex: i,
			Content:    fmt.Sprintf("contenido del fragmento %d", i),
			Embedding:  axisVector(axis),
			Metadata:   map[string]string{},
		}
	}
	return chunks
}

func TestSaveDocumentWithChunks_Atomic(t *testing.T) {
	db := testDB(t)
	ws := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	doc := testDocument(ws, "a1b2"+uuid.NewString()[:8])
	if err := docs.SaveDocumentWithChunks(ctx, doc, testChunks(doc.ID, 0, 1, 2), nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := docs.GetByContentHash(ctx, ws.ID, doc.ContentHash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != doc.ID {
		t.Errorf("expected document %s, got %s", doc.ID, got.ID)
	}

	count, err := docs.CountChunks(ctx, doc.ID)
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 chunks, got %d", count)
	}
}

func TestSaveDocumentWithChunks_DuplicateHash(t *testing.T) {
	db := testDB(t)
	ws := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	hash := "dup-" + uuid.NewString()[:8]

	first := testDocument(ws, hash)
	if err := docs.SaveDocumentWithChunks(ctx, first, testChunks(first.ID, 0), nil); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := testDocument(ws, hash)
	err := docs.SaveDocumentWithChunks(ctx, second, testChunks(second.ID, 1), nil)
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// Nothing from the losing save may persist.
	if _, err := docs.GetByID(ctx, ws.ID, second.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected losing document to be absent, got %v", err)
	}
}

func TestSaveDocumentWithChunks_RejectsBadDimension(t *testing.T) {
	db := testDB(t)
	ws := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	doc := testDocument(ws, "dim-"+uuid.NewString()[:8])
	chunks := testChunks(doc.ID, 0)
	chunks[0].Embedding = []float32{1, 2, 3}

	if err := docs.SaveDocumentWithChunks(ctx, doc, chunks, nil); err == nil {
		t.Fatal("expected a validation error for a short embedding")
	}
	if _, err := docs.GetByID(ctx, ws.ID, doc.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Error("document must not persist after a dimension failure")
	}
}

func TestFindSimilarChunks_WorkspaceIsolation(t *testing.T) {
	db := testDB(t)
	ws1 := createTestWorkspace(t, db, "spanish")
	ws2 := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	search := NewSearchRepo(db)

	doc1 := testDocument(ws1, "iso1-"+uuid.NewString()[:8])
	if err := docs.SaveDocumentWithChunks(ctx, doc1, testChunks(doc1.ID, 100), nil); err != nil {
		t.Fatalf("save ws1: %v", err)
	}
	doc2 := testDocument(ws2, "iso2-"+uuid.NewString()[:8])
	if err := docs.SaveDocumentWithChunks(ctx, doc2, testChunks(doc2.ID, 100), nil); err != nil {
		t.Fatalf("save ws2: %v", err)
	}

	results, err := search.FindSimilarChunks(ctx, ws1.ID, axisVector(100), 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one hit in ws1")
	}
	for _, sc := range results {
		if sc.DocumentID == doc2.ID {
			t.Errorf("chunk from workspace %s leaked into %s results", ws2.ID, ws1.ID)
		}
	}
}

func TestFindSimilarChunks_Ordering(t *testing.T) {
	db := testDB(t)
	ws := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	search := NewSearchRepo(db)

	doc := testDocument(ws, "ord-"+uuid.NewString()[:8])
	if err := docs.SaveDocumentWithChunks(ctx, doc, testChunks(doc.ID, 10, 20, 30), nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := search.FindSimilarChunks(ctx, ws.ID, axisVector(20), 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ChunkIndex != 1 {
		t.Errorf("expected exact-match chunk first, got index %d", results[0].ChunkIndex)
	}
	if results[0].Score < 0.99 {
		t.Errorf("expected similarity ~1.0 for exact match, got %f", results[0].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Error("results must be ordered by descending similarity")
		}
	}
}

func TestFindChunksFullText(t *testing.T) {
	db := testDB(t)
	ws := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	search := NewSearchRepo(db)

	doc := testDocument(ws, "fts-"+uuid.NewString()[:8])
	chunks := testChunks(doc.ID, 0, 1)
	chunks[0].Content = "el contrato establece las condiciones de pago"
	chunks[1].Content = "capítulo sobre vacaciones y permisos"
	if err := docs.SaveDocumentWithChunks(ctx, doc, chunks, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	results, err := search.FindChunksFullText(ctx, ws.ID, "condiciones de pago", 5)
	if err != nil {
		t.Fatalf("fts: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected a full-text hit")
	}
	if results[0].ChunkIndex != 0 {
		t.Errorf("expected the payment chunk first, got index %d", results[0].ChunkIndex)
	}
}

func TestTwoTier_NodeSpans(t *testing.T) {
	db := testDB(t)
	ws := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	search := NewSearchRepo(db)

	doc := testDocument(ws, "node-"+uuid.NewString()[:8])
	chunks := testChunks(doc.ID, 0, 1, 2, 3, 4, 5)
	nodes := []*repository.Node{
		{ID: uuid.New(), WorkspaceID: ws.ID, DocumentID: doc.ID, NodeIndex: 0, NodeText: "first", Embedding: axisVector(200), SpanStart: 0, SpanEnd: 2},
		{ID: uuid.New(), WorkspaceID: ws.ID, DocumentID: doc.ID, NodeIndex: 1, NodeText: "second", Embedding: axisVector(201), SpanStart: 3, SpanEnd: 5},
	}
	if err := docs.SaveDocumentWithChunks(ctx, doc, chunks, nodes); err != nil {
		t.Fatalf("save: %v", err)
	}

	hits, err := search.FindSimilarNodes(ctx, ws.ID, axisVector(201), 1)
	if err != nil {
		t.Fatalf("node search: %v", err)
	}
	if len(hits) != 1 || hits[0].NodeIndex != 1 {
		t.Fatalf("expected the second node, got %+v", hits)
	}

	spanChunks, err := search.FindChunksByNodeSpans(ctx, ws.ID, []repository.NodeSpan{
		{DocumentID: hits[0].DocumentID, SpanStart: hits[0].SpanStart, SpanEnd: hits[0].SpanEnd},
	})
	if err != nil {
		t.Fatalf("span fetch: %v", err)
	}
	if len(spanChunks) != 3 {
		t.Fatalf("expected chunks 3..5, got %d chunks", len(spanChunks))
	}
	for _, chunk := range spanChunks {
		if chunk.ChunkIndex < 3 || chunk.ChunkIndex > 5 {
			t.Errorf("chunk index %d outside span 3..5", chunk.ChunkIndex)
		}
	}
}

func TestTransitionStatus_CAS(t *testing.T) {
	db := testDB(t)
	ws := createTestWorkspace(t, db, "spanish")
	ctx := context.Background()

	docs := NewDocumentRepo(db)
	doc := testDocument(ws, "cas-"+uuid.NewString()[:8])
	doc.Status = repository.StatusPending
	if err := docs.SaveDocumentWithChunks(ctx, doc, nil, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	applied, err := docs.TransitionStatus(ctx, doc.ID, repository.StatusPending, repository.StatusProcessing)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !applied {
		t.Fatal("first claim must succeed")
	}

	applied, err = docs.TransitionStatus(ctx, doc.ID, repository.StatusPending, repository.StatusProcessing)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if applied {
		t.Error("second claim must be rejected by CAS")
	}
}
