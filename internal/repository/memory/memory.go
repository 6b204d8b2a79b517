// Package memory provides in-memory implementations of the repository
// interfaces. They back unit tests and local development without Postgres;
// search uses brute-force cosine similarity instead of an ANN index.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// Store holds all in-memory state and implements every repository
// interface.
type Store struct {
	mu         sync.RWMutex
	workspaces map[uuid.UUID]*repository.Workspace
	documents  map[uuid.UUID]*repository.Document
	chunks     map[uuid.UUID][]*repository.Chunk // by document ID
	nodes      map[uuid.UUID][]*repository.Node  // by document ID
	acl        map[uuid.UUID][]*repository.ACLEntry
	events     []*repository.AuditEvent
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		workspaces: make(map[uuid.UUID]*repository.Workspace),
		documents:  make(map[uuid.UUID]*repository.Document),
		chunks:     make(map[uuid.UUID][]*repository.Chunk),
		nodes:      make(map[uuid.UUID][]*repository.Node),
		acl:        make(map[uuid.UUID][]*repository.ACLEntry),
	}
}

// --- WorkspaceRepository ---

func (s *Store) Create(ctx context.Context, ws *repository.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workspaces {
		if existing.OwnerUserID == ws.OwnerUserID && existing.Name == ws.Name {
			return repository.ErrDuplicate
		}
	}
	ws.FTSLanguage = repository.NormalizeFTSLanguage(ws.FTSLanguage)
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*repository.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *Store) ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*repository.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.Workspace
	for _, ws := range s.workspaces {
		if ws.OwnerUserID == ownerUserID {
			cp := *ws
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, limit, offset), nil
}

func (s *Store) Update(ctx context.Context, ws *repository.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.workspaces[ws.ID]
	if !ok {
		return repository.ErrNotFound
	}
	existing.Name = ws.Name
	existing.Visibility = ws.Visibility
	existing.FTSLanguage = repository.NormalizeFTSLanguage(ws.FTSLanguage)
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *Store) Archive(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return repository.ErrNotFound
	}
	if ws.ArchivedAt == nil {
		now := time.Now()
		ws.ArchivedAt = &now
	}
	return nil
}

func (s *Store) GrantACL(ctx context.Context, entry *repository.ACLEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.acl[entry.WorkspaceID]
	for _, e := range entries {
		if e.UserID == entry.UserID {
			e.Role = entry.Role
			e.GrantedBy = entry.GrantedBy
			return nil
		}
	}
	cp := *entry
	s.acl[entry.WorkspaceID] = append(entries, &cp)
	return nil
}

func (s *Store) RevokeACL(ctx context.Context, workspaceID uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.acl[workspaceID]
	for i, e := range entries {
		if e.UserID == userID {
			s.acl[workspaceID] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *Store) ListACL(ctx context.Context, workspaceID uuid.UUID) ([]*repository.ACLEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.acl[workspaceID]
	out := make([]*repository.ACLEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// --- DocumentRepository ---

// Documents returns a DocumentRepository view of the store. The view exists
// because the document GetByID and Update signatures differ from the
// workspace ones.
func (s *Store) Documents() repository.DocumentRepository { return &documentView{s} }

type documentView struct{ *Store }

func (v *documentView) GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*repository.Document, error) {
	return v.Store.GetDocument(ctx, workspaceID, id)
}

func (v *documentView) Update(ctx context.Context, doc *repository.Document) error {
	return v.Store.UpdateDocument(ctx, doc)
}

func (s *Store) SaveDocumentWithChunks(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk, nodes []*repository.Node) error {
	for _, chunk := range chunks {
		if len(chunk.Embedding) != repository.EmbeddingDim {
			return apperr.Validationf("embedding", "chunk %d has dimension %d, want %d", chunk.ChunkIndex, len(chunk.Embedding), repository.EmbeddingDim)
		}
	}
	for _, node := range nodes {
		if len(node.Embedding) != repository.EmbeddingDim {
			return apperr.Validationf("embedding", "node %d has dimension %d, want %d", node.NodeIndex, len(node.Embedding), repository.EmbeddingDim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[doc.WorkspaceID]; !ok {
		return repository.ErrNotFound
	}
	if doc.ContentHash != "" {
		for _, existing := range s.documents {
			if existing.WorkspaceID == doc.WorkspaceID && existing.ContentHash == doc.ContentHash && existing.DeletedAt == nil {
				return repository.ErrDuplicate
			}
		}
	}

	cp := *doc
	s.documents[doc.ID] = &cp
	s.chunks[doc.ID] = copyChunks(chunks)
	s.nodes[doc.ID] = copyNodes(nodes)
	return nil
}

func (s *Store) GetDocument(ctx context.Context, workspaceID, id uuid.UUID) (*repository.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[id]
	if !ok || doc.WorkspaceID != workspaceID || doc.DeletedAt != nil {
		return nil, repository.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *Store) GetByContentHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*repository.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		if doc.WorkspaceID == workspaceID && doc.ContentHash == hash && hash != "" && doc.DeletedAt == nil {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) List(ctx context.Context, workspaceID uuid.UUID, filter repository.DocumentFilter, limit, offset int) ([]*repository.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.Document
	for _, doc := range s.documents {
		if doc.WorkspaceID != workspaceID || doc.DeletedAt != nil {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if filter.Query != "" && !strings.Contains(strings.ToLower(doc.Title), strings.ToLower(filter.Query)) {
			continue
		}
		if filter.Tag != "" && !containsString(doc.Tags, filter.Tag) {
			continue
		}
		cp := *doc
		out = append(out, &cp)
	}

	switch filter.Sort {
	case "created_at_asc":
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	case "title_asc":
		sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	case "title_desc":
		sort.Slice(out, func(i, j int) bool { return out[i].Title > out[j].Title })
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	}
	return paginate(out, limit+1, offset), nil
}

func (s *Store) UpdateDocument(ctx context.Context, doc *repository.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.documents[doc.ID]
	if !ok || existing.WorkspaceID != doc.WorkspaceID || existing.DeletedAt != nil {
		return repository.ErrNotFound
	}
	existing.Title = doc.Title
	existing.Status = doc.Status
	existing.ContentHash = doc.ContentHash
	existing.Tags = doc.Tags
	existing.AllowedRoles = doc.AllowedRoles
	existing.ErrorMessage = doc.ErrorMessage
	existing.Metadata = doc.Metadata
	return nil
}

func (s *Store) Delete(ctx context.Context, workspaceID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok || doc.WorkspaceID != workspaceID || doc.DeletedAt != nil {
		return repository.ErrNotFound
	}
	now := time.Now()
	doc.DeletedAt = &now
	return nil
}

func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok || doc.DeletedAt != nil {
		return false, nil
	}
	if doc.Status != from {
		return false, nil
	}
	doc.Status = to
	return true, nil
}

func (s *Store) SetFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.Status = repository.StatusFailed
	doc.ErrorMessage = errorMessage
	return nil
}

func (s *Store) CreateChunks(ctx context.Context, documentID uuid.UUID, chunks []*repository.Chunk) error {
	for _, chunk := range chunks {
		if len(chunk.Embedding) != repository.EmbeddingDim {
			return apperr.Validationf("embedding", "chunk %d has dimension %d, want %d", chunk.ChunkIndex, len(chunk.Embedding), repository.EmbeddingDim)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return repository.ErrNotFound
	}
	s.chunks[documentID] = append(s.chunks[documentID], copyChunks(chunks)...)
	return nil
}

func (s *Store) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, documentID)
	return nil
}

func (s *Store) CountChunks(ctx context.Context, documentID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[documentID]), nil
}

func (s *Store) CreateNodes(ctx context.Context, nodes []*repository.Node) error {
	for _, node := range nodes {
		if len(node.Embedding) != repository.EmbeddingDim {
			return apperr.Validationf("embedding", "node %d has dimension %d, want %d", node.NodeIndex, len(node.Embedding), repository.EmbeddingDim)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range nodes {
		cp := *node
		s.nodes[node.DocumentID] = append(s.nodes[node.DocumentID], &cp)
	}
	return nil
}

func (s *Store) DeleteNodes(ctx context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, documentID)
	return nil
}

// --- SearchRepository ---

func (s *Store) FindSimilarChunks(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int) ([]repository.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []repository.ScoredChunk
	for docID, chunks := range s.chunks {
		doc, ok := s.documents[docID]
		if !ok || doc.WorkspaceID != workspaceID || doc.DeletedAt != nil {
			continue
		}
		for _, chunk := range chunks {
			scored = append(scored, repository.ScoredChunk{
				Chunk: *chunk,
				Score: cosine(embedding, chunk.Embedding),
			})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *Store) FindSimilarChunksMMR(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int, lambda float32, poolSize int) ([]repository.ScoredChunk, error) {
	if poolSize < topK {
		poolSize = topK
	}
	pool, err := s.FindSimilarChunks(ctx, workspaceID, embedding, poolSize)
	if err != nil {
		return nil, err
	}
	if topK > 0 && len(pool) > topK {
		pool = pool[:topK]
	}
	return pool, nil
}

// FindChunksFullText approximates tsvector matching with case-insensitive
// term counting, which is close enough for unit tests.
func (s *Store) FindChunksFullText(ctx context.Context, workspaceID uuid.UUID, query string, topK int) ([]repository.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var scored []repository.ScoredChunk
	for docID, chunks := range s.chunks {
		doc, ok := s.documents[docID]
		if !ok || doc.WorkspaceID != workspaceID || doc.DeletedAt != nil {
			continue
		}
		for _, chunk := range chunks {
			content := strings.ToLower(chunk.Content)
			matches := 0
			for _, term := range terms {
				if strings.Contains(content, term) {
					matches++
				}
			}
			if matches > 0 {
				scored = append(scored, repository.ScoredChunk{
					Chunk: *chunk,
					Score: float32(matches) / float32(len(terms)),
				})
			}
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *Store) FindSimilarNodes(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int) ([]repository.ScoredNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []repository.ScoredNode
	for _, nodes := range s.nodes {
		for _, node := range nodes {
			if node.WorkspaceID != workspaceID {
				continue
			}
			scored = append(scored, repository.ScoredNode{
				Node:  *node,
				Score: cosine(embedding, node.Embedding),
			})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *Store) FindChunksByNodeSpans(ctx context.Context, workspaceID uuid.UUID, spans []repository.NodeSpan) ([]repository.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var out []repository.Chunk
	for _, span := range spans {
		doc, ok := s.documents[span.DocumentID]
		if !ok || doc.WorkspaceID != workspaceID || doc.DeletedAt != nil {
			continue
		}
		for _, chunk := range s.chunks[span.DocumentID] {
			if chunk.ChunkIndex >= span.SpanStart && chunk.ChunkIndex <= span.SpanEnd && !seen[chunk.ID] {
				seen[chunk.ID] = true
				out = append(out, *chunk)
			}
		}
	}
	return out, nil
}

// --- AuditRepository ---

func (s *Store) Record(ctx context.Context, event *repository.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// Events returns a copy of all recorded audit events.
func (s *Store) Events() []*repository.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*repository.AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// --- helpers ---

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func copyChunks(chunks []*repository.Chunk) []*repository.Chunk {
	out := make([]*repository.Chunk, len(chunks))
	for i, c := range chunks {
		cp := *c
		out[i] = &cp
	}
	return out
}

func copyNodes(nodes []*repository.Node) []*repository.Node {
	out := make([]*repository.Node, len(nodes))
	for i, n := range nodes {
		cp := *n
		out[i] = &cp
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var (
	_ repository.WorkspaceRepository = (*Store)(nil)
	_ repository.DocumentRepository  = (*documentView)(nil)
	_ repository.SearchRepository    = (*Store)(nil)
	_ repository.AuditRepository     = (*Store)(nil)
)
