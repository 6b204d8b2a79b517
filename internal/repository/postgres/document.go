package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, workspace_id, title, status, COALESCE(content_hash, ''),
	file_name, mime_type, storage_key, tags, allowed_roles,
	COALESCE(external_source_id, ''), external_etag, external_modified_time,
	error_message, metadata, created_at, deleted_at`

// SaveDocumentWithChunks inserts the document, its chunks and optional
// nodes in a single transaction. Embedding dimensions are validated before
// any row is written. A (workspace_id, content_hash) collision surfaces as
// repository.ErrDuplicate with nothing persisted.
func (r *DocumentRepo) SaveDocumentWithChunks(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk, nodes []*repository.Node) error {
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

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository.SaveDocumentWithChunks: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var lang string
	if err := tx.QueryRow(ctx, `SELECT fts_language FROM workspaces WHERE id = $1`, doc.WorkspaceID).Scan(&lang); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("repository.SaveDocumentWithChunks: workspace language: %w", err)
	}
	lang = repository.NormalizeFTSLanguage(lang)

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("repository.SaveDocumentWithChunks: marshal metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, workspace_id, title, status, content_hash,
			file_name, mime_type, storage_key, tags, allowed_roles,
			external_source_id, external_etag, external_modified_time,
			error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, $14, $15, $16)
	`, doc.ID, doc.WorkspaceID, doc.Title, doc.Status, doc.ContentHash,
		doc.FileName, doc.MimeType, doc.StorageKey, doc.Tags, doc.AllowedRoles,
		doc.ExternalSourceID, doc.ExternalETag, doc.ExternalModifiedTime,
		doc.ErrorMessage, metadataJSON, doc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("repository.SaveDocumentWithChunks: insert document: %w", err)
	}

	if err := r.insertChunks(ctx, tx, lang, chunks); err != nil {
		return err
	}
	if err := r.insertNodes(ctx, tx, nodes); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("repository.SaveDocumentWithChunks: commit: %w", err)
	}
	return nil
}

func (r *DocumentRepo) insertChunks(ctx context.Context, tx pgx.Tx, lang string, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		metadataJSON, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("repository.insertChunks: marshal metadata: %w", err)
		}
		batch.Queue(`
			INSERT INTO chunks (id, document_id, chunk_index, content, embedding, tsv, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, to_tsvector($6::regconfig, $4), $7, NOW())
		`, chunk.ID, chunk.DocumentID, chunk.ChunkIndex, chunk.Content,
			pgvector.NewVector(chunk.Embedding), lang, metadataJSON)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("repository.insertChunks: %w", err)
		}
	}
	return results.Close()
}

func (r *DocumentRepo) insertNodes(ctx context.Context, tx pgx.Tx, nodes []*repository.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, node := range nodes {
		batch.Queue(`
			INSERT INTO nodes (id, workspace_id, document_id, node_index, node_text, embedding, span_start, span_end)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, node.ID, node.WorkspaceID, node.DocumentID, node.NodeIndex,
			node.NodeText, pgvector.NewVector(node.Embedding), node.SpanStart, node.SpanEnd)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for range nodes {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("repository.insertNodes: %w", err)
		}
	}
	return results.Close()
}

// GetByID retrieves a document by ID within a workspace. A document in
// another workspace is indistinguishable from a missing one.
func (r *DocumentRepo) GetByID(ctx context.Context, workspaceID, id uuid.UUID) (*repository.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE workspace_id = $1 AND id = $2 AND deleted_at IS NULL
	`
	return r.scanDocument(ctx, query, workspaceID, id)
}

// GetByContentHash retrieves a document by content hash within a workspace.
func (r *DocumentRepo) GetByContentHash(ctx context.Context, workspaceID uuid.UUID, hash string) (*repository.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE workspace_id = $1 AND content_hash = $2 AND deleted_at IS NULL
	`
	return r.scanDocument(ctx, query, workspaceID, hash)
}

func (r *DocumentRepo) scanDocument(ctx context.Context, query string, args ...any) (*repository.Document, error) {
	row := r.db.Pool.QueryRow(ctx, query, args...)
	doc, err := scanDocumentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocumentRow(row rowScanner) (*repository.Document, error) {
	var doc repository.Document
	var metadataJSON []byte
	err := row.Scan(
		&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.Status, &doc.ContentHash,
		&doc.FileName, &doc.MimeType, &doc.StorageKey, &doc.Tags, &doc.AllowedRoles,
		&doc.ExternalSourceID, &doc.ExternalETag, &doc.ExternalModifiedTime,
		&doc.ErrorMessage, &metadataJSON, &doc.CreatedAt, &doc.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Metadata = make(map[string]string)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// List retrieves up to limit+1 documents so the caller can derive a next
// cursor from the extra row.
func (r *DocumentRepo) List(ctx context.Context, workspaceID uuid.UUID, filter repository.DocumentFilter, limit, offset int) ([]*repository.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE workspace_id = $1 AND deleted_at IS NULL
	`
	args := []any{workspaceID}

	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		query += fmt.Sprintf(" AND title ILIKE $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args))
	}

	switch filter.Sort {
	case "created_at_asc":
		query += " ORDER BY created_at ASC"
	case "title_asc":
		query += " ORDER BY title ASC"
	case "title_desc":
		query += " ORDER BY title DESC"
	default:
		query += " ORDER BY created_at DESC"
	}

	args = append(args, limit+1, offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Update updates document fields. Workspace ownership is immutable, so the
// workspace_id in the WHERE clause also guards against cross-workspace
// writes.
func (r *DocumentRepo) Update(ctx context.Context, doc *repository.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE documents
		SET title = $3, status = $4, content_hash = NULLIF($5, ''), tags = $6,
		    allowed_roles = $7, error_message = $8, metadata = $9
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
	`
	result, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.WorkspaceID, doc.Title, doc.Status, doc.ContentHash,
		doc.Tags, doc.AllowedRoles, doc.ErrorMessage, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete soft-deletes a document. Chunks and nodes remain until a
// reprocess or a cascade removes them; soft-deleted documents are filtered
// from every read and search path.
func (r *DocumentRepo) Delete(ctx context.Context, workspaceID, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE documents SET deleted_at = NOW()
		WHERE id = $1 AND workspace_id = $2 AND deleted_at IS NULL
	`, id, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// TransitionStatus applies a compare-and-swap status change.
func (r *DocumentRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE documents SET status = $3
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SetFailed marks a document FAILED with a human-readable message.
func (r *DocumentRepo) SetFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE documents SET status = $2, error_message = $3
		WHERE id = $1
	`, id, repository.StatusFailed, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return nil
}

// CreateChunks inserts chunks for an existing document outside the atomic
// save path, used by the async processor after reprocessing.
func (r *DocumentRepo) CreateChunks(ctx context.Context, documentID uuid.UUID, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, chunk := range chunks {
		if len(chunk.Embedding) != repository.EmbeddingDim {
			return apperr.Validationf("embedding", "chunk %d has dimension %d, want %d", chunk.ChunkIndex, len(chunk.Embedding), repository.EmbeddingDim)
		}
	}

	var lang string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT w.fts_language FROM workspaces w
		JOIN documents d ON d.workspace_id = w.id
		WHERE d.id = $1
	`, documentID).Scan(&lang)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to resolve fts language: %w", err)
	}
	lang = repository.NormalizeFTSLanguage(lang)

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin chunk insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.insertChunks(ctx, tx, lang, chunks); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteChunks deletes all chunks for a document
func (r *DocumentRepo) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// CountChunks returns the number of chunks stored for a document.
func (r *DocumentRepo) CountChunks(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// CreateNodes inserts nodes outside the atomic save path.
func (r *DocumentRepo) CreateNodes(ctx context.Context, nodes []*repository.Node) error {
	if len(nodes) == 0 {
		return nil
	}
	for _, node := range nodes {
		if len(node.Embedding) != repository.EmbeddingDim {
			return apperr.Validationf("embedding", "node %d has dimension %d, want %d", node.NodeIndex, len(node.Embedding), repository.EmbeddingDim)
		}
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin node insert: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.insertNodes(ctx, tx, nodes); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DeleteNodes deletes all nodes for a document
func (r *DocumentRepo) DeleteNodes(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM nodes WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete nodes: %w", err)
	}
	return nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
