package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// SearchRepo implements repository.SearchRepository on pgvector and
// tsvector indexes. Every query is scoped to a workspace through the
// owning document.
type SearchRepo struct {
	db *DB
}

// NewSearchRepo creates a new search repository
func NewSearchRepo(db *DB) *SearchRepo {
	return &SearchRepo{db: db}
}

// FindSimilarChunks runs a cosine nearest-neighbor search over the
// workspace's chunks. Scores are 1 - cosine distance, descending.
func (r *SearchRepo) FindSimilarChunks(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int) ([]repository.ScoredChunk, error) {
	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.metadata,
		       1 - (c.embedding <=> $2::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.workspace_id = $1 AND d.deleted_at IS NULL
		ORDER BY c.embedding <=> $2::vector
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, workspaceID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("repository.FindSimilarChunks: %w", err)
	}
	defer rows.Close()

	return scanScoredChunks(rows)
}

// FindSimilarChunksMMR pulls a poolSize candidate set and reorders it with
// Maximal Marginal Relevance before truncating to topK. lambda trades
// relevance (1.0) against diversity (0.0).
func (r *SearchRepo) FindSimilarChunksMMR(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int, lambda float32, poolSize int) ([]repository.ScoredChunk, error) {
	if poolSize < topK {
		poolSize = topK
	}

	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.metadata, c.embedding,
		       1 - (c.embedding <=> $2::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.workspace_id = $1 AND d.deleted_at IS NULL
		ORDER BY c.embedding <=> $2::vector
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, workspaceID, pgvector.NewVector(embedding), poolSize)
	if err != nil {
		return nil, fmt.Errorf("repository.FindSimilarChunksMMR: %w", err)
	}
	defer rows.Close()

	var pool []repository.ScoredChunk
	for rows.Next() {
		var sc repository.ScoredChunk
		var metadataJSON []byte
		var vec pgvector.Vector
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.ChunkIndex, &sc.Content, &metadataJSON, &vec, &sc.Score); err != nil {
			return nil, fmt.Errorf("repository.FindSimilarChunksMMR: scan: %w", err)
		}
		sc.Embedding = vec.Slice()
		sc.Metadata = make(map[string]string)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &sc.Metadata); err != nil {
				return nil, fmt.Errorf("repository.FindSimilarChunksMMR: metadata: %w", err)
			}
		}
		pool = append(pool, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.FindSimilarChunksMMR: rows: %w", err)
	}

	return mmrSelect(pool, topK, lambda), nil
}

// mmrSelect greedily picks the candidate maximizing
// lambda*relevance - (1-lambda)*max_similarity_to_selected.
func mmrSelect(pool []repository.ScoredChunk, topK int, lambda float32) []repository.ScoredChunk {
	if len(pool) == 0 || topK <= 0 {
		return nil
	}
	if topK > len(pool) {
		topK = len(pool)
	}

	selected := make([]repository.ScoredChunk, 0, topK)
	remaining := append([]repository.ScoredChunk(nil), pool...)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestScore := float32(math.Inf(-1))
		for i, cand := range remaining {
			redundancy := float32(0)
			for _, sel := range selected {
				if sim := cosineSimilarity(cand.Embedding, sel.Embedding); sim > redundancy {
					redundancy = sim
				}
			}
			score := lambda*cand.Score - (1-lambda)*redundancy
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func cosineSimilarity(a, b []float32) float32 {
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

// FindChunksFullText searches chunk tsvectors with the workspace's
// configured language. Scores are ts_rank values, descending.
func (r *SearchRepo) FindChunksFullText(ctx context.Context, workspaceID uuid.UUID, query string, topK int) ([]repository.ScoredChunk, error) {
	var lang string
	err := r.db.Pool.QueryRow(ctx, `SELECT fts_language FROM workspaces WHERE id = $1`, workspaceID).Scan(&lang)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("repository.FindChunksFullText: workspace language: %w", err)
	}
	lang = repository.NormalizeFTSLanguage(lang)

	sql := `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.metadata,
		       ts_rank(c.tsv, plainto_tsquery($2::regconfig, $3)) AS rank
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.workspace_id = $1 AND d.deleted_at IS NULL
		  AND c.tsv @@ plainto_tsquery($2::regconfig, $3)
		ORDER BY rank DESC
		LIMIT $4
	`
	rows, err := r.db.Pool.Query(ctx, sql, workspaceID, lang, query, topK)
	if err != nil {
		return nil, fmt.Errorf("repository.FindChunksFullText: %w", err)
	}
	defer rows.Close()

	return scanScoredChunks(rows)
}

// FindSimilarNodes runs a cosine nearest-neighbor search over the
// workspace's nodes.
func (r *SearchRepo) FindSimilarNodes(ctx context.Context, workspaceID uuid.UUID, embedding []float32, topK int) ([]repository.ScoredNode, error) {
	query := `
		SELECT id, workspace_id, document_id, node_index, node_text, span_start, span_end,
		       1 - (embedding <=> $2::vector) AS similarity
		FROM nodes
		WHERE workspace_id = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3
	`
	rows, err := r.db.Pool.Query(ctx, query, workspaceID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("repository.FindSimilarNodes: %w", err)
	}
	defer rows.Close()

	var nodes []repository.ScoredNode
	for rows.Next() {
		var sn repository.ScoredNode
		if err := rows.Scan(&sn.ID, &sn.WorkspaceID, &sn.DocumentID, &sn.NodeIndex,
			&sn.NodeText, &sn.SpanStart, &sn.SpanEnd, &sn.Score); err != nil {
			return nil, fmt.Errorf("repository.FindSimilarNodes: scan: %w", err)
		}
		nodes = append(nodes, sn)
	}
	return nodes, rows.Err()
}

// FindChunksByNodeSpans fetches the chunks covered by the given
// (document, span) ranges, including their embeddings so the caller can
// rank them against the query vector.
func (r *SearchRepo) FindChunksByNodeSpans(ctx context.Context, workspaceID uuid.UUID, spans []repository.NodeSpan) ([]repository.Chunk, error) {
	if len(spans) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, span := range spans {
		batch.Queue(`
			SELECT c.id, c.document_id, c.chunk_index, c.content, c.metadata, c.embedding
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE d.workspace_id = $1 AND d.deleted_at IS NULL
			  AND c.document_id = $2 AND c.chunk_index BETWEEN $3 AND $4
			ORDER BY c.chunk_index
		`, workspaceID, span.DocumentID, span.SpanStart, span.SpanEnd)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	seen := make(map[uuid.UUID]bool)
	var chunks []repository.Chunk
	for range spans {
		rows, err := results.Query()
		if err != nil {
			return nil, fmt.Errorf("repository.FindChunksByNodeSpans: %w", err)
		}
		for rows.Next() {
			var chunk repository.Chunk
			var metadataJSON []byte
			var vec pgvector.Vector
			if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Content, &metadataJSON, &vec); err != nil {
				rows.Close()
				return nil, fmt.Errorf("repository.FindChunksByNodeSpans: scan: %w", err)
			}
			chunk.Embedding = vec.Slice()
			chunk.Metadata = make(map[string]string)
			if len(metadataJSON) > 0 {
				if err := json.Unmarshal(metadataJSON, &chunk.Metadata); err != nil {
					rows.Close()
					return nil, fmt.Errorf("repository.FindChunksByNodeSpans: metadata: %w", err)
				}
			}
			if !seen[chunk.ID] {
				seen[chunk.ID] = true
				chunks = append(chunks, chunk)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("repository.FindChunksByNodeSpans: rows: %w", err)
		}
		rows.Close()
	}
	return chunks, nil
}

func scanScoredChunks(rows pgx.Rows) ([]repository.ScoredChunk, error) {
	var chunks []repository.ScoredChunk
	for rows.Next() {
		var sc repository.ScoredChunk
		var metadataJSON []byte
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.ChunkIndex, &sc.Content, &metadataJSON, &sc.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		sc.Metadata = make(map[string]string)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &sc.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
		}
		chunks = append(chunks, sc)
	}
	return chunks, rows.Err()
}

// Ensure SearchRepo implements the interface
var _ repository.SearchRepository = (*SearchRepo)(nil)
