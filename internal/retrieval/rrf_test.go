package retrieval

import (
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

func listChunk(id uuid.UUID, score float32) repository.ScoredChunk {
	return repository.ScoredChunk{Chunk: repository.Chunk{ID: id}, Score: score}
}

func TestFuseRRF_SingleListScores(t *testing.T) {
	a := uuid.New()
	got := fuseRRF([]repository.ScoredChunk{listChunk(a, 0.9)})
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	want := float32(1.0 / 61.0)
	if math.Abs(float64(got[0].Score-want)) > 1e-7 {
		t.Errorf("rank 1 must score 1/(60+1), got %f", got[0].Score)
	}
}

func TestFuseRRF_AccumulationWins(t *testing.T) {
	both := uuid.New()
	denseOnly := uuid.New()
	sparseOnly := uuid.New()

	dense := []repository.ScoredChunk{listChunk(denseOnly, 0.95), listChunk(both, 0.90)}
	sparse := []repository.ScoredChunk{listChunk(both, 0.8), listChunk(sparseOnly, 0.7)}

	got := fuseRRF(dense, sparse)
	if got[0].ID != both {
		t.Errorf("chunk present in both lists must rank first, got %s", got[0].ID)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 distinct chunks, got %d", len(got))
	}
}

func TestFuseRRF_TieBreaksByDenseRank(t *testing.T) {
	first := uuid.New()
	second := uuid.New()

	// Both appear only once at the same rank in different lists, so fused
	// scores are identical.
	dense := []repository.ScoredChunk{listChunk(first, 0.9)}
	sparse := []repository.ScoredChunk{listChunk(second, 0.9)}

	got := fuseRRF(dense, sparse)
	if got[0].ID != first {
		t.Error("ties must break in favour of the dense list")
	}
}

func TestFuseRRF_DedupWithoutChunkID(t *testing.T) {
	docID := uuid.New()
	chunk := repository.ScoredChunk{Chunk: repository.Chunk{DocumentID: docID, ChunkIndex: 2}}

	got := fuseRRF(
		[]repository.ScoredChunk{chunk},
		[]repository.ScoredChunk{chunk},
	)
	if len(got) != 1 {
		t.Errorf("identical (document, index) pairs must merge, got %d entries", len(got))
	}
}

func TestFuseRRF_Empty(t *testing.T) {
	if got := fuseRRF(nil, nil); len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}
