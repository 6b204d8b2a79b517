// Package reranker re-orders retrieved chunks by query relevance.
//
// Two modes are available: a zero-cost heuristic based on term overlap, and
// a cross-encoder mode that asks an LLM to score query-chunk pairs together.
// The cross-encoder adds one generation call per query; retrieval falls back
// to the fused order when reranking fails.
package reranker

import (
	"context"
	"sort"
	"strings"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// Mode names reported in RerankResult.ModeUsed.
const (
	ModeHeuristic    = "heuristic"
	ModeCrossEncoder = "cross_encoder"
)

// RerankResult carries the reordered chunks plus bookkeeping for the
// response metadata.
type RerankResult struct {
	Chunks        []repository.ScoredChunk
	OriginalCount int
	ReturnedCount int
	ModeUsed      string
}

// Reranker re-scores and truncates a candidate list for a query.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []repository.ScoredChunk, topK int) (RerankResult, error)
}

// Heuristic scores each chunk by the fraction of query terms it contains.
// Ties keep the incoming order, so equal-overlap chunks stay ranked by their
// retrieval score.
type Heuristic struct{}

// NewHeuristic creates a heuristic reranker.
func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Rerank(ctx context.Context, query string, chunks []repository.ScoredChunk, topK int) (RerankResult, error) {
	if len(chunks) == 0 {
		return RerankResult{ModeUsed: ModeHeuristic}, nil
	}

	terms := queryTerms(query)
	scored := make([]repository.ScoredChunk, len(chunks))
	copy(scored, chunks)
	if len(terms) > 0 {
		for i := range scored {
			scored[i].Score = overlapScore(terms, scored[i].Content)
		}
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	}

	original := len(scored)
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return RerankResult{
		Chunks:        scored,
		OriginalCount: original,
		ReturnedCount: len(scored),
		ModeUsed:      ModeHeuristic,
	}, nil
}

func queryTerms(query string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(query))
	terms := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?¿¡;:\"'()[]{}")
		if len([]rune(w)) > 2 {
			terms[w] = struct{}{}
		}
	}
	return terms
}

func overlapScore(terms map[string]struct{}, content string) float32 {
	content = strings.ToLower(content)
	matched := 0
	for term := range terms {
		if strings.Contains(content, term) {
			matched++
		}
	}
	return float32(matched) / float32(len(terms))
}

var _ Reranker = (*Heuristic)(nil)
