package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/acervo-ai/acervo-backend/internal/llm"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// CrossEncoder scores query-chunk pairs with an LLM. Seeing both sides
// together is more accurate than independent embedding similarity when the
// candidate scores are close.
type CrossEncoder struct {
	llmClient llm.LLM
	model     string
}

// CrossEncoderOption is a functional option for configuring CrossEncoder.
type CrossEncoderOption func(*CrossEncoder)

// WithModel sets the model used for scoring.
func WithModel(model string) CrossEncoderOption {
	return func(r *CrossEncoder) {
		r.model = model
	}
}

// NewCrossEncoder creates an LLM-backed reranker.
func NewCrossEncoder(llmClient llm.LLM, opts ...CrossEncoderOption) *CrossEncoder {
	r := &CrossEncoder{
		llmClient: llmClient,
		model:     llm.DefaultModel,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type relevanceScore struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Reason     string  `json:"reason,omitempty"`
}

type scoreResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank asks the LLM to score every chunk against the query in one call.
// An unparseable response falls back to the incoming scores rather than
// failing the query.
func (r *CrossEncoder) Rerank(ctx context.Context, query string, chunks []repository.ScoredChunk, topK int) (RerankResult, error) {
	if len(chunks) == 0 {
		return RerankResult{ModeUsed: ModeCrossEncoder}, nil
	}

	prompt := r.buildPrompt(query, chunks)
	response, err := r.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0, // deterministic scoring
		MaxTokens:   1024,
	})
	if err != nil {
		return RerankResult{}, fmt.Errorf("reranker.Rerank: %w", err)
	}

	original := len(chunks)
	scored := make([]repository.ScoredChunk, len(chunks))
	copy(scored, chunks)

	scores, parseErr := r.parseScores(response, len(chunks))
	if parseErr == nil {
		for i := range scored {
			scored[i].Score = scores[i]
		}
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	}
	// On a parse failure the fused order stands.

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return RerankResult{
		Chunks:        scored,
		OriginalCount: original,
		ReturnedCount: len(scored),
		ModeUsed:      ModeCrossEncoder,
	}, nil
}

func (r *CrossEncoder) buildPrompt(query string, chunks []repository.ScoredChunk) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each passage's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Passages to score:\n")
	for i, chunk := range chunks {
		content := chunk.Content
		if runes := []rune(content); len(runes) > 500 {
			content = string(runes[:500]) + "..."
		}
		sb.WriteString(fmt.Sprintf("[Passage %d]: %s\n\n", i, content))
	}

	sb.WriteString(`Score each passage from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"chunk_index": 0, "score": 0.9}, {"chunk_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant passages should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

func (r *CrossEncoder) parseScores(response string, numChunks int) ([]float32, error) {
	response = strings.TrimSpace(response)

	// Unwrap a markdown code fence if the model added one.
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}
	response = strings.TrimSpace(response)

	var parsed scoreResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse scores: %w", err)
	}

	// Missing entries keep a neutral score.
	scores := make([]float32, numChunks)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.ChunkIndex >= 0 && s.ChunkIndex < numChunks {
			score := s.Score
			if score < 0 {
				score = 0
			}
			if score > 1 {
				score = 1
			}
			scores[s.ChunkIndex] = score
		}
	}
	return scores, nil
}

var _ Reranker = (*CrossEncoder)(nil)
