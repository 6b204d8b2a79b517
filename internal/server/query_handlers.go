package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/answer"
	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	"github.com/acervo-ai/acervo-backend/internal/retrieval"
)

type sourceResponse struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Score      float32   `json:"score"`
}

func toSourceResponses(chunks []repository.ScoredChunk) []sourceResponse {
	out := make([]sourceResponse, len(chunks))
	for i, c := range chunks {
		out[i] = sourceResponse{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Score:      c.Score,
		}
	}
	return out
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	workspaceID, err := uuid.Parse(chi.URLParam(r, "workspaceID"))
	if err != nil {
		writeError(w, r, apperr.Validation("workspace_id", "invalid workspace id"))
		return
	}

	var body struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.deps.Retrieval.Retrieve(r.Context(), retrieval.Request{
		WorkspaceID: workspaceID,
		Actor:       actorFrom(r),
		Query:       body.Query,
		TopK:        body.TopK,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chunks":      toSourceResponses(result.Chunks),
		"dense_used":  result.DenseUsed,
		"sparse_used": result.SparseUsed,
		"reranked":    result.Reranked,
	})
}

type answerBody struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
	TopK           int    `json:"top_k"`
}

func (s *Server) answerRequest(r *http.Request) (answer.Request, error) {
	workspaceID, err := uuid.Parse(chi.URLParam(r, "workspaceID"))
	if err != nil {
		return answer.Request{}, apperr.Validation("workspace_id", "invalid workspace id")
	}
	var body answerBody
	if err := decodeJSON(r, &body); err != nil {
		return answer.Request{}, err
	}
	return answer.Request{
		WorkspaceID:    workspaceID,
		Actor:          actorFrom(r),
		ConversationID: body.ConversationID,
		Query:          body.Query,
		TopK:           body.TopK,
	}, nil
}

func answerEnvelope(result *answer.Result) map[string]any {
	return map[string]any{
		"answer":          result.Answer,
		"sources":         toSourceResponses(result.Sources),
		"sources_count":   result.SourcesCount,
		"refused":         result.Refused,
		"rewritten_query": result.RewrittenQuery,
		"rewrite_applied": result.RewriteApplied,
		"retrieval_ms":    result.RetrievalMs,
		"generation_ms":   result.GenerationMs,
	}
}

func (s *Server) answerHandler(w http.ResponseWriter, r *http.Request) {
	req, err := s.answerRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.deps.Answerer.Answer(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answerEnvelope(result))
}

// answerStream serves the answer over server-sent events: one sources
// event with the retrieval metadata, token events while the model
// generates, then a done event. A refusal sends its full envelope as the
// only event.
func (s *Server) answerStream(w http.ResponseWriter, r *http.Request) {
	req, err := s.answerRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperr.Internal("streaming unsupported by the connection"))
		return
	}

	result, stream, err := s.deps.Answerer.AnswerStream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if result.Refused {
		writeSSE(w, flusher, "refusal", answerEnvelope(result))
		writeSSE(w, flusher, "done", map[string]any{"refused": true})
		return
	}

	writeSSE(w, flusher, "sources", map[string]any{
		"sources":         toSourceResponses(result.Sources),
		"sources_count":   result.SourcesCount,
		"rewritten_query": result.RewrittenQuery,
		"rewrite_applied": result.RewriteApplied,
	})

	for chunk := range stream {
		if chunk.Error != nil {
			writeSSE(w, flusher, "error", map[string]any{"message": "generation failed"})
			return
		}
		if chunk.Token != "" {
			writeSSE(w, flusher, "token", map[string]any{"token": chunk.Token})
		}
	}
	writeSSE(w, flusher, "done", map[string]any{"refused": false})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
