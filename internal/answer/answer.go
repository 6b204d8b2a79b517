// Package answer orchestrates the full question-answering flow: query
// rewriting, retrieval, context assembly, refusal policy and generation.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/llm"
	"github.com/acervo-ai/acervo-backend/internal/memory"
	"github.com/acervo-ai/acervo-backend/internal/metrics"
	"github.com/acervo-ai/acervo-backend/internal/prompt"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	"github.com/acervo-ai/acervo-backend/internal/retrieval"
	"github.com/acervo-ai/acervo-backend/internal/rewriter"
)

// RefusalMessage is the stock answer returned when retrieval produces no
// usable evidence. Grounded answers never come from model priors.
const RefusalMessage = "No dispongo de información suficiente en los documentos disponibles para responder a esta pregunta."

const defaultSystemPrompt = `Eres un asistente que responde únicamente a partir de los fragmentos proporcionados.
Cita cada afirmación con el identificador de su fuente, por ejemplo [S1].
Si los fragmentos no contienen la respuesta, dilo claramente y no inventes nada.`

// Request is a single answer invocation.
type Request struct {
	WorkspaceID    uuid.UUID
	Actor          repository.Actor
	ConversationID string
	Query          string
	TopK           int
}

// Result is the complete answer with its provenance metadata.
type Result struct {
	Answer         string
	Sources        []repository.ScoredChunk
	SourcesCount   int
	Refused        bool
	OriginalQuery  string
	RewrittenQuery string
	RewriteApplied bool
	GenerationMs   int64
	RetrievalMs    int64
}

// Orchestrator wires the answer stages together.
type Orchestrator struct {
	retriever *retrieval.Pipeline
	builder   *prompt.Builder
	rewriter  *rewriter.Rewriter
	memory    *memory.Store
	llmClient llm.LLM
	model     string
	audit     repository.AuditRepository
	metrics   *metrics.Set
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithAudit records rag.answer and rag.refusal events.
func WithAudit(audit repository.AuditRepository) Option {
	return func(o *Orchestrator) { o.audit = audit }
}

// WithMetrics attaches the refusal and no-source counters.
func WithMetrics(m *metrics.Set) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithModel overrides the generation model.
func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

// New creates an answer orchestrator.
func New(retriever *retrieval.Pipeline, builder *prompt.Builder, mem *memory.Store, llmClient llm.LLM, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		retriever: retriever,
		builder:   builder,
		rewriter:  rewriter.New(),
		memory:    mem,
		llmClient: llmClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Answer runs the full flow and blocks for the complete generation.
func (o *Orchestrator) Answer(ctx context.Context, req Request) (*Result, error) {
	result, contextBlock, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.Refused {
		return result, nil
	}

	generationStart := time.Now()
	answer, err := o.llmClient.Generate(ctx, o.buildPrompt(req, contextBlock), llm.GenerateOptions{
		Model:        o.model,
		SystemPrompt: defaultSystemPrompt,
		Temperature:  llm.DefaultTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("answer.Answer: generate: %w", err)
	}
	result.Answer = answer
	result.GenerationMs = time.Since(generationStart).Milliseconds()

	o.finish(ctx, req, result, answer)
	return result, nil
}

// AnswerStream runs the same flow but streams generation tokens. The
// returned result carries the retrieval metadata; tokens arrive on the
// channel and stop when ctx is cancelled. A refusal yields a nil channel.
func (o *Orchestrator) AnswerStream(ctx context.Context, req Request) (*Result, <-chan llm.StreamChunk, error) {
	result, contextBlock, err := o.prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if result.Refused {
		return result, nil, nil
	}

	inner, err := o.llmClient.GenerateStream(ctx, o.buildPrompt(req, contextBlock), llm.GenerateOptions{
		Model:        o.model,
		SystemPrompt: defaultSystemPrompt,
		Temperature:  llm.DefaultTemperature,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("answer.AnswerStream: %w", err)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var full strings.Builder
		for chunk := range inner {
			if chunk.Token != "" {
				full.WriteString(chunk.Token)
			}
			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
			if chunk.Error != nil {
				return
			}
		}
		o.finish(ctx, req, result, full.String())
	}()
	return result, out, nil
}

// prepare runs rewrite and retrieval, assembles context and applies the
// refusal policy. It returns the partially filled result plus the context
// block for generation.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*Result, string, error) {
	var history []memory.Message
	if o.memory != nil && req.ConversationID != "" {
		history = o.memory.Recent(req.ConversationID, 10)
	}

	rewrite := o.rewriter.Rewrite(req.Query, history)
	result := &Result{
		OriginalQuery:  rewrite.Original,
		RewrittenQuery: rewrite.Rewritten,
		RewriteApplied: rewrite.WasRewritten,
	}

	if o.memory != nil && req.ConversationID != "" {
		o.memory.AddUserMessage(req.ConversationID, req.Query)
	}

	retrievalStart := time.Now()
	retrieved, err := o.retriever.Retrieve(ctx, retrieval.Request{
		WorkspaceID: req.WorkspaceID,
		Actor:       req.Actor,
		Query:       rewrite.Rewritten,
		TopK:        req.TopK,
	})
	if err != nil {
		return nil, "", err
	}
	result.RetrievalMs = time.Since(retrievalStart).Milliseconds()

	contextBlock, included := o.builder.Build(retrieved.Chunks)
	if len(included) == 0 {
		return o.refuse(ctx, req, result), "", nil
	}

	// included[i] is the chunk framed as [S{i+1}], so the reported sources
	// line up with the citations the model sees.
	result.Sources = included
	result.SourcesCount = len(included)
	return result, contextBlock, nil
}

func (o *Orchestrator) refuse(ctx context.Context, req Request, result *Result) *Result {
	result.Answer = RefusalMessage
	result.Refused = true

	if o.metrics != nil {
		o.metrics.PolicyRefusal.WithLabelValues("insufficient_evidence").Inc()
		o.metrics.AnswerWithoutSources.Inc()
	}
	if o.memory != nil && req.ConversationID != "" {
		o.memory.AddAssistantMessage(req.ConversationID, RefusalMessage)
	}
	o.recordAudit(ctx, req, "rag.refusal", map[string]string{
		"original_query": result.OriginalQuery,
		"reason":         "insufficient_evidence",
	})
	slog.Info("answer refused", "workspace_id", req.WorkspaceID, "reason", "insufficient_evidence")
	return result
}

func (o *Orchestrator) finish(ctx context.Context, req Request, result *Result, answer string) {
	if o.memory != nil && req.ConversationID != "" && answer != "" {
		o.memory.AddAssistantMessage(req.ConversationID, answer)
	}
	o.recordAudit(ctx, req, "rag.answer", map[string]string{
		"original_query":  result.OriginalQuery,
		"rewritten_query": result.RewrittenQuery,
		"rewrite_applied": fmt.Sprintf("%t", result.RewriteApplied),
		"sources_count":   fmt.Sprintf("%d", result.SourcesCount),
	})
}

func (o *Orchestrator) buildPrompt(req Request, contextBlock string) string {
	var sb strings.Builder

	var history []memory.Message
	if o.memory != nil && req.ConversationID != "" {
		history = o.memory.Recent(req.ConversationID, 10)
	}
	if len(history) > 0 {
		sb.WriteString("## Conversación previa\n")
		sb.WriteString(memory.FormatForPrompt(history))
		sb.WriteString("\n")
	}

	sb.WriteString("## Fragmentos\n\n")
	sb.WriteString(contextBlock)
	sb.WriteString("\n## Pregunta\n")
	sb.WriteString(req.Query)
	sb.WriteString("\n\n## Respuesta (citando fuentes)\n")
	return sb.String()
}

func (o *Orchestrator) recordAudit(ctx context.Context, req Request, action string, meta map[string]string) {
	if o.audit == nil {
		return
	}
	meta["workspace_id"] = req.WorkspaceID.String()
	event := &repository.AuditEvent{
		ID:        uuid.New(),
		Actor:     req.Actor.UserID,
		Action:    action,
		TargetID:  req.WorkspaceID.String(),
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	if err := o.audit.Record(ctx, event); err != nil {
		slog.Warn("audit record failed", "action", action, "error", err)
	}
}
