package answer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/llm"
	"github.com/acervo-ai/acervo-backend/internal/memory"
	"github.com/acervo-ai/acervo-backend/internal/metrics"
	"github.com/acervo-ai/acervo-backend/internal/prompt"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	repomem "github.com/acervo-ai/acervo-backend/internal/repository/memory"
	"github.com/acervo-ai/acervo-backend/internal/retrieval"
)

type fixture struct {
	store *repomem.Store
	fake  *embedder.Fake
	ws    *repository.Workspace
	mem   *memory.Store
	m     *metrics.Set
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repomem.NewStore()
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
	mem := memory.NewStore(20, time.Hour)
	t.Cleanup(mem.Close)
	return &fixture{
		store: store,
		fake:  embedder.NewFake(repository.EmbeddingDim),
		ws:    ws,
		mem:   mem,
		m:     metrics.Noop(),
	}
}

func (f *fixture) seed(t *testing.T, contents ...string) {
	t.Helper()
	ctx := context.Background()
	doc := &repository.Document{
		ID: uuid.New(), WorkspaceID: f.ws.ID, Title: "seed",
		Status: repository.StatusReady, ContentHash: uuid.NewString(), CreatedAt: time.Now(),
	}
	embeddings, err := f.fake.EmbedBatch(ctx, contents)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	chunks := make([]*repository.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = &repository.Chunk{
			ID: uuid.New(), DocumentID: doc.ID, ChunkIndex: i, Content: c, Embedding: embeddings[i],
		}
	}
	if err := f.store.Documents().SaveDocumentWithChunks(ctx, doc, chunks, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func (f *fixture) orchestrator(llmClient llm.LLM) *Orchestrator {
	retriever := retrieval.NewPipeline(f.store, f.store, f.fake, retrieval.Options{TopK: 5})
	builder := prompt.NewBuilder(prompt.BuilderConfig{Budget: 8000})
	return New(retriever, builder, f.mem, llmClient, WithAudit(f.store), WithMetrics(f.m))
}

func actor() repository.Actor {
	return repository.Actor{UserID: "owner-1", Role: repository.RoleEmployee}
}

func TestAnswer_GroundedFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "las vacaciones anuales son veintidós días laborables")
	fakeLLM := llm.NewFake("Son veintidós días laborables [S1].")
	o := f.orchestrator(fakeLLM)

	result, err := o.Answer(context.Background(), Request{
		WorkspaceID:    f.ws.ID,
		Actor:          actor(),
		ConversationID: "c1",
		Query:          "las vacaciones anuales son veintidós días laborables",
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if result.Refused {
		t.Fatal("expected a grounded answer")
	}
	if result.Answer != "Son veintidós días laborables [S1]." {
		t.Errorf("unexpected answer %q", result.Answer)
	}
	if result.SourcesCount == 0 || len(result.Sources) == 0 {
		t.Error("expected sources in the result")
	}

	// The prompt carries the framed context and the question.
	prompts := fakeLLM.Prompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "---[S1]---") {
		t.Error("generation prompt must embed the framed context")
	}

	// Both turns land in conversation memory.
	history := f.mem.History("c1")
	if len(history) != 2 || history[1].Role != memory.RoleAssistant {
		t.Errorf("expected user+assistant turns, got %+v", history)
	}

	events := f.store.Events()
	if len(events) != 1 || events[0].Action != "rag.answer" {
		t.Errorf("expected a rag.answer audit event, got %+v", events)
	}
	if events[0].Metadata["sources_count"] == "0" {
		t.Error("audit metadata must carry the source count")
	}
}

func TestAnswer_RefusesWithoutEvidence(t *testing.T) {
	f := newFixture(t)
	// Workspace exists but holds no documents.
	fakeLLM := llm.NewFake("no debería llamarse")
	o := f.orchestrator(fakeLLM)

	result, err := o.Answer(context.Background(), Request{
		WorkspaceID:    f.ws.ID,
		Actor:          actor(),
		ConversationID: "c1",
		Query:          "¿cuántos días de vacaciones tengo?",
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !result.Refused || result.Answer != RefusalMessage {
		t.Errorf("expected the stock refusal, got %+v", result)
	}
	if len(fakeLLM.Prompts()) != 0 {
		t.Error("a refusal must not call the LLM")
	}

	if got := testutil.ToFloat64(f.m.PolicyRefusal.WithLabelValues("insufficient_evidence")); got != 1 {
		t.Errorf("expected one refusal increment, got %f", got)
	}
	if got := testutil.ToFloat64(f.m.AnswerWithoutSources); got != 1 {
		t.Errorf("expected one no-sources increment, got %f", got)
	}

	events := f.store.Events()
	if len(events) != 1 || events[0].Action != "rag.refusal" {
		t.Errorf("expected a rag.refusal audit event, got %+v", events)
	}
}

func TestAnswer_FollowUpIsRewritten(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "las vacaciones anuales son veintidós días laborables")
	fakeLLM := llm.NewFake("Sí [S1].", "Sí, incluye eso [S1].")
	o := f.orchestrator(fakeLLM)

	ctx := context.Background()
	if _, err := o.Answer(ctx, Request{
		WorkspaceID: f.ws.ID, Actor: actor(), ConversationID: "c1",
		Query: "las vacaciones anuales son veintidós días laborables",
	}); err != nil {
		t.Fatalf("first answer: %v", err)
	}

	result, err := o.Answer(ctx, Request{
		WorkspaceID: f.ws.ID, Actor: actor(), ConversationID: "c1",
		Query: "¿y eso incluye festivos?",
	})
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if !result.RewriteApplied {
		t.Error("anaphoric follow-up must be rewritten")
	}
	if !strings.Contains(result.RewrittenQuery, "vacaciones") {
		t.Errorf("rewritten query must carry the prior topic, got %q", result.RewrittenQuery)
	}
	if result.OriginalQuery != "¿y eso incluye festivos?" {
		t.Errorf("original query must be preserved, got %q", result.OriginalQuery)
	}
}

func TestAnswerStream_DeliversTokens(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "las vacaciones anuales son veintidós días laborables")
	fakeLLM := llm.NewFake("Son veintidós días [S1].")
	o := f.orchestrator(fakeLLM)

	result, stream, err := o.AnswerStream(context.Background(), Request{
		WorkspaceID: f.ws.ID, Actor: actor(), ConversationID: "c1",
		Query: "las vacaciones anuales son veintidós días laborables",
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Refused {
		t.Fatal("expected a grounded stream")
	}

	var full strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		full.WriteString(chunk.Token)
	}
	if full.String() != "Son veintidós días [S1]." {
		t.Errorf("unexpected streamed answer %q", full.String())
	}
}

func TestAnswerStream_RefusalHasNoStream(t *testing.T) {
	f := newFixture(t)
	fakeLLM := llm.NewFake("x")
	o := f.orchestrator(fakeLLM)

	result, stream, err := o.AnswerStream(context.Background(), Request{
		WorkspaceID: f.ws.ID, Actor: actor(), Query: "pregunta sin evidencia",
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if !result.Refused || stream != nil {
		t.Errorf("a refusal must not open a stream, got %+v", result)
	}
}
