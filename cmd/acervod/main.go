package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/acervo-ai/acervo-backend/internal/answer"
	"github.com/acervo-ai/acervo-backend/internal/config"
	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/ingestion"
	"github.com/acervo-ai/acervo-backend/internal/jobs"
	"github.com/acervo-ai/acervo-backend/internal/llm"
	convmem "github.com/acervo-ai/acervo-backend/internal/memory"
	"github.com/acervo-ai/acervo-backend/internal/metrics"
	"github.com/acervo-ai/acervo-backend/internal/objectstore"
	"github.com/acervo-ai/acervo-backend/internal/prompt"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	"github.com/acervo-ai/acervo-backend/internal/repository/postgres"
	"github.com/acervo-ai/acervo-backend/internal/reranker"
	"github.com/acervo-ai/acervo-backend/internal/retrieval"
	"github.com/acervo-ai/acervo-backend/internal/safety"
	"github.com/acervo-ai/acervo-backend/internal/server"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting acervo backend",
		"http_addr", cfg.HTTPAddr,
		"environment", cfg.Environment,
	)

	// PostgreSQL holds every workspace, document, chunk and node.
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	workspaceRepo := postgres.NewWorkspaceRepo(db)
	documentRepo := postgres.NewDocumentRepo(db)
	searchRepo := postgres.NewSearchRepo(db)
	auditRepo := postgres.NewAuditRepo(db)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	emb, err := buildEmbedder(cfg, m)
	if err != nil {
		return err
	}

	var llmClient llm.LLM
	if cfg.FakeLLM {
		llmClient = llm.NewFake()
		slog.Info("using the deterministic fake LLM")
	} else {
		llmClient = llm.NewOllamaClient(
			llm.WithBaseURL(cfg.OllamaURL),
			llm.WithModel(cfg.OllamaLLMModel),
		)
		slog.Info("initialized Ollama LLM", "model", cfg.OllamaLLMModel)
	}

	blobs, err := objectstore.NewFilesystem(cfg.BlobDir)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	chunker := ingestion.NewChunker(ingestion.ChunkerConfig{
		ChunkSize: cfg.ChunkSize,
		Overlap:   cfg.ChunkOverlap,
	})

	var nodeBuilder *ingestion.NodeBuilder
	if cfg.TwoTierEnabled {
		nodeBuilder = ingestion.NewNodeBuilder(ingestion.NodeBuilderConfig{
			GroupSize: cfg.NodeGroupSize,
			MaxChars:  cfg.NodeMaxChars,
		}, emb)
	}

	ingestOpts := []ingestion.Option{
		ingestion.WithAudit(auditRepo),
		ingestion.WithMetrics(m),
	}
	if nodeBuilder != nil {
		ingestOpts = append(ingestOpts, ingestion.WithNodeBuilder(nodeBuilder))
	}
	ingestPipeline := ingestion.NewPipeline(workspaceRepo, documentRepo, chunker, emb, ingestOpts...)

	retrievalOpts := []retrieval.PipelineOption{
		retrieval.WithMetrics(m),
		retrieval.WithInjectionFilter(safety.NewFilter(cfg.InjectionMode, cfg.InjectionThreshold, m)),
	}
	if cfg.RerankEnabled {
		retrievalOpts = append(retrievalOpts, retrieval.WithReranker(buildReranker(cfg, llmClient)))
	}
	retrievalPipeline := retrieval.NewPipeline(workspaceRepo, searchRepo, emb, retrieval.Options{
		TopK:          cfg.DefaultTopK,
		PoolSize:      cfg.DefaultPool,
		NodeTopK:      cfg.DefaultNodeTopK,
		Hybrid:        cfg.HybridEnabled,
		TwoTier:       cfg.TwoTierEnabled,
		RerankEnabled: cfg.RerankEnabled,
		MMR:           cfg.MMREnabled,
		MMRLambda:     cfg.DefaultLambda,
	}, retrievalOpts...)

	conversations := convmem.NewStore(cfg.ConversationMaxMessages, cfg.ConversationTTL)
	defer conversations.Close()

	builder := prompt.NewBuilder(prompt.BuilderConfig{
		Budget: cfg.ContextBudget,
		Unit:   cfg.ContextBudgetUnit,
	})
	answerer := answer.New(retrievalPipeline, builder, conversations, llmClient,
		answer.WithAudit(auditRepo),
		answer.WithMetrics(m),
		answer.WithModel(cfg.OllamaLLMModel),
	)

	queue := jobs.NewQueue(cfg.JobQueueCap)
	processorOpts := []jobs.ProcessorOption{jobs.WithMetrics(m)}
	if nodeBuilder != nil {
		processorOpts = append(processorOpts, jobs.WithNodeBuilder(nodeBuilder))
	}
	processor := jobs.NewProcessor(documentRepo, blobs, jobs.NewRegistry(), chunker, emb, processorOpts...)
	pool := jobs.NewPool(queue, processor, cfg.WorkerCount)

	srv := server.New(cfg.HTTPAddr, server.Deps{
		Workspaces: workspaceRepo,
		Documents:  documentRepo,
		Ingestion:  ingestPipeline,
		Retrieval:  retrievalPipeline,
		Answerer:   answerer,
		Blobs:      blobs,
		Queue:      queue,
		Registry:   registry,
	})

	errCh := make(chan error, 2)

	go func() {
		if err := pool.Run(ctx); err != nil {
			errCh <- fmt.Errorf("worker pool error: %w", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildEmbedder resolves the configured provider and wraps it with the
// embedding cache. Redis backs the cache when REDIS_URL is set; otherwise an
// in-process LRU does.
func buildEmbedder(cfg *config.Config, m *metrics.Set) (embedder.Embedder, error) {
	var inner embedder.Embedder
	switch cfg.EmbeddingProvider {
	case "fake":
		inner = embedder.NewFake(repository.EmbeddingDim)
		slog.Info("using the deterministic fake embedder")
	case "ollama":
		inner = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
		})
		slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}

	var backend embedder.CacheBackend
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		backend = embedder.NewRedisCache(redis.NewClient(opts), cfg.EmbeddingCacheTTL)
		slog.Info("embedding cache backed by Redis")
	} else {
		backend = embedder.NewMemoryCache(cfg.EmbeddingCacheMax, cfg.EmbeddingCacheTTL)
	}
	return embedder.NewCached(inner, backend, m), nil
}

func buildReranker(cfg *config.Config, llmClient llm.LLM) reranker.Reranker {
	if cfg.RerankMode == reranker.ModeCrossEncoder {
		return reranker.NewCrossEncoder(llmClient)
	}
	return reranker.NewHeuristic()
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.WorkspaceRepository = (*postgres.WorkspaceRepo)(nil)
	_ repository.DocumentRepository  = (*postgres.DocumentRepo)(nil)
	_ repository.SearchRepository    = (*postgres.SearchRepo)(nil)
	_ embedder.Embedder              = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                        = (*llm.OllamaClient)(nil)
)
