// Package retrieval implements hybrid two-tier retrieval: dense and sparse
// candidate search in parallel, reciprocal rank fusion, optional reranking
// and injection filtering.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/metrics"
	"github.com/acervo-ai/acervo-backend/internal/policy"
	"github.com/acervo-ai/acervo-backend/internal/repository"
	"github.com/acervo-ai/acervo-backend/internal/reranker"
	"github.com/acervo-ai/acervo-backend/internal/safety"

	"github.com/google/uuid"
)

// Options carries the retrieval tuning knobs resolved from configuration.
type Options struct {
	TopK          int     // final result size
	PoolSize      int     // candidates fetched per branch before fusion
	NodeTopK      int     // nodes considered in the coarse pass
	Hybrid        bool    // run the sparse branch and fuse
	TwoTier       bool    // nodes-then-spans dense pass
	RerankEnabled bool
	MMR           bool    // diversify the flat dense branch
	MMRLambda     float32 // relevance-diversity balance, 1 = pure relevance
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = 8
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 40
	}
	if o.NodeTopK <= 0 {
		o.NodeTopK = 4
	}
	if o.MMRLambda <= 0 || o.MMRLambda > 1 {
		o.MMRLambda = 0.5
	}
	return o
}

// Request is a single retrieval invocation.
type Request struct {
	WorkspaceID uuid.UUID
	Actor       repository.Actor
	Query       string
	TopK        int // optional override of Options.TopK
}

// Result carries the final ranked chunks and what happened along the way.
type Result struct {
	Chunks     []repository.ScoredChunk
	DenseUsed  bool
	SparseUsed bool
	Reranked   bool
}

// Pipeline wires the retrieval stages together.
type Pipeline struct {
	workspaces repository.WorkspaceRepository
	search     repository.SearchRepository
	embedder   embedder.Embedder
	reranker   reranker.Reranker
	filter     *safety.Filter
	metrics    *metrics.Set
	opts       Options
}

// PipelineOption customises the pipeline.
type PipelineOption func(*Pipeline)

// WithReranker attaches a reranker, used when Options.RerankEnabled is set.
func WithReranker(r reranker.Reranker) PipelineOption {
	return func(p *Pipeline) { p.reranker = r }
}

// WithInjectionFilter attaches the content safety filter.
func WithInjectionFilter(f *safety.Filter) PipelineOption {
	return func(p *Pipeline) { p.filter = f }
}

// WithMetrics attaches retrieval instruments.
func WithMetrics(m *metrics.Set) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline creates a retrieval pipeline.
func NewPipeline(workspaces repository.WorkspaceRepository, search repository.SearchRepository, emb embedder.Embedder, opts Options, popts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		workspaces: workspaces,
		search:     search,
		embedder:   emb,
		opts:       opts.withDefaults(),
	}
	for _, opt := range popts {
		opt(p)
	}
	return p
}

// Retrieve runs the full pipeline. One branch may fail without failing the
// query; only the loss of every branch is an error.
func (p *Pipeline) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if req.Query == "" {
		return nil, apperr.Validation("query", "query is required")
	}

	ws, err := p.workspaces.GetByID(ctx, req.WorkspaceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.NotFound("workspace")
		}
		return nil, fmt.Errorf("retrieval.Retrieve: get workspace: %w", err)
	}
	acl, err := p.workspaces.ListACL(ctx, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("retrieval.Retrieve: list acl: %w", err)
	}
	if !policy.CanRead(ws, req.Actor, acl) {
		return nil, apperr.NotFound("workspace")
	}

	topK := p.opts.TopK
	if req.TopK > 0 {
		topK = req.TopK
	}

	queryVec, err := p.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, apperr.Unavailable("embedding provider failed").WithCause(err)
	}

	var (
		dense, sparse       []repository.ScoredChunk
		denseErr, sparseErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		dense, denseErr = p.denseCandidates(gctx, ws.ID, queryVec)
		p.observeStage("dense", start)
		return nil
	})
	if p.opts.Hybrid {
		g.Go(func() error {
			start := time.Now()
			sparse, sparseErr = p.search.FindChunksFullText(gctx, ws.ID, req.Query, p.opts.PoolSize)
			p.observeStage("sparse", start)
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{}
	var candidates []repository.ScoredChunk
	switch {
	case denseErr != nil && (!p.opts.Hybrid || sparseErr != nil):
		return nil, apperr.Unavailable("retrieval backends failed").WithCause(denseErr)
	case denseErr != nil:
		// Sparse-only degradation.
		slog.Warn("dense retrieval failed, serving sparse only", "workspace_id", ws.ID, "error", denseErr)
		p.countFallback("dense")
		candidates = sparse
		result.SparseUsed = true
	case p.opts.Hybrid && sparseErr != nil:
		slog.Warn("sparse retrieval failed, serving dense only", "workspace_id", ws.ID, "error", sparseErr)
		p.countFallback("sparse")
		candidates = dense
		result.DenseUsed = true
	case p.opts.Hybrid:
		candidates = fuseRRF(dense, sparse)
		result.DenseUsed = true
		result.SparseUsed = true
	default:
		candidates = dense
		result.DenseUsed = true
	}

	if p.opts.RerankEnabled && p.reranker != nil && len(candidates) > 0 {
		start := time.Now()
		reranked, err := p.reranker.Rerank(ctx, req.Query, candidates, topK)
		p.observeStage("rerank", start)
		if err != nil {
			// Reranking is an enhancement; the fused order still serves.
			slog.Warn("rerank failed, keeping fused order", "workspace_id", ws.ID, "error", err)
			p.countFallback("rerank")
		} else {
			candidates = reranked.Chunks
			result.Reranked = true
		}
	}

	if p.filter != nil {
		candidates = p.filter.Apply(candidates)
	}

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	result.Chunks = candidates
	return result, nil
}

// denseCandidates runs the dense branch. With two-tier enabled it first
// finds the closest nodes, expands their spans into chunks and ranks those
// by similarity to the query. A workspace without nodes silently falls back
// to flat chunk search. With MMR enabled the flat search diversifies its
// pool before fusion.
func (p *Pipeline) denseCandidates(ctx context.Context, workspaceID uuid.UUID, queryVec []float32) ([]repository.ScoredChunk, error) {
	if !p.opts.TwoTier {
		if p.opts.MMR {
			return p.search.FindSimilarChunksMMR(ctx, workspaceID, queryVec,
				p.opts.PoolSize, p.opts.MMRLambda, p.opts.PoolSize*3)
		}
		return p.search.FindSimilarChunks(ctx, workspaceID, queryVec, p.opts.PoolSize)
	}

	nodes, err := p.search.FindSimilarNodes(ctx, workspaceID, queryVec, p.opts.NodeTopK)
	if err != nil {
		return nil, fmt.Errorf("node search: %w", err)
	}
	if len(nodes) == 0 {
		return p.search.FindSimilarChunks(ctx, workspaceID, queryVec, p.opts.PoolSize)
	}

	spans := make([]repository.NodeSpan, len(nodes))
	for i, node := range nodes {
		spans[i] = repository.NodeSpan{
			DocumentID: node.DocumentID,
			SpanStart:  node.SpanStart,
			SpanEnd:    node.SpanEnd,
		}
	}
	chunks, err := p.search.FindChunksByNodeSpans(ctx, workspaceID, spans)
	if err != nil {
		return nil, fmt.Errorf("span fetch: %w", err)
	}

	scored := make([]repository.ScoredChunk, len(chunks))
	for i, chunk := range chunks {
		scored[i] = repository.ScoredChunk{Chunk: chunk, Score: cosine(queryVec, chunk.Embedding)}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > p.opts.PoolSize {
		scored = scored[:p.opts.PoolSize]
	}
	return scored, nil
}

func (p *Pipeline) countFallback(stage string) {
	if p.metrics != nil {
		p.metrics.RetrievalFallback.WithLabelValues(stage).Inc()
	}
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RetrievalStage.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

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
