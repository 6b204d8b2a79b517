package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/acervo-ai/acervo-backend/internal/embedder"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// NodeBuilderConfig controls how chunks are grouped into nodes.
type NodeBuilderConfig struct {
	GroupSize int // consecutive chunks per node
	MaxChars  int // truncation budget for node text
}

// NodeBuilder groups consecutive chunks into coarse nodes for two-tier
// retrieval and embeds all node texts in a single batch call.
type NodeBuilder struct {
	config   NodeBuilderConfig
	embedder embedder.Embedder
}

// NewNodeBuilder creates a NodeBuilder with the given configuration
func NewNodeBuilder(config NodeBuilderConfig, emb embedder.Embedder) *NodeBuilder {
	if config.GroupSize <= 0 {
		config.GroupSize = 3
	}
	if config.MaxChars <= 0 {
		config.MaxChars = 4000
	}
	return &NodeBuilder{config: config, embedder: emb}
}

// Build produces nodes covering the ordered chunk list. Spans partition the
// chunk sequence; node k covers chunks [k*g, k*g+g-1]. Empty input yields
// empty output.
func (b *NodeBuilder) Build(ctx context.Context, workspaceID, documentID uuid.UUID, chunks []*repository.Chunk) ([]*repository.Node, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	g := b.config.GroupSize
	var nodes []*repository.Node
	var texts []string
	for start := 0; start < len(chunks); start += g {
		end := start + g
		if end > len(chunks) {
			end = len(chunks)
		}

		text := ""
		for i := start; i < end; i++ {
			if text != "" {
				text += "\n\n"
			}
			text += chunks[i].Content
		}
		if runes := []rune(text); len(runes) > b.config.MaxChars {
			text = string(runes[:b.config.MaxChars])
		}

		nodes = append(nodes, &repository.Node{
			ID:          uuid.New(),
			WorkspaceID: workspaceID,
			DocumentID:  documentID,
			NodeIndex:   len(nodes),
			NodeText:    text,
			SpanStart:   chunks[start].ChunkIndex,
			SpanEnd:     chunks[end-1].ChunkIndex,
		})
		texts = append(texts, text)
	}

	// One batch call for all node texts.
	embeddings, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ingestion.NodeBuilder: embed nodes: %w", err)
	}
	if len(embeddings) != len(nodes) {
		return nil, fmt.Errorf("ingestion.NodeBuilder: expected %d embeddings, got %d", len(nodes), len(embeddings))
	}
	for i := range nodes {
		nodes[i].Embedding = embeddings[i]
	}
	return nodes, nil
}
