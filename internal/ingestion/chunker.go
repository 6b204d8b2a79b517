// Package ingestion handles document processing: chunking, node building,
// and pipeline orchestration.
package ingestion

import (
	"strconv"
	"strings"
)

// Chunk represents a piece of chunked content
type Chunk struct {
	Content  string
	Index    int
	Metadata map[string]string
}

// ChunkerConfig holds chunking parameters. Sizes are in characters.
type ChunkerConfig struct {
	ChunkSize int // max characters per chunk
	Overlap   int // characters carried over between windows, 0 <= Overlap < ChunkSize
}

// Chunker splits text into overlapping windows, preferring natural cut
// points near the end of each window.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a new Chunker with the given configuration
func NewChunker(config ChunkerConfig) *Chunker {
	// Apply defaults if not set
	if config.ChunkSize <= 0 {
		config.ChunkSize = 900
	}
	if config.Overlap < 0 {
		config.Overlap = 120
	}
	if config.Overlap >= config.ChunkSize {
		config.Overlap = config.ChunkSize / 4
	}

	return &Chunker{config: config}
}

// Chunk splits content into overlapping chunks. Within each window the cut
// point is chosen from the last Overlap characters, preferring a paragraph
// break, then a line break, then a sentence boundary, then the hard limit.
func (c *Chunker) Chunk(content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	runes := []rune(content)
	size := c.config.ChunkSize
	overlap := c.config.Overlap

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = appendChunk(chunks, string(runes[start:]))
			break
		}

		cut := c.naturalCut(runes[start:end])
		chunkEnd := start + cut
		chunks = appendChunk(chunks, string(runes[start:chunkEnd]))

		next := chunkEnd - overlap
		if next <= start {
			next = start + (size - overlap)
		}
		start = next
	}

	return chunks
}

// naturalCut returns the cut position within the window. The search region
// is the trailing Overlap characters; priority is paragraph break, line
// break, sentence terminator, then the full window.
func (c *Chunker) naturalCut(window []rune) int {
	searchStart := len(window) - c.config.Overlap
	if searchStart < 0 {
		searchStart = 0
	}
	region := string(window[searchStart:])

	for _, sep := range []string{"\n\n", "\n", ". "} {
		if idx := strings.LastIndex(region, sep); idx >= 0 {
			return searchStart + len([]rune(region[:idx+len(sep)]))
		}
	}
	return len(window)
}

func appendChunk(chunks []Chunk, content string) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return chunks
	}
	return append(chunks, Chunk{
		Content: content,
		Index:   len(chunks),
		Metadata: map[string]string{
			"char_count": strconv.Itoa(len([]rune(content))),
		},
	})
}
