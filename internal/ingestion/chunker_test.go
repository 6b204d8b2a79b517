package ingestion

import (
	"strings"
	"testing"
)

func TestNewChunker_Defaults(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{})

	// Should apply defaults
	if chunker.config.ChunkSize != 900 {
		t.Errorf("expected default ChunkSize 900, got %d", chunker.config.ChunkSize)
	}
	if chunker.config.Overlap != 120 {
		t.Errorf("expected default Overlap 120, got %d", chunker.config.Overlap)
	}
}

func TestNewChunker_ClampsOverlap(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 100, Overlap: 100})
	if chunker.config.Overlap >= chunker.config.ChunkSize {
		t.Errorf("overlap %d must stay below chunk size %d", chunker.config.Overlap, chunker.config.ChunkSize)
	}
}

func TestChunker_EmptyContent(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{})

	chunks := chunker.Chunk("")
	if chunks != nil {
		t.Errorf("expected nil for empty content, got %v", chunks)
	}

	chunks = chunker.Chunk("   ")
	if chunks != nil {
		t.Errorf("expected nil for whitespace content, got %v", chunks)
	}
}

func TestChunker_ShortContentSingleChunk(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 100, Overlap: 10})

	chunks := chunker.Chunk("short text")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Content != "short text" {
		t.Errorf("unexpected content %q", chunks[0].Content)
	}
	if chunks[0].Index != 0 {
		t.Errorf("expected index 0, got %d", chunks[0].Index)
	}
}

func TestChunker_RespectsSizeBound(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 50, Overlap: 10})

	content := strings.Repeat("abcdefghij ", 50)
	chunks := chunker.Chunk(content)

	if len(chunks) < 2 {
		t.Fatal("expected multiple chunks")
	}
	for i, chunk := range chunks {
		if n := len([]rune(chunk.Content)); n > 50 {
			t.Errorf("chunk %d has %d chars, exceeds size 50", i, n)
		}
		if chunk.Index != i {
			t.Errorf("chunk %d has wrong index %d", i, chunk.Index)
		}
	}
}

func TestChunker_PrefersParagraphBreak(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 60, Overlap: 30})

	first := strings.Repeat("a", 40)
	second := strings.Repeat("b", 40)
	chunks := chunker.Chunk(first + "\n\n" + second)

	if len(chunks) < 2 {
		t.Fatal("expected at least two chunks")
	}
	if chunks[0].Content != first {
		t.Errorf("expected first chunk to end at paragraph break, got %q", chunks[0].Content)
	}
}

func TestChunker_PrefersSentenceBoundary(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 60, Overlap: 30})

	content := "This sentence ends right about here. The next one keeps going for a while after that."
	chunks := chunker.Chunk(content)

	if len(chunks) < 2 {
		t.Fatal("expected at least two chunks")
	}
	if !strings.HasSuffix(chunks[0].Content, "here.") {
		t.Errorf("expected first chunk cut at the sentence boundary, got %q", chunks[0].Content)
	}
}

func TestChunker_Overlap(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 40, Overlap: 10})

	content := strings.Repeat("x", 100)
	chunks := chunker.Chunk(content)

	if len(chunks) < 2 {
		t.Fatal("expected multiple chunks")
	}
	// With no natural boundaries, the tail of each chunk repeats at the
	// head of the next.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Content
		tail := prev[len(prev)-10:]
		if !strings.HasPrefix(chunks[i].Content, tail) {
			t.Errorf("chunk %d does not start with the previous chunk's tail", i)
		}
	}
}

func TestChunker_CoversAllContent(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 80, Overlap: 20})

	words := make([]string, 60)
	for i := range words {
		words[i] = "palabra" + string(rune('a'+i%26))
	}
	content := strings.Join(words, " ")

	chunks := chunker.Chunk(content)
	joined := ""
	for _, c := range chunks {
		joined += " " + c.Content
	}
	for _, w := range words {
		if !strings.Contains(joined, w) {
			t.Errorf("word %q missing from chunk output", w)
		}
	}
}

func TestChunker_Unicode(t *testing.T) {
	chunker := NewChunker(ChunkerConfig{ChunkSize: 30, Overlap: 5})

	content := strings.Repeat("añoüé ", 30)
	chunks := chunker.Chunk(content)

	for i, chunk := range chunks {
		if n := len([]rune(chunk.Content)); n > 30 {
			t.Errorf("chunk %d has %d runes, exceeds size 30", i, n)
		}
		if !strings.Contains(chunk.Content, "año") {
			t.Errorf("chunk %d lost multibyte content: %q", i, chunk.Content)
		}
	}
}
