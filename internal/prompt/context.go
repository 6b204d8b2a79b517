// Package prompt assembles the grounded context block handed to the LLM.
// Each source is framed with numbered delimiters the model is instructed to
// cite, and retrieved content cannot forge those delimiters.
package prompt

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// Budget units.
const (
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// frameForgery matches source delimiters appearing inside retrieved content.
// The hyphens are swapped for em-dashes so the text stays readable but can
// no longer close or open a frame.
var frameForgery = regexp.MustCompile(`---\[(?:FIN )?S\d+\]---`)

// BuilderConfig controls context assembly.
type BuilderConfig struct {
	Budget int    // maximum context size in Unit
	Unit   string // chars (default) or tokens
	Lang   string // workspace language, drives the sources header
}

// Builder renders retrieval results into a bounded, citable context block.
type Builder struct {
	config BuilderConfig
	count  func(string) int
}

// NewBuilder creates a context builder. Token counting uses the cl100k_base
// encoding; if it cannot be loaded the builder falls back to characters.
func NewBuilder(config BuilderConfig) *Builder {
	if config.Budget <= 0 {
		config.Budget = 8000
	}

	b := &Builder{config: config}
	b.count = func(s string) int { return len([]rune(s)) }

	if config.Unit == UnitTokens {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("token encoding unavailable, budgeting by characters", "error", err)
		} else {
			b.count = func(s string) int { return len(enc.Encode(s, nil, nil)) }
		}
	}
	return b
}

// Build renders chunks into the framed context block and returns it with the
// chunks actually included, in frame order: included[i] is the source cited
// as [S{i+1}]. Duplicate chunk IDs are dropped; the budget is never
// exceeded, so a frame that does not fit ends assembly. Empty input yields
// ("", nil).
func (b *Builder) Build(chunks []repository.ScoredChunk) (string, []repository.ScoredChunk) {
	if len(chunks) == 0 {
		return "", nil
	}

	var sb strings.Builder
	var citations []string
	var included []repository.ScoredChunk
	seen := make(map[string]bool)

	// The header is appended unconditionally, so it spends budget before
	// the first frame does.
	header := b.sourcesHeader() + "\n"
	used := b.count(header)

	for _, chunk := range chunks {
		key := chunk.ID.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		frame := b.renderFrame(len(included)+1, chunk)
		citation := b.renderCitation(len(included)+1, chunk)
		cost := b.count(frame) + b.count(citation)
		if used+cost > b.config.Budget {
			break
		}

		sb.WriteString(frame)
		citations = append(citations, citation)
		used += cost
		included = append(included, chunk)
	}

	if len(included) == 0 {
		return "", nil
	}

	sb.WriteString(header)
	for _, c := range citations {
		sb.WriteString(c)
	}
	return sb.String(), included
}

func (b *Builder) renderFrame(index int, chunk repository.ScoredChunk) string {
	content := frameForgery.ReplaceAllStringFunc(chunk.Content, func(m string) string {
		return strings.ReplaceAll(m, "---", "—")
	})
	return fmt.Sprintf("---[S%d]---\n(documento: %s, fragmento: %d)\n%s\n---[FIN S%d]---\n\n",
		index, chunk.DocumentID, chunk.ChunkIndex+1, content, index)
}

func (b *Builder) renderCitation(index int, chunk repository.ScoredChunk) string {
	return fmt.Sprintf("[S%d] documento %s, fragmento %d\n", index, chunk.DocumentID, chunk.ChunkIndex+1)
}

func (b *Builder) sourcesHeader() string {
	if strings.EqualFold(b.config.Lang, "english") {
		return "SOURCES:"
	}
	return "FUENTES:"
}
