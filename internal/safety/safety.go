// Package safety detects prompt-injection attempts in retrieved content and
// filters candidates before they reach the generation prompt.
package safety

import (
	"regexp"
	"strings"

	"github.com/acervo-ai/acervo-backend/internal/metrics"
	"github.com/acervo-ai/acervo-backend/internal/repository"
)

// Filter modes.
const (
	ModeOff      = "off"
	ModeDownrank = "downrank"
	ModeExclude  = "exclude"
)

type pattern struct {
	re     *regexp.Regexp
	weight float32
}

// The library covers Spanish and English phrasings of the common attack
// families: instruction overrides, system prompt extraction, role hijacking
// and data exfiltration.
var patterns = []pattern{
	// Instruction overrides.
	{regexp.MustCompile(`(?i)ignor(?:a|e|ar)\s+(?:las?\s+)?(?:instrucciones|indicaciones)\s+(?:anteriores|previas)`), 0.99},
	{regexp.MustCompile(`(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above)\s+instructions`), 0.99},
	{regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|the above)\s+(?:instructions|rules)`), 0.95},
	{regexp.MustCompile(`(?i)olvida\s+(?:todas?\s+)?(?:las\s+)?(?:instrucciones|reglas)`), 0.95},
	{regexp.MustCompile(`(?i)forget\s+(?:all\s+)?(?:your\s+)?(?:instructions|rules|training)`), 0.9},
	{regexp.MustCompile(`(?i)new\s+instructions?\s*:`), 0.8},
	{regexp.MustCompile(`(?i)nuevas?\s+instrucciones?\s*:`), 0.8},
	// System prompt extraction.
	{regexp.MustCompile(`(?i)(?:reveal|show|print|repeat)\s+(?:your\s+)?system\s+prompt`), 0.95},
	{regexp.MustCompile(`(?i)(?:revela|muestra|imprime|repite)\s+(?:tu\s+)?prompt\s+(?:del\s+)?sistema`), 0.95},
	// Role hijacking.
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|the)\b`), 0.85},
	{regexp.MustCompile(`(?i)ahora\s+eres\s+(?:un|una|el|la)\b`), 0.85},
	{regexp.MustCompile(`(?i)act\s+as\s+(?:if\s+you\s+(?:are|were)|a|an)\b`), 0.7},
	{regexp.MustCompile(`(?i)actúa\s+como\s+(?:si\s+fueras|un|una)\b`), 0.7},
	{regexp.MustCompile(`(?i)\bDAN\s+mode\b`), 0.9},
	// Exfiltration.
	{regexp.MustCompile(`(?i)(?:send|post|forward)\s+(?:this|the|all)\s+.{0,40}\s+to\s+https?://`), 0.9},
	{regexp.MustCompile(`(?i)(?:envía|manda|reenvía)\s+.{0,40}\s+a\s+https?://`), 0.9},
	{regexp.MustCompile(`(?i)(?:reveal|leak|exfiltrate|show)\s+(?:the\s+)?(?:api\s+key|password|secret|credentials)`), 0.9},
	{regexp.MustCompile(`(?i)(?:revela|filtra|muestra)\s+(?:la\s+)?(?:clave|contraseña|secreto|credenciales)`), 0.9},
	// Inline role markers trying to pose as the conversation frame.
	{regexp.MustCompile(`(?im)^\s*(?:system|assistant)\s*:`), 0.6},
}

// Score returns a risk score in [0,1] for a piece of retrieved text. The
// score is the weight of the strongest matching pattern.
func Score(text string) float32 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	var max float32
	for _, p := range patterns {
		if p.weight > max && p.re.MatchString(text) {
			max = p.weight
		}
	}
	return max
}

// Filter applies the configured injection policy to retrieval candidates.
type Filter struct {
	mode      string
	threshold float32
	metrics   *metrics.Set
}

// NewFilter creates a filter. Unknown modes behave as off.
func NewFilter(mode string, threshold float32, m *metrics.Set) *Filter {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	return &Filter{mode: mode, threshold: threshold, metrics: m}
}

// Apply scores every chunk and enforces the policy. Downrank keeps flagged
// chunks but moves them after all safe ones, preserving relative order
// within each group. Exclude drops them.
func (f *Filter) Apply(chunks []repository.ScoredChunk) []repository.ScoredChunk {
	if f.mode == ModeOff || f.mode == "" || len(chunks) == 0 {
		return chunks
	}

	var safe, flagged []repository.ScoredChunk
	for _, chunk := range chunks {
		if Score(chunk.Content) >= f.threshold {
			flagged = append(flagged, chunk)
		} else {
			safe = append(safe, chunk)
		}
	}
	if len(flagged) > 0 && f.metrics != nil {
		f.metrics.InjectionFlagged.WithLabelValues(f.mode).Add(float64(len(flagged)))
	}

	switch f.mode {
	case ModeExclude:
		return safe
	case ModeDownrank:
		return append(safe, flagged...)
	default:
		return chunks
	}
}
