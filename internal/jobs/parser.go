package jobs

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/acervo-ai/acervo-backend/internal/apperr"
)

// Parser extracts plain text from an uploaded file format.
type Parser interface {
	Parse(data []byte) (string, error)
}

// Registry maps MIME types to parsers. PDF and DOCX parsers plug in here;
// the default registry covers the text formats.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates a registry with plain text and markdown handling.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register("text/plain", PlainText{})
	r.Register("text/markdown", PlainText{})
	return r
}

// Register adds or replaces the parser for a MIME type.
func (r *Registry) Register(mimeType string, p Parser) {
	r.parsers[normalizeMime(mimeType)] = p
}

// For returns the parser for a MIME type, or VALIDATION_ERROR when the
// format is unsupported.
func (r *Registry) For(mimeType string) (Parser, error) {
	p, ok := r.parsers[normalizeMime(mimeType)]
	if !ok {
		return nil, apperr.Validationf("mime_type", "unsupported mime type %q", mimeType)
	}
	return p, nil
}

func normalizeMime(mimeType string) string {
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = mimeType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// PlainText passes file bytes through as UTF-8 text.
type PlainText struct{}

func (PlainText) Parse(data []byte) (string, error) {
	return string(data), nil
}

// normalizeText prepares parsed text for chunking: NFC form with null bytes
// stripped, since Postgres rejects \x00 in text columns.
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", "")
	return norm.NFC.String(text)
}
