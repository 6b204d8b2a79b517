// Package rewriter expands follow-up questions with conversation context so
// retrieval sees a self-contained query.
package rewriter

import (
	"strings"

	"github.com/acervo-ai/acervo-backend/internal/memory"
)

// Rewrite reasons.
const (
	ReasonAnaphora   = "anaphora"
	ReasonShortQuery = "short_query"
)

// RewriteResult reports what the rewriter did with a query.
type RewriteResult struct {
	Original     string
	Rewritten    string
	WasRewritten bool
	Reason       string
}

// Anaphoric markers in Spanish and English. A query leaning on one of these
// needs the previous turn to make sense on its own.
var anaphoraMarkers = []string{
	// Spanish
	"eso", "esto", "aquello", "él", "ella", "ellos", "ellas",
	"lo anterior", "la anterior", "el mismo", "la misma",
	"también", "tampoco",
	// English
	"it", "that", "this", "those", "they", "them",
	"he", "she", "the same", "also",
}

const shortQueryWords = 3

// Rewriter expands queries using recent conversation history.
type Rewriter struct{}

// New creates a heuristic rewriter.
func New() *Rewriter { return &Rewriter{} }

// Rewrite returns the query unchanged when it stands alone or there is no
// history. Otherwise it prefixes the previous user turn so retrieval has the
// missing referent.
func (r *Rewriter) Rewrite(query string, history []memory.Message) RewriteResult {
	result := RewriteResult{Original: query, Rewritten: query}

	lastUser := lastUserTurn(history)
	if lastUser == "" {
		return result
	}

	reason := ""
	switch {
	case hasAnaphora(query):
		reason = ReasonAnaphora
	case isShort(query):
		reason = ReasonShortQuery
	default:
		return result
	}

	result.Rewritten = strings.TrimSpace(lastUser) + " " + strings.TrimSpace(query)
	result.WasRewritten = true
	result.Reason = reason
	return result
}

func lastUserTurn(history []memory.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == memory.RoleUser && strings.TrimSpace(history[i].Content) != "" {
			return history[i].Content
		}
	}
	return ""
}

func hasAnaphora(query string) bool {
	words := tokenize(query)
	joined := " " + strings.Join(words, " ") + " "
	for _, marker := range anaphoraMarkers {
		if strings.Contains(joined, " "+marker+" ") {
			return true
		}
	}
	return false
}

func isShort(query string) bool {
	return len(tokenize(query)) <= shortQueryWords
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?¿¡;:\"'()")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
