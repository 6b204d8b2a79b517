package rewriter

import (
	"strings"
	"testing"

	"github.com/acervo-ai/acervo-backend/internal/memory"
)

func history(turns ...string) []memory.Message {
	var out []memory.Message
	for i, t := range turns {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		out = append(out, memory.Message{Role: role, Content: t})
	}
	return out
}

func TestRewrite_AnaphoraUsesPreviousTurn(t *testing.T) {
	r := New()
	h := history("¿cuántos días de vacaciones anuales tengo?", "veintidós días laborables")

	result := r.Rewrite("¿y eso incluye los festivos?", h)
	if !result.WasRewritten {
		t.Fatal("expected a rewrite for an anaphoric follow-up")
	}
	if result.Reason != ReasonAnaphora {
		t.Errorf("expected anaphora reason, got %s", result.Reason)
	}
	if !strings.Contains(result.Rewritten, "vacaciones anuales") {
		t.Errorf("rewritten query must carry the previous topic, got %q", result.Rewritten)
	}
	if result.Original != "¿y eso incluye los festivos?" {
		t.Errorf("original must be preserved, got %q", result.Original)
	}
}

func TestRewrite_ShortQuery(t *testing.T) {
	r := New()
	h := history("¿qué dice el convenio sobre excedencias?")

	result := r.Rewrite("¿cuánto duran?", h)
	if !result.WasRewritten || result.Reason != ReasonShortQuery {
		t.Errorf("expected short_query rewrite, got %+v", result)
	}
}

func TestRewrite_SelfContainedQueryUnchanged(t *testing.T) {
	r := New()
	h := history("¿cuántos días de vacaciones anuales tengo?")

	result := r.Rewrite("¿qué plazo de preaviso exige el convenio para una excedencia voluntaria?", h)
	if result.WasRewritten {
		t.Errorf("self-contained query must not be rewritten, got %+v", result)
	}
	if result.Rewritten != result.Original {
		t.Error("rewritten must equal original when untouched")
	}
}

func TestRewrite_NoHistoryUnchanged(t *testing.T) {
	r := New()
	result := r.Rewrite("¿y eso?", nil)
	if result.WasRewritten {
		t.Error("without history there is nothing to resolve against")
	}
}

func TestRewrite_EnglishAnaphora(t *testing.T) {
	r := New()
	h := history("what does the contract say about termination notice periods in general terms?")

	result := r.Rewrite("does that apply to managers and directors as well?", h)
	if !result.WasRewritten || result.Reason != ReasonAnaphora {
		t.Errorf("expected english anaphora rewrite, got %+v", result)
	}
}
