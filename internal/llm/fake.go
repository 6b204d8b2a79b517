package llm

import (
	"context"
	"strings"
	"sync"
)

// Fake is a scriptable LLM for tests and offline development. Responses are
// consumed in order; when the script runs out the last response repeats.
type Fake struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

// NewFake creates a fake that replies with the given responses in order.
func NewFake(responses ...string) *Fake {
	if len(responses) == 0 {
		responses = []string{"respuesta generada"}
	}
	return &Fake{responses: responses}
}

// Fail makes every subsequent call return err.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Prompts returns a copy of every prompt seen so far.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}

func (f *Fake) next(prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, prompt)
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *Fake) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.next(prompt)
}

// GenerateStream emits the scripted response one word at a time.
func (f *Fake) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	resp, err := f.next(prompt)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		words := strings.SplitAfter(resp, " ")
		for i, word := range words {
			chunk := StreamChunk{Token: word, Done: i == len(words)-1}
			select {
			case <-ctx.Done():
				// The consumer may already be gone; never block on the
				// way out.
				select {
				case chunks <- StreamChunk{Error: ctx.Err(), Done: true}:
				default:
				}
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, nil
}

var _ LLM = (*Fake)(nil)
