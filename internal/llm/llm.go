// Package llm defines the text generation port and its implementations.
package llm

import "context"

// GenerateOptions configures a single generation request. Zero values fall
// back to the client's defaults.
type GenerateOptions struct {
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// StreamChunk is one fragment of a streamed response. The channel is closed
// after the chunk with Done set; Error reports a mid-stream failure.
type StreamChunk struct {
	Token string
	Done  bool
	Error error
}

// LLM is the generation port used by the answer orchestrator and the
// cross-encoder reranker.
type LLM interface {
	// Generate blocks until the full response is available.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateStream returns a channel of response fragments. Cancelling the
	// context stops generation; the final chunk carries ctx.Err.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)
}
