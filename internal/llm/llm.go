// Package llm provides text generation and embeddings through an
// OpenAI-compatible API, plus helpers for coercing model output into
// structured JSON.
package llm

import "context"

// Generator produces completions and embeddings. Implemented by Client
// and faked in tests.
type Generator interface {
	// Complete returns the model's response to a system/user prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}
