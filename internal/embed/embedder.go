// Package embed produces embedding vectors for message content. The
// production implementation talks to a local Ollama instance; search and
// the worker pool depend only on the Embedder interface.
package embed

import "context"

// Embedder turns text into a fixed-dimension embedding vector.
type Embedder interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model returns the identifier of the model producing the vectors.
	// Vectors from different models are never comparable.
	Model() string
}
