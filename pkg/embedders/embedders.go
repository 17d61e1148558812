// Package embedders defines the text embedding boundary used by the memory
// subsystem and its OpenAI-compatible implementation.
package embedders

import (
	"context"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

// DefaultModel is used when an agent's memory config does not name one.
const DefaultModel = "text-embedding-3-small"

// DimensionFor returns the vector width of known embedding models.
func DimensionFor(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}
