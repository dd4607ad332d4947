// Package embedding turns event descriptions into fixed-dimension vectors.
//
// Network providers (OpenAI, Ollama) are protected by a circuit breaker and
// wrapped in a FallbackEmbedder whose fallback is the deterministic
// HashEmbedder, so the vector worker always gets a vector of the expected
// dimension.
package embedding

import (
	"context"
	"math"
)

// Embedder generates a vector for a piece of text.
type Embedder interface {
	// Embed returns a vector of length Dimension() for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the length of every vector this embedder produces.
	Dimension() int

	// Model identifies the model behind the embedder.
	Model() string
}

// CircuitReporter is implemented by embedders guarded by a circuit breaker.
type CircuitReporter interface {
	CircuitState() string
}

// CircuitState returns the breaker state behind e: "closed", "open" or
// "half-open". Embedders without a breaker report "none".
func CircuitState(e Embedder) string {
	if r, ok := e.(CircuitReporter); ok {
		return r.CircuitState()
	}
	return "none"
}

// normalize scales v to unit length in place. A zero vector is left as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}
