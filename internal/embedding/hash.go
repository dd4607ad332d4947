package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
)

// HashModel is the model name reported by HashEmbedder.
const HashModel = "hash-v1"

// HashEmbedder produces seeded pseudo-random unit vectors. The seed is the
// FNV-1a hash of the text, so equal texts always map to equal vectors. It
// carries no semantics and exists so the pipeline works without an
// embedding provider.
type HashEmbedder struct {
	dimension int
}

var _ Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder creates a hash embedder producing vectors of length dimension.
func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension < 1 {
		dimension = 1
	}
	return &HashEmbedder{dimension: dimension}
}

// Embed never fails. The empty string maps to DefaultVector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return h.Vector(text), nil
}

// Vector is Embed without the error return.
func (h *HashEmbedder) Vector(text string) []float32 {
	if text == "" {
		return DefaultVector(h.dimension)
	}

	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(hasher.Sum64())))

	v := make([]float32, h.dimension)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return normalize(v)
}

// Dimension returns the vector length.
func (h *HashEmbedder) Dimension() int { return h.dimension }

// Model returns HashModel.
func (h *HashEmbedder) Model() string { return HashModel }

// DefaultVector is the vector used for empty text: every component equal,
// unit length.
func DefaultVector(dimension int) []float32 {
	v := make([]float32, dimension)
	c := float32(1 / math.Sqrt(float64(dimension)))
	for i := range v {
		v[i] = c
	}
	return v
}
