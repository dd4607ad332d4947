package embedding

import (
	"context"
	"log/slog"

	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/metrics"
)

// FallbackEmbedder tries the primary embedder and substitutes the hash
// vector when the primary fails, its circuit is open, or it returns a
// vector of the wrong length. Embed never returns an error.
type FallbackEmbedder struct {
	primary  Embedder
	fallback *HashEmbedder
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ Embedder = (*FallbackEmbedder)(nil)

// NewFallbackEmbedder wraps primary. The fallback has the given dimension,
// which is also the dimension the wrapper guarantees.
func NewFallbackEmbedder(primary Embedder, dimension int, logger *slog.Logger, m *metrics.Metrics) *FallbackEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackEmbedder{
		primary:  primary,
		fallback: NewHashEmbedder(dimension),
		logger:   logging.WithComponent(logger, "embedding").With("model", primary.Model()),
		metrics:  m,
	}
}

// Embed returns the primary vector or the fallback vector.
func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return f.fallback.Vector(text), nil
	}

	vec, err := f.primary.Embed(ctx, text)
	if err != nil {
		f.logger.Warn("primary embedder failed, using fallback", "error", err)
		f.metrics.EmbeddingFallback("error")
		return f.fallback.Vector(text), nil
	}
	if len(vec) != f.fallback.Dimension() {
		f.logger.Warn("primary embedder returned wrong dimension, using fallback",
			"got", len(vec), "want", f.fallback.Dimension())
		f.metrics.EmbeddingFallback("dimension")
		return f.fallback.Vector(text), nil
	}
	return vec, nil
}

// Dimension returns the guaranteed vector length.
func (f *FallbackEmbedder) Dimension() int { return f.fallback.Dimension() }

// Model returns the primary model name.
func (f *FallbackEmbedder) Model() string { return f.primary.Model() }

// CircuitState reports the breaker state of the primary embedder.
func (f *FallbackEmbedder) CircuitState() string { return CircuitState(f.primary) }
