package embedding

import (
	"log/slog"

	"github.com/scrypster/fanout/internal/config"
	"github.com/scrypster/fanout/internal/metrics"
)

// New selects the embedding strategy from configuration presence: an OpenAI
// key wins, then an Ollama URL. A network provider is wrapped in a
// FallbackEmbedder; with neither configured the HashEmbedder is used alone.
func New(cfg config.EmbeddingConfig, dimension int, logger *slog.Logger, m *metrics.Metrics) Embedder {
	if logger == nil {
		logger = slog.Default()
	}

	var primary Embedder
	switch {
	case cfg.OpenAIAPIKey != "":
		primary = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.OpenAIModel,
			BaseURL:   cfg.OpenAIBaseURL,
			Dimension: dimension,
			Timeout:   cfg.RequestTimeoutDuration(),
		})
	case cfg.OllamaURL != "":
		primary = NewOllamaEmbedder(OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.OllamaModel,
			Dimension: dimension,
			Timeout:   cfg.RequestTimeoutDuration(),
		})
	}

	if primary == nil {
		logger.Info("no embedding provider configured, using hash embedder",
			"component", "embedding", "dimension", dimension)
		return NewHashEmbedder(dimension)
	}

	logger.Info("embedding provider selected",
		"component", "embedding", "model", primary.Model(), "dimension", dimension)
	return NewFallbackEmbedder(primary, dimension, logger, m)
}
