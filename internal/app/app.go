// Package app constructs every client of the service once, wires them
// together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/internal/config"
	"github.com/scrypster/fanout/internal/embedding"
	"github.com/scrypster/fanout/internal/ingest"
	"github.com/scrypster/fanout/internal/metrics"
	"github.com/scrypster/fanout/internal/recommend"
	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/internal/storage/postgres"
	"github.com/scrypster/fanout/internal/storage/qdrant"
	"github.com/scrypster/fanout/internal/storage/sqlite"
	"github.com/scrypster/fanout/internal/workers"
)

// App holds the constructed pipeline.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Bus       bus.Bus
	Records   storage.RecordStore
	Vectors   storage.VectorIndex
	Embedder  embedding.Embedder
	Gateway   *ingest.Gateway
	Recommend *recommend.Service

	RecordWorker *workers.RecordWorker
	VectorWorker *workers.VectorWorker

	mu        sync.Mutex
	listeners []func(bus.DeadLetter)
	closers   []io.Closer
	closed    bool
}

// Build constructs the pipeline described by cfg. Every client is created
// here and injected; on error the clients created so far are closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	if a.Records, err = openRecords(ctx, cfg.Records); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Records)

	if a.Vectors, err = openVectors(ctx, cfg.Vectors, cfg.Embedding); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Vectors)

	if a.Bus, err = openBus(ctx, cfg.Bus, bus.Options{
		MaxDeliveries:   cfg.Bus.MaxDeliveries,
		BatchSize:       cfg.Bus.BatchSize,
		HandlerTimeout:  cfg.Bus.HandlerTimeoutDuration(),
		RedeliveryDelay: cfg.Bus.RedeliveryDelayDuration(),
		Logger:          logger,
		Metrics:         a.Metrics,
		OnDeadLetter:    a.notifyDeadLetter,
	}); err != nil {
		return nil, err
	}
	// The bus stops its consumers before the stores close.
	a.closers = append([]io.Closer{a.Bus}, a.closers...)

	a.Embedder = embedding.New(cfg.Embedding, cfg.Vectors.Dimension, logger, a.Metrics)
	a.Gateway = ingest.NewGateway(a.Bus, logger, a.Metrics)

	a.RecordWorker = workers.NewRecordWorker(a.Records, cfg.Workers.Concurrency, logger, a.Metrics)
	a.VectorWorker = workers.NewVectorWorker(a.Vectors, a.Embedder, cfg.Workers.Concurrency, logger, a.Metrics)
	for _, sub := range []bus.Subscription{
		a.RecordWorker.Subscription(cfg.Bus.BatchSize),
		a.VectorWorker.Subscription(cfg.Bus.BatchSize),
	} {
		if err = a.Bus.Subscribe(sub); err != nil {
			return nil, fmt.Errorf("failed to subscribe %s: %w", sub.Name, err)
		}
	}

	resolver := recommend.NewHistoryResolver(a.Records, a.Vectors, cfg.Recommend.HistoryLimit)
	a.Recommend = recommend.NewService(a.Vectors, resolver, recommend.Options{
		Limits:     recommend.Limits{Default: cfg.Recommend.DefaultLimit, Max: cfg.Recommend.MaxLimit},
		ExcludeOwn: cfg.Recommend.ExcludeOwn,
		Logger:     logger,
		Metrics:    a.Metrics,
	})

	logger.Info("pipeline built",
		"component", "app",
		"bus", cfg.Bus.Backend,
		"records", cfg.Records.Backend,
		"vectors", cfg.Vectors.Backend,
		"embedding_model", a.Embedder.Model(),
		"dimension", cfg.Vectors.Dimension)
	return a, nil
}

func openRecords(ctx context.Context, cfg config.RecordsConfig) (storage.RecordStore, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.NewRecordStore(ctx, cfg.DSN, cfg.Table)
	default:
		return sqlite.NewRecordStore(ctx, cfg.DSN, cfg.Table)
	}
}

func openVectors(ctx context.Context, cfg config.VectorsConfig, emb config.EmbeddingConfig) (storage.VectorIndex, error) {
	switch cfg.Backend {
	case "pgvector":
		return postgres.NewVectorIndex(ctx, cfg.DSN, cfg.Collection, cfg.Dimension)
	case "qdrant":
		return qdrant.New(ctx, qdrant.Config{
			BaseURL:    cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.Collection,
			Dimension:  cfg.Dimension,
			Timeout:    emb.RequestTimeoutDuration(),
		})
	default:
		return sqlite.NewVectorIndex(ctx, cfg.DSN, cfg.Collection, cfg.Dimension)
	}
}

func openBus(ctx context.Context, cfg config.BusConfig, opts bus.Options) (bus.Bus, error) {
	switch cfg.Backend {
	case "redis":
		return bus.OpenRedisStreamBus(ctx, cfg.RedisURL, cfg.Topic, opts)
	default:
		return bus.NewMemoryBus(opts), nil
	}
}

// Start launches the bus consumers.
func (a *App) Start(ctx context.Context) error {
	return a.Bus.Start(ctx)
}

// Subscribers returns the names of the registered workers.
func (a *App) Subscribers() []string {
	return []string{workers.RecordSubscriber, workers.VectorSubscriber}
}

// EmbeddingCircuitState reports the breaker state of the embedding provider,
// or "none" when vectors come from the hash embedder alone.
func (a *App) EmbeddingCircuitState() string {
	return embedding.CircuitState(a.Embedder)
}

// OnDeadLetter registers fn to be called for every dead-lettered delivery.
// fn must not block.
func (a *App) OnDeadLetter(fn func(bus.DeadLetter)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *App) notifyDeadLetter(dl bus.DeadLetter) {
	a.mu.Lock()
	listeners := append([]func(bus.DeadLetter){}, a.listeners...)
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(dl)
	}
}

// WaitIdle blocks until every published message has been handled. Only the
// in-memory bus can report this; other backends return immediately.
func (a *App) WaitIdle(ctx context.Context) error {
	if mb, ok := a.Bus.(*bus.MemoryBus); ok {
		return mb.WaitIdle(ctx)
	}
	return nil
}

// Close stops the bus and releases every client. It is safe to call twice.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	closers := a.closers
	a.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
