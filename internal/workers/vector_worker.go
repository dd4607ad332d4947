package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/internal/embedding"
	"github.com/scrypster/fanout/internal/fanout"
	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/metrics"
	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// VectorSubscriber is the bus subscriber name of the vector worker.
const VectorSubscriber = "vectors"

// VectorWorker embeds each envelope's description and upserts one point per
// event into the vector index.
type VectorWorker struct {
	index       storage.VectorIndex
	embedder    embedding.Embedder
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewVectorWorker creates a vector worker. concurrency bounds the number of
// in-flight embedding calls per batch; 0 means unbounded.
func NewVectorWorker(index storage.VectorIndex, embedder embedding.Embedder, concurrency int, logger *slog.Logger, m *metrics.Metrics) *VectorWorker {
	return &VectorWorker{
		index:       index,
		embedder:    embedder,
		concurrency: concurrency,
		logger:      logging.WithComponent(logger, "vector_worker").With("subscriber", VectorSubscriber),
		metrics:     m,
	}
}

// Subscription returns the bus registration for this worker.
func (w *VectorWorker) Subscription(batchSize int) bus.Subscription {
	return bus.Subscription{Name: VectorSubscriber, Handler: w.Handle, BatchSize: batchSize}
}

// Handle indexes a batch with a single bulk upsert. An upsert failure fails
// every valid delivery of the batch. Points are keyed by event ID, so a
// redriven batch overwrites what it already wrote.
func (w *VectorWorker) Handle(ctx context.Context, batch []bus.Delivery) bus.BatchResult {
	start := time.Now()
	items := decodeBatch(VectorSubscriber, batch, w.logger, w.metrics)
	if len(items) == 0 {
		return bus.BatchResult{}
	}

	vectors := fanout.Settle(ctx, w.concurrency, items, func(ctx context.Context, it item) ([]float32, error) {
		return w.embedder.Embed(ctx, it.env.Description)
	})

	var result bus.BatchResult
	// Duplicate event IDs collapse to one point; the last delivery wins.
	order := make([]string, 0, len(items))
	points := make(map[string]types.Point, len(items))
	var pending []string
	for i, o := range vectors {
		it := items[i]
		if !o.OK() {
			logging.WithEvent(w.logger, it.env.CompanyID, it.env.EventID).Error("embedding failed",
				"delivery_id", it.delivery.ID,
				"error", o.Err)
			result.Fail(it.delivery.ID)
			continue
		}
		if _, seen := points[it.env.EventID]; !seen {
			order = append(order, it.env.EventID)
		}
		points[it.env.EventID] = types.Point{ID: it.env.EventID, Vector: o.Value, Payload: *it.env}
		pending = append(pending, it.delivery.ID)
	}

	if len(order) == 0 {
		return result
	}

	batchPoints := make([]types.Point, 0, len(order))
	for _, id := range order {
		batchPoints = append(batchPoints, points[id])
	}

	if err := w.index.Upsert(ctx, batchPoints); err != nil {
		err = types.NewDependencyError("vector_index", "upsert", err)
		w.logger.Error("vector upsert failed",
			"points", len(batchPoints), "deliveries", len(pending), "error", err)
		for _, id := range pending {
			result.Fail(id)
		}
		return result
	}

	w.metrics.PointsWritten(len(batchPoints))
	w.logger.Debug("batch indexed",
		"size", len(batch), "points", len(batchPoints),
		"failed", len(result.Failed), "took", time.Since(start))
	return result
}
