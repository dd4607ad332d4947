package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/internal/fanout"
	"github.com/scrypster/fanout/internal/logging"
	"github.com/scrypster/fanout/internal/metrics"
	"github.com/scrypster/fanout/internal/storage"
	"github.com/scrypster/fanout/pkg/types"
)

// RecordSubscriber is the bus subscriber name of the record worker.
const RecordSubscriber = "records"

// RecordWorker writes one row per envelope to the record store.
type RecordWorker struct {
	store       storage.RecordStore
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewRecordWorker creates a record worker. concurrency bounds the number of
// in-flight writes per batch; 0 means unbounded.
func NewRecordWorker(store storage.RecordStore, concurrency int, logger *slog.Logger, m *metrics.Metrics) *RecordWorker {
	return &RecordWorker{
		store:       store,
		concurrency: concurrency,
		logger:      logging.WithComponent(logger, "record_worker").With("subscriber", RecordSubscriber),
		metrics:     m,
	}
}

// Subscription returns the bus registration for this worker.
func (w *RecordWorker) Subscription(batchSize int) bus.Subscription {
	return bus.Subscription{Name: RecordSubscriber, Handler: w.Handle, BatchSize: batchSize}
}

// Handle persists a batch. Records are written concurrently and the call
// returns only once every write has resolved. Deliveries whose write failed
// are reported in the result so the bus redrives them; the rest are acked.
func (w *RecordWorker) Handle(ctx context.Context, batch []bus.Delivery) bus.BatchResult {
	start := time.Now()
	items := decodeBatch(RecordSubscriber, batch, w.logger, w.metrics)

	outcomes := fanout.Settle(ctx, w.concurrency, items, func(ctx context.Context, it item) (struct{}, error) {
		record, err := types.NewRecord(it.env)
		if err != nil {
			return struct{}{}, err
		}
		if err := w.store.Put(ctx, record); err != nil {
			return struct{}{}, types.NewDependencyError("record_store", "put", err)
		}
		return struct{}{}, nil
	})

	var result bus.BatchResult
	for _, i := range fanout.Failed(outcomes) {
		it := items[i]
		logging.WithEvent(w.logger, it.env.CompanyID, it.env.EventID).Error("record write failed",
			"delivery_id", it.delivery.ID,
			"attempt", it.delivery.Attempt,
			"error", outcomes[i].Err)
		result.Fail(it.delivery.ID)
	}
	for range len(items) - len(result.Failed) {
		w.metrics.RecordWritten()
	}

	w.logger.Debug("batch persisted",
		"size", len(batch), "written", len(items)-len(result.Failed),
		"failed", len(result.Failed), "took", time.Since(start))
	return result
}
