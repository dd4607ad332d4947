// Package workers holds the bus subscribers of the pipeline: the record
// persistence worker and the vector indexing worker. Each one consumes every
// published envelope independently and reports per-delivery failures back to
// the bus for redrive.
package workers

import (
	"log/slog"

	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/internal/metrics"
	"github.com/scrypster/fanout/pkg/types"
)

// item is a delivery whose body decoded into a usable envelope.
type item struct {
	delivery bus.Delivery
	env      *types.Envelope
}

// decodeBatch parses every delivery. Malformed payloads are logged, counted
// and dropped: they are acknowledged and never redelivered.
func decodeBatch(subscriber string, batch []bus.Delivery, logger *slog.Logger, m *metrics.Metrics) []item {
	items := make([]item, 0, len(batch))
	for _, d := range batch {
		env, err := types.ParseEnvelope(d.Body)
		if err != nil {
			m.MalformedDropped(subscriber)
			logger.Warn("dropping malformed payload",
				"delivery_id", d.ID, "attempt", d.Attempt, "error", err)
			continue
		}
		items = append(items, item{delivery: d, env: env})
	}
	return items
}
