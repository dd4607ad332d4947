// Package bus implements the fan-out message bus. Every subscriber gets its
// own copy of every published message, delivered at least once and in
// batches. Failed deliveries are redriven with exponential backoff until the
// delivery budget is spent, then moved to a per-subscriber dead-letter store.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/scrypster/fanout/internal/metrics"
)

var (
	// ErrClosed is returned by operations on a bus that has been closed.
	ErrClosed = errors.New("bus: closed")

	// ErrDuplicateSubscriber is returned when a subscriber name is reused.
	ErrDuplicateSubscriber = errors.New("bus: subscriber already registered")

	// ErrUnknownSubscriber is returned when a subscriber name is not registered.
	ErrUnknownSubscriber = errors.New("bus: unknown subscriber")

	// ErrInvalidSubscription is returned for a subscription without a name or handler.
	ErrInvalidSubscription = errors.New("bus: subscription requires a name and a handler")
)

// Delivery is one attempt to hand a message to one subscriber.
type Delivery struct {
	// ID identifies the delivery within its subscriber. It is stable across
	// redeliveries of the same message.
	ID string

	// Body is the raw published message.
	Body []byte

	// Attempt is 1 for the first delivery and grows with each redrive.
	Attempt int
}

// BatchResult reports which deliveries of a batch failed. Deliveries not
// listed are acknowledged.
type BatchResult struct {
	Failed []string
}

// Fail appends a failed delivery ID.
func (r *BatchResult) Fail(id string) {
	r.Failed = append(r.Failed, id)
}

// FailAll returns a result that fails every delivery in batch.
func FailAll(batch []Delivery) BatchResult {
	ids := make([]string, len(batch))
	for i, d := range batch {
		ids[i] = d.ID
	}
	return BatchResult{Failed: ids}
}

// Handler processes a batch of deliveries. The context carries the handler
// deadline; work unfinished when it expires must be reported as failed.
type Handler func(ctx context.Context, batch []Delivery) BatchResult

// Subscription registers an independent consumer.
type Subscription struct {
	Name      string
	Handler   Handler
	BatchSize int // 0 uses Options.BatchSize
}

// DeadLetter is a delivery that exhausted its delivery budget.
type DeadLetter struct {
	Subscriber string    `json:"subscriber"`
	DeliveryID string    `json:"deliveryId"`
	Body       string    `json:"body"`
	Attempts   int       `json:"attempts"`
	DeadAt     time.Time `json:"deadAt"`
}

// Bus is the fan-out contract shared by every backend.
type Bus interface {
	// Publish accepts a message for delivery to every subscriber and returns
	// its message ID. Acceptance is the only guarantee.
	Publish(ctx context.Context, body []byte) (string, error)

	// Subscribe registers a subscriber. Subscribers registered after Start
	// begin consuming immediately.
	Subscribe(sub Subscription) error

	// Start launches one dispatch loop per subscriber.
	Start(ctx context.Context) error

	// DeadLetters lists the dead letters recorded for subscriber.
	DeadLetters(ctx context.Context, subscriber string) ([]DeadLetter, error)

	// Close stops dispatching and releases resources.
	Close() error
}

// Options configures dispatch behaviour common to all backends.
type Options struct {
	MaxDeliveries   int
	BatchSize       int
	HandlerTimeout  time.Duration
	RedeliveryDelay time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnDeadLetter is invoked for every dead-lettered delivery. It must not block.
	OnDeadLetter func(DeadLetter)
}

func (o Options) withDefaults() Options {
	if o.MaxDeliveries < 1 {
		o.MaxDeliveries = 5
	}
	if o.BatchSize < 1 {
		o.BatchSize = 10
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.RedeliveryDelay <= 0 {
		o.RedeliveryDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

const maxBackoff = 5 * time.Minute

// baseBackoff returns base * 2^(attempts-1), capped at maxBackoff.
func baseBackoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 16 {
		shift = 16
	}
	d := base * time.Duration(1<<shift)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// backoff returns the redrive delay after the given failed attempt: the base
// backoff plus up to half of base in jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := baseBackoff(base, attempt)
	if half := int64(base / 2); half > 0 {
		d += time.Duration(rand.Int63n(half))
	}
	return d
}

// invoke runs the handler under the configured deadline. A panicking
// handler fails the whole batch.
func invoke(ctx context.Context, timeout time.Duration, h Handler, batch []Delivery, logger *slog.Logger) (result BatchResult) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked, failing batch", "panic", r, "batch_size", len(batch))
			result = FailAll(batch)
		}
	}()

	return h(hctx, batch)
}

// failedSet indexes the failed IDs of a result that belong to batch.
func failedSet(result BatchResult, batch []Delivery) map[string]bool {
	known := make(map[string]bool, len(batch))
	for _, d := range batch {
		known[d.ID] = true
	}
	failed := make(map[string]bool, len(result.Failed))
	for _, id := range result.Failed {
		if known[id] {
			failed[id] = true
		}
	}
	return failed
}
