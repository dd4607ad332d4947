package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/fanout/internal/logging"
)

// MemoryBus is an in-process Bus. Each subscriber owns a FIFO queue and a
// dispatch goroutine; a slow or failing subscriber never blocks another.
// Messages published before a subscriber registers are not delivered to it.
type MemoryBus struct {
	opts Options

	mu          sync.RWMutex
	subscribers map[string]*memorySubscriber
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	closed      bool

	wg      sync.WaitGroup
	pending atomic.Int64
}

type memorySubscriber struct {
	sub    Subscription
	queue  *queue
	notify chan struct{}

	mu   sync.Mutex
	dead []DeadLetter
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(opts Options) *MemoryBus {
	return &MemoryBus{
		opts:        opts.withDefaults(),
		subscribers: make(map[string]*memorySubscriber),
	}
}

// Publish enqueues body on every registered subscriber's queue.
func (b *MemoryBus) Publish(ctx context.Context, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	payload := append([]byte(nil), body...)
	for _, s := range b.subscribers {
		b.pending.Add(1)
		s.queue.push(Delivery{ID: id, Body: payload, Attempt: 1})
		s.wake()
	}
	b.opts.Metrics.MessagePublished()
	return id, nil
}

// Subscribe registers sub. If the bus is already started the subscriber's
// dispatch loop begins immediately.
func (b *MemoryBus) Subscribe(sub Subscription) error {
	if sub.Name == "" || sub.Handler == nil {
		return ErrInvalidSubscription
	}
	if sub.BatchSize < 1 {
		sub.BatchSize = b.opts.BatchSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, exists := b.subscribers[sub.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSubscriber, sub.Name)
	}

	s := &memorySubscriber{
		sub:    sub,
		queue:  newQueue(),
		notify: make(chan struct{}, 1),
	}
	b.subscribers[sub.Name] = s
	if b.started {
		b.launch(s)
	}
	return nil
}

// Start launches the dispatch loops. The loops stop when ctx is cancelled or
// the bus is closed.
func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	for _, s := range b.subscribers {
		b.launch(s)
	}
	return nil
}

// launch must be called with b.mu held.
func (b *MemoryBus) launch(s *memorySubscriber) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(b.ctx, s)
	}()
}

func (b *MemoryBus) dispatch(ctx context.Context, s *memorySubscriber) {
	logger := logging.WithComponent(b.opts.Logger, "bus").With("subscriber", s.sub.Name)
	logger.Debug("dispatch loop started")

	for {
		if ctx.Err() != nil {
			logger.Debug("dispatch loop stopped")
			return
		}
		batch := s.queue.popN(s.sub.BatchSize)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				logger.Debug("dispatch loop stopped")
				return
			case <-s.notify:
				continue
			}
		}
		b.handle(ctx, s, batch, logger)
	}
}

func (b *MemoryBus) handle(ctx context.Context, s *memorySubscriber, batch []Delivery, logger *slog.Logger) {
	start := time.Now()
	result := invoke(ctx, b.opts.HandlerTimeout, s.sub.Handler, batch, b.opts.Logger)
	failed := failedSet(result, batch)
	b.opts.Metrics.BatchHandled(s.sub.Name, time.Since(start), len(batch)-len(failed), len(failed))

	for _, d := range batch {
		if !failed[d.ID] {
			b.pending.Add(-1)
			continue
		}

		if d.Attempt >= b.opts.MaxDeliveries {
			b.deadLetter(s, d)
			logger.Error("delivery exhausted, dead-lettered",
				"delivery_id", d.ID, "attempt", d.Attempt)
			continue
		}

		delay := backoff(b.opts.RedeliveryDelay, d.Attempt)
		logger.Warn("delivery failed, scheduling redrive",
			"delivery_id", d.ID, "attempt", d.Attempt, "delay", delay)

		next := d
		next.Attempt++
		time.AfterFunc(delay, func() { b.redrive(s, next) })
	}
}

func (b *MemoryBus) redrive(s *memorySubscriber, d Delivery) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.pending.Add(-1)
		return
	}
	s.queue.push(d)
	s.wake()
}

func (b *MemoryBus) deadLetter(s *memorySubscriber, d Delivery) {
	dl := DeadLetter{
		Subscriber: s.sub.Name,
		DeliveryID: d.ID,
		Body:       string(d.Body),
		Attempts:   d.Attempt,
		DeadAt:     time.Now().UTC(),
	}

	s.mu.Lock()
	s.dead = append(s.dead, dl)
	s.mu.Unlock()

	b.pending.Add(-1)
	b.opts.Metrics.DeadLetter(s.sub.Name)
	if b.opts.OnDeadLetter != nil {
		b.opts.OnDeadLetter(dl)
	}
}

func (s *memorySubscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// DeadLetters returns a copy of the dead letters recorded for subscriber.
func (b *MemoryBus) DeadLetters(_ context.Context, subscriber string) ([]DeadLetter, error) {
	b.mu.RLock()
	s, ok := b.subscribers[subscriber]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out, nil
}

// WaitIdle blocks until every delivery is acknowledged or dead-lettered, or
// ctx is done.
func (b *MemoryBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bus: %d deliveries still pending: %w", b.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close stops the dispatch loops and waits for in-flight handlers to return.
// Queued deliveries are discarded.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	b.wg.Wait()

	for _, s := range b.subscribers {
		b.pending.Add(-int64(s.queue.clear()))
	}
	return nil
}
