package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scrypster/fanout/internal/logging"
)

const (
	bodyField     = "body"
	maxReadBlock  = time.Second
	claimScanSize = 4
)

// RedisStreamBus is a Bus backed by a Redis stream. Each subscriber is a
// consumer group on the stream, so every subscriber sees every entry and
// keeps its own pending list. Failed entries stay pending and are claimed
// again once they have been idle for the backoff of their delivery count.
// Exhausted entries are copied to <stream>:dlq:<subscriber> and acknowledged.
type RedisStreamBus struct {
	client     *redis.Client
	ownsClient bool
	stream     string
	consumer   string
	opts       Options

	mu          sync.Mutex
	subscribers map[string]Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	closed      bool
	wg          sync.WaitGroup
}

// OpenRedisStreamBus connects to redisURL and returns a bus publishing to
// stream. The returned bus owns the client and closes it on Close.
func OpenRedisStreamBus(ctx context.Context, redisURL, stream string, opts Options) (*RedisStreamBus, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ropts.PoolSize = 10
	ropts.MinIdleConns = 2
	ropts.MaxRetries = 3
	ropts.DialTimeout = 5 * time.Second
	ropts.WriteTimeout = 3 * time.Second
	// XREADGROUP blocks up to maxReadBlock; leave headroom.
	ropts.ReadTimeout = maxReadBlock + 3*time.Second

	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b := NewRedisStreamBus(client, stream, opts)
	b.ownsClient = true
	return b, nil
}

// NewRedisStreamBus wraps an existing client. The caller keeps ownership of
// the client.
func NewRedisStreamBus(client *redis.Client, stream string, opts Options) *RedisStreamBus {
	return &RedisStreamBus{
		client:      client,
		stream:      stream,
		consumer:    "consumer-" + uuid.NewString(),
		opts:        opts.withDefaults(),
		subscribers: make(map[string]Subscription),
	}
}

// DeadLetterStream returns the stream holding dead letters for subscriber.
func (b *RedisStreamBus) DeadLetterStream(subscriber string) string {
	return b.stream + ":dlq:" + subscriber
}

// Publish appends body to the stream and returns the entry ID.
func (b *RedisStreamBus) Publish(ctx context.Context, body []byte) (string, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{bodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("bus: XADD %s: %w", b.stream, err)
	}
	b.opts.Metrics.MessagePublished()
	return id, nil
}

// Subscribe registers sub as a consumer group. Groups start at the end of
// the stream the first time they are created and resume from their last
// acknowledged entry afterwards.
func (b *RedisStreamBus) Subscribe(sub Subscription) error {
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
	b.subscribers[sub.Name] = sub

	if b.started {
		if err := b.ensureGroup(b.ctx, sub.Name); err != nil {
			delete(b.subscribers, sub.Name)
			return err
		}
		b.launch(sub)
	}
	return nil
}

// Start creates the consumer groups and launches one loop per subscriber.
func (b *RedisStreamBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return nil
	}

	for name := range b.subscribers {
		if err := b.ensureGroup(ctx, name); err != nil {
			return err
		}
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	for _, sub := range b.subscribers {
		b.launch(sub)
	}
	return nil
}

func (b *RedisStreamBus) ensureGroup(ctx context.Context, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("bus: create group %s on %s: %w", group, b.stream, err)
	}
	return nil
}

// launch must be called with b.mu held.
func (b *RedisStreamBus) launch(sub Subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(b.ctx, sub)
	}()
}

func (b *RedisStreamBus) consume(ctx context.Context, sub Subscription) {
	logger := logging.WithComponent(b.opts.Logger, "bus").With("subscriber", sub.Name, "stream", b.stream)
	logger.Debug("consumer loop started", "consumer", b.consumer)

	for ctx.Err() == nil {
		batch, err := b.claimDue(ctx, sub)
		if err == nil && len(batch) == 0 {
			batch, err = b.readNew(ctx, sub)
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("stream read failed", "error", err)
			sleep(ctx, b.opts.RedeliveryDelay)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		b.handle(ctx, sub, batch, logger)
	}

	logger.Debug("consumer loop stopped")
}

// readNew reads entries never delivered to the group.
func (b *RedisStreamBus) readNew(ctx context.Context, sub Subscription) ([]Delivery, error) {
	block := b.opts.RedeliveryDelay
	if block > maxReadBlock {
		block = maxReadBlock
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    sub.Name,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    int64(sub.BatchSize),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bus: XREADGROUP: %w", err)
	}

	var batch []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			batch = append(batch, Delivery{ID: msg.ID, Body: messageBody(msg), Attempt: 1})
		}
	}
	return batch, nil
}

// claimIdle is how long an entry with the given delivery count must sit idle
// before it may be claimed. It never drops below the handler timeout, so an
// entry still being handled by another consumer is not claimed.
func claimIdle(base, handlerTimeout time.Duration, attempts int) time.Duration {
	return max(baseBackoff(base, attempts), handlerTimeout)
}

// claimDue claims pending entries whose idle time has passed claimIdle for
// their delivery count. The delivery count reported by XPENDING is the
// number of attempts already made.
func (b *RedisStreamBus) claimDue(ctx context.Context, sub Subscription) ([]Delivery, error) {
	minIdle := max(b.opts.RedeliveryDelay, b.opts.HandlerTimeout)
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  sub.Name,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(sub.BatchSize * claimScanSize),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: XPENDING: %w", err)
	}

	attempts := make(map[string]int)
	var due []string
	for _, p := range pending {
		if p.Idle < claimIdle(b.opts.RedeliveryDelay, b.opts.HandlerTimeout, int(p.RetryCount)) {
			continue
		}
		attempts[p.ID] = int(p.RetryCount) + 1
		due = append(due, p.ID)
		if len(due) == sub.BatchSize {
			break
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.stream,
		Group:    sub.Name,
		Consumer: b.consumer,
		MinIdle:  minIdle,
		Messages: due,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("bus: XCLAIM: %w", err)
	}

	batch := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Values == nil {
			// Trimmed from the stream while pending; nothing left to deliver.
			_ = b.client.XAck(ctx, b.stream, sub.Name, msg.ID).Err()
			continue
		}
		batch = append(batch, Delivery{ID: msg.ID, Body: messageBody(msg), Attempt: attempts[msg.ID]})
	}
	return batch, nil
}

func (b *RedisStreamBus) handle(ctx context.Context, sub Subscription, batch []Delivery, logger *slog.Logger) {
	start := time.Now()
	result := invoke(ctx, b.opts.HandlerTimeout, sub.Handler, batch, b.opts.Logger)
	failed := failedSet(result, batch)
	b.opts.Metrics.BatchHandled(sub.Name, time.Since(start), len(batch)-len(failed), len(failed))

	var ack []string
	for _, d := range batch {
		if !failed[d.ID] {
			ack = append(ack, d.ID)
			continue
		}
		if d.Attempt >= b.opts.MaxDeliveries {
			if err := b.deadLetter(ctx, sub.Name, d); err != nil {
				logger.Error("dead-letter write failed, entry stays pending",
					"delivery_id", d.ID, "error", err)
				continue
			}
			logger.Error("delivery exhausted, dead-lettered",
				"delivery_id", d.ID, "attempt", d.Attempt)
			ack = append(ack, d.ID)
			continue
		}
		logger.Warn("delivery failed, left pending for redrive",
			"delivery_id", d.ID, "attempt", d.Attempt)
	}

	if len(ack) == 0 {
		return
	}
	// Acks use a fresh context so a shutdown after handling does not force a redelivery.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.client.XAck(ackCtx, b.stream, sub.Name, ack...).Err(); err != nil {
		logger.Error("XACK failed, entries will be redelivered", "count", len(ack), "error", err)
	}
}

func (b *RedisStreamBus) deadLetter(ctx context.Context, subscriber string, d Delivery) error {
	dl := DeadLetter{
		Subscriber: subscriber,
		DeliveryID: d.ID,
		Body:       string(d.Body),
		Attempts:   d.Attempt,
		DeadAt:     time.Now().UTC(),
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := b.client.XAdd(wctx, &redis.XAddArgs{
		Stream: b.DeadLetterStream(subscriber),
		Values: map[string]interface{}{
			"delivery_id": dl.DeliveryID,
			bodyField:     dl.Body,
			"attempts":    dl.Attempts,
			"dead_at":     dl.DeadAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return err
	}

	b.opts.Metrics.DeadLetter(subscriber)
	if b.opts.OnDeadLetter != nil {
		b.opts.OnDeadLetter(dl)
	}
	return nil
}

// DeadLetters reads the dead-letter stream of subscriber.
func (b *RedisStreamBus) DeadLetters(ctx context.Context, subscriber string) ([]DeadLetter, error) {
	b.mu.Lock()
	_, ok := b.subscribers[subscriber]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscriber, subscriber)
	}

	msgs, err := b.client.XRange(ctx, b.DeadLetterStream(subscriber), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("bus: XRANGE %s: %w", b.DeadLetterStream(subscriber), err)
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl := DeadLetter{Subscriber: subscriber, Body: stringField(msg, bodyField)}
		dl.DeliveryID = stringField(msg, "delivery_id")
		dl.Attempts, _ = strconv.Atoi(stringField(msg, "attempts"))
		dl.DeadAt, _ = time.Parse(time.RFC3339Nano, stringField(msg, "dead_at"))
		out = append(out, dl)
	}
	return out, nil
}

// Close stops the consumer loops. Unacknowledged entries stay pending in
// Redis and are claimed by the next consumer.
func (b *RedisStreamBus) Close() error {
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

	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func messageBody(msg redis.XMessage) []byte {
	return []byte(stringField(msg, bodyField))
}

func stringField(msg redis.XMessage, key string) string {
	switch v := msg.Values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
