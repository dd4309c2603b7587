// Package bus implements the message bus as a set of Redis/Valkey streams, one per Queue: a reusable consumer loop
// (XGroupCreateMkStream/XReadGroup/XAutoClaim/XPendingExt/XAck) parameterized by queue name and handler.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nvia/catalogd/internal/catalogerr"
)

const consumerGroup = "catalogd-workers"

// timeoutDeliveryLimit caps redeliveries of a message whose handler exceeded the soft deadline: the original
// delivery plus one retry, then the DLQ. Slow work gets a second chance; pathological work does not cycle forever.
const timeoutDeliveryLimit = 2

// ErrQueueFull is returned by Publish when the queue's soft length cap has been exceeded.
var ErrQueueFull = errors.New("bus: queue full")

// Bus publishes and consumes Envelopes across the named queues backed by Redis/Valkey streams.
type Bus struct {
	rdb            *redis.Client
	log            zerolog.Logger
	maxLen         int64
	retryMinIdle   time.Duration
	maxDeliveries  int64
	handlerTimeout time.Duration
}

// Config controls the bus's queue caps, retry cadence, and the per-message handler soft deadline.
type Config struct {
	MaxLen        int64
	RetryMinIdle  time.Duration
	MaxDeliveries int64
	// HandlerTimeout bounds one handler invocation; zero means the 60s default.
	HandlerTimeout time.Duration
}

// New creates a Bus bound to the given Redis/Valkey client.
func New(rdb *redis.Client, cfg Config, log zerolog.Logger) *Bus {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 60 * time.Second
	}
	return &Bus{
		rdb:            rdb,
		log:            log,
		maxLen:         cfg.MaxLen,
		retryMinIdle:   cfg.RetryMinIdle,
		maxDeliveries:  cfg.MaxDeliveries,
		handlerTimeout: cfg.HandlerTimeout,
	}
}

// Setup idempotently creates the consumer group for every queue, including the dlq queue, ignoring BUSYGROUP.
func (b *Bus) Setup(ctx context.Context) error {
	for _, q := range allQueues {
		err := b.rdb.XGroupCreateMkStream(ctx, string(q), consumerGroup, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group for %s: %w", q, err)
		}
	}
	return nil
}

// Publish appends env to the given queue, enforcing the soft MAXLEN cap. Callers should set env.ID (e.g. a fresh
// uuid.New().String()) and env.Timestamp before calling.
func (b *Bus) Publish(ctx context.Context, queue Queue, env Envelope) error {
	if b.maxLen > 0 {
		length, err := b.rdb.XLen(ctx, string(queue)).Result()
		if err == nil && length >= b.maxLen {
			return ErrQueueFull
		}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: string(queue),
		Values: map[string]any{"payload": string(data)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", queue, err)
	}
	return nil
}

// Consume spins up concurrency goroutines against queue, each running a reclaim-then-read loop, dispatching
// delivered envelopes to handler. Consume blocks until ctx is cancelled or an unrecoverable error occurs.
func (b *Bus) Consume(ctx context.Context, queue Queue, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerNum int) {
			errs <- b.consumeLoop(ctx, queue, workerNum, handler)
		}(i)
	}

	var firstErr error
	for i := 0; i < concurrency; i++ {
		if err := <-errs; err != nil && firstErr == nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) consumeLoop(ctx context.Context, queue Queue, workerNum int, handler Handler) error {
	consumerName := fmt.Sprintf("worker-%d-%s", workerNum, uuid.New().String()[:8])

	for {
		b.reclaimStale(ctx, queue, consumerName, handler)

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{string(queue), ">"},
			Count:    1,
			Block:    0,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("xreadgroup %s: %w", queue, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, queue, msg, handler)
			}
		}
	}
}

func (b *Bus) reclaimStale(ctx context.Context, queue Queue, consumerName string, handler Handler) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   string(queue),
		Group:    consumerGroup,
		Consumer: consumerName,
		MinIdle:  b.retryMinIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn().Err(err).Str("queue", string(queue)).Msg("Failed to reclaim stale messages")
		}
		return
	}

	for _, msg := range msgs {
		b.dispatch(ctx, queue, msg, handler)
	}
}

func (b *Bus) dispatch(ctx context.Context, queue Queue, msg redis.XMessage, handler Handler) {
	raw, ok := msg.Values["payload"]
	if !ok {
		b.log.Warn().Str("message_id", msg.ID).Str("queue", string(queue)).Msg("Message missing payload field")
		b.ack(ctx, queue, msg.ID)
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw.(string)), &env); err != nil {
		b.log.Warn().Err(err).Str("message_id", msg.ID).Str("queue", string(queue)).Msg("Failed to unmarshal envelope")
		b.deadLetter(ctx, queue, Envelope{ID: msg.ID}, "unmarshal failure: "+err.Error())
		b.ack(ctx, queue, msg.ID)
		return
	}

	// The soft deadline: a handler that outruns handlerTimeout sees its context cancelled, and its failure is
	// reclassified below so the timeout retry policy applies instead of the general transient one.
	hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	decision, err := handler(hctx, env)
	cancel()

	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = catalogerr.New(catalogerr.KindTimeout, fmt.Errorf("handler exceeded %s soft deadline: %w", b.handlerTimeout, err))
		decision = NackRequeue
	}
	if err != nil {
		b.log.Warn().Err(err).Str("envelope_id", env.ID).Str("queue", string(queue)).Msg("Handler returned error")
	}

	switch decision {
	case Ack:
		b.ack(ctx, queue, msg.ID)
	case NackDrop:
		reason := "handler requested drop"
		if err != nil {
			reason = err.Error()
		}
		b.deadLetter(ctx, queue, env, reason)
		b.ack(ctx, queue, msg.ID)
	case NackRequeue:
		limit := b.maxDeliveries
		reason := "max delivery attempts exceeded"
		if err != nil && catalogerr.KindOf(err) == catalogerr.KindTimeout {
			// A timed-out handler gets exactly one retry before the DLQ, a tighter budget than the general cap.
			limit = timeoutDeliveryLimit
			reason = "handler soft deadline exceeded on retry"
		}
		if b.deliveryCount(ctx, queue, msg.ID) >= limit {
			b.deadLetter(ctx, queue, env, reason)
			b.ack(ctx, queue, msg.ID)
			return
		}
		// Leave unacknowledged; the next reclaimStale pass will pick it up once retryMinIdle elapses.
	}
}

func (b *Bus) deliveryCount(ctx context.Context, queue Queue, messageID string) int64 {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(queue),
		Group:  consumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return b.maxDeliveries
	}
	return pending[0].RetryCount
}

func (b *Bus) ack(ctx context.Context, queue Queue, messageID string) {
	// The consume context may already be cancelled (shutdown, or a handler that cancelled it); the ack still goes out.
	ctx = context.WithoutCancel(ctx)
	if err := b.rdb.XAck(ctx, string(queue), consumerGroup, messageID).Err(); err != nil {
		b.log.Warn().Err(err).Str("message_id", messageID).Str("queue", string(queue)).Msg("Failed to ACK message")
	}
}

func (b *Bus) deadLetter(ctx context.Context, queue Queue, env Envelope, reason string) {
	// As in ack, a cancelled consume context must not drop the dead letter.
	ctx = context.WithoutCancel(ctx)
	dl := DeadLetter{Envelope: env, Queue: queue, Reason: reason}
	data, err := json.Marshal(dl)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to marshal dead letter")
		return
	}
	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: string(queueDLQ),
		Values: map[string]any{"payload": string(data)},
	}).Err(); err != nil {
		b.log.Error().Err(err).Msg("Failed to append to dlq")
	}
}

// SweepExpired scans queue's pending entries list and dead-letters any entry idle longer than ttl, emulating the
// per-message TTL Redis streams lack natively. Intended to be called periodically by the job monitor.
func (b *Bus) SweepExpired(ctx context.Context, queue Queue, ttl time.Duration) (int, error) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(queue),
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", queue, err)
	}

	swept := 0
	for _, p := range pending {
		if p.Idle < ttl {
			continue
		}
		msgs, err := b.rdb.XRange(ctx, string(queue), p.ID, p.ID).Result()
		if err != nil || len(msgs) == 0 {
			b.ack(ctx, queue, p.ID)
			continue
		}
		b.dispatch(ctx, queue, msgs[0], ttlExpiredHandler)
		swept++
	}
	return swept, nil
}

// ttlExpiredHandler always drops: it is only invoked by SweepExpired for entries that have outlived their TTL.
func ttlExpiredHandler(_ context.Context, _ Envelope) (Decision, error) {
	return NackDrop, errors.New("message TTL exceeded")
}
