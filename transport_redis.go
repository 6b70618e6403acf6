package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPayloadField = "payload"

// RedisTransport implements Transport on a Redis stream with a consumer
// group. Entries stay pending until acknowledged, and entries left pending by
// a failed or crashed consumer are claimed again once idle for MinIdle.
type RedisTransport struct {
	client   redis.UniversalClient
	stream   string
	group    string
	consumer string
	minIdle  time.Duration
	block    time.Duration
	batch    int64
	maxLen   int64
	log      *zap.Logger
}

// RedisOption configures RedisTransport.
type RedisOption func(*RedisTransport)

// WithRedisGroup sets the consumer group name.
func WithRedisGroup(group string) RedisOption {
	return func(t *RedisTransport) { t.group = group }
}

// WithRedisConsumer sets this process's consumer name within the group.
func WithRedisConsumer(name string) RedisOption {
	return func(t *RedisTransport) { t.consumer = name }
}

// WithRedisMinIdle sets how long an entry must stay pending before another
// read reclaims it.
func WithRedisMinIdle(d time.Duration) RedisOption {
	return func(t *RedisTransport) { t.minIdle = d }
}

// WithRedisBlock sets how long a read waits for new entries.
func WithRedisBlock(d time.Duration) RedisOption {
	return func(t *RedisTransport) { t.block = d }
}

// WithRedisMaxLen caps the stream length (approximate trimming). Zero keeps
// every entry.
func WithRedisMaxLen(n int64) RedisOption {
	return func(t *RedisTransport) { t.maxLen = n }
}

// WithRedisLogger sets the transport's logger.
func WithRedisLogger(l *zap.Logger) RedisOption {
	return func(t *RedisTransport) { t.log = l }
}

// NewRedisTransport returns a transport on stream.
func NewRedisTransport(client redis.UniversalClient, stream string, opts ...RedisOption) *RedisTransport {
	host, _ := os.Hostname()
	t := &RedisTransport{
		client:   client,
		stream:   stream,
		group:    "audit-service",
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		minIdle:  30 * time.Second,
		block:    2 * time.Second,
		batch:    16,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send appends payload to the stream.
func (t *RedisTransport) Send(ctx context.Context, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{redisPayloadField: payload},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", t.stream, err)
	}
	return nil
}

// Subscribe reads the stream through the consumer group until ctx is done.
func (t *RedisTransport) Subscribe(ctx context.Context, h MessageHandler) error {
	err := t.client.XGroupCreateMkStream(ctx, t.stream, t.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", t.group, err)
	}

	for ctx.Err() == nil {
		claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.stream,
			Group:    t.group,
			Consumer: t.consumer,
			MinIdle:  t.minIdle,
			Start:    "0-0",
			Count:    t.batch,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil
			}
			t.log.Warn("redis xautoclaim failed", zap.Error(err))
		}
		t.handle(ctx, h, claimed)

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: t.consumer,
			Streams:  []string{t.stream, ">"},
			Count:    t.batch,
			Block:    t.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			t.log.Warn("redis xreadgroup failed", zap.Error(err))
			time.Sleep(t.block)
			continue
		}
		for _, s := range streams {
			t.handle(ctx, h, s.Messages)
		}
	}
	return nil
}

func (t *RedisTransport) handle(ctx context.Context, h MessageHandler, msgs []redis.XMessage) {
	for _, m := range msgs {
		log := t.log.With(zap.String("stream_id", m.ID))
		var payload []byte
		switch v := m.Values[redisPayloadField].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		}
		if err := h(ctx, payload); err != nil && !IsPermanent(err) {
			log.Warn("audit message left pending for redelivery", zap.Error(err))
			continue
		} else if err != nil {
			log.Error("dropping undeliverable audit message", zap.Error(err))
		}
		if err := t.client.XAck(ctx, t.stream, t.group, m.ID).Err(); err != nil {
			log.Warn("redis xack failed", zap.Error(err))
		}
	}
}

// Close closes the underlying client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
