package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// MessageHandler processes one inbound payload. A nil return acknowledges the
// message. A permanent error (see IsPermanent) acknowledges and drops it; any
// other error leaves it for redelivery.
type MessageHandler func(ctx context.Context, payload []byte) error

// Transport is the message bus boundary: opaque payloads out through Send and
// in through Subscribe. Delivery is at-least-once, so handlers see redelivered
// payloads routinely.
type Transport interface {
	// Send hands payload to the bus. It returns once the bus has accepted it.
	Send(ctx context.Context, payload []byte) error
	// Subscribe delivers inbound payloads to h until ctx is done.
	Subscribe(ctx context.Context, h MessageHandler) error
	// Close releases the transport's connections.
	Close() error
}

// redeliveryBackOff is the retry schedule for transient handler failures.
// It never gives up on its own; the caller's context bounds it.
func redeliveryBackOff(initial, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return b
}

// deliver runs h for payload, retrying transient failures on b until h
// succeeds, fails permanently or ctx ends. Permanent failures are logged and
// reported as delivered so the message is acknowledged.
func deliver(ctx context.Context, h MessageHandler, payload []byte, b backoff.BackOff, log *zap.Logger) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := h(ctx, payload)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		log.Warn("audit message handler failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil && IsPermanent(err) {
		log.Error("dropping undeliverable audit message", zap.Int("bytes", len(payload)), zap.Error(err))
		return nil
	}
	return err
}

// KafkaTransport implements Transport using Kafka.
type KafkaTransport struct {
	brokers    []string
	topic      string
	group      string
	config     *sarama.Config
	producer   sarama.SyncProducer
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger

	mu     sync.Mutex
	closed bool
	groups []sarama.ConsumerGroup
}

// KafkaOption configures KafkaTransport.
type KafkaOption func(*KafkaTransport)

// WithKafkaRetries sets the number of retries.
func WithKafkaRetries(n int) KafkaOption {
	return func(t *KafkaTransport) { t.maxRetries = n }
}

// WithKafkaRetryDelay sets the initial retry delay.
func WithKafkaRetryDelay(d time.Duration) KafkaOption {
	return func(t *KafkaTransport) { t.retryDelay = d }
}

// WithKafkaGroup sets the consumer group used by Subscribe.
func WithKafkaGroup(group string) KafkaOption {
	return func(t *KafkaTransport) { t.group = group }
}

// WithKafkaLogger sets the transport's logger.
func WithKafkaLogger(l *zap.Logger) KafkaOption {
	return func(t *KafkaTransport) { t.log = l }
}

// NewKafkaTransport creates a Kafka transport producing to topic.
func NewKafkaTransport(brokers []string, topic string, opts ...KafkaOption) (*KafkaTransport, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	t := &KafkaTransport{
		brokers:    brokers,
		topic:      topic,
		group:      "audit-service",
		config:     config,
		maxRetries: 3,
		retryDelay: 500 * time.Millisecond,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	t.producer = producer
	return t, nil
}

// Send sends a payload to Kafka with retry logic.
func (t *KafkaTransport) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	msg := &sarama.ProducerMessage{
		Topic: t.topic,
		Value: sarama.ByteEncoder(payload),
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retryDelay
	b.MaxElapsedTime = time.Duration(t.maxRetries) * t.retryDelay * 2
	return backoff.Retry(func() error {
		_, _, err := t.producer.SendMessage(msg)
		return err
	}, backoff.WithContext(b, ctx))
}

// Subscribe joins the consumer group and delivers messages to h until ctx is
// done. Offsets are marked only after h acknowledges a message.
func (t *KafkaTransport) Subscribe(ctx context.Context, h MessageHandler) error {
	group, err := sarama.NewConsumerGroup(t.brokers, t.group, t.config)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = group.Close()
		return ErrTransportClosed
	}
	t.groups = append(t.groups, group)
	t.mu.Unlock()

	go func() {
		for err := range group.Errors() {
			t.log.Warn("kafka consumer error", zap.Error(err))
		}
	}()

	handler := &kafkaGroupHandler{h: h, log: t.log, retryDelay: t.retryDelay}
	for {
		if err := group.Consume(ctx, []string{t.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			t.log.Warn("kafka consume session ended", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close shuts down the producer and any consumer groups.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	groups := t.groups
	t.groups = nil
	t.mu.Unlock()

	var errs []error
	for _, g := range groups {
		if err := g.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type kafkaGroupHandler struct {
	h          MessageHandler
	log        *zap.Logger
	retryDelay time.Duration
}

func (k *kafkaGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (k *kafkaGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (k *kafkaGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			log := k.log.With(zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset))
			if err := deliver(sess.Context(), k.h, msg.Value, redeliveryBackOff(k.retryDelay, 30*time.Second), log); err != nil {
				// Session is ending; leave the offset unmarked so the message is redelivered.
				return nil
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
