package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/dsgov-acme/devstream-audit-service"

// errCircuitOpen marks a publish that skipped the bus because the circuit
// breaker was open.
var errCircuitOpen = errors.New("bus circuit open")

// Pipeline moves events from producers to the RecordStore. Publish hands an
// event to the Transport and falls back to a direct store write when that
// fails; Consume persists inbound events idempotently. The two sides share no
// locks: idempotent inserts keyed on event id make redelivery and the
// fallback path safe to overlap.
type Pipeline struct {
	store     RecordStore
	transport Transport
	codec     Codec
	log       *zap.Logger
	metrics   PipelineMetrics
	circuit   *circuitBreaker
	limiter   *rate.Limiter
	tracer    trace.Tracer
	newID     func() uuid.UUID
}

// NewPipeline creates a Pipeline over store and transport.
//
// Parameters:
//   - store: The RecordStore events are persisted to.
//   - transport: The message bus events travel through.
//   - opts: Variadic PipelineOption functions to configure the pipeline.
//
// Returns:
//   - *Pipeline: A pointer to the initialized Pipeline.
func NewPipeline(store RecordStore, transport Transport, opts ...PipelineOption) *Pipeline {
	cfg := DefaultPipelineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.ConsumeBurst < 1 {
		cfg.ConsumeBurst = 1
	}
	limit := rate.Inf
	if cfg.ConsumeRateLimit > 0 {
		limit = rate.Limit(cfg.ConsumeRateLimit)
	}
	return &Pipeline{
		store:     store,
		transport: transport,
		codec:     cfg.Codec,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		circuit:   newCircuitBreaker(cfg.CircuitTimeout, cfg.CircuitMaxFails),
		limiter:   rate.NewLimiter(limit, cfg.ConsumeBurst),
		tracer:    cfg.TracerProvider.Tracer(instrumentationName),
		newID:     uuid.New,
	}
}

// Publish assigns e a fresh event id, replacing any id the caller set, and
// sends it to the bus without waiting for it to be consumed. If encoding or
// sending fails, or the circuit breaker is open, the event is written to the
// store before Publish returns.
//
// Parameters:
//   - ctx: Context for the send and any fallback write.
//   - e: The event to publish.
//
// Returns:
//   - AuditEvent: The event carrying its assigned id.
//   - error: Non-nil only when the fallback write itself failed.
func (p *Pipeline) Publish(ctx context.Context, e AuditEvent) (AuditEvent, error) {
	e.EventID = p.newID()
	ctx, span := p.tracer.Start(ctx, "audit.publish", trace.WithAttributes(
		attribute.String("audit.event_id", e.EventID.String()),
		attribute.String("audit.event_type", string(e.Type())),
	))
	defer span.End()

	err := p.send(ctx, e)
	if err == nil {
		p.circuit.RecordSuccess()
		p.metrics.EventPublished(e.Type())
		return e, nil
	}
	// Cancellation by the caller is not a transport failure.
	if !errors.Is(err, errCircuitOpen) && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		p.circuit.RecordFailure()
	}

	p.log.Warn("audit event not delivered to bus, persisting directly",
		zap.String("event_id", e.EventID.String()),
		zap.String("business_object_type", e.BusinessObject.Type),
		zap.String("business_object_id", e.BusinessObject.ID.String()),
		zap.Error(err),
	)
	span.AddEvent("fallback")
	res, ferr := p.store.InsertIfAbsent(ctx, e)
	if ferr != nil {
		span.RecordError(ferr)
		span.SetStatus(codes.Error, "fallback write failed")
		return e, fmt.Errorf("fallback persist of audit event %s: %w", e.EventID, ferr)
	}
	p.metrics.EventFallback(e.Type())
	p.log.Debug("audit event persisted by fallback",
		zap.String("event_id", e.EventID.String()), zap.Stringer("result", res))
	return e, nil
}

func (p *Pipeline) send(ctx context.Context, e AuditEvent) error {
	if !p.circuit.IsClosed() {
		return errCircuitOpen
	}
	payload, err := p.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := p.transport.Send(ctx, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Consume decodes one inbound payload and persists it. A payload that cannot
// be decoded yields a *ParsingError. An event that is already stored is not
// an error. Any other store failure is returned so the bus can redeliver.
func (p *Pipeline) Consume(ctx context.Context, payload []byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	defer func() { p.metrics.ConsumeLatency(time.Since(start)) }()

	ctx, span := p.tracer.Start(ctx, "audit.consume")
	defer span.End()

	e, err := p.codec.Decode(payload)
	if err != nil {
		perr := &ParsingError{Err: err}
		p.metrics.ParseFailure()
		p.log.Error("failed to parse audit event", zap.Int("bytes", len(payload)), zap.Error(err))
		span.RecordError(perr)
		span.SetStatus(codes.Error, "parse failure")
		return perr
	}
	span.SetAttributes(
		attribute.String("audit.event_id", e.EventID.String()),
		attribute.String("audit.event_type", string(e.Type())),
	)

	res, err := p.store.InsertIfAbsent(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		return fmt.Errorf("persist audit event %s: %w", e.EventID, err)
	}
	p.metrics.EventConsumed(e.Type(), res)
	if res == AlreadyExists {
		p.log.Info("audit event already persisted",
			zap.String("event_id", e.EventID.String()))
	}
	return nil
}

// Run subscribes Consume to the transport and blocks until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info("audit consumer started")
	defer p.log.Info("audit consumer stopped")
	return p.transport.Subscribe(ctx, p.Consume)
}
