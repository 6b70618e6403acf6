// Package audit records immutable audit events about business objects and
// serves them back filtered, sorted and paginated.
//
// Core Concepts:
//
//   - AuditEvent: An append-only record about one business object, identified
//     by its type and id. An event is either an activity (carrying opaque
//     `Data`) or a state change (carrying `OldState` and `NewState`). The
//     variant lives in the sealed `Payload` interface, and `Type()` is derived
//     from it, so an event can never claim one variant while carrying the
//     other's fields.
//
//   - RecordStore: The durable home of events. It offers exactly two
//     operations: `InsertIfAbsent`, an idempotent insert keyed on event id, and
//     `FindPage`, a bounded range scan over one business object.
//
//   - Transport: The message bus boundary. Payloads go out through `Send` and
//     come back through `Subscribe`; delivery is at-least-once.
//
// Key Features:
//
//  1. Publish/Consume Pipeline:
//     `Pipeline.Publish` assigns every event a fresh id and sends it to the bus
//     without waiting for it to be consumed. When encoding or sending fails,
//     or the bus circuit breaker is open, the event is written straight to the
//     store before `Publish` returns, so callers never see bus outages.
//     `Pipeline.Consume` decodes and persists inbound payloads. A payload that
//     cannot be decoded yields a `*ParsingError`; an event that is already
//     stored (a redelivery, or one already written by the fallback path) is
//     logged and treated as success.
//
//  2. Query Engine:
//     `QueryEngine.FindAuditEvents` validates the time window, sort order and
//     paging bounds before reading, then returns the page together with
//     `PagingMetadata`. `NextPage` is the request URL with `pageNumber`
//     advanced, or nil on the last page.
//
//  3. Stores:
//     `SQLStore` runs on SQLite (`SQLite` dialect) or PostgreSQL (`Postgres`
//     dialect via pgx); `MongoStore` uses MongoDB; `MemoryStore` keeps events
//     in process.
//
//  4. Transports:
//     `KafkaTransport` (sarama producer and consumer group), `RedisTransport`
//     (Redis streams with a consumer group) and `Bus`, an in-process queue
//     with a worker pool for running the whole pipeline in one process.
//
//  5. Service:
//     `Service` authorizes each call through an `Authorizer`, validates and
//     maps submissions, fills request context gaps from the context (request
//     id, caller, trace and span), and publishes.
//
//  6. Observability:
//     Structured logging through zap (`NewLogger`, optionally rotating to a
//     file), Prometheus metrics (`NewPrometheusMetrics`) and OpenTelemetry
//     spans around publish and consume.
//
// Usage:
//
//	store := audit.NewMemoryStore()
//	bus := audit.NewBus()
//	defer bus.Close()
//	pipeline := audit.NewPipeline(store, bus, audit.WithLogger(logger))
//	go pipeline.Run(ctx)
//
//	svc := audit.NewService(audit.AllowAll, pipeline, audit.NewQueryEngine(store))
//	id, err := svc.Submit(ctx, "order", orderID, req)
package audit
