package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// recordingTransport keeps every payload it is sent. When err is set, Send
// fails instead.
type recordingTransport struct {
	mu       sync.Mutex
	payloads [][]byte
	sends    int
	err      error
}

func (t *recordingTransport) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends++
	if t.err != nil {
		return t.err
	}
	t.payloads = append(t.payloads, payload)
	return nil
}

func (t *recordingTransport) Subscribe(ctx context.Context, _ MessageHandler) error {
	<-ctx.Done()
	return nil
}

func (t *recordingTransport) Close() error { return nil }

type brokenCodec struct{ JSONCodec }

func (brokenCodec) Encode(AuditEvent) ([]byte, error) { return nil, errors.New("encoder exploded") }

// brokenStore fails every write.
type brokenStore struct{ MemoryStore }

func (*brokenStore) InsertIfAbsent(context.Context, AuditEvent) (InsertResult, error) {
	return 0, errors.New("disk full")
}

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	return NewPrometheusMetrics(prometheus.NewRegistry())
}

func sampleEvent() AuditEvent {
	return NewActivityEvent(testObject(), baseTime, "viewed", "order.viewed", "{}")
}

func TestPublishSendsWithoutPersisting(t *testing.T) {
	store := NewMemoryStore()
	transport := &recordingTransport{}
	m := newTestMetrics(t)
	p := NewPipeline(store, transport, WithMetrics(m))

	e, err := p.Publish(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Expected publish to leave persistence to the consumer, store has %d events", store.Len())
	}
	if len(transport.payloads) != 1 {
		t.Fatalf("Expected 1 payload on the bus, got %d", len(transport.payloads))
	}
	sent, err := JSONCodec{}.Decode(transport.payloads[0])
	if err != nil {
		t.Fatalf("Failed to decode sent payload: %v", err)
	}
	if sent.EventID != e.EventID {
		t.Errorf("Expected sent id %v, got %v", e.EventID, sent.EventID)
	}
	if got := testutil.ToFloat64(m.published.WithLabelValues(string(EventTypeActivity))); got != 1 {
		t.Errorf("Expected 1 published event, got %v", got)
	}
}

func TestPublishAssignsFreshIdentity(t *testing.T) {
	p := NewPipeline(NewMemoryStore(), &recordingTransport{})
	e := sampleEvent()
	callerID := uuid.New()
	e.EventID = callerID

	first, err := p.Publish(context.Background(), e)
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	second, err := p.Publish(context.Background(), e)
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if first.EventID == callerID || second.EventID == callerID {
		t.Error("Expected the caller supplied id to be replaced")
	}
	if first.EventID == second.EventID || first.EventID == uuid.Nil {
		t.Errorf("Expected distinct fresh ids, got %v and %v", first.EventID, second.EventID)
	}
}

func TestPublishFallsBackToStore(t *testing.T) {
	cases := map[string][]PipelineOption{
		"send failure":   nil,
		"encode failure": {WithCodec(brokenCodec{})},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			transport := &recordingTransport{}
			if opts == nil {
				transport.err = errors.New("broker unreachable")
			}
			m := newTestMetrics(t)
			p := NewPipeline(store, transport, append(opts, WithMetrics(m))...)

			e, err := p.Publish(context.Background(), sampleEvent())
			if err != nil {
				t.Fatalf("Expected fallback to absorb the failure, got %v", err)
			}
			if store.Len() != 1 {
				t.Fatalf("Expected the event to be persisted by the fallback, store has %d", store.Len())
			}
			got, _, err := store.FindPage(context.Background(), PageQuery{
				BusinessObjectType: e.BusinessObject.Type,
				BusinessObjectID:   e.BusinessObject.ID,
				SortBy:             SortByTimestamp,
				Direction:          SortAsc,
				PageSize:           1,
			})
			if err != nil || len(got) != 1 || got[0].EventID != e.EventID {
				t.Fatalf("Expected stored event %v, got %v (%v)", e.EventID, got, err)
			}
			if v := testutil.ToFloat64(m.fallback.WithLabelValues(string(EventTypeActivity))); v != 1 {
				t.Errorf("Expected 1 fallback, got %v", v)
			}
		})
	}
}

func TestPublishReportsFailedFallback(t *testing.T) {
	p := NewPipeline(&brokenStore{}, &recordingTransport{err: errors.New("down")})
	if _, err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("Expected an error when both the bus and the store fail")
	}
}

func TestPublishOpenCircuitSkipsBus(t *testing.T) {
	store := NewMemoryStore()
	transport := &recordingTransport{err: errors.New("down")}
	p := NewPipeline(store, transport, WithCircuitBreaker(time.Minute, 2))

	for i := 0; i < 5; i++ {
		if _, err := p.Publish(context.Background(), sampleEvent()); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}
	if transport.sends != 2 {
		t.Errorf("Expected the circuit to open after 2 failed sends, bus saw %d", transport.sends)
	}
	if store.Len() != 5 {
		t.Errorf("Expected all 5 events persisted, got %d", store.Len())
	}
}

func TestPublishCancelledCallerKeepsCircuitClosed(t *testing.T) {
	store := NewMemoryStore()
	transport := &recordingTransport{err: context.Canceled}
	p := NewPipeline(store, transport, WithCircuitBreaker(time.Minute, 2))

	for i := 0; i < 3; i++ {
		if _, err := p.Publish(context.Background(), sampleEvent()); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	// A generic send error seen after the caller gave up is not counted either.
	transport.err = errors.New("interrupted")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, _ = p.Publish(ctx, sampleEvent())
	}

	if transport.sends != 6 {
		t.Errorf("Expected every publish to reach the bus, bus saw %d", transport.sends)
	}
	if !p.circuit.IsClosed() {
		t.Error("Expected the circuit to stay closed")
	}
}

func TestConsumeIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMetrics(t)
	p := NewPipeline(store, &recordingTransport{}, WithMetrics(m))

	e := sampleEvent()
	e.EventID = uuid.New()
	payload, err := JSONCodec{}.Encode(e)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := p.Consume(context.Background(), payload); err != nil {
			t.Fatalf("Consume %d failed: %v", i, err)
		}
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 stored event after redelivery, got %d", store.Len())
	}
	if v := testutil.ToFloat64(m.consumed.WithLabelValues(string(EventTypeActivity), Inserted.String())); v != 1 {
		t.Errorf("Expected 1 inserted, got %v", v)
	}
	if v := testutil.ToFloat64(m.consumed.WithLabelValues(string(EventTypeActivity), AlreadyExists.String())); v != 1 {
		t.Errorf("Expected 1 already_exists, got %v", v)
	}
}

func TestConsumeAfterFallbackIsHarmless(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, &recordingTransport{err: errors.New("down")})
	e, err := p.Publish(context.Background(), sampleEvent())
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	// The bus may still deliver a payload whose send was reported as failed.
	payload, _ := JSONCodec{}.Encode(e)
	if err := p.Consume(context.Background(), payload); err != nil {
		t.Fatalf("Expected a duplicate to be accepted, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 stored event, got %d", store.Len())
	}
}

func TestConsumeParsingError(t *testing.T) {
	store := NewMemoryStore()
	m := newTestMetrics(t)
	p := NewPipeline(store, &recordingTransport{}, WithMetrics(m))

	for _, payload := range []string{"not json", `{"type":"Unknown","eventId":"` + uuid.NewString() + `"}`} {
		err := p.Consume(context.Background(), []byte(payload))
		var pe *ParsingError
		if !errors.As(err, &pe) {
			t.Fatalf("Expected *ParsingError for %q, got %v", payload, err)
		}
		if !IsPermanent(err) {
			t.Errorf("Expected parse failures to be permanent")
		}
	}
	if store.Len() != 0 {
		t.Errorf("Expected nothing stored, got %d", store.Len())
	}
	if v := testutil.ToFloat64(m.parseFail); v != 2 {
		t.Errorf("Expected 2 parse failures, got %v", v)
	}
}

func TestConsumeStoreFailureIsTransient(t *testing.T) {
	p := NewPipeline(&brokenStore{}, &recordingTransport{})
	e := sampleEvent()
	e.EventID = uuid.New()
	payload, _ := JSONCodec{}.Encode(e)

	err := p.Consume(context.Background(), payload)
	if err == nil {
		t.Fatal("Expected the store failure to surface")
	}
	if IsPermanent(err) {
		t.Error("Expected a store failure to be retryable")
	}
}

func TestConsumeRateLimit(t *testing.T) {
	p := NewPipeline(NewMemoryStore(), &recordingTransport{}, WithConsumeRateLimit(1, 1))
	e := sampleEvent()
	e.EventID = uuid.New()
	payload, _ := JSONCodec{}.Encode(e)

	if err := p.Consume(context.Background(), payload); err != nil {
		t.Fatalf("First consume should pass the limiter: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Consume(ctx, payload); err == nil {
		t.Error("Expected the second consume to be held back by the limiter")
	}
}

func TestPipelineOverBus(t *testing.T) {
	store := NewMemoryStore()
	bus := NewBus(WithRedeliveryBackoff(5*time.Millisecond, 20*time.Millisecond))
	p := NewPipeline(store, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	bo := testObject()
	for i := 0; i < 20; i++ {
		e := NewActivityEvent(bo, baseTime.Add(time.Duration(i)*time.Second), "tick", "order.tick", "{}")
		if _, err := p.Publish(context.Background(), e); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for store.Len() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.Len() != 20 {
		t.Fatalf("Expected 20 consumed events, got %d", store.Len())
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Failed to close bus: %v", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected a clean consumer stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consumer did not stop")
	}
}
