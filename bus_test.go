package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func subscribe(t *testing.T, b *Bus, h MessageHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestBusDelivers(t *testing.T) {
	b := NewBus(WithWorkerCount(2))
	defer b.Close()

	var mu sync.Mutex
	got := map[string]bool{}
	subscribe(t, b, func(_ context.Context, p []byte) error {
		mu.Lock()
		got[string(p)] = true
		mu.Unlock()
		return nil
	})

	for _, p := range []string{"a", "b", "c"} {
		if err := b.Send(context.Background(), []byte(p)); err != nil {
			t.Fatalf("Failed to send %q: %v", p, err)
		}
	}
	waitFor(t, "three deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
}

func TestBusSendCopiesPayload(t *testing.T) {
	b := NewBus()
	defer b.Close()

	received := make(chan string, 1)
	subscribe(t, b, func(_ context.Context, p []byte) error {
		received <- string(p)
		return nil
	})

	buf := []byte("original")
	if err := b.Send(context.Background(), buf); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	copy(buf, "mutated!")
	select {
	case p := <-received:
		if p != "original" {
			t.Errorf("Expected the payload as sent, got %q", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}
}

func TestBusRetriesTransientFailures(t *testing.T) {
	b := NewBus(WithRedeliveryBackoff(time.Millisecond, 5*time.Millisecond))
	defer b.Close()

	var attempts atomic.Int32
	subscribe(t, b, func(context.Context, []byte) error {
		if attempts.Add(1) < 3 {
			return errors.New("database busy")
		}
		return nil
	})

	if err := b.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	waitFor(t, "third attempt", func() bool { return attempts.Load() >= 3 })
	time.Sleep(20 * time.Millisecond)
	if n := attempts.Load(); n != 3 {
		t.Errorf("Expected delivery to stop after success, got %d attempts", n)
	}
}

func TestBusDropsPermanentFailures(t *testing.T) {
	b := NewBus(WithRedeliveryBackoff(time.Millisecond, 5*time.Millisecond))
	defer b.Close()

	var attempts atomic.Int32
	subscribe(t, b, func(context.Context, []byte) error {
		attempts.Add(1)
		return &ParsingError{Err: errors.New("garbage")}
	})

	if err := b.Send(context.Background(), []byte("garbage")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	waitFor(t, "first attempt", func() bool { return attempts.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Errorf("Expected a permanent failure to be attempted once, got %d", n)
	}
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	b := NewBus(WithRedeliveryBackoff(time.Millisecond, 5*time.Millisecond))
	defer b.Close()

	var attempts atomic.Int32
	subscribe(t, b, func(context.Context, []byte) error {
		if attempts.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	if err := b.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	waitFor(t, "redelivery after panic", func() bool { return attempts.Load() >= 2 })
}

func TestBusClosedRejectsSend(t *testing.T) {
	b := NewBus()
	if err := b.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if err := b.Send(context.Background(), []byte("late")); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}
	if err := b.Subscribe(context.Background(), func(context.Context, []byte) error { return nil }); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed from Subscribe, got %v", err)
	}
	// Close is idempotent.
	if err := b.Close(); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}
}

func TestBusPublishTimeout(t *testing.T) {
	// Without a subscriber nothing drains the queue.
	b := NewBus(WithBufferSize(1), WithPublishTimeout(10*time.Millisecond), WithDrainTimeout(10*time.Millisecond))
	defer b.Close()

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = b.Send(context.Background(), []byte("x"))
	}
	if !errors.Is(err, ErrPublishTimeout) {
		t.Errorf("Expected ErrPublishTimeout once the queue is full, got %v", err)
	}
}

func TestBusCloseDrainsQueue(t *testing.T) {
	b := NewBus(WithDrainTimeout(2 * time.Second))
	var delivered atomic.Int32
	subscribe(t, b, func(context.Context, []byte) error {
		time.Sleep(time.Millisecond)
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 50; i++ {
		if err := b.Send(context.Background(), []byte("x")); err != nil {
			t.Fatalf("Failed to send: %v", err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
	if n := delivered.Load(); n != 50 {
		t.Errorf("Expected all 50 payloads delivered before Close returned, got %d", n)
	}
}
